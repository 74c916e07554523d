package replog

import "sync"

// PrimaryLog is the primary's in-memory log. The sequence counter and the
// entries live behind one mutex so that numbering and append order agree.
type PrimaryLog struct {
	mu      sync.Mutex
	lastSeq uint64
	entries []LogEntry
}

func NewPrimaryLog() *PrimaryLog {
	return &PrimaryLog{}
}

// Append assigns the next sequence number to message and appends the entry.
// Numbers start at 1 and are never reused.
func (l *PrimaryLog) Append(message string) LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeq++
	entry := LogEntry{SequenceNumber: l.lastSeq, Message: message}
	l.entries = append(l.entries, entry)
	return entry
}

// Entries returns a copy of the log in insertion order.
func (l *PrimaryLog) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *PrimaryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *PrimaryLog) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}
