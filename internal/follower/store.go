// Package follower holds a follower node's copy of the replicated log and
// serves it to the primary over gRPC.
package follower

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"replog/internal/replog"
)

var (
	// ErrInjectedFailure is returned by Apply while failure injection is on.
	ErrInjectedFailure = errors.New("failure injected")
	// ErrInvalidSequence is returned for entries without a sequence number.
	ErrInvalidSequence = errors.New("sequence number must be positive")
)

// StoreConfig configures fault injection on a Store.
type StoreConfig struct {
	// Delay is slept before every apply.
	Delay time.Duration
	// Failure makes every apply fail and the node report itself unhealthy.
	Failure bool

	Logger *zap.Logger
	Clock  clock.Clock
}

// Store is a follower's log. Entries are keyed by sequence number, so
// applying the same entry twice is the same as applying it once. The log may
// have gaps; readers only see the gap-free run starting at the lowest number.
type Store struct {
	mu      sync.RWMutex
	entries map[uint64]replog.LogEntry

	delay   atomic.Int64
	failing atomic.Bool

	clock  clock.Clock
	logger *zap.Logger
}

func NewStore(cfg StoreConfig) *Store {
	s := &Store{
		entries: make(map[uint64]replog.LogEntry),
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("component", "store"))
	s.delay.Store(int64(cfg.Delay))
	s.failing.Store(cfg.Failure)
	return s
}

// Apply stores entry unless it is already held. applied reports whether the
// entry was new.
func (s *Store) Apply(ctx context.Context, entry replog.LogEntry) (applied bool, err error) {
	if s.failing.Load() {
		return false, ErrInjectedFailure
	}
	if entry.SequenceNumber == 0 {
		return false, ErrInvalidSequence
	}

	if d := s.Delay(); d > 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-s.clock.After(d):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.SequenceNumber]; ok {
		s.logger.Debug("Duplicate entry ignored", zap.Uint64("sequence_number", entry.SequenceNumber))
		return false, nil
	}
	s.entries[entry.SequenceNumber] = entry
	s.logger.Debug("Entry applied", zap.Uint64("sequence_number", entry.SequenceNumber))
	return true, nil
}

// Contiguous returns the entries from the lowest held sequence number up to
// the first gap.
func (s *Store) Contiguous() []replog.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.sortedKeys()
	out := make([]replog.LogEntry, 0, len(keys))
	for i, k := range keys {
		if i > 0 && k != keys[i-1]+1 {
			break
		}
		out = append(out, s.entries[k])
	}
	return out
}

// Entries returns every held entry in sequence order, gaps included.
func (s *Store) Entries() []replog.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.sortedKeys()
	out := make([]replog.LogEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.entries[k])
	}
	return out
}

// sortedKeys must be called with mu held.
func (s *Store) sortedKeys() []uint64 {
	keys := make([]uint64, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Healthy is false exactly while failure injection is on.
func (s *Store) Healthy() bool {
	return !s.failing.Load()
}

func (s *Store) setFailure(on bool) {
	s.failing.Store(on)
}

func (s *Store) Delay() time.Duration {
	return time.Duration(s.delay.Load())
}

func (s *Store) setDelay(d time.Duration) {
	s.delay.Store(int64(d))
}
