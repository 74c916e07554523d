// Package replog implements the primary side of a single-leader replicated
// log: sequence assignment, follower health tracking, the quorum gate and the
// write-concern driven replication fan-out.
package replog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"replog/internal/pubsub"
)

// LogEntry is one replicated record. Entries are immutable once the primary
// has assigned their sequence number.
type LogEntry struct {
	SequenceNumber uint64 `json:"sequence_number"`
	Message        string `json:"message"`
}

// HealthStatus is the binary health verdict for a follower.
type HealthStatus int

const (
	// Healthy followers count toward the write quorum and are retried on failure.
	Healthy HealthStatus = iota
	// Unhealthy followers get a single send attempt per write.
	Unhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText lets the status appear by name in JSON output.
func (s HealthStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FollowerHealth is the primary's view of a single follower.
type FollowerHealth struct {
	Address             string       `json:"address"`
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastProbe           time.Time    `json:"last_probe,omitempty"`
	LastError           string       `json:"last_error,omitempty"`
}

// HealthSnapshot maps follower address to its health. A snapshot is never
// mutated after it has been published.
type HealthSnapshot map[string]FollowerHealth

// FollowerClient is the transport the primary uses to reach followers.
type FollowerClient interface {
	// Replicate delivers entry to the follower at address. A nil error means
	// the follower confirmed it holds the entry.
	Replicate(ctx context.Context, address string, entry LogEntry) error
	// Probe reports whether the follower at address is serving.
	Probe(ctx context.Context, address string) error
}

// Event types published on the primary's event bus.
const (
	// FollowerHealthChanged carries a HealthChange.
	FollowerHealthChanged pubsub.EventType = iota + 1
	// BackgroundReplicationFinished carries a BackgroundResult.
	BackgroundReplicationFinished
)

// HealthChange is published whenever a follower flips between healthy and
// unhealthy.
type HealthChange struct {
	Address string
	From    HealthStatus
	To      HealthStatus
}

// BackgroundResult is published when a send that was detached from its write
// request finishes.
type BackgroundResult struct {
	Address        string
	SequenceNumber uint64
	Result         SendResult
}

var (
	// ErrQuorumUnavailable is returned when too few nodes are healthy to accept writes.
	ErrQuorumUnavailable = errors.New("quorum unavailable: too few healthy nodes to accept writes")
	// ErrInvalidWriteConcern is returned for a write concern outside 1..cluster size.
	ErrInvalidWriteConcern = errors.New("invalid write concern")
	// ErrInvalidConfig wraps every configuration problem.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrStopped is returned by writes submitted after Stop.
	ErrStopped = errors.New("primary stopped")
)

// ReplicationError reports a write that was sequenced and stored on the
// primary but did not reach its write concern.
type ReplicationError struct {
	SequenceNumber uint64
	WriteConcern   int
	Errors         []string
}

func (e *ReplicationError) Error() string {
	return fmt.Sprintf("replication failed for sequence %d: write concern %d not met: %s",
		e.SequenceNumber, e.WriteConcern, strings.Join(e.Errors, "; "))
}

// Config holds the primary's configuration.
type Config struct {
	// Followers lists the follower addresses. Membership is fixed for the
	// lifetime of the primary.
	Followers []string

	// DefaultWriteConcern is used when a write asks for write concern 0.
	// Zero means the whole cluster.
	DefaultWriteConcern int

	// HealthCheckInterval is the period between probe rounds.
	HealthCheckInterval time.Duration

	// HealthCheckTimeout bounds a single probe.
	HealthCheckTimeout time.Duration

	// FailureThreshold is the number of consecutive failed probes after
	// which a follower is marked unhealthy.
	FailureThreshold int

	// MaxAttempts caps the number of sends per follower per write.
	MaxAttempts int

	// InitialBackoff is the wait after the first and second failed attempts.
	// Later waits double until MaxBackoff.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// AttemptTimeout bounds a single send.
	AttemptTimeout time.Duration

	// BackgroundWorkers caps concurrently running detached sends.
	BackgroundWorkers int

	Logger  *zap.Logger
	Clock   clock.Clock
	Metrics *Metrics
}

// DefaultConfig returns a Config with the default timings.
func DefaultConfig() *Config {
	return &Config{
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  2 * time.Second,
		FailureThreshold:    3,
		MaxAttempts:         20,
		InitialBackoff:      2 * time.Second,
		MaxBackoff:          16 * time.Second,
		AttemptTimeout:      10 * time.Second,
		BackgroundWorkers:   10,
		Logger:              zap.NewNop(),
		Clock:               clock.New(),
	}
}

// ClusterSize is the number of nodes including the primary.
func (c *Config) ClusterSize() int {
	return len(c.Followers) + 1
}

// QuorumSize is the number of healthy nodes needed to accept writes in a
// cluster of n nodes.
func QuorumSize(n int) int {
	return n/2 + 1
}
