package replog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Outcome classifies a single send.
type Outcome int

const (
	Success Outcome = iota
	// RetryableFailure means the send failed but may be tried again.
	RetryableFailure
	// TerminalFailure means no further attempts will be made.
	TerminalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable"
	case TerminalFailure:
		return "terminal"
	default:
		return "unknown"
	}
}

// SendResult is the outcome of delivering one entry to one follower.
type SendResult struct {
	Outcome  Outcome
	Reason   string
	Attempts int
}

func (r SendResult) OK() bool { return r.Outcome == Success }

// HealthChecker reports the monitor's current verdict for a follower.
type HealthChecker interface {
	IsHealthy(address string) bool
}

// RetryingTransport delivers entries to followers, retrying failed sends with
// exponential backoff while the follower is considered healthy.
type RetryingTransport struct {
	client         FollowerClient
	health         HealthChecker
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	attemptTimeout time.Duration

	// wait returns a channel that fires after d. Tests replace it to skip
	// the backoff sleeps.
	wait func(d time.Duration) <-chan time.Time

	logger  *zap.Logger
	metrics *Metrics
}

func NewRetryingTransport(cfg *Config, client FollowerClient, health HealthChecker) *RetryingTransport {
	return &RetryingTransport{
		client:         client,
		health:         health,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		attemptTimeout: cfg.AttemptTimeout,
		wait:           cfg.Clock.After,
		logger:         cfg.Logger.With(zap.String("component", "transport")),
		metrics:        cfg.Metrics,
	}
}

// Send delivers entry to address. The first attempt is always made; after a
// failure the follower's health decides whether to retry. Retrying stops at
// maxAttempts attempts or when ctx is done.
func (t *RetryingTransport) Send(ctx context.Context, address string, entry LogEntry) SendResult {
	for attempt := 1; ; attempt++ {
		res := t.attempt(ctx, address, entry)
		res.Attempts = attempt
		if res.Outcome != RetryableFailure {
			return res
		}
		if attempt >= t.maxAttempts {
			return SendResult{
				Outcome:  TerminalFailure,
				Reason:   fmt.Sprintf("giving up after %d attempts: %s", attempt, res.Reason),
				Attempts: attempt,
			}
		}

		delay := t.backoff(attempt)
		t.metrics.Retry(address)
		t.logger.Debug("Retrying send",
			zap.String("follower", address),
			zap.Uint64("sequence_number", entry.SequenceNumber),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.String("reason", res.Reason),
		)

		select {
		case <-ctx.Done():
			return SendResult{
				Outcome:  TerminalFailure,
				Reason:   fmt.Sprintf("cancelled after %d attempts: %v", attempt, ctx.Err()),
				Attempts: attempt,
			}
		case <-t.wait(delay):
		}
	}
}

func (t *RetryingTransport) attempt(ctx context.Context, address string, entry LogEntry) SendResult {
	actx, cancel := context.WithTimeout(ctx, t.attemptTimeout)
	err := t.client.Replicate(actx, address, entry)
	cancel()

	switch {
	case err == nil:
		return SendResult{Outcome: Success}
	case ctx.Err() != nil:
		return SendResult{Outcome: TerminalFailure, Reason: fmt.Sprintf("cancelled: %v", err)}
	case !t.health.IsHealthy(address):
		return SendResult{Outcome: TerminalFailure, Reason: fmt.Sprintf("follower marked unhealthy: %v", err)}
	default:
		return SendResult{Outcome: RetryableFailure, Reason: err.Error()}
	}
}

// backoff returns the wait after the given number of failed attempts:
// initial, initial, then doubling up to maxBackoff.
func (t *RetryingTransport) backoff(failed int) time.Duration {
	if failed <= 2 {
		return t.initialBackoff
	}
	shift := failed - 2
	if shift > 30 {
		return t.maxBackoff
	}
	d := t.initialBackoff << shift
	if d > t.maxBackoff || d <= 0 {
		return t.maxBackoff
	}
	return d
}
