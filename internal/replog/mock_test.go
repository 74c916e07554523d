package replog

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"
)

// MockFollowerClient is a testify mock of FollowerClient.
type MockFollowerClient struct {
	mock.Mock
}

func (m *MockFollowerClient) Replicate(ctx context.Context, address string, entry LogEntry) error {
	args := m.Called(ctx, address, entry)
	return args.Error(0)
}

func (m *MockFollowerClient) Probe(ctx context.Context, address string) error {
	args := m.Called(ctx, address)
	return args.Error(0)
}

// staticHealth reports the same verdict for every follower.
type staticHealth bool

func (h staticHealth) IsHealthy(string) bool { return bool(h) }

// staticView serves a fixed snapshot.
type staticView HealthSnapshot

func (v staticView) Snapshot() HealthSnapshot { return HealthSnapshot(v) }

// instaWait skips backoff sleeps.
func instaWait() func(time.Duration) <-chan time.Time {
	return func(time.Duration) <-chan time.Time {
		out := make(chan time.Time)
		close(out)
		return out
	}
}

// recordingWait skips backoff sleeps and records each requested delay.
func recordingWait(rec *[]time.Duration) func(time.Duration) <-chan time.Time {
	return func(d time.Duration) <-chan time.Time {
		*rec = append(*rec, d)
		out := make(chan time.Time)
		close(out)
		return out
	}
}

func newTestConfig(t *testing.T, followers ...string) (*Config, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	cfg := DefaultConfig()
	cfg.Followers = followers
	cfg.Logger = zaptest.NewLogger(t)
	cfg.Clock = clk
	return cfg, clk
}
