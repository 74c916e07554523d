package replog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testEntry = LogEntry{SequenceNumber: 1, Message: "A"}

func TestRetryingTransport_BackoffSchedule(t *testing.T) {
	cfg, _ := newTestConfig(t, "f1")
	tr := NewRetryingTransport(cfg, &MockFollowerClient{}, staticHealth(true))

	want := []time.Duration{
		2 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		16 * time.Second,
		16 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, tr.backoff(i+1), "after %d failures", i+1)
	}
	assert.Equal(t, 16*time.Second, tr.backoff(100))
}

func TestRetryingTransport_SucceedsAfterTwoFailures(t *testing.T) {
	cfg, _ := newTestConfig(t, "f1")
	client := &MockFollowerClient{}
	client.On("Replicate", mock.Anything, "f1", testEntry).Return(errors.New("unavailable")).Twice()
	client.On("Replicate", mock.Anything, "f1", testEntry).Return(nil).Once()

	var waits []time.Duration
	tr := NewRetryingTransport(cfg, client, staticHealth(true))
	tr.wait = recordingWait(&waits)

	res := tr.Send(context.Background(), "f1", testEntry)

	assert.True(t, res.OK())
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, waits)
	client.AssertExpectations(t)
}

func TestRetryingTransport_GivesUpAfterMaxAttempts(t *testing.T) {
	cfg, _ := newTestConfig(t, "f1")
	client := &MockFollowerClient{}
	client.On("Replicate", mock.Anything, "f1", testEntry).Return(errors.New("unavailable"))

	var waits []time.Duration
	tr := NewRetryingTransport(cfg, client, staticHealth(true))
	tr.wait = recordingWait(&waits)

	res := tr.Send(context.Background(), "f1", testEntry)

	assert.Equal(t, TerminalFailure, res.Outcome)
	assert.Equal(t, 20, res.Attempts)
	assert.Contains(t, res.Reason, "giving up after 20 attempts: unavailable")
	client.AssertNumberOfCalls(t, "Replicate", 20)

	require.Len(t, waits, 19)
	var total time.Duration
	for _, w := range waits {
		total += w
	}
	assert.Equal(t, 256*time.Second, total)
}

func TestRetryingTransport_UnhealthyFollowerGetsOneAttempt(t *testing.T) {
	cfg, _ := newTestConfig(t, "f1")
	client := &MockFollowerClient{}
	client.On("Replicate", mock.Anything, "f1", testEntry).Return(errors.New("unavailable"))

	tr := NewRetryingTransport(cfg, client, staticHealth(false))
	tr.wait = instaWait()

	res := tr.Send(context.Background(), "f1", testEntry)

	assert.Equal(t, TerminalFailure, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Reason, "follower marked unhealthy")
	client.AssertNumberOfCalls(t, "Replicate", 1)
}

func TestRetryingTransport_UnhealthyFollowerCanStillAck(t *testing.T) {
	cfg, _ := newTestConfig(t, "f1")
	client := &MockFollowerClient{}
	client.On("Replicate", mock.Anything, "f1", testEntry).Return(nil)

	tr := NewRetryingTransport(cfg, client, staticHealth(false))

	res := tr.Send(context.Background(), "f1", testEntry)

	assert.True(t, res.OK())
	assert.Equal(t, 1, res.Attempts)
}

func TestRetryingTransport_CancelledContextIsTerminal(t *testing.T) {
	cfg, _ := newTestConfig(t, "f1")
	client := &MockFollowerClient{}
	client.On("Replicate", mock.Anything, "f1", testEntry).Return(context.Canceled)

	tr := NewRetryingTransport(cfg, client, staticHealth(true))
	tr.wait = instaWait()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := tr.Send(ctx, "f1", testEntry)

	assert.Equal(t, TerminalFailure, res.Outcome)
	assert.Contains(t, res.Reason, "cancelled")
	client.AssertNumberOfCalls(t, "Replicate", 1)
}

func TestRetryingTransport_CancelDuringBackoff(t *testing.T) {
	cfg, _ := newTestConfig(t, "f1")
	client := &MockFollowerClient{}
	client.On("Replicate", mock.Anything, "f1", testEntry).Return(errors.New("unavailable"))

	ctx, cancel := context.WithCancel(context.Background())
	tr := NewRetryingTransport(cfg, client, staticHealth(true))
	tr.wait = func(time.Duration) <-chan time.Time {
		cancel()
		return make(chan time.Time) // never fires
	}

	res := tr.Send(ctx, "f1", testEntry)

	assert.Equal(t, TerminalFailure, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Reason, "cancelled after 1 attempts")
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "retryable", RetryableFailure.String())
	assert.Equal(t, "terminal", TerminalFailure.String())
}
