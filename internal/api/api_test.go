package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"replog/internal"
	"replog/internal/replog"
)

type mockPrimary struct {
	mock.Mock
}

func (m *mockPrimary) SubmitWrite(ctx context.Context, message string, writeConcern int) (replog.LogEntry, error) {
	args := m.Called(ctx, message, writeConcern)
	return args.Get(0).(replog.LogEntry), args.Error(1)
}

func (m *mockPrimary) Entries() []replog.LogEntry {
	return m.Called().Get(0).([]replog.LogEntry)
}

func (m *mockPrimary) Health() replog.HealthSnapshot {
	return m.Called().Get(0).(replog.HealthSnapshot)
}

func (m *mockPrimary) CanAcceptWrites() bool {
	return m.Called().Bool(0)
}

func (m *mockPrimary) Background() replog.BackgroundStats {
	return m.Called().Get(0).(replog.BackgroundStats)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestPrimaryHandler_PostMessage(t *testing.T) {
	p := &mockPrimary{}
	p.On("SubmitWrite", mock.MatchedBy(func(ctx context.Context) bool {
		return internal.RequestID(ctx) != ""
	}), "A", 2).Return(replog.LogEntry{SequenceNumber: 1, Message: "A"}, nil)
	h := NewPrimaryHandler(zaptest.NewLogger(t), p, nil)

	rec := do(t, h, http.MethodPost, "/messages", `{"message":"A","w":2}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"success","sequence_number":1}`, rec.Body.String())
	p.AssertExpectations(t)
}

func TestPrimaryHandler_PostMessageErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantBody string
	}{
		{
			name:     "malformed body",
			body:     `{`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "missing message",
			body:     `{"w":1}`,
			wantCode: http.StatusBadRequest,
			wantBody: `{"error":"missing \"message\""}`,
		},
		{
			name:     "invalid write concern",
			body:     `{"message":"A","w":9}`,
			err:      replog.ErrInvalidWriteConcern,
			wantCode: http.StatusBadRequest,
			wantBody: `{"error":"invalid write concern"}`,
		},
		{
			name:     "quorum unavailable",
			body:     `{"message":"A","w":9}`,
			err:      replog.ErrQuorumUnavailable,
			wantCode: http.StatusServiceUnavailable,
			wantBody: `{"error":"quorum unavailable: too few healthy nodes to accept writes"}`,
		},
		{
			name: "replication failed",
			body: `{"message":"A","w":9}`,
			err: &replog.ReplicationError{
				SequenceNumber: 4,
				WriteConcern:   3,
				Errors:         []string{"follower not ACKed: f2: down"},
			},
			wantCode: http.StatusInternalServerError,
			wantBody: `{"error":"replication failed","details":["follower not ACKed: f2: down"],"sequence_number":4}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockPrimary{}
			p.On("SubmitWrite", mock.Anything, mock.Anything, mock.Anything).Return(replog.LogEntry{}, tt.err)
			h := NewPrimaryHandler(zaptest.NewLogger(t), p, nil)

			rec := do(t, h, http.MethodPost, "/messages", tt.body)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestPrimaryHandler_GetMessages(t *testing.T) {
	want := []replog.LogEntry{{SequenceNumber: 1, Message: "A"}, {SequenceNumber: 2, Message: "B"}}
	p := &mockPrimary{}
	p.On("Entries").Return(want)
	h := NewPrimaryHandler(zaptest.NewLogger(t), p, nil)

	rec := do(t, h, http.MethodGet, "/messages", "")

	require.Equal(t, http.StatusOK, rec.Code)
	if diff := cmp.Diff(want, decode[[]replog.LogEntry](t, rec)); diff != "" {
		t.Fatalf("unexpected entries (-want +got):\n%s", diff)
	}
}

func TestPrimaryHandler_GetHealth(t *testing.T) {
	p := &mockPrimary{}
	p.On("Health").Return(replog.HealthSnapshot{
		"f2": {Address: "f2", Status: replog.Unhealthy, ConsecutiveFailures: 3, LastError: "down"},
		"f1": {Address: "f1", Status: replog.Healthy},
	})
	p.On("CanAcceptWrites").Return(true)
	p.On("Background").Return(replog.BackgroundStats{Pending: 2, Dropped: 1})
	h := NewPrimaryHandler(zaptest.NewLogger(t), p, nil)

	rec := do(t, h, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		CanAcceptWrites bool `json:"can_accept_writes"`
		Followers       []struct {
			Address             string `json:"address"`
			Status              string `json:"status"`
			ConsecutiveFailures int    `json:"consecutive_failures"`
		} `json:"followers"`
		Background replog.BackgroundStats `json:"background"`
	}](t, rec)
	assert.True(t, got.CanAcceptWrites)
	require.Len(t, got.Followers, 2)
	assert.Equal(t, "f1", got.Followers[0].Address)
	assert.Equal(t, "healthy", got.Followers[0].Status)
	assert.Equal(t, "unhealthy", got.Followers[1].Status)
	assert.Equal(t, 3, got.Followers[1].ConsecutiveFailures)
	assert.Equal(t, replog.BackgroundStats{Pending: 2, Dropped: 1}, got.Background)
}

func TestPrimaryHandler_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := replog.NewMetrics()
	reg.MustRegister(m.PrometheusCollectors()...)
	m.Write(replog.WriteAccepted)

	h := NewPrimaryHandler(zaptest.NewLogger(t), &mockPrimary{}, reg)
	rec := do(t, h, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `replog_primary_writes_total{result="accepted"} 1`)
}

func TestPrimaryHandler_NoMetricsWithoutGatherer(t *testing.T) {
	h := NewPrimaryHandler(zaptest.NewLogger(t), &mockPrimary{}, nil)
	rec := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type fakeStore struct {
	entries []replog.LogEntry
	healthy bool
}

func (s fakeStore) Contiguous() []replog.LogEntry { return s.entries }
func (s fakeStore) Healthy() bool                 { return s.healthy }

func TestFollowerHandler(t *testing.T) {
	store := fakeStore{entries: []replog.LogEntry{{SequenceNumber: 1, Message: "A"}}, healthy: true}
	h := NewFollowerHandler(zaptest.NewLogger(t), store, nil)

	rec := do(t, h, http.MethodGet, "/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"sequence_number":1,"message":"A"}]`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	h = NewFollowerHandler(zaptest.NewLogger(t), fakeStore{}, nil)
	rec = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy"}`, rec.Body.String())
}

type fakeFaults struct {
	failing bool
	delay   time.Duration
}

func (f *fakeFaults) SetFailure(on bool)            { f.failing = on }
func (f *fakeFaults) SetDelay(d time.Duration)      { f.delay = d }
func (f *fakeFaults) Faults() (bool, time.Duration) { return f.failing, f.delay }

func TestFollowerHandler_Faults(t *testing.T) {
	faults := &fakeFaults{}
	h := NewFollowerHandler(zaptest.NewLogger(t), fakeStore{healthy: true}, faults)

	rec := do(t, h, http.MethodGet, "/admin/faults", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"failure":false,"delay":"0s"}`, rec.Body.String())

	rec = do(t, h, http.MethodPut, "/admin/faults", `{"failure":true,"delay":"250ms"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"failure":true,"delay":"250ms"}`, rec.Body.String())
	assert.Equal(t, &fakeFaults{failing: true, delay: 250 * time.Millisecond}, faults)

	rec = do(t, h, http.MethodPut, "/admin/faults", `{"failure":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, &fakeFaults{delay: 250 * time.Millisecond}, faults, "omitted delay is unchanged")
}

func TestFollowerHandler_FaultsRejectsBadInput(t *testing.T) {
	faults := &fakeFaults{}
	h := NewFollowerHandler(zaptest.NewLogger(t), fakeStore{healthy: true}, faults)

	for name, body := range map[string]string{
		"malformed":      `{`,
		"bad duration":   `{"failure":true,"delay":"soon"}`,
		"negative delay": `{"failure":true,"delay":"-1s"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPut, "/admin/faults", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Equal(t, &fakeFaults{}, faults, "rejected requests change nothing")
}

func TestFollowerHandler_NoFaultsRouteWithoutInjector(t *testing.T) {
	h := NewFollowerHandler(zaptest.NewLogger(t), fakeStore{healthy: true}, nil)
	rec := do(t, h, http.MethodPut, "/admin/faults", `{"failure":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
