package bench

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeLatencyStats(t *testing.T) {
	t.Run("empty latencies returns zero stats", func(t *testing.T) {
		stats := computeLatencyStats(nil)
		assert.Equal(t, LatencyStats{}, stats)
	})

	t.Run("single latency", func(t *testing.T) {
		stats := computeLatencyStats([]time.Duration{100 * time.Millisecond})

		assert.Equal(t, 1, stats.Count)
		assert.Equal(t, 100.0, stats.Min)
		assert.Equal(t, 100.0, stats.Max)
		assert.Equal(t, 100.0, stats.Mean)
		assert.Equal(t, 0.0, stats.StdDev)
	})

	t.Run("unsorted input", func(t *testing.T) {
		stats := computeLatencyStats([]time.Duration{
			300 * time.Millisecond,
			100 * time.Millisecond,
			200 * time.Millisecond,
		})

		assert.Equal(t, 3, stats.Count)
		assert.Equal(t, 100.0, stats.Min)
		assert.Equal(t, 300.0, stats.Max)
		assert.Equal(t, 200.0, stats.Mean)
		assert.Equal(t, 200.0, stats.P50)
	})

	t.Run("percentiles", func(t *testing.T) {
		latencies := make([]time.Duration, 100)
		for i := range latencies {
			latencies[i] = time.Duration(i+1) * time.Millisecond
		}
		stats := computeLatencyStats(latencies)

		assert.InDelta(t, 50.5, stats.P50, 0.01)
		assert.InDelta(t, 95.05, stats.P95, 0.01)
		assert.InDelta(t, 99.01, stats.P99, 0.01)
	})
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, 0.0, percentile(nil, 50))
	assert.Equal(t, 3.0, percentile([]float64{1, 2, 3, 4, 5}, 50))
	assert.InDelta(t, 2.5, percentile([]float64{1, 2, 3, 4}, 50), 0.001)
}

func TestRecorder_Report(t *testing.T) {
	r := NewRecorder()
	r.Record(10*time.Millisecond, nil)
	r.Record(30*time.Millisecond, nil)
	r.Record(time.Second, errors.New("replication failed"))

	rep := r.Report(2)

	assert.Equal(t, 2, rep.WriteConcern)
	assert.Equal(t, 3, rep.Writes)
	assert.Equal(t, 1, rep.Failures)
	assert.Equal(t, 2, rep.Latency.Count)
	assert.Equal(t, 20.0, rep.Latency.Mean)
	assert.Greater(t, rep.Throughput, 0.0)
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, []Report{{WriteConcern: 1, Writes: 5}, {WriteConcern: 3, Writes: 5, Failures: 1}}))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "p99 ms")
	assert.True(t, bytes.HasPrefix(lines[2], []byte("3 ")))
}
