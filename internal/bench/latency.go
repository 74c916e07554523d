// Package bench collects write latencies and summarises them as percentiles.
package bench

import (
	"fmt"
	"io"
	"math"
	"slices"
	"sync"
	"time"
)

// Recorder collects write latencies and outcomes.
type Recorder struct {
	mu        sync.Mutex
	latencies []time.Duration
	failures  int
	start     time.Time
	end       time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{
		latencies: make([]time.Duration, 0, 1024),
		start:     time.Now(),
	}
}

// Record adds one write. Only successful writes contribute to the latency
// statistics.
func (r *Recorder) Record(latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failures++
	} else {
		r.latencies = append(r.latencies, latency)
	}
	r.end = time.Now()
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// Report summarises a Recorder for one write concern.
type Report struct {
	WriteConcern int          `json:"write_concern"`
	Writes       int          `json:"writes"`
	Failures     int          `json:"failures"`
	Throughput   float64      `json:"throughput_per_sec"`
	Latency      LatencyStats `json:"latency"`
}

// Report returns the statistics gathered so far.
func (r *Recorder) Report(writeConcern int) Report {
	r.mu.Lock()
	latencies := slices.Clone(r.latencies)
	failures := r.failures
	elapsed := r.end.Sub(r.start).Seconds()
	r.mu.Unlock()

	rep := Report{
		WriteConcern: writeConcern,
		Writes:       len(latencies) + failures,
		Failures:     failures,
		Latency:      computeLatencyStats(latencies),
	}
	if elapsed > 0 {
		rep.Throughput = float64(rep.Writes) / elapsed
	}
	return rep
}

// computeLatencyStats computes percentile statistics from latencies
func computeLatencyStats(latencies []time.Duration) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}

	sorted := slices.Clone(latencies)
	slices.Sort(sorted)

	ms := make([]float64, len(sorted))
	var sum float64
	for i, lat := range sorted {
		ms[i] = float64(lat.Microseconds()) / 1000.0
		sum += ms[i]
	}
	mean := sum / float64(len(ms))

	var variance float64
	for _, v := range ms {
		diff := v - mean
		variance += diff * diff
	}

	return LatencyStats{
		Count:  len(ms),
		Min:    ms[0],
		Max:    ms[len(ms)-1],
		Mean:   mean,
		P50:    percentile(ms, 50),
		P95:    percentile(ms, 95),
		P99:    percentile(ms, 99),
		StdDev: math.Sqrt(variance / float64(len(ms))),
	}
}

// percentile interpolates the pth percentile of sorted.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Print writes reports as a table.
func Print(w io.Writer, reports []Report) error {
	if _, err := fmt.Fprintf(w, "%-4s %8s %8s %10s %10s %10s %10s %10s\n",
		"w", "writes", "failed", "ops/s", "p50 ms", "p95 ms", "p99 ms", "max ms"); err != nil {
		return err
	}
	for _, r := range reports {
		if _, err := fmt.Fprintf(w, "%-4d %8d %8d %10.1f %10.2f %10.2f %10.2f %10.2f\n",
			r.WriteConcern, r.Writes, r.Failures, r.Throughput,
			r.Latency.P50, r.Latency.P95, r.Latency.P99, r.Latency.Max); err != nil {
			return err
		}
	}
	return nil
}
