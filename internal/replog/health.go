package replog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"replog/internal/pubsub"
)

// Prober checks whether a follower is serving.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// HealthMonitor periodically probes every follower and publishes the result
// as an immutable HealthSnapshot. Readers never lock; writers serialise on mu
// and swap in a fresh copy.
type HealthMonitor struct {
	followers []string
	prober    Prober
	interval  time.Duration
	timeout   time.Duration
	threshold int

	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics
	bus     *pubsub.Bus

	mu       sync.Mutex
	snapshot atomic.Pointer[HealthSnapshot]

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHealthMonitor returns a monitor in which every follower starts healthy.
// bus may be nil.
func NewHealthMonitor(cfg *Config, prober Prober, bus *pubsub.Bus) *HealthMonitor {
	m := &HealthMonitor{
		followers: append([]string(nil), cfg.Followers...),
		prober:    prober,
		interval:  cfg.HealthCheckInterval,
		timeout:   cfg.HealthCheckTimeout,
		threshold: cfg.FailureThreshold,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With(zap.String("component", "health")),
		metrics:   cfg.Metrics,
		bus:       bus,
	}

	initial := make(HealthSnapshot, len(m.followers))
	for _, addr := range m.followers {
		initial[addr] = FollowerHealth{Address: addr, Status: Healthy}
		m.metrics.FollowerStatus(addr, Healthy)
	}
	m.snapshot.Store(&initial)
	return m
}

// Start begins probing once per interval until Stop is called.
func (m *HealthMonitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	ticker := m.clock.Ticker(m.interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ProbeAll(ctx)
			}
		}
	}()

	m.logger.Info("Health monitor started",
		zap.Duration("interval", m.interval),
		zap.Int("followers", len(m.followers)),
	)
}

// Stop ends the probe loop and waits for an in-progress round to finish.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
	})
}

// ProbeAll probes every follower concurrently, each under its own timeout,
// and records the results. Probes cut short by ctx are not recorded.
func (m *HealthMonitor) ProbeAll(ctx context.Context) {
	var g errgroup.Group
	for _, addr := range m.followers {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, m.timeout)
			err := m.prober.Probe(pctx, addr)
			cancel()
			if ctx.Err() != nil {
				return nil
			}
			m.RecordProbe(addr, err)
			return nil
		})
	}
	_ = g.Wait()
}

// RecordProbe applies one probe result. A success resets the follower to
// healthy; the threshold-th consecutive failure marks it unhealthy.
func (m *HealthMonitor) RecordProbe(address string, probeErr error) {
	m.metrics.Probe(address, probeErr)

	m.mu.Lock()
	cur := *m.snapshot.Load()
	prev, ok := cur[address]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("Probe result for unknown follower", zap.String("follower", address))
		return
	}

	next := make(HealthSnapshot, len(cur))
	for k, v := range cur {
		next[k] = v
	}
	h := prev
	h.LastProbe = m.clock.Now()
	if probeErr == nil {
		h.ConsecutiveFailures = 0
		h.Status = Healthy
		h.LastError = ""
	} else {
		h.ConsecutiveFailures++
		h.LastError = probeErr.Error()
		if h.ConsecutiveFailures >= m.threshold {
			h.Status = Unhealthy
		}
	}
	next[address] = h
	m.snapshot.Store(&next)
	m.mu.Unlock()

	if probeErr != nil {
		m.logger.Debug("Probe failed",
			zap.String("follower", address),
			zap.Int("consecutive_failures", h.ConsecutiveFailures),
			zap.Error(probeErr),
		)
	}
	if prev.Status == h.Status {
		return
	}

	if h.Status == Unhealthy {
		m.logger.Warn("Follower marked unhealthy",
			zap.String("follower", address),
			zap.Int("consecutive_failures", h.ConsecutiveFailures),
			zap.String("last_error", h.LastError),
		)
	} else {
		m.logger.Info("Follower healthy again", zap.String("follower", address))
	}
	m.metrics.FollowerStatus(address, h.Status)
	if m.bus != nil {
		pubsub.Publish(m.bus, pubsub.NewEvent(FollowerHealthChanged, HealthChange{
			Address: address,
			From:    prev.Status,
			To:      h.Status,
		}))
	}
}

// Snapshot returns the current health view. Callers must not modify it.
func (m *HealthMonitor) Snapshot() HealthSnapshot {
	return *m.snapshot.Load()
}

// IsHealthy reports whether address is a known follower currently
// considered healthy.
func (m *HealthMonitor) IsHealthy(address string) bool {
	h, ok := m.Snapshot()[address]
	return ok && h.Status == Healthy
}
