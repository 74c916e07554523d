package replog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"replog/internal"
	"replog/internal/pubsub"
)

// Primary is the single writer of the replicated log.
type Primary struct {
	log         *PrimaryLog
	monitor     *HealthMonitor
	gate        *QuorumGate
	coordinator *Coordinator
	pool        *BackgroundPool
	bus         *pubsub.Bus

	clusterSize  int
	writeConcern int

	logger      *zap.Logger
	metrics     *Metrics
	quorumGauge prometheus.GaugeFunc

	healthCh  chan *pubsub.Event[HealthChange]
	healthSub pubsub.SubscriberID
	watchWG   sync.WaitGroup

	stopped  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// NewPrimary validates cfg and wires the primary's components. Zero-valued
// Logger and Clock fall back to a no-op logger and the wall clock.
func NewPrimary(cfg *Config, client FollowerClient) (*Primary, error) {
	c := *cfg
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if err := validateConfig(&c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	wc := c.DefaultWriteConcern
	if wc == 0 {
		wc = c.ClusterSize()
	}

	bus := pubsub.New(c.Logger, 0)
	monitor := NewHealthMonitor(&c, client, bus)
	transport := NewRetryingTransport(&c, client, monitor)
	pool := NewBackgroundPool(c.BackgroundWorkers, c.Logger)

	p := &Primary{
		log:          NewPrimaryLog(),
		monitor:      monitor,
		gate:         NewQuorumGate(monitor, c.ClusterSize()),
		coordinator:  NewCoordinator(&c, transport, pool, bus),
		pool:         pool,
		bus:          bus,
		clusterSize:  c.ClusterSize(),
		writeConcern: wc,
		logger:       c.Logger.With(zap.String("component", "primary")),
		metrics:      c.Metrics,
		healthCh:     make(chan *pubsub.Event[HealthChange], 16),
	}
	p.quorumGauge = newQuorumGauge(p.gate.CanAcceptWrites)
	p.healthSub = pubsub.Subscribe(bus, FollowerHealthChanged, p.healthCh, pubsub.SubscriptionOptions{})
	return p, nil
}

func validateConfig(c *Config) error {
	var err error
	seen := make(map[string]struct{}, len(c.Followers))
	for i, addr := range c.Followers {
		if addr == "" {
			err = multierr.Append(err, fmt.Errorf("follower %d has an empty address", i))
			continue
		}
		if _, dup := seen[addr]; dup {
			err = multierr.Append(err, fmt.Errorf("follower %q listed more than once", addr))
		}
		seen[addr] = struct{}{}
	}
	if c.DefaultWriteConcern < 0 || c.DefaultWriteConcern > c.ClusterSize() {
		err = multierr.Append(err, fmt.Errorf("default write concern %d outside 0..%d", c.DefaultWriteConcern, c.ClusterSize()))
	}
	if c.HealthCheckInterval <= 0 {
		err = multierr.Append(err, errors.New("health check interval must be positive"))
	}
	if c.HealthCheckTimeout <= 0 {
		err = multierr.Append(err, errors.New("health check timeout must be positive"))
	}
	if c.FailureThreshold < 1 {
		err = multierr.Append(err, errors.New("failure threshold must be at least 1"))
	}
	if c.MaxAttempts < 1 {
		err = multierr.Append(err, errors.New("max attempts must be at least 1"))
	}
	if c.InitialBackoff <= 0 {
		err = multierr.Append(err, errors.New("initial backoff must be positive"))
	}
	if c.MaxBackoff < c.InitialBackoff {
		err = multierr.Append(err, fmt.Errorf("max backoff %s is below initial backoff %s", c.MaxBackoff, c.InitialBackoff))
	}
	if c.AttemptTimeout <= 0 {
		err = multierr.Append(err, errors.New("attempt timeout must be positive"))
	}
	if c.BackgroundWorkers < 1 {
		err = multierr.Append(err, errors.New("background workers must be at least 1"))
	}
	return err
}

// Start launches the health monitor and the quorum watcher.
func (p *Primary) Start() {
	p.monitor.Start()

	p.watchWG.Add(1)
	go p.watchQuorum(p.gate.CanAcceptWrites())

	p.logger.Info("Primary started",
		zap.Int("cluster_size", p.clusterSize),
		zap.Int("default_write_concern", p.writeConcern),
	)
}

// watchQuorum logs every change in the primary's ability to accept writes.
func (p *Primary) watchQuorum(writable bool) {
	defer p.watchWG.Done()

	for ev := range p.healthCh {
		now := p.gate.CanAcceptWrites()
		p.logger.Debug("Follower health changed",
			zap.String("follower", ev.Payload.Address),
			zap.Stringer("from", ev.Payload.From),
			zap.Stringer("to", ev.Payload.To),
		)
		if now == writable {
			continue
		}
		writable = now
		if now {
			p.logger.Info("Quorum restored, writes re-enabled", zap.Int("healthy_nodes", p.gate.HealthyNodes()))
		} else {
			p.logger.Warn("Quorum lost, primary is read-only", zap.Int("healthy_nodes", p.gate.HealthyNodes()))
		}
	}
}

// Stop halts health checking and gives background sends until ctx ends to
// finish. Writes submitted afterwards fail with ErrStopped.
func (p *Primary) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		p.monitor.Stop()
		p.bus.Unsubscribe(FollowerHealthChanged, p.healthSub)
		p.watchWG.Wait()
		p.stopErr = p.pool.Shutdown(ctx)
		p.bus.GracefulShutdown()
		p.logger.Info("Primary stopped")
	})
	return p.stopErr
}

// SubmitWrite sequences message and replicates it with the given write
// concern; 0 selects the default. On a *ReplicationError the entry has been
// sequenced and stays in the primary's log.
func (p *Primary) SubmitWrite(ctx context.Context, message string, writeConcern int) (LogEntry, error) {
	if p.stopped.Load() {
		return LogEntry{}, ErrStopped
	}
	ctx, requestID := internal.EnsureRequestID(ctx)

	if writeConcern == 0 {
		writeConcern = p.writeConcern
	}
	if writeConcern < 1 || writeConcern > p.clusterSize {
		p.metrics.Write(WriteInvalid)
		return LogEntry{}, fmt.Errorf("%w: %d not in 1..%d", ErrInvalidWriteConcern, writeConcern, p.clusterSize)
	}
	if !p.gate.CanAcceptWrites() {
		p.metrics.Write(WriteQuorumUnavailable)
		p.logger.Warn("Write rejected, quorum unavailable",
			zap.String("request_id", requestID),
			zap.Int("healthy_nodes", p.gate.HealthyNodes()),
			zap.Int("cluster_size", p.clusterSize),
		)
		return LogEntry{}, ErrQuorumUnavailable
	}

	entry := p.log.Append(message)
	start := time.Now()
	ok, errs := p.coordinator.Replicate(ctx, entry, writeConcern)
	p.metrics.ReplicationDuration(time.Since(start))

	if !ok {
		p.metrics.Write(WriteReplicationFailed)
		return entry, &ReplicationError{
			SequenceNumber: entry.SequenceNumber,
			WriteConcern:   writeConcern,
			Errors:         errs,
		}
	}
	p.metrics.Write(WriteAccepted)
	p.logger.Info("Write accepted",
		zap.String("request_id", requestID),
		zap.Uint64("sequence_number", entry.SequenceNumber),
		zap.Int("write_concern", writeConcern),
	)
	return entry, nil
}

// Entries returns the primary's log in insertion order.
func (p *Primary) Entries() []LogEntry {
	return p.log.Entries()
}

func (p *Primary) Health() HealthSnapshot {
	return p.monitor.Snapshot()
}

func (p *Primary) CanAcceptWrites() bool {
	return p.gate.CanAcceptWrites()
}

func (p *Primary) ClusterSize() int {
	return p.clusterSize
}

func (p *Primary) DefaultWriteConcern() int {
	return p.writeConcern
}

// Monitor exposes the health monitor, mainly so callers can force a probe
// round with ProbeAll.
func (p *Primary) Monitor() *HealthMonitor {
	return p.monitor
}

// Events is the bus carrying FollowerHealthChanged and
// BackgroundReplicationFinished events.
func (p *Primary) Events() *pubsub.Bus {
	return p.bus
}

// Background reports detached sends not yet finished and those dropped at
// shutdown.
func (p *Primary) Background() BackgroundStats {
	return p.pool.Stats()
}

// PrometheusCollectors returns the configured Metrics' collectors plus the
// quorum gauge, which reads the gate directly.
func (p *Primary) PrometheusCollectors() []prometheus.Collector {
	return append(p.metrics.PrometheusCollectors(), p.quorumGauge)
}
