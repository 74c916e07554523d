package replog

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"replog/internal"
	"replog/internal/pubsub"
)

// Sender delivers one entry to one follower.
type Sender interface {
	Send(ctx context.Context, address string, entry LogEntry) SendResult
}

// Coordinator fans an entry out to every follower and decides when its write
// concern has been met.
type Coordinator struct {
	followers []string
	sender    Sender
	pool      *BackgroundPool
	bus       *pubsub.Bus
	logger    *zap.Logger
	metrics   *Metrics
}

// NewCoordinator builds a coordinator. bus may be nil.
func NewCoordinator(cfg *Config, sender Sender, pool *BackgroundPool, bus *pubsub.Bus) *Coordinator {
	return &Coordinator{
		followers: append([]string(nil), cfg.Followers...),
		sender:    sender,
		pool:      pool,
		bus:       bus,
		logger:    cfg.Logger.With(zap.String("component", "coordinator")),
		metrics:   cfg.Metrics,
	}
}

type sendOutcome struct {
	address string
	result  SendResult
}

// Replicate sends entry to all followers at once and returns as soon as
// writeConcern nodes, the primary included, hold it. Sends still running at
// that point keep going and are handed to the background pool, which waits
// for their result. When every send has finished short of writeConcern, or
// ctx ends first, ok is false and errs describes each follower that did not
// acknowledge.
func (c *Coordinator) Replicate(ctx context.Context, entry LogEntry, writeConcern int) (ok bool, errs []string) {
	logger := c.logger.With(
		zap.String("request_id", internal.RequestID(ctx)),
		zap.Uint64("sequence_number", entry.SequenceNumber),
	)

	// Sends are not bound to ctx: ending the request only stops the wait for
	// them. They stop early only when the background pool is cancelled.
	base := context.WithoutCancel(ctx)
	results := make(chan sendOutcome, len(c.followers))
	inFlight := make(map[string]<-chan SendResult, len(c.followers))
	for _, addr := range c.followers {
		done := make(chan SendResult, 1)
		inFlight[addr] = done
		go func() {
			sctx, cancel := context.WithCancel(base)
			defer cancel()
			stop := context.AfterFunc(c.pool.Context(), cancel)
			defer stop()

			res := c.sender.Send(sctx, addr, entry)
			done <- res
			results <- sendOutcome{address: addr, result: res}
		}()
	}

	acks := 1
	for {
		if acks >= writeConcern {
			logger.Debug("Write concern met", zap.Int("acks", acks), zap.Int("write_concern", writeConcern))
			c.detach(entry, inFlight)
			return true, errs
		}
		if len(inFlight) == 0 {
			logger.Warn("Write concern not met",
				zap.Int("acks", acks),
				zap.Int("write_concern", writeConcern),
				zap.Strings("errors", errs),
			)
			return false, errs
		}

		select {
		case o := <-results:
			delete(inFlight, o.address)
			if o.result.OK() {
				acks++
				c.metrics.Ack(o.address)
				logger.Debug("Follower ACKed",
					zap.String("follower", o.address),
					zap.Int("attempts", o.result.Attempts),
				)
				continue
			}
			c.metrics.Failure(o.address)
			errs = append(errs, fmt.Sprintf("follower not ACKed: %s: %s", o.address, o.result.Reason))
			logger.Warn("Follower not ACKed",
				zap.String("follower", o.address),
				zap.Int("attempts", o.result.Attempts),
				zap.String("reason", o.result.Reason),
			)
		case <-ctx.Done():
			errs = append(errs, fmt.Sprintf("request ended before write concern was met: %v", ctx.Err()))
			c.detach(entry, inFlight)
			return false, errs
		}
	}
}

// detach hands every send that is still running to the background pool. The
// send itself is left alone; the pool task only waits for its result.
func (c *Coordinator) detach(entry LogEntry, inFlight map[string]<-chan SendResult) {
	for addr, done := range inFlight {
		c.metrics.Background("scheduled")
		submitted := c.pool.Submit(func(context.Context) {
			c.finishBackground(addr, entry, <-done)
		})
		if !submitted {
			// The pool is shutting down; the send still finishes or is
			// cancelled with the pool, it is just not waited for.
			c.logger.Debug("Background send not tracked, pool is shutting down",
				zap.String("follower", addr),
				zap.Uint64("sequence_number", entry.SequenceNumber),
			)
			go func() { c.finishBackground(addr, entry, <-done) }()
		}
	}
}

func (c *Coordinator) finishBackground(address string, entry LogEntry, res SendResult) {
	if res.OK() {
		c.metrics.Background("success")
		c.logger.Debug("Background send succeeded",
			zap.String("follower", address),
			zap.Uint64("sequence_number", entry.SequenceNumber),
			zap.Int("attempts", res.Attempts),
		)
	} else {
		c.metrics.Background("failure")
		c.logger.Warn("Background send failed",
			zap.String("follower", address),
			zap.Uint64("sequence_number", entry.SequenceNumber),
			zap.Int("attempts", res.Attempts),
			zap.String("reason", res.Reason),
		)
	}
	if c.bus != nil {
		pubsub.Publish(c.bus, pubsub.NewEvent(BackgroundReplicationFinished, BackgroundResult{
			Address:        address,
			SequenceNumber: entry.SequenceNumber,
			Result:         res,
		}))
	}
}
