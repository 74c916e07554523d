// Package pubsub is a small in-process event bus. Publishers never block on
// slow subscribers unless a subscriber explicitly asks for blocking delivery.
package pubsub

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// EventType identifies a stream of events. Each package defines its own
// constants on top of it.
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// IsBlocking makes the bus wait until the subscriber's channel accepts the
	// event. It stalls every other subscriber while it waits, so leave it off
	// unless losing an event is worse than that.
	IsBlocking bool
}

// SubscriberID is returned by Subscribe and is required to unsubscribe.
type SubscriberID uint64

var nextSubscriberID atomic.Uint64

// Event is a typed event. Event[A] and Event[B] are distinct types, so a
// subscriber only ever receives the payload type it asked for.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{Type: eventType, Payload: payload}
}

// subscriber is the type-erased form of a typed subscription. The closures
// capture the typed channel so that a single registry map can hold channels of
// every Event[T] instantiation.
type subscriber struct {
	send    func(eventType EventType, payload any) bool
	close   func()
	opts    SubscriptionOptions
	dropped atomic.Uint64
}

type envelope struct {
	eventType EventType
	payload   any
}

// Bus fans events out to subscribers from a single goroutine.
type Bus struct {
	mu       sync.RWMutex // guards registry
	wg       sync.WaitGroup
	registry map[EventType]map[SubscriberID]*subscriber
	logger   *zap.Logger

	// publishCh decouples Publish from the broadcast loop and lets
	// GracefulShutdown drain whatever is still queued.
	publishCh chan envelope

	// pubMu orders Publish against closing publishCh. It is separate from mu
	// so a publisher blocked on a full queue never holds up the broadcast loop.
	pubMu        sync.RWMutex
	shuttingDown atomic.Bool
}

// DefaultBufferSize is the publish queue length used when New is given 0.
const DefaultBufferSize = 100

// New starts a bus. A nil logger disables logging.
func New(logger *zap.Logger, bufferSize int) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	b := &Bus{
		registry:  make(map[EventType]map[SubscriberID]*subscriber),
		logger:    logger.With(zap.String("component", "pubsub")),
		publishCh: make(chan envelope, bufferSize),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Subscribe registers ch for events of eventType. The caller owns the
// channel's buffer size; the bus closes the channel on Unsubscribe.
//
// Go methods cannot declare type parameters, hence the free function.
func Subscribe[T any](b *Bus, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := SubscriberID(nextSubscriberID.Add(1))
	sub := &subscriber{
		opts: opts,
		send: func(evType EventType, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				b.logger.Warn("Event payload type mismatch",
					zap.Int("event_type", int(evType)),
					zap.String("expected", typeName[T]()),
				)
				return false
			}
			ev := &Event[T]{Type: evType, Payload: typed}
			if opts.IsBlocking {
				ch <- ev
				return true
			}
			select {
			case ch <- ev:
				return true
			default:
				return false
			}
		},
		close: func() { close(ch) },
	}

	if _, ok := b.registry[eventType]; !ok {
		b.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	b.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(eventType EventType, id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	sub.close()
	if len(subs) == 0 {
		delete(b.registry, eventType)
	}
	b.logger.Debug("Unsubscribed", zap.Uint64("subscriber", uint64(id)), zap.Int("event_type", int(eventType)))
}

// Publish queues event for broadcast. Events published after shutdown has
// begun are dropped.
func Publish[T any](b *Bus, event *Event[T]) {
	b.pubMu.RLock()
	defer b.pubMu.RUnlock()

	if b.shuttingDown.Load() {
		b.logger.Debug("Dropping event published during shutdown", zap.Int("event_type", int(event.Type)))
		return
	}
	b.publishCh <- envelope{eventType: event.Type, payload: event.Payload}
}

// Dropped reports how many events a non-blocking subscriber has missed.
func (b *Bus) Dropped(eventType EventType, id SubscriberID) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.registry[eventType][id]; ok {
		return sub.dropped.Load()
	}
	return 0
}

// ForceShutdown stops accepting events and returns without waiting for the
// queue to drain.
func (b *Bus) ForceShutdown() {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.shuttingDown.Load() {
		return
	}
	b.shuttingDown.Store(true)
	close(b.publishCh)
}

// GracefulShutdown stops accepting events, delivers everything already queued
// and waits for the broadcast loop to exit.
func (b *Bus) GracefulShutdown() {
	b.pubMu.Lock()
	if b.shuttingDown.Load() {
		b.pubMu.Unlock()
		b.wg.Wait()
		return
	}
	b.shuttingDown.Store(true)
	close(b.publishCh)
	b.pubMu.Unlock()

	b.wg.Wait()
	b.logger.Debug("Event bus drained")
}

func (b *Bus) run() {
	defer b.wg.Done()

	for msg := range b.publishCh {
		b.mu.RLock()
		for id, sub := range b.registry[msg.eventType] {
			if sub.send(msg.eventType, msg.payload) || sub.opts.IsBlocking {
				continue
			}
			n := sub.dropped.Add(1)
			b.logger.Warn("Dropped event for slow subscriber",
				zap.Int("event_type", int(msg.eventType)),
				zap.Uint64("subscriber", uint64(id)),
				zap.Uint64("total_dropped", n),
			)
		}
		b.mu.RUnlock()
	}
}

func typeName[T any]() string {
	return fmt.Sprintf("%T", *new(T))
}
