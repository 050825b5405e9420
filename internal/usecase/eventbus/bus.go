// Package eventbus is an in-process publish/subscribe bus. Every subscriber
// has its own queue and worker, so a subscriber sees events in publish order
// and a slow subscriber never delays the others.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"agent-webapp/internal/domain"
)

type delivery struct {
	ctx   context.Context
	event domain.Event
}

type subscriber struct {
	id      uint64
	typ     domain.EventType // empty receives every event
	handler domain.EventHandler
	wake    chan struct{}

	mu      sync.Mutex
	queue   []delivery
	stopped bool
}

// push enqueues d unless the subscriber has stopped.
func (s *subscriber) push(d delivery) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// stop ends the worker. With drain set, queued events are still delivered.
func (s *subscriber) stop(drain bool) {
	s.mu.Lock()
	s.stopped = true
	if !drain {
		s.queue = nil
	}
	s.mu.Unlock()
	s.signal()
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Publish enqueues an event for every matching subscriber. It never blocks on
// handlers. Panicking handlers are recovered.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.typ == "" || s.typ == event.Type {
			s.push(delivery{ctx: ctx, event: event})
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add("", handler)
}

func (b *Bus) add(eventType domain.EventType, handler domain.EventHandler) func() {
	s := &subscriber{
		id:      b.nextID.Add(1),
		typ:     eventType,
		handler: handler,
		wake:    make(chan struct{}, 1),
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			for i, cur := range b.subs {
				if cur.id == s.id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			s.stop(false)
		})
	}
}

// run delivers queued events to one subscriber in order.
func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			<-s.wake
			continue
		}
		d := s.queue[0]
		s.queue[0] = delivery{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		b.invoke(s, d)
	}
}

func (b *Bus) invoke(s *subscriber, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	s.handler(d.ctx, d.event)
}

// Close prevents new publishes and waits until every queued event has been
// delivered. Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.RLock()
	for _, s := range b.subs {
		s.stop(true)
	}
	b.mu.RUnlock()
	b.wg.Wait()
}
