package pulse

import (
	"log/slog"
	"sync"
)

// Handler receives one event. Its concrete type is fixed by the channel.
type Handler func(Event)

// Subscription is the handle returned by On. Each call to On yields a
// distinct subscription even for the same function.
type Subscription struct {
	d       *Dispatcher
	id      uint64
	channel Channel
	fn      Handler
}

// Channel returns the channel the subscription listens on.
func (s *Subscription) Channel() Channel { return s.channel }

// Unsubscribe is shorthand for Dispatcher.Off.
func (s *Subscription) Unsubscribe() {
	if s != nil && s.d != nil {
		s.d.Off(s)
	}
}

// Dispatcher is a per-channel handler registry. It outlives any single
// connection; subscriptions survive reconnects and explicit disconnects.
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[Channel][]*Subscription

	logger         *slog.Logger
	metrics        *Metrics
	onHandlerError func(*HandlerError)
}

type DispatcherOption func(*Dispatcher)

func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

func WithDispatcherMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithHandlerErrorHook is called, after logging, for every recovered panic.
func WithHandlerErrorHook(fn func(*HandlerError)) DispatcherOption {
	return func(d *Dispatcher) { d.onHandlerError = fn }
}

func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[Channel][]*Subscription),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// On registers fn for channel. Handlers of a channel run in registration order.
func (d *Dispatcher) On(channel Channel, fn Handler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	sub := &Subscription{d: d, id: d.nextID, channel: channel, fn: fn}
	d.handlers[channel] = append(d.handlers[channel], sub)
	return sub
}

// Subscribe registers a handler typed by the event it accepts. E must not be
// RawEvent; use On with the channel name for untyped channels.
func Subscribe[E Event](d *Dispatcher, fn func(E)) *Subscription {
	var zero E
	return d.On(zero.Channel(), func(ev Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}

// Off removes a subscription. Removing one twice, or a nil one, is a no-op.
func (d *Dispatcher) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.handlers[sub.channel]
	for i, s := range subs {
		if s.id != sub.id {
			continue
		}
		next := make([]*Subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(d.handlers, sub.channel)
		} else {
			d.handlers[sub.channel] = next
		}
		return
	}
}

// HandlerCount returns how many handlers are registered for channel.
func (d *Dispatcher) HandlerCount(channel Channel) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[channel])
}

// emit runs every handler of ev's channel synchronously. The slice is
// replaced, never mutated, on Off, so iterating a snapshot is safe.
func (d *Dispatcher) emit(ev Event) {
	channel := ev.Channel()
	d.mu.RLock()
	subs := d.handlers[channel]
	d.mu.RUnlock()

	for _, sub := range subs {
		d.invoke(sub, ev)
	}
}

func (d *Dispatcher) invoke(sub *Subscription, ev Event) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		herr := &HandlerError{Channel: sub.channel, Value: r}
		d.logger.Error("event handler panicked", "channel", string(sub.channel), "panic", r)
		d.metrics.handlerPanicked(sub.channel)
		if d.onHandlerError != nil {
			d.onHandlerError(herr)
		}
	}()
	sub.fn(ev)
}
