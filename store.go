package pulse

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// StoreOption configures any of the reconciliation stores.
type StoreOption func(*storeBase)

func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(b *storeBase) { b.logger = l }
}

// WithCurrentUser tells the store who the local user is. Contacts use it to
// tell incoming from outgoing requests; messaging to spot its own messages.
func WithCurrentUser(fn func() string) StoreOption {
	return func(b *storeBase) { b.self = fn }
}

// WithSender lets a store write outbound push frames.
func WithSender(s Sender) StoreOption {
	return func(b *storeBase) { b.sender = s }
}

// Sender writes outbound push frames. *Connection implements it.
type Sender interface {
	SendMessage(ctx context.Context, msg OutboundMessage) error
}

// storeBase carries what every store shares: the loading counter, the
// error string surfaced to the UI, change watchers and the per-entity
// in-flight guard.
type storeBase struct {
	name   string
	logger *slog.Logger
	self   func() string
	sender Sender
	flight singleflight.Group

	mu        sync.Mutex
	loading   int
	err       string
	nextWatch uint64
	watchers  map[uint64]func()
}

func (b *storeBase) init(name string, opts []StoreOption) {
	b.name = name
	b.logger = slog.Default()
	b.self = func() string { return "" }
	b.watchers = make(map[uint64]func())
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("store", name)
}

// IsLoading reports whether a load is in flight.
func (b *storeBase) IsLoading() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loading > 0
}

// Err returns the message of the last failure, or "".
func (b *storeBase) Err() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *storeBase) ClearError() {
	b.mu.Lock()
	b.err = ""
	b.mu.Unlock()
	b.notify()
}

// Watch registers fn to run after every snapshot change. The returned
// function removes it.
func (b *storeBase) Watch(fn func()) (cancel func()) {
	b.mu.Lock()
	b.nextWatch++
	id := b.nextWatch
	b.watchers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.watchers, id)
		b.mu.Unlock()
	}
}

func (b *storeBase) notify() {
	b.mu.Lock()
	fns := make([]func(), 0, len(b.watchers))
	for _, fn := range b.watchers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (b *storeBase) beginLoad() {
	b.mu.Lock()
	b.loading++
	b.err = ""
	b.mu.Unlock()
	b.notify()
}

// endLoad clears the loading flag and records err, if any.
func (b *storeBase) endLoad(op string, err error) error {
	b.mu.Lock()
	b.loading--
	if err != nil {
		b.err = err.Error()
	}
	b.mu.Unlock()
	if err != nil {
		b.logger.Warn("load failed", "op", op, "error", err)
	}
	b.notify()
	return err
}

// fail records a write-path error and hands it back to the caller.
func (b *storeBase) fail(op string, err error) error {
	b.mu.Lock()
	b.err = err.Error()
	b.mu.Unlock()
	b.logger.Warn("request failed", "op", op, "error", err)
	b.notify()
	return err
}

// guard collapses concurrent calls sharing key into one: a duplicate call
// waits for the first and returns its error.
func (b *storeBase) guard(key string, fn func() error) error {
	_, err, _ := b.flight.Do(key, func() (any, error) {
		return nil, fn()
	})
	return err
}

// guardValue is guard for operations that return a value.
func guardValue[T any](b *storeBase, key string, fn func() (T, error)) (T, error) {
	v, err, _ := b.flight.Do(key, func() (any, error) {
		return fn()
	})
	out, _ := v.(T)
	return out, err
}
