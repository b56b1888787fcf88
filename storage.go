package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Storage keeps store snapshots between runs. Load returns nil data and a
// nil error for a key that was never saved.
type Storage interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Close() error
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory Storage.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (s *MemoryStorage) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStorage) Save(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return nil
}

// Keys lists what has been saved.
func (s *MemoryStorage) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	return out
}

func (s *MemoryStorage) Close() error { return nil }

// ============================================================================
// Persistence
// ============================================================================

// snapshotter is implemented by every store.
type snapshotter interface {
	snapshotKey() string
	marshalSnapshot() ([]byte, error)
	restoreSnapshot(data []byte) error
	Watch(fn func()) (cancel func())
}

func hydrate(ctx context.Context, st Storage, s snapshotter) error {
	data, err := st.Load(ctx, s.snapshotKey())
	if err != nil {
		return fmt.Errorf("load %s snapshot: %w", s.snapshotKey(), err)
	}
	if data == nil {
		return nil
	}
	if err := s.restoreSnapshot(data); err != nil {
		return fmt.Errorf("restore %s snapshot: %w", s.snapshotKey(), err)
	}
	return nil
}

// persister writes a store's snapshot after it changes. Changes that arrive
// while a save is running coalesce into one more save.
type persister struct {
	storage Storage
	store   snapshotter
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	dirty  chan struct{}
	done   chan struct{}
	cancel func()
}

func startPersister(st Storage, s snapshotter, logger *slog.Logger) *persister {
	p := &persister{
		storage: st,
		store:   s,
		logger:  logger,
		dirty:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	p.cancel = s.Watch(p.mark)
	go p.run()
	return p
}

func (p *persister) mark() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.dirty <- struct{}{}:
	default:
	}
}

func (p *persister) run() {
	defer close(p.done)
	for range p.dirty {
		p.save()
	}
}

func (p *persister) save() {
	data, err := p.store.marshalSnapshot()
	if err != nil {
		p.logger.Warn("marshal snapshot failed", "key", p.store.snapshotKey(), "error", err)
		return
	}
	if err := p.storage.Save(context.Background(), p.store.snapshotKey(), data); err != nil {
		p.logger.Warn("save snapshot failed", "key", p.store.snapshotKey(), "error", err)
	}
}

// stop detaches from the store and flushes a pending save.
func (p *persister) stop() {
	p.cancel()
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.dirty)
	}
	p.mu.Unlock()
	<-p.done
}
