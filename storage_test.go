package pulse

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"testing"
)

func TestMemoryStorage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	data, err := s.Load(ctx, "missing")
	if data != nil || err != nil {
		t.Fatalf("missing key = %q, %v", data, err)
	}

	buf := []byte("one")
	if err := s.Save(ctx, "k", buf); err != nil {
		t.Fatal(err)
	}
	buf[0] = 'X'
	got, _ := s.Load(ctx, "k")
	if string(got) != "one" {
		t.Errorf("Save kept the caller's slice: %q", got)
	}
	got[0] = 'Y'
	again, _ := s.Load(ctx, "k")
	if string(again) != "one" {
		t.Errorf("Load returned shared memory: %q", again)
	}
	if keys := s.Keys(); !slices.Equal(keys, []string{"k"}) {
		t.Errorf("keys = %v", keys)
	}
}

// countingStorage counts saves per key.
type countingStorage struct {
	*MemoryStorage
	mu    sync.Mutex
	saves map[string]int
	fail  error
}

func newCountingStorage() *countingStorage {
	return &countingStorage{MemoryStorage: NewMemoryStorage(), saves: make(map[string]int)}
}

func (s *countingStorage) Load(ctx context.Context, key string) ([]byte, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	return s.MemoryStorage.Load(ctx, key)
}

func (s *countingStorage) Save(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	s.saves[key]++
	s.mu.Unlock()
	return s.MemoryStorage.Save(ctx, key, data)
}

func (s *countingStorage) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[key]
}

func TestPersisterRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newCountingStorage()

	_, s, d := newNotificationsFake(t)
	p := startPersister(st, s, quietLogger())
	d.emit(NotificationEvent{Notification: Notification{ID: "a", Title: "first"}})
	d.emit(NotificationEvent{Notification: Notification{ID: "b", Title: "second"}})
	p.stop()

	if st.count("notifications") == 0 {
		t.Fatal("nothing saved")
	}
	saves := st.count("notifications")
	d.emit(NotificationEvent{Notification: Notification{ID: "c"}})
	p.stop()
	if st.count("notifications") != saves {
		t.Error("stopped persister kept saving")
	}

	_, restored, _ := newNotificationsFake(t)
	if err := hydrate(ctx, st, restored); err != nil {
		t.Fatal(err)
	}
	if got := ids(restored.Notifications()); got != "b,a" {
		t.Errorf("restored = %s", got)
	}
	if restored.UnreadCount() != 2 {
		t.Errorf("restored unread = %d", restored.UnreadCount())
	}
}

func TestHydrate(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing saved", func(t *testing.T) {
		_, s, _ := newNotificationsFake(t)
		if err := hydrate(ctx, NewMemoryStorage(), s); err != nil {
			t.Fatal(err)
		}
		if len(s.Notifications()) != 0 {
			t.Error("empty storage produced items")
		}
	})

	t.Run("corrupt snapshot", func(t *testing.T) {
		st := NewMemoryStorage()
		st.Save(ctx, "notifications", []byte("{"))
		_, s, _ := newNotificationsFake(t)
		if err := hydrate(ctx, st, s); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("load failure", func(t *testing.T) {
		st := newCountingStorage()
		st.fail = errors.New("disk gone")
		_, s, _ := newNotificationsFake(t)
		if err := hydrate(ctx, st, s); err == nil || !errors.Is(err, st.fail) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestSnapshotsCoverEveryStore(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/contacts", func(w http.ResponseWriter, r *http.Request) {
		var rows []Contact
		if r.URL.Query().Get("status") == string(ContactAccepted) {
			rows = []Contact{{ID: "c1", RequesterID: "me", RecipientID: "u2", Status: ContactAccepted}}
		}
		writeEnvelope(w, http.StatusOK, rows, nil)
	})
	mux.HandleFunc("GET /api/groups", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, []Group{{ID: "g1", Name: "team"}}, &Pagination{CurrentPage: 1})
	})
	mux.HandleFunc("GET /api/messages/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, []Conversation{dm}, nil)
	})
	client := newTestClient(t, mux)
	opts := []StoreOption{WithStoreLogger(quietLogger()), WithCurrentUser(func() string { return "me" })}

	contacts := NewContactStore(client, opts...)
	groups := NewGroupStore(client, opts...)
	messaging := NewMessagingStore(client, opts...)
	if err := contacts.LoadAll(ctx); err != nil {
		t.Fatal(err)
	}
	if err := groups.LoadGroups(ctx, GroupQuery{Page: 1}); err != nil {
		t.Fatal(err)
	}
	if err := messaging.LoadConversations(ctx); err != nil {
		t.Fatal(err)
	}

	for _, s := range []snapshotter{contacts, groups, messaging} {
		data, err := s.marshalSnapshot()
		if err != nil {
			t.Fatal(err)
		}
		st.Save(ctx, s.snapshotKey(), data)
	}

	contacts2 := NewContactStore(client, opts...)
	groups2 := NewGroupStore(client, opts...)
	messaging2 := NewMessagingStore(client, opts...)
	for _, s := range []snapshotter{contacts2, groups2, messaging2} {
		if err := hydrate(ctx, st, s); err != nil {
			t.Fatal(err)
		}
	}
	if got := ids(contacts2.Contacts()); got != "c1" {
		t.Errorf("contacts = %s", got)
	}
	if got := ids(groups2.Groups()); got != "g1" {
		t.Errorf("groups = %s", got)
	}
	if got := ids(messaging2.Conversations()); got != dm.ID {
		t.Errorf("conversations = %s", got)
	}
}
