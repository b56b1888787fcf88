package pulse

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// contactsFake serves /api/contacts from fixed per-status lists.
type contactsFake struct {
	mu      sync.Mutex
	lists   map[ContactStatus][]Contact
	loads   map[ContactStatus]int
	failure int
}

func (f *contactsFake) setList(st ContactStatus, list ...Contact) {
	f.mu.Lock()
	f.lists[st] = list
	f.mu.Unlock()
}

func (f *contactsFake) loadCount(st ContactStatus) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[st]
}

func newContactsFake(t *testing.T, extra func(*http.ServeMux)) (*contactsFake, *ContactStore) {
	t.Helper()
	f := &contactsFake{lists: map[ContactStatus][]Contact{}, loads: map[ContactStatus]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/contacts", func(w http.ResponseWriter, r *http.Request) {
		st := ContactStatus(r.URL.Query().Get("status"))
		f.mu.Lock()
		f.loads[st]++
		list, failure := f.lists[st], f.failure
		f.mu.Unlock()
		if failure != 0 {
			writeFailure(w, failure, "ERR", "load failed")
			return
		}
		writeEnvelope(w, http.StatusOK, nonNilContacts(list), nil)
	})
	if extra != nil {
		extra(mux)
	}
	c := newTestClient(t, mux)
	return f, NewContactStore(c, WithStoreLogger(quietLogger()), WithCurrentUser(func() string { return "me" }))
}

func nonNilContacts(list []Contact) []Contact {
	if list == nil {
		return []Contact{}
	}
	return list
}

func TestContactStoreLoad(t *testing.T) {
	f, s := newContactsFake(t, nil)
	f.setList(ContactAccepted, Contact{ID: "c1", Status: ContactAccepted})
	f.setList(ContactPending,
		Contact{ID: "c2", Status: ContactPending, RequesterID: "u2", RecipientID: "me"},
		Contact{ID: "c3", Status: ContactPending, RequesterID: "me", RecipientID: "u3"},
	)

	if err := s.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.IsLoading() {
		t.Error("still loading after LoadAll returned")
	}
	if got := s.Contacts(); len(got) != 1 || got[0].ID != "c1" {
		t.Errorf("Contacts = %+v", got)
	}
	reqs := s.Requests()
	if len(reqs) != 2 || !reqs[0].IsIncoming || reqs[1].IsIncoming {
		t.Errorf("Requests = %+v", reqs)
	}

	t.Run("failure keeps data and sets Err", func(t *testing.T) {
		f.mu.Lock()
		f.failure = http.StatusInternalServerError
		f.mu.Unlock()
		err := s.Load(context.Background(), ContactAccepted)
		if ErrorKindOf(err) != KindServer {
			t.Fatalf("err = %v", err)
		}
		if s.Err() == "" {
			t.Error("Err not set")
		}
		if len(s.Contacts()) != 1 {
			t.Error("failed load must not clear the list")
		}
		s.ClearError()
		if s.Err() != "" {
			t.Error("ClearError did not clear")
		}
	})
}

func TestContactStoreTransitionRefetches(t *testing.T) {
	var accepts atomic.Int32
	f, s := newContactsFake(t, func(mux *http.ServeMux) {
		mux.HandleFunc("POST /api/contacts/{id}/accept", func(w http.ResponseWriter, r *http.Request) {
			accepts.Add(1)
			writeEnvelope(w, http.StatusOK, nil, nil)
		})
		mux.HandleFunc("POST /api/contacts/{id}/block", func(w http.ResponseWriter, r *http.Request) {
			writeFailure(w, http.StatusBadRequest, "ILLEGAL", "cannot block a pending contact")
		})
	})
	pending := Contact{ID: "c1", Status: ContactPending, RequesterID: "u2", RecipientID: "me"}
	f.setList(ContactPending, pending)
	if err := s.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	accepted := pending
	accepted.Status = ContactAccepted
	f.setList(ContactPending)
	f.setList(ContactAccepted, accepted)

	if err := s.Accept(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if accepts.Load() != 1 {
		t.Errorf("accept calls = %d", accepts.Load())
	}
	if len(s.Requests()) != 0 || len(s.Contacts()) != 1 {
		t.Errorf("after accept: requests=%d contacts=%d", len(s.Requests()), len(s.Contacts()))
	}
	if f.loadCount(ContactBlocked) != 1 {
		t.Errorf("blocked list refetched %d times, want only the initial load", f.loadCount(ContactBlocked))
	}

	before := f.loadCount(ContactAccepted)
	err := s.Block(context.Background(), "c1")
	if ErrorKindOf(err) != KindValidation {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(s.Err(), "cannot block") {
		t.Errorf("Err = %q", s.Err())
	}
	if f.loadCount(ContactAccepted) != before {
		t.Error("failed transition must not refetch")
	}
}

func TestContactStoreAddRefreshFailure(t *testing.T) {
	f, s := newContactsFake(t, func(mux *http.ServeMux) {
		mux.HandleFunc("POST /api/contacts", func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusCreated, Contact{ID: "c9", Status: ContactPending, RequesterID: "me", RecipientID: "u9"}, nil)
		})
	})
	f.mu.Lock()
	f.failure = http.StatusInternalServerError
	f.mu.Unlock()

	c, err := s.AddContact(context.Background(), AddContactInput{UserID: "u9"})
	if err != nil {
		t.Fatalf("accepted request reported as failed: %v", err)
	}
	if c.ID != "c9" {
		t.Errorf("contact = %+v", c)
	}
	if !strings.Contains(s.Err(), "load failed") {
		t.Errorf("refresh failure not surfaced, Err = %q", s.Err())
	}
}

func TestContactStoreOptimisticRollback(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	f, s := newContactsFake(t, func(mux *http.ServeMux) {
		mux.HandleFunc("POST /api/contacts/{id}/favorite", func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			entered <- struct{}{}
			<-release
			writeFailure(w, http.StatusInternalServerError, "ERR", "nope")
		})
	})
	f.setList(ContactAccepted, Contact{ID: "c1", Status: ContactAccepted, Nickname: "n"})
	if err := s.Load(context.Background(), ContactAccepted); err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 2)
	go func() { errs <- s.SetFavorite(context.Background(), "c1", true) }()
	<-entered

	if c, _ := s.Get("c1"); !c.IsFavorite {
		t.Fatal("edit must be visible before the server answers")
	}
	// A second favorite call on the same contact joins the first, even with
	// the opposite value, so the two rollbacks cannot interleave.
	go func() { errs <- s.SetFavorite(context.Background(), "c1", false) }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	for range 2 {
		if err := <-errs; ErrorKindOf(err) != KindServer {
			t.Errorf("err = %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1", calls.Load())
	}
	c, _ := s.Get("c1")
	if c.IsFavorite {
		t.Error("favorite not rolled back")
	}
	if c.Nickname != "n" {
		t.Error("rollback touched unrelated fields")
	}
}

func TestContactStoreUpdate(t *testing.T) {
	var calls atomic.Int32
	f, s := newContactsFake(t, func(mux *http.ServeMux) {
		mux.HandleFunc("PUT /api/contacts/{id}", func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeEnvelope(w, http.StatusOK, Contact{ID: r.PathValue("id")}, nil)
		})
	})
	f.setList(ContactAccepted, Contact{ID: "c1", Status: ContactAccepted, Notes: "keep"})
	if err := s.Load(context.Background(), ContactAccepted); err != nil {
		t.Fatal(err)
	}

	if err := s.Update(context.Background(), "c1", ContactUpdate{Nickname: ptr("bee")}); err != nil {
		t.Fatal(err)
	}
	c, _ := s.Get("c1")
	if c.Nickname != "bee" || c.Notes != "keep" {
		t.Errorf("contact = %+v", c)
	}

	err := s.Update(context.Background(), "c1", ContactUpdate{Nickname: ptr(strings.Repeat("x", 101))})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("invalid input reached the server: %d calls", calls.Load())
	}

	if err := s.SetMuted(context.Background(), "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown contact: err = %v", err)
	}
}

func TestContactStorePushEvents(t *testing.T) {
	_, s := newContactsFake(t, nil)
	d := NewDispatcher(WithDispatcherLogger(quietLogger()))
	unbind := s.Bind(d)

	req := Contact{ID: "c1", Status: ContactPending, RequesterID: "u2", RecipientID: "me"}
	d.emit(ContactRequestEvent{Contact: req})
	d.emit(ContactRequestEvent{Contact: req})
	if reqs := s.Requests(); len(reqs) != 1 || !reqs[0].IsIncoming {
		t.Fatalf("Requests = %+v", reqs)
	}

	acc := req
	acc.Status = ContactAccepted
	d.emit(ContactAcceptedEvent{Contact: acc})
	if len(s.Requests()) != 0 || len(s.Contacts()) != 1 {
		t.Fatalf("accepted event: requests=%d contacts=%d", len(s.Requests()), len(s.Contacts()))
	}

	blocked := acc
	blocked.Status = ContactBlocked
	d.emit(ContactUpdatedEvent{Contact: blocked})
	if len(s.Contacts()) != 0 || len(s.Blocked()) != 1 {
		t.Fatal("updated event did not move the row")
	}

	d.emit(ContactRemovedEvent{ContactID: "c1"})
	d.emit(ContactRemovedEvent{ContactID: "c1"})
	if _, ok := s.Get("c1"); ok {
		t.Fatal("removed contact still present")
	}

	now := time.Now()
	tomb := req
	tomb.DeletedAt = &now
	d.emit(ContactRequestEvent{Contact: req})
	d.emit(ContactUpdatedEvent{Contact: tomb})
	if _, ok := s.Get("c1"); ok {
		t.Error("tombstoned row must be dropped")
	}

	unbind()
	d.emit(ContactRequestEvent{Contact: req})
	if len(s.Requests()) != 0 {
		t.Error("store still bound after unbind")
	}
}

func TestContactStoreSearch(t *testing.T) {
	var searches atomic.Int32
	_, s := newContactsFake(t, func(mux *http.ServeMux) {
		mux.HandleFunc("GET /api/users/search", func(w http.ResponseWriter, r *http.Request) {
			searches.Add(1)
			writeEnvelope(w, http.StatusOK, []User{{ID: "u9", Username: r.URL.Query().Get("q")}}, nil)
		})
	})

	users, err := s.SearchUsers(context.Background(), " bob ")
	if err != nil || len(users) != 1 || users[0].Username != "bob" {
		t.Fatalf("SearchUsers = %+v, %v", users, err)
	}
	if len(s.SearchResults()) != 1 {
		t.Error("results not kept")
	}
	if _, err := s.SearchUsers(context.Background(), "  "); err != nil {
		t.Fatal(err)
	}
	if len(s.SearchResults()) != 0 || searches.Load() != 1 {
		t.Errorf("blank query: results=%d searches=%d", len(s.SearchResults()), searches.Load())
	}
}
