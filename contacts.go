package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ContactStore holds the local user's contacts split by status.
//
// Profile edits (favorite, mute, nickname, notes) are applied optimistically
// and rolled back if the server refuses them. Status transitions go to the
// server first and then refetch the sub-collections they touch.
type ContactStore struct {
	storeBase
	api   *ContactsClient
	users *UsersClient

	mu       sync.RWMutex
	lists    map[ContactStatus][]Contact
	results  []User
	selected string
}

func NewContactStore(client *Client, opts ...StoreOption) *ContactStore {
	s := &ContactStore{
		api:   client.Contacts,
		users: client.Users,
		lists: make(map[ContactStatus][]Contact),
	}
	s.init("contacts", opts)
	return s
}

// ============================================================================
// Reads
// ============================================================================

// Contacts returns accepted contacts.
func (s *ContactStore) Contacts() []Contact { return s.list(ContactAccepted) }

// Blocked returns every blocked row, whichever side blocked.
func (s *ContactStore) Blocked() []Contact { return s.list(ContactBlocked) }

// Requests returns pending rows annotated with their direction.
func (s *ContactStore) Requests() []ContactRequest {
	me := s.self()
	pending := s.list(ContactPending)
	out := make([]ContactRequest, len(pending))
	for i, c := range pending {
		out[i] = ContactRequest{Contact: c, IsIncoming: c.RecipientID == me}
	}
	return out
}

func (s *ContactStore) list(status ContactStatus) []Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Contact(nil), s.lists[status]...)
}

// Get finds an active contact by id in any sub-collection.
func (s *ContactStore) Get(id string) (Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(id)
}

func (s *ContactStore) findLocked(id string) (Contact, bool) {
	for _, st := range ContactStatuses {
		if i := indexOf(s.lists[st], id); i >= 0 {
			return s.lists[st][i], true
		}
	}
	return Contact{}, false
}

func (s *ContactStore) SearchResults() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]User(nil), s.results...)
}

func (s *ContactStore) SetSelected(id string) {
	s.mu.Lock()
	s.selected = id
	s.mu.Unlock()
	s.notify()
}

func (s *ContactStore) Selected() (Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selected == "" {
		return Contact{}, false
	}
	return s.findLocked(s.selected)
}

// ============================================================================
// Loads
// ============================================================================

// Load replaces the sub-collection for status with the server's.
func (s *ContactStore) Load(ctx context.Context, status ContactStatus) error {
	s.beginLoad()
	list, err := s.api.List(ctx, status)
	if err == nil {
		s.mu.Lock()
		s.lists[status] = list
		s.mu.Unlock()
	}
	return s.endLoad("load "+string(status), err)
}

// LoadAll loads every status concurrently.
func (s *ContactStore) LoadAll(ctx context.Context) error {
	return s.refetch(ctx, ContactStatuses...)
}

func (s *ContactStore) refetch(ctx context.Context, statuses ...ContactStatus) error {
	var g errgroup.Group
	for _, st := range statuses {
		g.Go(func() error { return s.Load(ctx, st) })
	}
	return g.Wait()
}

// SearchUsers finds users to add. An empty query clears the results
// without a request.
func (s *ContactStore) SearchUsers(ctx context.Context, query string) ([]User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		s.mu.Lock()
		s.results = nil
		s.mu.Unlock()
		s.notify()
		return nil, nil
	}
	s.beginLoad()
	users, err := s.users.Search(ctx, query)
	if err == nil {
		s.mu.Lock()
		s.results = users
		s.mu.Unlock()
	}
	return users, s.endLoad("search", err)
}

// ============================================================================
// Status transitions
// ============================================================================

// AddContact sends a request to userID. The server restores a tombstoned
// row for the pair rather than creating a second one.
func (s *ContactStore) AddContact(ctx context.Context, in AddContactInput) (Contact, error) {
	return guardValue(&s.storeBase, "add:"+in.UserID, func() (Contact, error) {
		c, err := s.api.Add(ctx, in)
		if err != nil {
			return Contact{}, s.fail("add", err)
		}
		// The request exists once the server accepted it. A failed refresh
		// is already logged and recorded in Err() by Load.
		_ = s.refetch(ctx, AffectedStatuses(ActionAdd, "")...)
		return c, nil
	})
}

func (s *ContactStore) Accept(ctx context.Context, id string) error {
	return s.transition(ctx, ActionAccept, id, s.api.Accept)
}

func (s *ContactStore) Reject(ctx context.Context, id string) error {
	return s.transition(ctx, ActionReject, id, s.api.Reject)
}

func (s *ContactStore) Delete(ctx context.Context, id string) error {
	return s.transition(ctx, ActionDelete, id, s.api.Delete)
}

func (s *ContactStore) Block(ctx context.Context, id string) error {
	return s.transition(ctx, ActionBlock, id, s.api.Block)
}

func (s *ContactStore) Unblock(ctx context.Context, id string) error {
	return s.transition(ctx, ActionUnblock, id, s.api.Unblock)
}

func (s *ContactStore) transition(ctx context.Context, action ContactAction, id string, call func(context.Context, string) error) error {
	return s.guard(string(action)+":"+id, func() error {
		var from ContactStatus
		if c, ok := s.Get(id); ok {
			from = c.Status
		}
		if err := call(ctx, id); err != nil {
			return s.fail(string(action), err)
		}
		return s.refetch(ctx, AffectedStatuses(action, from)...)
	})
}

// ============================================================================
// Optimistic edits
// ============================================================================

func (s *ContactStore) SetFavorite(ctx context.Context, id string, favorite bool) error {
	return s.optimistic(ctx, "favorite:"+id, id,
		func(c *Contact) { c.IsFavorite = favorite },
		func(c *Contact, prev Contact) { c.IsFavorite = prev.IsFavorite },
		func(ctx context.Context) error { return s.api.SetFavorite(ctx, id, favorite) })
}

func (s *ContactStore) SetMuted(ctx context.Context, id string, muted bool) error {
	return s.optimistic(ctx, "mute:"+id, id,
		func(c *Contact) { c.IsMuted = muted },
		func(c *Contact, prev Contact) { c.IsMuted = prev.IsMuted },
		func(ctx context.Context) error { return s.api.SetMuted(ctx, id, muted) })
}

// Update edits nickname and/or notes.
func (s *ContactStore) Update(ctx context.Context, id string, in ContactUpdate) error {
	if err := validateProfile(deref(in.Nickname), deref(in.Notes)); err != nil {
		return s.fail("update", err)
	}
	return s.optimistic(ctx, "update:"+id, id,
		func(c *Contact) {
			if in.Nickname != nil {
				c.Nickname = *in.Nickname
			}
			if in.Notes != nil {
				c.Notes = *in.Notes
			}
		},
		func(c *Contact, prev Contact) {
			if in.Nickname != nil {
				c.Nickname = prev.Nickname
			}
			if in.Notes != nil {
				c.Notes = prev.Notes
			}
		},
		func(ctx context.Context) error {
			_, err := s.api.Update(ctx, id, in)
			return err
		})
}

// optimistic applies a local edit, calls the server, and on failure undoes
// only the fields the edit touched. Concurrent edits of the same kind on one
// contact share the first one's request.
func (s *ContactStore) optimistic(ctx context.Context, key, id string, apply func(*Contact), undo func(*Contact, Contact), call func(context.Context) error) error {
	return s.guard(key, func() error {
		prev, ok := s.mutate(id, apply)
		if !ok {
			return s.fail(key, fmt.Errorf("contact %s: %w", id, ErrNotFound))
		}
		if err := call(ctx); err != nil {
			s.mutate(id, func(c *Contact) { undo(c, prev) })
			return s.fail(key, err)
		}
		return nil
	})
}

// mutate edits the contact with id in whichever list holds it and returns
// its previous value.
func (s *ContactStore) mutate(id string, fn func(*Contact)) (Contact, bool) {
	s.mu.Lock()
	var prev Contact
	found := false
	for _, st := range ContactStatuses {
		if i := indexOf(s.lists[st], id); i >= 0 {
			prev = s.lists[st][i]
			s.lists[st], _ = update(s.lists[st], id, fn)
			found = true
			break
		}
	}
	s.mu.Unlock()
	if found {
		s.notify()
	}
	return prev, found
}

// ============================================================================
// Push reconciliation
// ============================================================================

// Bind subscribes the store to its push channels.
func (s *ContactStore) Bind(d *Dispatcher) (unbind func()) {
	subs := []*Subscription{
		Subscribe(d, func(e ContactRequestEvent) { s.place(e.Contact) }),
		Subscribe(d, func(e ContactAcceptedEvent) { s.place(e.Contact) }),
		Subscribe(d, func(e ContactUpdatedEvent) { s.place(e.Contact) }),
		Subscribe(d, func(e ContactRemovedEvent) { s.remove(e.ContactID) }),
	}
	return func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
}

// place puts c in the list of its status and takes it out of the others.
// A row already in the right list keeps its position.
func (s *ContactStore) place(c Contact) {
	if c.Tombstoned() {
		s.remove(c.ID)
		return
	}
	s.mu.Lock()
	for _, st := range ContactStatuses {
		if st == c.Status {
			s.lists[st], _ = upsert(s.lists[st], c)
		} else {
			s.lists[st], _ = removeByID(s.lists[st], c.ID)
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *ContactStore) remove(id string) {
	s.mu.Lock()
	for _, st := range ContactStatuses {
		s.lists[st], _ = removeByID(s.lists[st], id)
	}
	s.mu.Unlock()
	s.notify()
}

// ============================================================================
// Snapshot
// ============================================================================

type contactSnapshot struct {
	Lists map[ContactStatus][]Contact `json:"lists"`
}

func (s *ContactStore) snapshotKey() string { return "contacts" }

func (s *ContactStore) marshalSnapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(contactSnapshot{Lists: s.lists})
}

func (s *ContactStore) restoreSnapshot(data []byte) error {
	var snap contactSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.mu.Lock()
	s.lists = make(map[ContactStatus][]Contact)
	for st, l := range snap.Lists {
		s.lists[st] = l
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
