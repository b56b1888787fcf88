package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

const defaultNotificationPageSize = 20

// NotificationStore holds the loaded notifications and the unread badge.
//
// The badge is written by REST refreshes and by notification_badge_update
// pushes alike; whichever lands last is what the store shows.
type NotificationStore struct {
	storeBase
	api *NotificationsClient

	mu         sync.RWMutex
	items      []Notification
	unread     int
	filter     NotificationFilter
	pagination *Pagination
}

func NewNotificationStore(client *Client, opts ...StoreOption) *NotificationStore {
	s := &NotificationStore{api: client.Notifications}
	s.init("notifications", opts)
	return s
}

func (s *NotificationStore) Notifications() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Notification(nil), s.items...)
}

func (s *NotificationStore) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

func (s *NotificationStore) Pagination() *Pagination {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pagination == nil {
		return nil
	}
	p := *s.pagination
	return &p
}

// HasMore reports whether LoadMore would fetch anything.
func (s *NotificationStore) HasMore() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pagination != nil && s.pagination.HasNext
}

// Load replaces the list with the first page matching filter. The filter
// is kept for LoadMore and Refresh.
func (s *NotificationStore) Load(ctx context.Context, filter NotificationFilter) error {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = defaultNotificationPageSize
	}
	s.beginLoad()
	items, page, err := s.api.List(ctx, filter)
	if err == nil {
		s.mu.Lock()
		s.filter = filter
		s.items = mergePage(nil, items, false)
		s.pagination = page
		s.mu.Unlock()
	}
	return s.endLoad("load", err)
}

// LoadMore appends the next page. It is a no-op when the last page is
// already loaded.
func (s *NotificationStore) LoadMore(ctx context.Context) error {
	s.mu.RLock()
	filter := s.filter
	more := s.pagination == nil || s.pagination.HasNext
	if s.pagination != nil {
		filter.Page = s.pagination.CurrentPage + 1
	} else {
		filter.Page++
	}
	s.mu.RUnlock()
	if !more {
		return nil
	}
	if filter.Limit < 1 {
		filter.Limit = defaultNotificationPageSize
	}

	return s.guard(fmt.Sprintf("more:%d", filter.Page), func() error {
		s.beginLoad()
		items, page, err := s.api.List(ctx, filter)
		if err == nil {
			s.mu.Lock()
			s.filter = filter
			s.items = mergePage(s.items, items, false)
			s.pagination = page
			s.mu.Unlock()
		}
		return s.endLoad("load more", err)
	})
}

// RefreshUnreadCount fetches the badge value.
func (s *NotificationStore) RefreshUnreadCount(ctx context.Context) error {
	s.beginLoad()
	n, err := s.api.UnreadCount(ctx)
	if err == nil {
		s.setUnread(n)
	}
	return s.endLoad("unread count", err)
}

// Refresh reloads the current filter and the badge concurrently.
func (s *NotificationStore) Refresh(ctx context.Context) error {
	s.mu.RLock()
	filter := s.filter
	s.mu.RUnlock()
	filter.Page = 1

	var g errgroup.Group
	g.Go(func() error { return s.Load(ctx, filter) })
	g.Go(func() error { return s.RefreshUnreadCount(ctx) })
	return g.Wait()
}

// MarkAsRead flags one notification optimistically. The badge drops only
// if the notification was unread.
func (s *NotificationStore) MarkAsRead(ctx context.Context, id string) error {
	return s.guard("read:"+id, func() error {
		wasUnread := s.setRead(id, true)
		if err := s.api.MarkRead(ctx, id); err != nil {
			if wasUnread {
				s.setRead(id, false)
			}
			return s.fail("mark read", err)
		}
		return nil
	})
}

// MarkAllAsRead flags everything read and zeroes the badge optimistically.
func (s *NotificationStore) MarkAllAsRead(ctx context.Context) error {
	return s.guard("read-all", func() error {
		s.mu.Lock()
		prevItems, prevUnread := s.items, s.unread
		out := make([]Notification, len(s.items))
		for i, n := range s.items {
			n.Read = true
			out[i] = n
		}
		s.items = out
		s.unread = 0
		s.mu.Unlock()
		s.notify()

		if err := s.api.MarkAllRead(ctx); err != nil {
			s.mu.Lock()
			s.items, s.unread = prevItems, prevUnread
			s.mu.Unlock()
			s.notify()
			return s.fail("mark all read", err)
		}
		return nil
	})
}

// Delete removes a notification once the server confirms.
func (s *NotificationStore) Delete(ctx context.Context, id string) error {
	return s.guard("delete:"+id, func() error {
		if err := s.api.Delete(ctx, id); err != nil {
			return s.fail("delete", err)
		}
		s.remove(id)
		return nil
	})
}

// ============================================================================
// Reconciliation
// ============================================================================

func (s *NotificationStore) setUnread(n int) {
	s.mu.Lock()
	s.unread = max(n, 0)
	s.mu.Unlock()
	s.notify()
}

// setRead flips the read flag of id and adjusts the badge. It reports
// whether the notification was unread before.
func (s *NotificationStore) setRead(id string, read bool) (wasUnread bool) {
	s.mu.Lock()
	changed := false
	s.items, _ = update(s.items, id, func(n *Notification) {
		wasUnread = !n.Read
		if n.Read != read {
			n.Read = read
			changed = true
		}
	})
	if changed {
		if read {
			s.unread = max(s.unread-1, 0)
		} else {
			s.unread++
		}
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return wasUnread
}

// insert puts a pushed notification first. A duplicate delivery replaces
// the held copy in place and leaves the badge alone.
func (s *NotificationStore) insert(n Notification) {
	s.mu.Lock()
	var isNew bool
	s.items, isNew = upsertFront(s.items, n)
	if isNew && !n.Read {
		s.unread++
	}
	s.mu.Unlock()
	s.notify()
}

func (s *NotificationStore) remove(id string) {
	s.mu.Lock()
	var removed Notification
	if i := indexOf(s.items, id); i >= 0 {
		removed = s.items[i]
		s.items, _ = removeByID(s.items, id)
		if !removed.Read {
			s.unread = max(s.unread-1, 0)
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *NotificationStore) Bind(d *Dispatcher) (unbind func()) {
	subs := []*Subscription{
		Subscribe(d, func(e NotificationEvent) { s.insert(e.Notification) }),
		Subscribe(d, func(e NotificationReadEvent) { s.setRead(e.NotificationID, true) }),
		Subscribe(d, func(e NotificationDeletedEvent) { s.remove(e.NotificationID) }),
		Subscribe(d, func(e NotificationBadgeUpdateEvent) { s.setUnread(e.UnreadCount) }),
	}
	return func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
}

// ============================================================================
// Snapshot
// ============================================================================

type notificationSnapshot struct {
	Items  []Notification `json:"items"`
	Unread int            `json:"unread"`
}

func (s *NotificationStore) snapshotKey() string { return "notifications" }

func (s *NotificationStore) marshalSnapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(notificationSnapshot{Items: s.items, Unread: s.unread})
}

func (s *NotificationStore) restoreSnapshot(data []byte) error {
	var snap notificationSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.mu.Lock()
	s.items = snap.Items
	s.unread = max(snap.Unread, 0)
	s.mu.Unlock()
	s.notify()
	return nil
}
