package sandbox

import (
	"fmt"
	"net/http"
	"strconv"

	pulse "github.com/pulsechat/pulse/sdk/golang"
)

// Notify stores a notification for userID and pushes it together with the
// new badge count. ID and CreatedAt are filled in when empty.
func (s *Server) Notify(userID string, n pulse.Notification) pulse.Notification {
	if n.ID == "" {
		n.ID = pulse.NewID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	n.UserID = userID

	s.mu.Lock()
	s.notifications[userID] = append([]pulse.Notification{n}, s.notifications[userID]...)
	unread := s.unreadLocked(userID)
	s.mu.Unlock()

	s.PushEvent(userID, pulse.NotificationEvent{Notification: n})
	s.PushEvent(userID, pulse.NotificationBadgeUpdateEvent{UnreadCount: unread})
	return n
}

func (s *Server) unreadLocked(userID string) int {
	n := 0
	for _, item := range s.notifications[userID] {
		if !item.Read {
			n++
		}
	}
	return n
}

// UnreadCount returns userID's unread notification count.
func (s *Server) UnreadCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadLocked(userID)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request, me string) {
	q := r.URL.Query()
	var read *bool
	if v := q.Get("read"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, fmt.Errorf("%w: read must be a boolean", pulse.ErrInvalidInput))
			return
		}
		read = &b
	}

	s.mu.Lock()
	var out []pulse.Notification
	for _, n := range s.notifications[me] {
		if read != nil && n.Read != *read {
			continue
		}
		if t := q.Get("type"); t != "" && n.Type != t {
			continue
		}
		if p := q.Get("priority"); p != "" && n.Priority != p {
			continue
		}
		if c := q.Get("category"); c != "" && n.Category != c {
			continue
		}
		out = append(out, n)
	}
	s.mu.Unlock()

	page, p := paginate(r, out, 20)
	writeData(w, http.StatusOK, page, p)
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request, me string) {
	writeData(w, http.StatusOK, map[string]int{"unreadCount": s.UnreadCount(me)}, nil)
}

func (s *Server) markNotificationRead(w http.ResponseWriter, r *http.Request, me string) {
	id := r.PathValue("id")
	s.mu.Lock()
	found := false
	for i, n := range s.notifications[me] {
		if n.ID == id {
			s.notifications[me][i].Read = true
			found = true
			break
		}
	}
	unread := s.unreadLocked(me)
	s.mu.Unlock()
	if !found {
		writeError(w, fmt.Errorf("notification %s: %w", id, pulse.ErrNotFound))
		return
	}
	s.PushEvent(me, pulse.NotificationReadEvent{NotificationID: id})
	s.PushEvent(me, pulse.NotificationBadgeUpdateEvent{UnreadCount: unread})
	writeOK(w, "notification marked as read")
}

func (s *Server) markAllNotificationsRead(w http.ResponseWriter, r *http.Request, me string) {
	s.mu.Lock()
	for i := range s.notifications[me] {
		s.notifications[me][i].Read = true
	}
	s.mu.Unlock()
	s.PushEvent(me, pulse.NotificationBadgeUpdateEvent{UnreadCount: 0})
	writeOK(w, "all notifications marked as read")
}

func (s *Server) deleteNotification(w http.ResponseWriter, r *http.Request, me string) {
	id := r.PathValue("id")
	s.mu.Lock()
	list := s.notifications[me]
	found := false
	for i, n := range list {
		if n.ID == id {
			s.notifications[me] = append(list[:i:i], list[i+1:]...)
			found = true
			break
		}
	}
	unread := s.unreadLocked(me)
	s.mu.Unlock()
	if !found {
		writeError(w, fmt.Errorf("notification %s: %w", id, pulse.ErrNotFound))
		return
	}
	s.PushEvent(me, pulse.NotificationDeletedEvent{NotificationID: id})
	s.PushEvent(me, pulse.NotificationBadgeUpdateEvent{UnreadCount: unread})
	writeOK(w, "notification deleted")
}
