package sandbox

import (
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"

	pulse "github.com/pulsechat/pulse/sdk/golang"
)

// DirectConversationID names the one-to-one conversation of a and b.
func DirectConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm_" + a + "_" + b
}

// GroupConversationID names a group's conversation.
func GroupConversationID(groupID string) string { return "group_" + groupID }

// audienceLocked returns who takes part in m's conversation. Must be called
// with s.mu held.
func (s *Server) audienceLocked(m pulse.Message) []string {
	if m.GroupID != "" {
		if g, ok := s.groups[m.GroupID]; ok {
			return g.memberIDs()
		}
		return nil
	}
	return []string{m.SenderID, m.RecipientID}
}

// conversationAudience resolves who should see a typing indicator.
func (s *Server) conversationAudience(me, conversationID, recipientID string) []string {
	if recipientID != "" {
		return []string{recipientID}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if groupID, ok := strings.CutPrefix(conversationID, "group_"); ok {
		if g, ok := s.groups[groupID]; ok {
			if _, member := g.members[me]; member {
				return g.memberIDs()
			}
		}
	}
	return nil
}

func (s *Server) findMessageLocked(id string) (int, bool) {
	for i, m := range s.messages {
		if m.ID == id {
			return i, true
		}
	}
	return -1, false
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request, me string) {
	var in pulse.SendMessageInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(in.Content) == "" {
		writeError(w, fmt.Errorf("%w: content is required", pulse.ErrInvalidInput))
		return
	}
	if in.Type == "" {
		in.Type = "text"
	}

	m := pulse.Message{
		ID:          pulse.NewID(),
		ClientID:    in.ClientID,
		SenderID:    me,
		RecipientID: in.RecipientID,
		GroupID:     in.GroupID,
		Content:     in.Content,
		Type:        in.Type,
		Status:      pulse.MessageSent,
		ReplyTo:     in.ReplyTo,
		CreatedAt:   s.now(),
	}

	switch {
	case in.GroupID != "":
		s.mu.Lock()
		g, err := s.groupFor(in.GroupID, me)
		if err == nil && g.settings.OnlyAdminsCanPost && !canManage(g, me) {
			err = fmt.Errorf("%w: only admins can post", errForbidden)
		}
		s.mu.Unlock()
		if err != nil {
			writeError(w, err)
			return
		}
		m.RecipientID = ""
		m.ConversationID = GroupConversationID(in.GroupID)
	case in.RecipientID != "":
		if _, ok := s.user(in.RecipientID); !ok {
			writeError(w, fmt.Errorf("user %s: %w", in.RecipientID, pulse.ErrNotFound))
			return
		}
		if c, ok := s.ledger.Between(me, in.RecipientID); ok && !c.Tombstoned() && c.Status == pulse.ContactBlocked {
			writeError(w, fmt.Errorf("%w: contact is blocked", errForbidden))
			return
		}
		m.ConversationID = DirectConversationID(me, in.RecipientID)
	default:
		writeError(w, fmt.Errorf("%w: recipientId or groupId is required", pulse.ErrInvalidInput))
		return
	}

	s.mu.Lock()
	s.messages = append(s.messages, m)
	audience := s.audienceLocked(m)
	s.mu.Unlock()

	for _, id := range audience {
		s.PushEvent(id, pulse.MessageSentEvent{Message: m})
	}
	writeData(w, http.StatusCreated, m, nil)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request, me string) {
	q := r.URL.Query()
	var conv string
	switch {
	case q.Get("groupId") != "":
		s.mu.Lock()
		_, err := s.groupFor(q.Get("groupId"), me)
		s.mu.Unlock()
		if err != nil {
			writeError(w, err)
			return
		}
		conv = GroupConversationID(q.Get("groupId"))
	case q.Get("conversationWith") != "":
		conv = DirectConversationID(me, q.Get("conversationWith"))
	default:
		writeError(w, fmt.Errorf("%w: conversationWith or groupId is required", pulse.ErrInvalidInput))
		return
	}

	s.mu.Lock()
	var out []pulse.Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ConversationID == conv {
			out = append(out, s.messages[i])
		}
	}
	s.mu.Unlock()

	page, p := paginate(r, out, 50)
	writeData(w, http.StatusOK, page, p)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request, me string) {
	s.mu.Lock()
	convs := make(map[string]*pulse.Conversation)
	for _, g := range s.groups {
		if _, member := g.members[me]; !member {
			continue
		}
		id := GroupConversationID(g.group.ID)
		convs[id] = &pulse.Conversation{
			ID:        id,
			Type:      pulse.ConversationGroup,
			GroupID:   g.group.ID,
			Name:      g.group.Name,
			UpdatedAt: g.group.UpdatedAt,
		}
	}
	for _, m := range s.messages {
		var c *pulse.Conversation
		if m.GroupID != "" {
			c = convs[m.ConversationID]
		} else if m.SenderID == me || m.RecipientID == me {
			c = convs[m.ConversationID]
			if c == nil {
				other := m.RecipientID
				if other == me {
					other = m.SenderID
				}
				c = &pulse.Conversation{ID: m.ConversationID, Type: pulse.ConversationDirect, UserID: other}
				if u, ok := s.users[other]; ok {
					c.Name = u.Username
				}
				convs[m.ConversationID] = c
			}
		}
		if c == nil {
			continue
		}
		mm := m
		c.LastMessage = &mm
		c.UpdatedAt = m.CreatedAt
		if m.RecipientID == me && !m.IsRead {
			c.UnreadCount++
		}
	}
	s.mu.Unlock()

	out := make([]pulse.Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	writeData(w, http.StatusOK, out, nil)
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request, me string) {
	var in struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(in.Content) == "" {
		writeError(w, fmt.Errorf("%w: content is required", pulse.ErrInvalidInput))
		return
	}
	s.mu.Lock()
	i, ok := s.findMessageLocked(r.PathValue("id"))
	var err error
	switch {
	case !ok:
		err = fmt.Errorf("message %s: %w", r.PathValue("id"), pulse.ErrNotFound)
	case s.messages[i].SenderID != me:
		err = fmt.Errorf("%w: only the sender can edit a message", errForbidden)
	}
	if err != nil {
		s.mu.Unlock()
		writeError(w, err)
		return
	}
	now := s.now()
	s.messages[i].Content = in.Content
	s.messages[i].EditedAt = &now
	m := s.messages[i]
	audience := s.audienceLocked(m)
	s.mu.Unlock()

	for _, id := range audience {
		s.PushEvent(id, pulse.MessageUpdatedEvent{Message: m})
	}
	writeData(w, http.StatusOK, m, nil)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request, me string) {
	forEveryone := r.URL.Query().Get("deleteForEveryone") == "true"
	s.mu.Lock()
	i, ok := s.findMessageLocked(r.PathValue("id"))
	var err error
	switch {
	case !ok:
		err = fmt.Errorf("message %s: %w", r.PathValue("id"), pulse.ErrNotFound)
	case s.messages[i].SenderID != me:
		err = fmt.Errorf("%w: only the sender can delete a message", errForbidden)
	}
	if err != nil {
		s.mu.Unlock()
		writeError(w, err)
		return
	}
	m := s.messages[i]
	s.messages = append(s.messages[:i:i], s.messages[i+1:]...)
	audience := []string{me}
	if forEveryone {
		audience = s.audienceLocked(m)
	}
	s.mu.Unlock()

	for _, id := range audience {
		s.PushEvent(id, pulse.MessageDeletedEvent{MessageID: m.ID, ConversationID: m.ConversationID})
	}
	writeOK(w, "message deleted")
}

func (s *Server) markMessageRead(w http.ResponseWriter, r *http.Request, me string) {
	s.mu.Lock()
	i, ok := s.findMessageLocked(r.PathValue("id"))
	if !ok {
		s.mu.Unlock()
		writeError(w, fmt.Errorf("message %s: %w", r.PathValue("id"), pulse.ErrNotFound))
		return
	}
	m := s.messages[i]
	if m.RecipientID == me {
		s.messages[i].IsRead = true
		s.messages[i].Status = pulse.MessageRead
	}
	s.mu.Unlock()

	if m.SenderID != me {
		s.PushEvent(m.SenderID, pulse.MessageReadEvent{MessageID: m.ID, ConversationID: m.ConversationID, ReaderID: me})
	}
	writeOK(w, "message marked as read")
}

// reactToMessage adds or removes the caller's emoji. The emoji comes from the
// body when adding and from the query when removing.
func (s *Server) reactToMessage(add bool) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, me string) {
		emoji := r.URL.Query().Get("emoji")
		if add {
			var in struct {
				Emoji string `json:"emoji"`
			}
			if err := decodeBody(r, &in); err != nil {
				writeError(w, err)
				return
			}
			emoji = in.Emoji
		}
		if strings.TrimSpace(emoji) == "" {
			writeError(w, fmt.Errorf("%w: emoji is required", pulse.ErrInvalidInput))
			return
		}

		s.mu.Lock()
		i, ok := s.findMessageLocked(r.PathValue("id"))
		var err error
		switch {
		case !ok:
			err = fmt.Errorf("message %s: %w", r.PathValue("id"), pulse.ErrNotFound)
		case !slices.Contains(s.audienceLocked(s.messages[i]), me):
			err = fmt.Errorf("%w: not a participant", errForbidden)
		}
		if err != nil {
			s.mu.Unlock()
			writeError(w, err)
			return
		}
		if add {
			s.messages[i].Reactions = pulse.WithReaction(s.messages[i].Reactions, emoji, me)
		} else {
			s.messages[i].Reactions = pulse.WithoutReaction(s.messages[i].Reactions, emoji, me)
		}
		m := s.messages[i]
		audience := s.audienceLocked(m)
		s.mu.Unlock()

		for _, id := range audience {
			s.PushEvent(id, pulse.MessageUpdatedEvent{Message: m})
		}
		writeData(w, http.StatusOK, m, nil)
	}
}
