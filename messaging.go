package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultMessagePageSize is how many messages one history page holds.
const DefaultMessagePageSize = 50

// MessagingStore holds conversations, the loaded history of each, typing
// indicators and presence.
type MessagingStore struct {
	storeBase
	api *MessagesClient

	mu            sync.RWMutex
	conversations []Conversation
	messages      map[string][]Message
	hasMore       map[string]bool
	active        string
	typing        map[string]map[string]bool
	presence      map[string]Presence
}

func NewMessagingStore(client *Client, opts ...StoreOption) *MessagingStore {
	s := &MessagingStore{
		api:      client.Messages,
		messages: make(map[string][]Message),
		hasMore:  make(map[string]bool),
		typing:   make(map[string]map[string]bool),
		presence: make(map[string]Presence),
	}
	s.init("messaging", opts)
	return s
}

// ============================================================================
// Reads
// ============================================================================

func (s *MessagingStore) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Conversation(nil), s.conversations...)
}

func (s *MessagingStore) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexOf(s.conversations, id); i >= 0 {
		return s.conversations[i], true
	}
	return Conversation{}, false
}

// Messages returns the loaded history of a conversation, oldest first.
func (s *MessagingStore) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages[conversationID]...)
}

func (s *MessagingStore) HasMore(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasMore[conversationID]
}

func (s *MessagingStore) ActiveConversation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// TypingUsers returns who is typing in a conversation.
func (s *MessagingStore) TypingUsers(conversationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id := range s.typing[conversationID] {
		out = append(out, id)
	}
	return out
}

func (s *MessagingStore) Presence(userID string) (Presence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presence[userID]
	return p, ok
}

// ============================================================================
// Loads
// ============================================================================

func (s *MessagingStore) LoadConversations(ctx context.Context) error {
	s.beginLoad()
	convs, err := s.api.Conversations(ctx)
	if err == nil {
		s.mu.Lock()
		s.conversations = mergePage(nil, convs, false)
		s.mu.Unlock()
	}
	return s.endLoad("load conversations", err)
}

// LoadMessages replaces a conversation's history with its newest page.
func (s *MessagingStore) LoadMessages(ctx context.Context, conv Conversation) error {
	s.beginLoad()
	msgs, page, err := s.api.List(ctx, conv, 1, DefaultMessagePageSize)
	if err == nil {
		s.mu.Lock()
		s.messages[conv.ID] = mergePage(nil, reversed(msgs), false)
		s.hasMore[conv.ID] = moreAfter(page, len(msgs))
		s.mu.Unlock()
	}
	return s.endLoad("load messages", err)
}

// LoadOlderMessages prepends an older page of history. It reports whether more
// pages remain.
func (s *MessagingStore) LoadOlderMessages(ctx context.Context, conv Conversation, page int) (bool, error) {
	s.beginLoad()
	msgs, p, err := s.api.List(ctx, conv, page, DefaultMessagePageSize)
	var more bool
	if err == nil {
		more = moreAfter(p, len(msgs))
		s.mu.Lock()
		s.messages[conv.ID] = mergePage(s.messages[conv.ID], reversed(msgs), true)
		s.hasMore[conv.ID] = more
		s.mu.Unlock()
	}
	return more, s.endLoad("load older messages", err)
}

func moreAfter(p *Pagination, n int) bool {
	if p != nil {
		return p.HasNext
	}
	return n >= DefaultMessagePageSize
}

// ============================================================================
// Mutations
// ============================================================================

// SendMessage appends a local message immediately and swaps it for the
// server's copy once confirmed. On failure the local message is removed.
func (s *MessagingStore) SendMessage(ctx context.Context, conv Conversation, content, msgType, replyTo string) (Message, error) {
	if msgType == "" {
		msgType = "text"
	}
	local := Message{
		ID:             newLocalID(),
		ConversationID: conv.ID,
		SenderID:       s.self(),
		RecipientID:    conv.UserID,
		GroupID:        conv.GroupID,
		Content:        content,
		Type:           msgType,
		Status:         MessageSending,
		ReplyTo:        replyTo,
		CreatedAt:      time.Now().UTC(),
	}
	local.ClientID = local.ID

	s.mu.Lock()
	s.messages[conv.ID], _ = upsert(s.messages[conv.ID], local)
	s.mu.Unlock()
	s.notify()

	sent, err := s.api.Send(ctx, SendMessageInput{
		RecipientID: conv.UserID,
		GroupID:     conv.GroupID,
		Content:     content,
		Type:        msgType,
		ReplyTo:     replyTo,
		ClientID:    local.ClientID,
	})
	if err != nil {
		s.mu.Lock()
		s.messages[conv.ID], _ = removeByID(s.messages[conv.ID], local.ID)
		s.mu.Unlock()
		s.notify()
		return Message{}, s.fail("send message", err)
	}
	if sent.ConversationID == "" {
		sent.ConversationID = conv.ID
	}
	if sent.ClientID == "" {
		sent.ClientID = local.ClientID
	}
	s.mergeMessage(sent)
	return sent, nil
}

// EditMessage changes content optimistically.
func (s *MessagingStore) EditMessage(ctx context.Context, conversationID, id, content string) error {
	return s.guard("edit:"+id, func() error {
		var prev Message
		found := s.editMessage(conversationID, id, func(m *Message) {
			prev = *m
			m.Content = content
			now := time.Now().UTC()
			m.EditedAt = &now
		})
		if !found {
			return s.fail("edit message", fmt.Errorf("message %s: %w", id, ErrNotFound))
		}
		if _, err := s.api.Edit(ctx, id, content); err != nil {
			s.editMessage(conversationID, id, func(m *Message) {
				m.Content = prev.Content
				m.EditedAt = prev.EditedAt
			})
			return s.fail("edit message", err)
		}
		return nil
	})
}

// DeleteMessage removes a message after the server confirms.
func (s *MessagingStore) DeleteMessage(ctx context.Context, conversationID, id string, forEveryone bool) error {
	return s.guard("delete:"+id, func() error {
		if err := s.api.Delete(ctx, id, forEveryone); err != nil {
			return s.fail("delete message", err)
		}
		s.dropMessage(conversationID, id)
		return nil
	})
}

func (s *MessagingStore) MarkAsRead(ctx context.Context, conversationID, id string) error {
	return s.guard("read:"+id, func() error {
		if err := s.api.MarkRead(ctx, id); err != nil {
			return s.fail("mark read", err)
		}
		s.editMessage(conversationID, id, func(m *Message) {
			m.IsRead = true
			m.Status = MessageRead
		})
		return nil
	})
}

// AddReaction adds the local user's emoji to a message optimistically and
// restores the previous reactions if the server refuses.
func (s *MessagingStore) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return s.react(ctx, "add reaction", conversationID, messageID, emoji, WithReaction, s.api.AddReaction)
}

func (s *MessagingStore) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return s.react(ctx, "remove reaction", conversationID, messageID, emoji, WithoutReaction, s.api.RemoveReaction)
}

func (s *MessagingStore) react(ctx context.Context, op, conversationID, messageID, emoji string,
	apply func([]Reaction, string, string) []Reaction,
	call func(context.Context, string, string) (Message, error),
) error {
	if strings.TrimSpace(emoji) == "" {
		return s.fail(op, fmt.Errorf("%w: emoji is required", ErrInvalidInput))
	}
	return s.guard(op+":"+messageID+":"+emoji, func() error {
		me := s.self()
		var prev []Reaction
		found := s.editMessage(conversationID, messageID, func(m *Message) {
			prev = m.Reactions
			m.Reactions = apply(m.Reactions, emoji, me)
		})
		if !found {
			return s.fail(op, fmt.Errorf("message %s: %w", messageID, ErrNotFound))
		}
		updated, err := call(ctx, messageID, emoji)
		if err != nil {
			s.editMessage(conversationID, messageID, func(m *Message) { m.Reactions = prev })
			return s.fail(op, err)
		}
		if updated.ID == messageID {
			s.editMessage(conversationID, messageID, func(m *Message) { m.Reactions = updated.Reactions })
		}
		return nil
	})
}

// SetActiveConversation marks a conversation as open and zeroes its unread
// counter.
func (s *MessagingStore) SetActiveConversation(id string) {
	s.mu.Lock()
	s.active = id
	if id != "" {
		s.conversations, _ = update(s.conversations, id, func(c *Conversation) { c.UnreadCount = 0 })
	}
	s.mu.Unlock()
	s.notify()
}

// ============================================================================
// Outbound push frames
// ============================================================================

func (s *MessagingStore) send(ctx context.Context, ch Channel, payload any) error {
	if s.sender == nil {
		return ErrNotConnected
	}
	return s.sender.SendMessage(ctx, OutboundMessage{Type: ch, Payload: payload})
}

func (s *MessagingStore) JoinConversation(ctx context.Context, conversationID string) error {
	return s.send(ctx, ChannelJoinConversation, map[string]string{"conversationId": conversationID})
}

func (s *MessagingStore) LeaveConversation(ctx context.Context, conversationID string) error {
	return s.send(ctx, ChannelLeaveConversation, map[string]string{"conversationId": conversationID})
}

// StartTyping tells the other participants the local user is typing. For a
// direct conversation recipientID is the other user.
func (s *MessagingStore) StartTyping(ctx context.Context, conversationID, recipientID string) error {
	return s.send(ctx, ChannelTyping, map[string]string{"conversationId": conversationID, "recipientId": recipientID})
}

func (s *MessagingStore) StopTyping(ctx context.Context, conversationID, recipientID string) error {
	return s.send(ctx, ChannelStopTyping, map[string]string{"conversationId": conversationID, "recipientId": recipientID})
}

// ============================================================================
// Reconciliation
// ============================================================================

// mergeMessage inserts or replaces m by id. Any other entry carrying the
// same client id is the local optimistic copy: it is replaced in place, or
// dropped when m is already held by id. A message already held by id never
// bumps its conversation again.
func (s *MessagingStore) mergeMessage(m Message) {
	s.mu.Lock()
	list := s.messages[m.ConversationID]
	known := indexOf(list, m.ID) >= 0
	replaced := false
	if m.ClientID != "" {
		out := make([]Message, 0, len(list))
		for _, existing := range list {
			if existing.ClientID == m.ClientID && existing.ID != m.ID {
				if !known && !replaced {
					out = append(out, m)
					replaced = true
				}
				continue
			}
			out = append(out, existing)
		}
		list = out
	}
	if !replaced {
		list, _ = upsert(list, m)
	}
	s.messages[m.ConversationID] = list

	if known {
		s.conversations, _ = update(s.conversations, m.ConversationID, func(c *Conversation) {
			if c.LastMessage != nil && c.LastMessage.ID == m.ID {
				mm := m
				c.LastMessage = &mm
			}
		})
	} else {
		s.bumpConversationLocked(m)
	}
	s.mu.Unlock()
	s.notify()
}

// bumpConversationLocked moves the conversation of a new message to the top
// and counts it as unread unless it is the local user's or is open.
func (s *MessagingStore) bumpConversationLocked(m Message) {
	i := indexOf(s.conversations, m.ConversationID)
	if i < 0 {
		return
	}
	c := s.conversations[i]
	mm := m
	c.LastMessage = &mm
	if !m.CreatedAt.IsZero() {
		c.UpdatedAt = m.CreatedAt
	}
	if m.SenderID != s.self() && s.active != m.ConversationID && !m.IsRead {
		c.UnreadCount++
	}
	rest, _ := removeByID(s.conversations, c.ID)
	s.conversations = append([]Conversation{c}, rest...)
}

func (s *MessagingStore) editMessage(conversationID, id string, fn func(*Message)) bool {
	s.mu.Lock()
	var ok bool
	if conversationID == "" {
		conversationID = s.findConversationLocked(id)
	}
	s.messages[conversationID], ok = update(s.messages[conversationID], id, fn)
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

func (s *MessagingStore) dropMessage(conversationID, id string) {
	s.mu.Lock()
	if conversationID == "" {
		conversationID = s.findConversationLocked(id)
	}
	if list, ok := s.messages[conversationID]; ok {
		s.messages[conversationID], _ = removeByID(list, id)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *MessagingStore) findConversationLocked(messageID string) string {
	for conv, list := range s.messages {
		if indexOf(list, messageID) >= 0 {
			return conv
		}
	}
	return ""
}

func (s *MessagingStore) setTyping(conversationID, userID string, typing bool) {
	if userID == s.self() {
		return
	}
	s.mu.Lock()
	set := s.typing[conversationID]
	if typing {
		if set == nil {
			set = make(map[string]bool)
			s.typing[conversationID] = set
		}
		set[userID] = true
	} else if set != nil {
		delete(set, userID)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *MessagingStore) setPresence(p Presence) {
	s.mu.Lock()
	s.presence[p.UserID] = p
	s.mu.Unlock()
	s.notify()
}

func (s *MessagingStore) Bind(d *Dispatcher) (unbind func()) {
	subs := []*Subscription{
		Subscribe(d, func(e MessageSentEvent) { s.mergeMessage(e.Message) }),
		Subscribe(d, func(e MessageUpdatedEvent) {
			if !s.editMessage(e.ConversationID, e.ID, func(m *Message) { *m = e.Message }) {
				s.mergeMessage(e.Message)
			}
		}),
		Subscribe(d, func(e MessageDeliveredEvent) {
			s.editMessage(e.ConversationID, e.MessageID, func(m *Message) {
				if m.Status != MessageRead {
					m.Status = MessageDelivered
				}
			})
		}),
		Subscribe(d, func(e MessageReadEvent) {
			s.editMessage(e.ConversationID, e.MessageID, func(m *Message) {
				m.IsRead = true
				m.Status = MessageRead
			})
		}),
		Subscribe(d, func(e MessageDeletedEvent) { s.dropMessage(e.ConversationID, e.MessageID) }),
		Subscribe(d, func(e TypingEvent) { s.setTyping(e.ConversationID, e.UserID, true) }),
		Subscribe(d, func(e StopTypingEvent) { s.setTyping(e.ConversationID, e.UserID, false) }),
		Subscribe(d, func(e UserOnlineEvent) { s.setPresence(Presence{UserID: e.UserID, Online: true, Status: "online"}) }),
		Subscribe(d, func(e UserOfflineEvent) {
			s.setPresence(Presence{UserID: e.UserID, Online: false, Status: "offline", LastSeen: e.LastSeen})
		}),
		Subscribe(d, func(e UserStatusUpdateEvent) {
			s.setPresence(Presence{UserID: e.UserID, Online: e.Status != "offline", Status: e.Status})
		}),
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

type messagingSnapshot struct {
	Conversations []Conversation       `json:"conversations"`
	Messages      map[string][]Message `json:"messages"`
}

func (s *MessagingStore) snapshotKey() string { return "messaging" }

func (s *MessagingStore) marshalSnapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(messagingSnapshot{Conversations: s.conversations, Messages: s.messages})
}

func (s *MessagingStore) restoreSnapshot(data []byte) error {
	var snap messagingSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.mu.Lock()
	s.conversations = snap.Conversations
	s.messages = make(map[string][]Message)
	for k, v := range snap.Messages {
		s.messages[k] = v
	}
	s.mu.Unlock()
	s.notify()
	return nil
}
