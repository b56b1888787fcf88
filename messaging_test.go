package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []OutboundMessage
}

func (r *recordingSender) SendMessage(_ context.Context, msg OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

var dm = Conversation{ID: "dm_me_u2", Type: ConversationDirect, UserID: "u2"}

// messagingFake holds the handlers a test wants to vary.
type messagingFake struct {
	send  func(w http.ResponseWriter, in SendMessageInput)
	edit  func(w http.ResponseWriter, id string)
	react func(w http.ResponseWriter, id, emoji string, add bool)
}

func newMessagingFake(t *testing.T, opts ...StoreOption) (*messagingFake, *MessagingStore, *Dispatcher) {
	t.Helper()
	f := &messagingFake{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, []Conversation{
			{ID: "group_g1", Type: ConversationGroup, GroupID: "g1"},
			dm,
		}, nil)
	})
	mux.HandleFunc("GET /api/messages", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		var msgs []Message
		// Newest first, as the server sends them.
		start := 100
		if page == "2" {
			start = 50
		}
		for i := start; i > start-DefaultMessagePageSize; i-- {
			msgs = append(msgs, Message{ID: fmt.Sprintf("m%03d", i), ConversationID: dm.ID})
		}
		writeEnvelope(w, http.StatusOK, msgs, &Pagination{CurrentPage: 1, HasNext: page != "2"})
	})
	mux.HandleFunc("POST /api/messages", func(w http.ResponseWriter, r *http.Request) {
		var in SendMessageInput
		json.NewDecoder(r.Body).Decode(&in)
		f.send(w, in)
	})
	mux.HandleFunc("PUT /api/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.edit(w, r.PathValue("id"))
	})
	mux.HandleFunc("POST /api/messages/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, nil, nil)
	})
	mux.HandleFunc("POST /api/messages/{id}/reactions", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Emoji string `json:"emoji"`
		}
		json.NewDecoder(r.Body).Decode(&in)
		f.react(w, r.PathValue("id"), in.Emoji, true)
	})
	mux.HandleFunc("DELETE /api/messages/{id}/reactions", func(w http.ResponseWriter, r *http.Request) {
		f.react(w, r.PathValue("id"), r.URL.Query().Get("emoji"), false)
	})
	opts = append([]StoreOption{WithStoreLogger(quietLogger()), WithCurrentUser(func() string { return "me" })}, opts...)
	s := NewMessagingStore(newTestClient(t, mux), opts...)
	d := NewDispatcher(WithDispatcherLogger(quietLogger()))
	s.Bind(d)
	if err := s.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	return f, s, d
}

func conversation(t *testing.T, s *MessagingStore, id string) Conversation {
	t.Helper()
	c, ok := s.Conversation(id)
	if !ok {
		t.Fatalf("conversation %s missing", id)
	}
	return c
}

func TestMessagingSendOptimistic(t *testing.T) {
	f, s, d := newMessagingFake(t)
	entered := make(chan SendMessageInput, 1)
	release := make(chan struct{})
	f.send = func(w http.ResponseWriter, in SendMessageInput) {
		entered <- in
		<-release
		writeEnvelope(w, http.StatusCreated, Message{
			ID: "srv1", ClientID: in.ClientID, ConversationID: dm.ID, SenderID: "me", RecipientID: "u2",
			Content: in.Content, Status: MessageSent, CreatedAt: time.Now(),
		}, nil)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.SendMessage(context.Background(), dm, "hello", "", "")
		done <- err
	}()
	in := <-entered

	local := s.Messages(dm.ID)
	if len(local) != 1 || local[0].Status != MessageSending || local[0].ClientID != in.ClientID || local[0].Content != "hello" {
		t.Fatalf("local copy = %+v", local)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	msgs := s.Messages(dm.ID)
	if len(msgs) != 1 || msgs[0].ID != "srv1" || msgs[0].Status != MessageSent {
		t.Fatalf("after confirm = %+v", msgs)
	}
	c := conversation(t, s, dm.ID)
	if c.UnreadCount != 0 || c.LastMessage == nil || c.LastMessage.ID != "srv1" {
		t.Errorf("conversation = %+v", c)
	}
	if s.Conversations()[0].ID != dm.ID {
		t.Error("conversation not moved to the top")
	}

	// The echo of the same message over push changes nothing.
	d.emit(MessageSentEvent{Message: msgs[0]})
	if len(s.Messages(dm.ID)) != 1 || conversation(t, s, dm.ID).UnreadCount != 0 {
		t.Error("echo duplicated the message")
	}
}

func TestMessagingPushBeforeResponse(t *testing.T) {
	tests := []struct {
		name       string
		echoOnPush bool
	}{
		{name: "push carries client id", echoOnPush: true},
		{name: "push without client id", echoOnPush: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, s, d := newMessagingFake(t)
			f.send = func(w http.ResponseWriter, in SendMessageInput) {
				m := Message{ID: "srv2", ClientID: in.ClientID, ConversationID: dm.ID, SenderID: "me", Content: in.Content}
				pushed := m
				if !tt.echoOnPush {
					pushed.ClientID = ""
				}
				d.emit(MessageSentEvent{Message: pushed})
				writeEnvelope(w, http.StatusCreated, m, nil)
			}
			if _, err := s.SendMessage(context.Background(), dm, "race", "text", ""); err != nil {
				t.Fatal(err)
			}
			msgs := s.Messages(dm.ID)
			if len(msgs) != 1 || msgs[0].ID != "srv2" || msgs[0].Status == MessageSending {
				t.Fatalf("messages = %+v", msgs)
			}
			if c := conversation(t, s, dm.ID); c.LastMessage == nil || c.LastMessage.ID != "srv2" {
				t.Errorf("last message = %+v", c.LastMessage)
			}
		})
	}
}

func TestMessagingSendFailure(t *testing.T) {
	f, s, _ := newMessagingFake(t)
	f.send = func(w http.ResponseWriter, in SendMessageInput) {
		writeFailure(w, http.StatusForbidden, "FORBIDDEN", "contact is blocked")
	}
	_, err := s.SendMessage(context.Background(), dm, "hi", "", "")
	if ErrorKindOf(err) != KindValidation {
		t.Fatalf("err = %v", err)
	}
	if len(s.Messages(dm.ID)) != 0 {
		t.Error("local copy not removed")
	}
	if s.Err() == "" {
		t.Error("Err not set")
	}
}

func TestMessagingIncoming(t *testing.T) {
	_, s, d := newMessagingFake(t)
	in := Message{ID: "x1", ConversationID: dm.ID, SenderID: "u2", RecipientID: "me", Content: "yo", CreatedAt: time.Now()}

	d.emit(MessageSentEvent{Message: in})
	d.emit(MessageSentEvent{Message: in})
	if got := conversation(t, s, dm.ID).UnreadCount; got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}

	s.SetActiveConversation(dm.ID)
	if conversation(t, s, dm.ID).UnreadCount != 0 || s.ActiveConversation() != dm.ID {
		t.Fatal("opening did not zero unread")
	}
	d.emit(MessageSentEvent{Message: Message{ID: "x2", ConversationID: dm.ID, SenderID: "u2"}})
	if conversation(t, s, dm.ID).UnreadCount != 0 {
		t.Error("message in the open conversation counted as unread")
	}

	d.emit(MessageReadEvent{MessageID: "x1", ConversationID: dm.ID, ReaderID: "u2"})
	d.emit(MessageDeliveredEvent{MessageID: "x1", ConversationID: dm.ID})
	msgs := s.Messages(dm.ID)
	if msgs[0].Status != MessageRead || !msgs[0].IsRead {
		t.Errorf("delivered must not downgrade read: %+v", msgs[0])
	}

	edited := in
	edited.Content = "edited"
	d.emit(MessageUpdatedEvent{Message: edited})
	if s.Messages(dm.ID)[0].Content != "edited" {
		t.Error("update not applied")
	}

	d.emit(MessageDeletedEvent{MessageID: "x1"})
	if got := ids(s.Messages(dm.ID)); got != "x2" {
		t.Errorf("after delete = %s", got)
	}
}

func TestMessagingEditRollback(t *testing.T) {
	f, s, d := newMessagingFake(t)
	f.edit = func(w http.ResponseWriter, id string) {
		writeFailure(w, http.StatusForbidden, "FORBIDDEN", "only the sender can edit a message")
	}
	d.emit(MessageSentEvent{Message: Message{ID: "m1", ConversationID: dm.ID, SenderID: "me", Content: "orig"}})

	err := s.EditMessage(context.Background(), dm.ID, "m1", "changed")
	if err == nil {
		t.Fatal("expected error")
	}
	m := s.Messages(dm.ID)[0]
	if m.Content != "orig" || m.EditedAt != nil {
		t.Errorf("not rolled back: %+v", m)
	}
	if err := s.EditMessage(context.Background(), "", "nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown message: err = %v", err)
	}
}

func TestMessagingHistory(t *testing.T) {
	_, s, _ := newMessagingFake(t)
	ctx := context.Background()

	if err := s.LoadMessages(ctx, dm); err != nil {
		t.Fatal(err)
	}
	msgs := s.Messages(dm.ID)
	if len(msgs) != DefaultMessagePageSize || msgs[0].ID != "m051" || msgs[len(msgs)-1].ID != "m100" {
		t.Fatalf("page 1 not oldest-first: %s..%s", msgs[0].ID, msgs[len(msgs)-1].ID)
	}
	if !s.HasMore(dm.ID) {
		t.Error("HasMore = false")
	}

	more, err := s.LoadOlderMessages(ctx, dm, 2)
	if err != nil {
		t.Fatal(err)
	}
	msgs = s.Messages(dm.ID)
	if more || s.HasMore(dm.ID) {
		t.Error("last page must clear HasMore")
	}
	if len(msgs) != 2*DefaultMessagePageSize || msgs[0].ID != "m001" || msgs[len(msgs)-1].ID != "m100" {
		t.Errorf("older page not prepended: %d %s..%s", len(msgs), msgs[0].ID, msgs[len(msgs)-1].ID)
	}

	if err := s.MarkAsRead(ctx, dm.ID, "m100"); err != nil {
		t.Fatal(err)
	}
	if last := s.Messages(dm.ID)[len(msgs)-1]; !last.IsRead {
		t.Error("MarkAsRead not applied")
	}
}

func TestMessagingTypingAndPresence(t *testing.T) {
	_, s, d := newMessagingFake(t)
	d.emit(TypingEvent{ConversationID: dm.ID, UserID: "u2"})
	d.emit(TypingEvent{ConversationID: dm.ID, UserID: "me"})
	if got := s.TypingUsers(dm.ID); len(got) != 1 || got[0] != "u2" {
		t.Errorf("typing = %v", got)
	}
	d.emit(StopTypingEvent{ConversationID: dm.ID, UserID: "u2"})
	if len(s.TypingUsers(dm.ID)) != 0 {
		t.Error("stop_typing ignored")
	}

	seen := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	d.emit(UserOnlineEvent{UserID: "u2"})
	if p, ok := s.Presence("u2"); !ok || !p.Online {
		t.Errorf("presence = %+v", p)
	}
	d.emit(UserOfflineEvent{UserID: "u2", LastSeen: &seen})
	if p, _ := s.Presence("u2"); p.Online || p.LastSeen == nil || !p.LastSeen.Equal(seen) {
		t.Errorf("presence = %+v", p)
	}
}

func TestMessagingOutboundFrames(t *testing.T) {
	_, bare, _ := newMessagingFake(t)
	if err := bare.JoinConversation(context.Background(), dm.ID); !errors.Is(err, ErrNotConnected) {
		t.Errorf("without sender: err = %v", err)
	}

	rec := &recordingSender{}
	_, s, _ := newMessagingFake(t, WithSender(rec))
	ctx := context.Background()
	if err := s.JoinConversation(ctx, dm.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.StartTyping(ctx, dm.ID, "u2"); err != nil {
		t.Fatal(err)
	}
	if err := s.StopTyping(ctx, dm.ID, "u2"); err != nil {
		t.Fatal(err)
	}
	want := []Channel{ChannelJoinConversation, ChannelTyping, ChannelStopTyping}
	if len(rec.sent) != len(want) {
		t.Fatalf("sent %d frames", len(rec.sent))
	}
	for i, ch := range want {
		if rec.sent[i].Type != ch {
			t.Errorf("frame %d = %s, want %s", i, rec.sent[i].Type, ch)
		}
	}
	p := rec.sent[1].Payload.(map[string]string)
	if p["conversationId"] != dm.ID || p["recipientId"] != "u2" {
		t.Errorf("typing payload = %v", p)
	}
}

// ============================================================================
// Reactions
// ============================================================================

func reactionUsers(rs []Reaction) string {
	var parts []string
	for _, r := range rs {
		parts = append(parts, r.Emoji+"="+strings.Join(r.Users, "+"))
	}
	return strings.Join(parts, " ")
}

func TestReactionHelpers(t *testing.T) {
	base := []Reaction{{Emoji: "a", Users: []string{"u1"}}, {Emoji: "b", Users: []string{"u2"}}}
	tests := []struct {
		name string
		got  []Reaction
		want string
	}{
		{"join existing", WithReaction(base, "a", "u3"), "a=u1+u3 b=u2"},
		{"already counted", WithReaction(base, "a", "u1"), "a=u1 b=u2"},
		{"new emoji", WithReaction(base, "c", "u1"), "a=u1 b=u2 c=u1"},
		{"drop empty emoji", WithoutReaction(base, "b", "u2"), "a=u1"},
		{"other user untouched", WithoutReaction(base, "a", "u9"), "a=u1 b=u2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := reactionUsers(tt.got); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
	if reactionUsers(base) != "a=u1 b=u2" {
		t.Errorf("input modified: %s", reactionUsers(base))
	}
}

func TestMessagingReactions(t *testing.T) {
	f, s, d := newMessagingFake(t)
	var mu sync.Mutex
	server := []Reaction{{Emoji: "👍", Users: []string{"u2"}}}
	calls := 0
	f.react = func(w http.ResponseWriter, id, emoji string, add bool) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if add {
			server = WithReaction(server, emoji, "me")
		} else {
			server = WithoutReaction(server, emoji, "me")
		}
		writeEnvelope(w, http.StatusOK, Message{ID: id, ConversationID: dm.ID, Reactions: server}, nil)
	}
	d.emit(MessageSentEvent{Message: Message{ID: "x1", ConversationID: dm.ID, SenderID: "u2", Reactions: server}})
	current := func() string { return reactionUsers(s.Messages(dm.ID)[0].Reactions) }

	if err := s.AddReaction(context.Background(), dm.ID, "x1", "👍"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddReaction(context.Background(), dm.ID, "x1", "🎉"); err != nil {
		t.Fatal(err)
	}
	if got := current(); got != "👍=u2+me 🎉=me" {
		t.Fatalf("after add = %q", got)
	}
	if err := s.RemoveReaction(context.Background(), dm.ID, "x1", "🎉"); err != nil {
		t.Fatal(err)
	}
	if got := current(); got != "👍=u2+me" {
		t.Fatalf("after remove = %q", got)
	}

	t.Run("rollback", func(t *testing.T) {
		entered := make(chan struct{})
		release := make(chan struct{})
		f.react = func(w http.ResponseWriter, id, emoji string, add bool) {
			close(entered)
			<-release
			writeFailure(w, http.StatusInternalServerError, "ERR", "nope")
		}
		errs := make(chan error, 1)
		go func() { errs <- s.RemoveReaction(context.Background(), "", "x1", "👍") }()
		<-entered
		if got := current(); got != "👍=u2" {
			t.Errorf("removal not applied before the server answers: %q", got)
		}
		close(release)
		if err := <-errs; ErrorKindOf(err) != KindServer {
			t.Fatalf("err = %v", err)
		}
		if got := current(); got != "👍=u2+me" {
			t.Errorf("after rollback = %q", got)
		}
	})

	t.Run("rejected locally", func(t *testing.T) {
		before := calls
		if err := s.AddReaction(context.Background(), dm.ID, "x1", " "); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("blank emoji err = %v", err)
		}
		if err := s.AddReaction(context.Background(), dm.ID, "missing", "👍"); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown message err = %v", err)
		}
		if calls != before {
			t.Error("invalid reaction reached the server")
		}
	})
}
