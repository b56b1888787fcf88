package sandbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	pulse "github.com/pulsechat/pulse/sdk/golang"
	"nhooyr.io/websocket"
)

const writeTimeout = 5 * time.Second

type peer struct {
	userID string
	conn   *websocket.Conn

	// mu orders writes so the handshake frame always goes first.
	mu sync.Mutex
}

func (p *peer) write(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return p.conn.Write(ctx, websocket.MessageText, frame)
}

// hub tracks open push connections by user.
type hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	peers map[string]map[*peer]struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{logger: logger, peers: make(map[string]map[*peer]struct{})}
}

// add reports whether p is the user's first connection.
func (h *hub) add(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.peers[p.userID]
	if set == nil {
		set = make(map[*peer]struct{})
		h.peers[p.userID] = set
	}
	set[p] = struct{}{}
	return len(set) == 1
}

// remove reports whether p was the user's last connection.
func (h *hub) remove(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.peers[p.userID]
	if _, ok := set[p]; !ok {
		return false
	}
	delete(set, p)
	if len(set) == 0 {
		delete(h.peers, p.userID)
		return true
	}
	return false
}

func (h *hub) list(userID string) []*peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*peer, 0, len(h.peers[userID]))
	for p := range h.peers[userID] {
		out = append(out, p)
	}
	return out
}

func (h *hub) count(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers[userID])
}

func (h *hub) send(userID string, frame []byte) {
	for _, p := range h.list(userID) {
		if err := p.write(frame); err != nil {
			h.logger.Debug("sandbox: push write failed", "user", userID, "error", err)
		}
	}
}

// CloseConnections closes every push connection of userID with code and
// returns how many were closed. A code other than 1000 looks like a drop
// to the client and triggers its reconnect.
func (s *Server) CloseConnections(userID string, code websocket.StatusCode) int {
	peers := s.hub.list(userID)
	for _, p := range peers {
		go p.conn.Close(code, "closed by server")
	}
	return len(peers)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.pushAttempts++
	disabled := s.pushDisabled
	s.mu.Unlock()
	if disabled {
		http.Error(w, "push unavailable", http.StatusServiceUnavailable)
		return
	}

	raw := bearer(r)
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	claims, err := s.parseToken(raw)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("sandbox: ws accept failed", "error", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	hello, _ := json.Marshal(pulse.ConnectedEvent{UserID: claims.UserID, Username: claims.Username, At: s.now()})
	frame, _ := json.Marshal(pulse.Envelope{Type: pulse.ChannelConnected, Payload: hello})

	// Register before the handshake frame is written so nothing pushed
	// after the client sees "connected" can be missed.
	p := &peer{userID: claims.UserID, conn: conn}
	p.mu.Lock()
	first := s.hub.add(p)
	ctx := r.Context()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err = conn.Write(wctx, websocket.MessageText, frame)
	cancel()
	p.mu.Unlock()
	if err != nil {
		s.hub.remove(p)
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return
	}
	if first {
		s.setPresence(claims.UserID, true)
	}
	s.logger.Debug("sandbox: push connected", "user", claims.UserID)

	defer func() {
		if s.hub.remove(p) {
			s.setPresence(claims.UserID, false)
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env pulse.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Debug("sandbox: bad frame", "user", claims.UserID, "error", err)
			continue
		}
		s.handleFrame(claims.UserID, claims.Username, env)
	}
}

type typingFrame struct {
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId"`
}

func (s *Server) handleFrame(userID, username string, env pulse.Envelope) {
	switch env.Type {
	case pulse.ChannelTyping, pulse.ChannelStopTyping:
		var f typingFrame
		if err := json.Unmarshal(env.Payload, &f); err != nil {
			return
		}
		var ev pulse.Event = pulse.TypingEvent{ConversationID: f.ConversationID, UserID: userID, Username: username}
		if env.Type == pulse.ChannelStopTyping {
			ev = pulse.StopTypingEvent{ConversationID: f.ConversationID, UserID: userID}
		}
		for _, to := range s.conversationAudience(userID, f.ConversationID, f.RecipientID) {
			if to != userID {
				s.PushEvent(to, ev)
			}
		}
	case pulse.ChannelJoinConversation, pulse.ChannelLeaveConversation:
		s.logger.Debug("sandbox: room frame", "user", userID, "type", string(env.Type))
	default:
		s.logger.Debug("sandbox: ignoring frame", "user", userID, "type", string(env.Type))
	}
}

// setPresence updates the user's status and tells their accepted contacts.
func (s *Server) setPresence(userID string, online bool) {
	now := s.now()
	s.mu.Lock()
	if u, ok := s.users[userID]; ok {
		if online {
			u.Status = "online"
		} else {
			u.Status = "offline"
			u.LastSeen = &now
		}
		s.users[userID] = u
	}
	s.mu.Unlock()

	for _, c := range s.ledger.List(userID, pulse.ContactAccepted) {
		to := c.Counterpart(userID)
		if online {
			s.PushEvent(to, pulse.UserOnlineEvent{UserID: userID})
		} else {
			s.PushEvent(to, pulse.UserOfflineEvent{UserID: userID, LastSeen: &now})
		}
	}
}
