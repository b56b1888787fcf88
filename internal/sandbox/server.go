// Package sandbox is an in-memory Pulse server. It implements the REST and
// push contract the SDK talks to, with the contact ledger as its only real
// business logic, so the SDK can be exercised end to end without a backend.
package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	pulse "github.com/pulsechat/pulse/sdk/golang"
)

const tokenTTL = 24 * time.Hour

// Server is an http.Handler serving /api/... and /ws.
type Server struct {
	secret []byte
	logger *slog.Logger
	now    func() time.Time
	ledger *pulse.Ledger
	hub    *hub
	mux    *http.ServeMux

	mu            sync.Mutex
	users         map[string]pulse.User
	groups        map[string]*groupState
	messages      []pulse.Message
	notifications map[string][]pulse.Notification
	pushDisabled  bool
	pushAttempts  int
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock overrides time.Now for every timestamp the server writes.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a server that signs and verifies tokens with secret.
func New(secret string, opts ...Option) *Server {
	s := &Server{
		secret:        []byte(secret),
		logger:        slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
		users:         make(map[string]pulse.User),
		groups:        make(map[string]*groupState),
		notifications: make(map[string][]pulse.Notification),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ledger = pulse.NewLedger(pulse.WithLedgerClock(s.now))
	s.hub = newHub(s.logger)
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Ledger exposes the relationship table for assertions.
func (s *Server) Ledger() *pulse.Ledger { return s.ledger }

func (s *Server) routes() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("GET /api/users/search", s.authed(s.searchUsers))

	mux.HandleFunc("GET /api/contacts", s.authed(s.listContacts))
	mux.HandleFunc("POST /api/contacts", s.authed(s.addContact))
	mux.HandleFunc("PUT /api/contacts/{id}", s.authed(s.updateContact))
	mux.HandleFunc("DELETE /api/contacts/{id}", s.authed(s.contactTransition(pulse.ActionDelete)))
	mux.HandleFunc("POST /api/contacts/{id}/accept", s.authed(s.contactTransition(pulse.ActionAccept)))
	mux.HandleFunc("POST /api/contacts/{id}/reject", s.authed(s.contactTransition(pulse.ActionReject)))
	mux.HandleFunc("POST /api/contacts/{id}/block", s.authed(s.contactTransition(pulse.ActionBlock)))
	mux.HandleFunc("POST /api/contacts/{id}/unblock", s.authed(s.contactTransition(pulse.ActionUnblock)))
	mux.HandleFunc("POST /api/contacts/{id}/favorite", s.authed(s.contactFlag(true, false, true)))
	mux.HandleFunc("DELETE /api/contacts/{id}/favorite", s.authed(s.contactFlag(true, false, false)))
	mux.HandleFunc("POST /api/contacts/{id}/mute", s.authed(s.contactFlag(false, true, true)))
	mux.HandleFunc("DELETE /api/contacts/{id}/mute", s.authed(s.contactFlag(false, true, false)))

	mux.HandleFunc("GET /api/groups", s.authed(s.listGroups))
	mux.HandleFunc("POST /api/groups", s.authed(s.createGroup))
	mux.HandleFunc("GET /api/groups/{id}", s.authed(s.getGroup))
	mux.HandleFunc("PUT /api/groups/{id}", s.authed(s.updateGroup))
	mux.HandleFunc("DELETE /api/groups/{id}", s.authed(s.deleteGroup))
	mux.HandleFunc("POST /api/groups/{id}/leave", s.authed(s.leaveGroup))
	mux.HandleFunc("POST /api/groups/{id}/mute", s.authed(s.muteGroup(true)))
	mux.HandleFunc("DELETE /api/groups/{id}/mute", s.authed(s.muteGroup(false)))
	mux.HandleFunc("GET /api/groups/{id}/members", s.authed(s.listMembers))
	mux.HandleFunc("POST /api/groups/{id}/members", s.authed(s.addMembers))
	mux.HandleFunc("DELETE /api/groups/{id}/members/{userId}", s.authed(s.removeMember))
	mux.HandleFunc("PUT /api/groups/{id}/members/{userId}/role", s.authed(s.updateRole))
	mux.HandleFunc("GET /api/groups/{id}/settings", s.authed(s.getSettings))
	mux.HandleFunc("PUT /api/groups/{id}/settings", s.authed(s.updateSettings))

	mux.HandleFunc("GET /api/messages/conversations", s.authed(s.listConversations))
	mux.HandleFunc("GET /api/messages", s.authed(s.listMessages))
	mux.HandleFunc("POST /api/messages", s.authed(s.sendMessage))
	mux.HandleFunc("PUT /api/messages/{id}", s.authed(s.editMessage))
	mux.HandleFunc("DELETE /api/messages/{id}", s.authed(s.deleteMessage))
	mux.HandleFunc("POST /api/messages/{id}/read", s.authed(s.markMessageRead))
	mux.HandleFunc("POST /api/messages/{id}/reactions", s.authed(s.reactToMessage(true)))
	mux.HandleFunc("DELETE /api/messages/{id}/reactions", s.authed(s.reactToMessage(false)))

	mux.HandleFunc("GET /api/notifications", s.authed(s.listNotifications))
	mux.HandleFunc("GET /api/notifications/unread-count", s.authed(s.unreadCount))
	mux.HandleFunc("PUT /api/notifications/mark-all-read", s.authed(s.markAllNotificationsRead))
	mux.HandleFunc("PUT /api/notifications/{id}/read", s.authed(s.markNotificationRead))
	mux.HandleFunc("DELETE /api/notifications/{id}", s.authed(s.deleteNotification))

	s.mux = mux
}

// ============================================================================
// Users and tokens
// ============================================================================

// AddUser registers a user. Adding an existing id replaces its username.
func (s *Server) AddUser(id, username string) pulse.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := pulse.User{ID: id, Username: username, DisplayName: username, Status: "offline"}
	s.users[id] = u
	return u
}

func (s *Server) user(id string) (pulse.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

// IssueToken signs an access token for userID, registering the user if
// it is new.
func (s *Server) IssueToken(userID, username string) (string, error) {
	if _, ok := s.user(userID); !ok {
		s.AddUser(userID, username)
	}
	now := s.now()
	claims := pulse.TokenClaims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Server) parseToken(raw string) (*pulse.TokenClaims, error) {
	claims := &pulse.TokenClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.UserID == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

type authedHandler func(w http.ResponseWriter, r *http.Request, me string)

func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.parseToken(bearer(r))
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", pulse.ErrUnauthorized, err))
			return
		}
		if _, ok := s.user(claims.UserID); !ok {
			writeError(w, fmt.Errorf("%w: unknown user", pulse.ErrUnauthorized))
			return
		}
		h(w, r, claims.UserID)
	}
}

func (s *Server) searchUsers(w http.ResponseWriter, r *http.Request, me string) {
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	s.mu.Lock()
	var out []pulse.User
	for _, u := range s.users {
		if u.ID == me || q == "" {
			continue
		}
		if strings.Contains(strings.ToLower(u.Username), q) || strings.Contains(strings.ToLower(u.DisplayName), q) {
			out = append(out, u)
		}
	}
	s.mu.Unlock()
	sortUsers(out)
	writeData(w, http.StatusOK, nonNil(out), nil)
}

// ============================================================================
// Push controls
// ============================================================================

// Push sends one frame to every open connection of userID.
func (s *Server) Push(userID string, ch pulse.Channel, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("sandbox: marshal push payload", "channel", string(ch), "error", err)
		return
	}
	frame, err := json.Marshal(pulse.Envelope{Type: ch, Payload: data})
	if err != nil {
		return
	}
	s.hub.send(userID, frame)
}

// PushEvent sends a typed event to userID.
func (s *Server) PushEvent(userID string, ev pulse.Event) {
	s.Push(userID, ev.Channel(), ev)
}

// Connections returns how many push connections userID has open.
func (s *Server) Connections(userID string) int { return s.hub.count(userID) }

// SetPushEnabled makes /ws refuse (false) or accept (true) upgrades.
func (s *Server) SetPushEnabled(enabled bool) {
	s.mu.Lock()
	s.pushDisabled = !enabled
	s.mu.Unlock()
}

// PushAttempts counts /ws requests, accepted or not.
func (s *Server) PushAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushAttempts
}

// ============================================================================
// Responses
// ============================================================================

type envelope struct {
	Success    bool              `json:"success"`
	Data       any               `json:"data,omitempty"`
	Message    string            `json:"message,omitempty"`
	Error      *pulse.APIError   `json:"error,omitempty"`
	Pagination *pulse.Pagination `json:"pagination,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any, page *pulse.Pagination) {
	writeJSON(w, status, envelope{Success: true, Data: data, Pagination: page})
}

func writeOK(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: message})
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusOf(err)
	writeJSON(w, status, envelope{
		Message: err.Error(),
		Error:   &pulse.APIError{Code: code, Message: err.Error()},
	})
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, pulse.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, pulse.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, pulse.ErrNotParticipant), errors.Is(err, errForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, pulse.ErrDuplicateRelationship):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, pulse.ErrIllegalTransition),
		errors.Is(err, pulse.ErrSelfRelationship),
		errors.Is(err, pulse.ErrInvalidInput):
		return http.StatusBadRequest, "BAD_REQUEST"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

var errForbidden = errors.New("forbidden")

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", pulse.ErrInvalidInput, err)
	}
	return nil
}

// paginate slices items by the page and limit query parameters.
func paginate[T any](r *http.Request, items []T, defaultLimit int) ([]T, *pulse.Pagination) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultLimit
	}
	total := len(items)
	pages := (total + limit - 1) / limit
	start := min((page-1)*limit, total)
	end := min(start+limit, total)
	return nonNil(items[start:end]), &pulse.Pagination{
		CurrentPage: page,
		TotalPages:  pages,
		TotalCount:  total,
		HasNext:     page < pages,
		HasPrev:     page > 1,
	}
}

func sortUsers(users []pulse.User) {
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
