package pulse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	// BaseURL is the API root, without /api.
	BaseURL string
	// WSURL is the push endpoint. Derived from BaseURL when empty.
	WSURL string
	Token string
	// UserID and Username are read from Token when empty.
	UserID   string
	Username string

	Realtime RealtimeConfig
	// Storage, when set, receives every store snapshot after each change.
	// The caller owns it and closes it after Dispose.
	Storage Storage

	Logger         *slog.Logger
	Metrics        *Metrics
	HTTPClient     *http.Client
	TracerProvider trace.TracerProvider

	// DisableResync turns off the store reload after a reconnect.
	DisableResync bool
}

// Session wires one user's client together: REST client, dispatcher, push
// connection and the four stores. Independent sessions share nothing.
type Session struct {
	Client        *Client
	Dispatcher    *Dispatcher
	Conn          *Connection
	Contacts      *ContactStore
	Groups        *GroupStore
	Messaging     *MessagingStore
	Notifications *NotificationStore

	config SessionConfig
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	unbind     []func()
	persisters []*persister
	disposed   bool
}

// NewSession builds a disconnected session.
func NewSession(config SessionConfig) (*Session, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Token != "" && (config.UserID == "" || config.Username == "") {
		if claims, err := ParseTokenClaims(config.Token); err == nil {
			if config.UserID == "" {
				config.UserID = claims.UserID
			}
			if config.Username == "" {
				config.Username = claims.Username
			}
		} else {
			config.Logger.Debug("token claims unreadable", "error", err)
		}
	}
	if config.WSURL == "" {
		ws, err := PushURL(config.BaseURL)
		if err != nil {
			return nil, err
		}
		config.WSURL = ws
	}

	s := &Session{config: config, logger: config.Logger}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	clientOpts := []ClientOption{
		WithBaseURL(config.BaseURL),
		WithLogger(config.Logger),
		WithMetrics(config.Metrics),
		WithUnauthorizedHandler(s.unauthorized),
	}
	if config.HTTPClient != nil {
		clientOpts = append(clientOpts, WithHTTPClient(config.HTTPClient))
	}
	if config.TracerProvider != nil {
		clientOpts = append(clientOpts, WithTracerProvider(config.TracerProvider))
	}
	s.Client = NewClient(config.Token, clientOpts...)

	s.Dispatcher = NewDispatcher(
		WithDispatcherLogger(config.Logger),
		WithDispatcherMetrics(config.Metrics),
	)

	rt := config.Realtime
	rt.URL = config.WSURL
	if rt.Logger == nil {
		rt.Logger = config.Logger
	}
	if rt.Metrics == nil {
		rt.Metrics = config.Metrics
	}
	if rt.HTTPClient == nil {
		rt.HTTPClient = config.HTTPClient
	}
	s.Conn = NewConnection(s.Dispatcher, rt)

	storeOpts := []StoreOption{
		WithStoreLogger(config.Logger),
		WithCurrentUser(s.UserID),
		WithSender(s.Conn),
	}
	s.Contacts = NewContactStore(s.Client, storeOpts...)
	s.Groups = NewGroupStore(s.Client, storeOpts...)
	s.Messaging = NewMessagingStore(s.Client, storeOpts...)
	s.Notifications = NewNotificationStore(s.Client, storeOpts...)

	s.unbind = append(s.unbind,
		s.Contacts.Bind(s.Dispatcher),
		s.Groups.Bind(s.Dispatcher),
		s.Messaging.Bind(s.Dispatcher),
		s.Notifications.Bind(s.Dispatcher),
	)
	if !config.DisableResync {
		sub := Subscribe(s.Dispatcher, func(e ReconnectedEvent) {
			s.logger.Info("resyncing after reconnect", "attempt", e.AttemptNumber)
			go func() {
				if err := s.Resync(s.ctx); err != nil {
					s.logger.Warn("resync failed", "error", err)
				}
			}()
		})
		s.unbind = append(s.unbind, sub.Unsubscribe)
	}

	if config.Storage != nil {
		for _, st := range s.snapshotters() {
			s.persisters = append(s.persisters, startPersister(config.Storage, st, config.Logger))
		}
	}
	return s, nil
}

// PushURL derives the push endpoint from an API base URL: http becomes ws,
// https becomes wss, and /ws is appended.
func PushURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported base url scheme %q", ErrInvalidInput, u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (s *Session) snapshotters() []snapshotter {
	return []snapshotter{s.Contacts, s.Groups, s.Messaging, s.Notifications}
}

// UserID is the local user this session acts as.
func (s *Session) UserID() string {
	if id := s.Conn.UserID(); id != "" {
		return id
	}
	return s.config.UserID
}

func (s *Session) Username() string { return s.config.Username }

func (s *Session) State() ConnectionState { return s.Conn.State() }

// On is a shortcut for s.Dispatcher.On.
func (s *Session) On(channel Channel, fn Handler) *Subscription {
	return s.Dispatcher.On(channel, fn)
}

func (s *Session) unauthorized() {
	s.logger.Warn("session unauthorized, closing push connection")
	s.Conn.Disconnect()
}

// Connect opens the push connection.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return ErrClosed
	}
	return s.Conn.Connect(ctx, s.config.Token, s.config.UserID, s.config.Username)
}

// Start connects and loads every store. A failed connect does not stop the
// loads; both errors are returned.
func (s *Session) Start(ctx context.Context) error {
	connErr := s.Connect(ctx)
	return errors.Join(connErr, s.Resync(ctx))
}

// Resync reloads every store from REST concurrently. Each store records
// its own failure in Err.
func (s *Session) Resync(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return s.Contacts.LoadAll(ctx) })
	g.Go(func() error { return s.Groups.LoadGroups(ctx, GroupQuery{Page: 1}) })
	g.Go(func() error { return s.Messaging.LoadConversations(ctx) })
	g.Go(func() error { return s.Notifications.Refresh(ctx) })
	return g.Wait()
}

// Hydrate restores every store from the configured Storage. It is a no-op
// without one.
func (s *Session) Hydrate(ctx context.Context) error {
	if s.config.Storage == nil {
		return nil
	}
	var errs []error
	for _, st := range s.snapshotters() {
		if err := hydrate(ctx, s.config.Storage, st); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disconnect closes the push connection. Stores keep their data.
func (s *Session) Disconnect() { s.Conn.Disconnect() }

// Dispose disconnects, detaches the stores and flushes pending snapshot
// writes. The session cannot be reused.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	unbind, persisters := s.unbind, s.persisters
	s.unbind, s.persisters = nil, nil
	s.mu.Unlock()

	s.Conn.Dispose()
	s.cancel()
	for _, fn := range unbind {
		fn()
	}
	for _, p := range persisters {
		p.stop()
	}
}
