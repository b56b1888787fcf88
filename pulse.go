// Package pulse is the Go SDK for the Pulse messaging API.
//
// It covers the real-time synchronization layer of a client: one push
// connection per session, a typed event dispatcher on top of it, and
// reconciliation stores that keep contacts, groups, conversations and
// notifications consistent between REST snapshots, optimistic local edits
// and pushed deltas.
//
// Example:
//
//	sess, _ := pulse.NewSession(pulse.SessionConfig{
//		BaseURL: "https://chat.example.com",
//		Token:   token,
//	})
//	defer sess.Dispose()
//
//	_ = sess.Start(ctx)
//	for _, req := range sess.Contacts.Requests() {
//		fmt.Println(req.ID, req.IsIncoming)
//	}
package pulse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL = "http://localhost:4000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client. Requests carry the bearer token set with
// NewClient or SetToken.
type Client struct {
	mu    sync.RWMutex
	token string

	baseURL        string
	httpClient     *http.Client
	logger         *slog.Logger
	metrics        *Metrics
	tracer         trace.Tracer
	onUnauthorized func()

	Contacts      *ContactsClient
	Users         *UsersClient
	Groups        *GroupsClient
	Messages      *MessagesClient
	Notifications *NotificationsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithTracerProvider sets where request spans go. The global provider is
// used otherwise.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) { c.tracer = newTracer(tp) }
}

// WithUnauthorizedHandler is called whenever a request is answered with 401.
func WithUnauthorizedHandler(fn func()) ClientOption {
	return func(c *Client) { c.onUnauthorized = fn }
}

// NewClient creates a REST client for the API at the configured base URL.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = newTracer(nil)
	}

	c.Contacts = &ContactsClient{c: c}
	c.Users = &UsersClient{c: c}
	c.Groups = &GroupsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	return c
}

// SetToken replaces the bearer token used by later requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the API root without the /api prefix.
func (c *Client) BaseURL() string { return c.baseURL }

// SetUnauthorizedHandler replaces the 401 hook.
func (c *Client) SetUnauthorizedHandler(fn func()) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

// ============================================================================
// Internal request helper
// ============================================================================

// do sends one request to /api+path and decodes the envelope. Any non-2xx
// answer or unsuccessful envelope becomes a *RequestError.
func (c *Client) do(ctx context.Context, method, path string, body any, query url.Values) (res *Result, err error) {
	ctx, span := startRequestSpan(ctx, c.tracer, method, "/api"+path)
	defer func() {
		endSpan(span, err)
		c.metrics.requestDone(method, err)
	}()

	u := c.baseURL + "/api" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()
	setResponseStatus(span, resp.StatusCode)
	c.logger.Debug("request", "method", method, "path", path, "status", resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Method: method, Path: path, Status: resp.StatusCode, Err: err}
	}

	var result Result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil && resp.StatusCode < 300 {
			return nil, &RequestError{Method: method, Path: path, Status: resp.StatusCode, Err: fmt.Errorf("unmarshal response: %w", err)}
		}
	}

	if resp.StatusCode >= 300 || (len(data) > 0 && !result.Success && result.Error != nil) {
		rerr := &RequestError{Method: method, Path: path, Status: resp.StatusCode, Message: result.Message}
		if result.Error != nil {
			rerr.Code = result.Error.Code
			if rerr.Message == "" {
				rerr.Message = result.Error.Message
			}
		}
		if rerr.Status < 300 {
			rerr.Status = http.StatusBadRequest
		}
		if resp.StatusCode == http.StatusUnauthorized {
			c.logger.Warn("request unauthorized", "method", method, "path", path)
			c.mu.RLock()
			hook := c.onUnauthorized
			c.mu.RUnlock()
			if hook != nil {
				hook()
			}
		}
		return nil, rerr
	}
	return &result, nil
}

// call runs do and decodes the data field into a T.
func call[T any](ctx context.Context, c *Client, method, path string, body any, query url.Values) (T, *Pagination, error) {
	var out T
	res, err := c.do(ctx, method, path, body, query)
	if err != nil {
		return out, nil, err
	}
	if err := res.Decode(&out); err != nil {
		return out, nil, &RequestError{Method: method, Path: path, Status: http.StatusOK, Err: fmt.Errorf("decode data: %w", err)}
	}
	return out, res.Pagination, nil
}

func pageQuery(page, limit int) url.Values {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

func idPath(prefix, id string, rest ...string) string {
	p := prefix + "/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// ============================================================================
// Contacts
// ============================================================================

type ContactsClient struct{ c *Client }

// List returns the caller's active contacts in status.
func (cc *ContactsClient) List(ctx context.Context, status ContactStatus) ([]Contact, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	out, _, err := call[[]Contact](ctx, cc.c, http.MethodGet, "/contacts", nil, q)
	return out, err
}

// Add creates a pending request, or restores a tombstoned row for the pair.
func (cc *ContactsClient) Add(ctx context.Context, in AddContactInput) (Contact, error) {
	out, _, err := call[Contact](ctx, cc.c, http.MethodPost, "/contacts", in, nil)
	return out, err
}

func (cc *ContactsClient) Accept(ctx context.Context, id string) error {
	_, err := cc.c.do(ctx, http.MethodPost, idPath("/contacts", id, "accept"), struct{}{}, nil)
	return err
}

func (cc *ContactsClient) Reject(ctx context.Context, id string) error {
	_, err := cc.c.do(ctx, http.MethodPost, idPath("/contacts", id, "reject"), struct{}{}, nil)
	return err
}

// Delete soft-deletes the relationship.
func (cc *ContactsClient) Delete(ctx context.Context, id string) error {
	_, err := cc.c.do(ctx, http.MethodDelete, idPath("/contacts", id), nil, nil)
	return err
}

func (cc *ContactsClient) Block(ctx context.Context, id string) error {
	_, err := cc.c.do(ctx, http.MethodPost, idPath("/contacts", id, "block"), struct{}{}, nil)
	return err
}

func (cc *ContactsClient) Unblock(ctx context.Context, id string) error {
	_, err := cc.c.do(ctx, http.MethodPost, idPath("/contacts", id, "unblock"), struct{}{}, nil)
	return err
}

func (cc *ContactsClient) Update(ctx context.Context, id string, in ContactUpdate) (Contact, error) {
	out, _, err := call[Contact](ctx, cc.c, http.MethodPut, idPath("/contacts", id), in, nil)
	return out, err
}

func (cc *ContactsClient) SetFavorite(ctx context.Context, id string, favorite bool) error {
	method := http.MethodPost
	if !favorite {
		method = http.MethodDelete
	}
	_, err := cc.c.do(ctx, method, idPath("/contacts", id, "favorite"), nil, nil)
	return err
}

func (cc *ContactsClient) SetMuted(ctx context.Context, id string, muted bool) error {
	method := http.MethodPost
	if !muted {
		method = http.MethodDelete
	}
	_, err := cc.c.do(ctx, method, idPath("/contacts", id, "mute"), nil, nil)
	return err
}

type UsersClient struct{ c *Client }

func (uc *UsersClient) Search(ctx context.Context, query string) ([]User, error) {
	out, _, err := call[[]User](ctx, uc.c, http.MethodGet, "/users/search", nil, url.Values{"q": {query}})
	return out, err
}

// ============================================================================
// Groups
// ============================================================================

type GroupsClient struct{ c *Client }

func (gc *GroupsClient) List(ctx context.Context, q GroupQuery) ([]Group, *Pagination, error) {
	query := pageQuery(q.Page, q.Limit)
	if q.Search != "" {
		query.Set("search", q.Search)
	}
	if q.GroupType != "" {
		query.Set("groupType", string(q.GroupType))
	}
	return call[[]Group](ctx, gc.c, http.MethodGet, "/groups", nil, query)
}

func (gc *GroupsClient) Get(ctx context.Context, id string) (Group, error) {
	out, _, err := call[Group](ctx, gc.c, http.MethodGet, idPath("/groups", id), nil, nil)
	return out, err
}

func (gc *GroupsClient) Create(ctx context.Context, in CreateGroupInput) (Group, error) {
	out, _, err := call[Group](ctx, gc.c, http.MethodPost, "/groups", in, nil)
	return out, err
}

func (gc *GroupsClient) Update(ctx context.Context, id string, in GroupUpdate) (Group, error) {
	out, _, err := call[Group](ctx, gc.c, http.MethodPut, idPath("/groups", id), in, nil)
	return out, err
}

func (gc *GroupsClient) Delete(ctx context.Context, id string) error {
	_, err := gc.c.do(ctx, http.MethodDelete, idPath("/groups", id), nil, nil)
	return err
}

func (gc *GroupsClient) Leave(ctx context.Context, id string) error {
	_, err := gc.c.do(ctx, http.MethodPost, idPath("/groups", id, "leave"), struct{}{}, nil)
	return err
}

func (gc *GroupsClient) SetMuted(ctx context.Context, id string, muted bool) error {
	method := http.MethodPost
	if !muted {
		method = http.MethodDelete
	}
	_, err := gc.c.do(ctx, method, idPath("/groups", id, "mute"), nil, nil)
	return err
}

func (gc *GroupsClient) Members(ctx context.Context, id string) ([]GroupMember, error) {
	out, _, err := call[[]GroupMember](ctx, gc.c, http.MethodGet, idPath("/groups", id, "members"), nil, nil)
	return out, err
}

func (gc *GroupsClient) AddMembers(ctx context.Context, id string, userIDs []string) error {
	_, err := gc.c.do(ctx, http.MethodPost, idPath("/groups", id, "members"), map[string][]string{"userIds": userIDs}, nil)
	return err
}

func (gc *GroupsClient) RemoveMember(ctx context.Context, id, userID string) error {
	_, err := gc.c.do(ctx, http.MethodDelete, idPath("/groups", id, "members", url.PathEscape(userID)), nil, nil)
	return err
}

func (gc *GroupsClient) UpdateMemberRole(ctx context.Context, id, userID string, role MemberRole) error {
	_, err := gc.c.do(ctx, http.MethodPut, idPath("/groups", id, "members", url.PathEscape(userID), "role"), map[string]MemberRole{"role": role}, nil)
	return err
}

func (gc *GroupsClient) Settings(ctx context.Context, id string) (GroupSettings, error) {
	out, _, err := call[GroupSettings](ctx, gc.c, http.MethodGet, idPath("/groups", id, "settings"), nil, nil)
	return out, err
}

func (gc *GroupsClient) UpdateSettings(ctx context.Context, id string, in GroupSettings) (GroupSettings, error) {
	out, _, err := call[GroupSettings](ctx, gc.c, http.MethodPut, idPath("/groups", id, "settings"), in, nil)
	return out, err
}

// ============================================================================
// Messages
// ============================================================================

type MessagesClient struct{ c *Client }

func (mc *MessagesClient) Conversations(ctx context.Context) ([]Conversation, error) {
	out, _, err := call[[]Conversation](ctx, mc.c, http.MethodGet, "/messages/conversations", nil, nil)
	return out, err
}

// List returns one page of a conversation, newest first as the server sends it.
func (mc *MessagesClient) List(ctx context.Context, conv Conversation, page, limit int) ([]Message, *Pagination, error) {
	q := pageQuery(page, limit)
	if conv.GroupID != "" {
		q.Set("groupId", conv.GroupID)
	} else {
		q.Set("conversationWith", conv.UserID)
	}
	return call[[]Message](ctx, mc.c, http.MethodGet, "/messages", nil, q)
}

func (mc *MessagesClient) Send(ctx context.Context, in SendMessageInput) (Message, error) {
	out, _, err := call[Message](ctx, mc.c, http.MethodPost, "/messages", in, nil)
	return out, err
}

func (mc *MessagesClient) Edit(ctx context.Context, id, content string) (Message, error) {
	out, _, err := call[Message](ctx, mc.c, http.MethodPut, idPath("/messages", id), map[string]string{"content": content}, nil)
	return out, err
}

func (mc *MessagesClient) Delete(ctx context.Context, id string, forEveryone bool) error {
	q := url.Values{}
	if forEveryone {
		q.Set("deleteForEveryone", "true")
	}
	_, err := mc.c.do(ctx, http.MethodDelete, idPath("/messages", id), nil, q)
	return err
}

// AddReaction adds the caller's emoji to a message and returns the message.
func (mc *MessagesClient) AddReaction(ctx context.Context, id, emoji string) (Message, error) {
	out, _, err := call[Message](ctx, mc.c, http.MethodPost, idPath("/messages", id, "reactions"), map[string]string{"emoji": emoji}, nil)
	return out, err
}

func (mc *MessagesClient) RemoveReaction(ctx context.Context, id, emoji string) (Message, error) {
	out, _, err := call[Message](ctx, mc.c, http.MethodDelete, idPath("/messages", id, "reactions"), nil, url.Values{"emoji": {emoji}})
	return out, err
}

func (mc *MessagesClient) MarkRead(ctx context.Context, id string) error {
	_, err := mc.c.do(ctx, http.MethodPost, idPath("/messages", id, "read"), struct{}{}, nil)
	return err
}

// ============================================================================
// Notifications
// ============================================================================

type NotificationsClient struct{ c *Client }

func (nc *NotificationsClient) List(ctx context.Context, f NotificationFilter) ([]Notification, *Pagination, error) {
	q := pageQuery(f.Page, f.Limit)
	if f.Read != nil {
		q.Set("read", strconv.FormatBool(*f.Read))
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.Priority != "" {
		q.Set("priority", f.Priority)
	}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	return call[[]Notification](ctx, nc.c, http.MethodGet, "/notifications", nil, q)
}

func (nc *NotificationsClient) MarkRead(ctx context.Context, id string) error {
	_, err := nc.c.do(ctx, http.MethodPut, idPath("/notifications", id, "read"), struct{}{}, nil)
	return err
}

func (nc *NotificationsClient) MarkAllRead(ctx context.Context) error {
	_, err := nc.c.do(ctx, http.MethodPut, "/notifications/mark-all-read", struct{}{}, nil)
	return err
}

func (nc *NotificationsClient) Delete(ctx context.Context, id string) error {
	_, err := nc.c.do(ctx, http.MethodDelete, idPath("/notifications", id), nil, nil)
	return err
}

func (nc *NotificationsClient) UnreadCount(ctx context.Context) (int, error) {
	out, _, err := call[unreadCountBody](ctx, nc.c, http.MethodGet, "/notifications/unread-count", nil, nil)
	return out.UnreadCount, err
}

type unreadCountBody struct {
	UnreadCount int `json:"unreadCount"`
}
