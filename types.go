package pulse

import (
	"encoding/json"
	"slices"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is the error body returned by the REST API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the envelope every REST endpoint answers with.
type Result struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Message    string          `json:"message,omitempty"`
	Error      *APIError       `json:"error,omitempty"`
	Pagination *Pagination     `json:"pagination,omitempty"`
}

// Decode unmarshals the data field into v.
func (r *Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Pagination describes one page of a list endpoint.
type Pagination struct {
	CurrentPage int  `json:"currentPage"`
	TotalPages  int  `json:"totalPages"`
	TotalCount  int  `json:"totalCount"`
	HasNext     bool `json:"hasNext"`
	HasPrev     bool `json:"hasPrev"`
}

// User is the public profile of another account.
type User struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName,omitempty"`
	Avatar      string     `json:"avatar,omitempty"`
	Status      string     `json:"status,omitempty"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

// ============================================================================
// Contacts
// ============================================================================

// ContactStatus is the state of a relationship row.
type ContactStatus string

const (
	ContactPending  ContactStatus = "pending"
	ContactAccepted ContactStatus = "accepted"
	ContactBlocked  ContactStatus = "blocked"
)

// ContactStatuses lists every status in display order.
var ContactStatuses = []ContactStatus{ContactPending, ContactAccepted, ContactBlocked}

// Contact is one relationship between a requester and a recipient.
type Contact struct {
	ID            string        `json:"id"`
	RequesterID   string        `json:"userId"`
	RecipientID   string        `json:"contactUserId"`
	Status        ContactStatus `json:"status"`
	IsFavorite    bool          `json:"isFavorite"`
	IsMuted       bool          `json:"isMuted"`
	Nickname      string        `json:"nickname,omitempty"`
	Notes         string        `json:"notes,omitempty"`
	BlockedAt     *time.Time    `json:"blockedAt,omitempty"`
	LastContactAt *time.Time    `json:"lastContactAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	DeletedAt     *time.Time    `json:"deletedAt,omitempty"`
	User          *User         `json:"user,omitempty"`
}

func (c Contact) key() string { return c.ID }

// Tombstoned reports whether the row has been soft-deleted.
func (c Contact) Tombstoned() bool { return c.DeletedAt != nil }

// Counterpart returns the id of the party that is not userID.
func (c Contact) Counterpart(userID string) string {
	if c.RequesterID == userID {
		return c.RecipientID
	}
	return c.RequesterID
}

// ContactRequest is a pending contact annotated with its direction.
type ContactRequest struct {
	Contact
	IsIncoming bool `json:"isIncoming"`
}

// AddContactInput is the body of POST /contacts.
type AddContactInput struct {
	UserID   string `json:"userId"`
	Nickname string `json:"nickname,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// ContactUpdate is a partial edit; nil fields are left untouched.
type ContactUpdate struct {
	Nickname *string `json:"nickname,omitempty"`
	Notes    *string `json:"notes,omitempty"`
}

// ============================================================================
// Groups
// ============================================================================

type GroupType string

const (
	GroupPrivate GroupType = "private"
	GroupPublic  GroupType = "public"
)

type MemberRole string

const (
	RoleAdmin     MemberRole = "admin"
	RoleModerator MemberRole = "moderator"
	RoleMember    MemberRole = "member"
)

// Group is a multi-user conversation container.
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	GroupType   GroupType `json:"groupType"`
	Avatar      string    `json:"avatar,omitempty"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	MemberCount int       `json:"memberCount"`
	IsMuted     bool      `json:"isMuted"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (g Group) key() string { return g.ID }

// GroupMember is keyed by user id within its group.
type GroupMember struct {
	ID       string     `json:"id,omitempty"`
	GroupID  string     `json:"groupId"`
	UserID   string     `json:"userId"`
	User     *User      `json:"user,omitempty"`
	Role     MemberRole `json:"role"`
	IsMuted  bool       `json:"isMuted"`
	JoinedAt time.Time  `json:"joinedAt"`
}

func (m GroupMember) key() string { return m.UserID }

type GroupSettings struct {
	OnlyAdminsCanPost       bool `json:"onlyAdminsCanPost"`
	OnlyAdminsCanAddMembers bool `json:"onlyAdminsCanAddMembers"`
	OnlyAdminsCanEditInfo   bool `json:"onlyAdminsCanEditInfo"`
	EnableReadReceipts      bool `json:"enableReadReceipts"`
	EnableTypingIndicators  bool `json:"enableTypingIndicators"`
	MaxMembers              int  `json:"maxMembers"`
}

type GroupQuery struct {
	Page      int
	Limit     int
	Search    string
	GroupType GroupType
}

type CreateGroupInput struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	GroupType   GroupType `json:"groupType"`
	MemberIDs   []string  `json:"memberIds,omitempty"`
}

type GroupUpdate struct {
	Name        *string    `json:"name,omitempty"`
	Description *string    `json:"description,omitempty"`
	GroupType   *GroupType `json:"groupType,omitempty"`
	Avatar      *string    `json:"avatar,omitempty"`
}

// ============================================================================
// Messaging
// ============================================================================

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Conversation is a direct chat with UserID or a group chat with GroupID.
type Conversation struct {
	ID          string           `json:"id"`
	Type        ConversationType `json:"type"`
	UserID      string           `json:"userId,omitempty"`
	GroupID     string           `json:"groupId,omitempty"`
	Name        string           `json:"name,omitempty"`
	LastMessage *Message         `json:"lastMessage,omitempty"`
	UnreadCount int              `json:"unreadCount"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

func (c Conversation) key() string { return c.ID }

type MessageStatus string

const (
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

type Message struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	RecipientID    string        `json:"recipientId,omitempty"`
	GroupID        string        `json:"groupId,omitempty"`
	Content        string        `json:"content"`
	Type           string        `json:"type"`
	Status         MessageStatus `json:"status,omitempty"`
	IsRead         bool          `json:"isRead"`
	ReplyTo        string        `json:"replyTo,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	EditedAt       *time.Time    `json:"editedAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

func (m Message) key() string { return m.ID }

// Reaction is one emoji on a message and the users who chose it.
type Reaction struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
}

// WithReaction returns a copy of rs with userID counted under emoji.
func WithReaction(rs []Reaction, emoji, userID string) []Reaction {
	out := make([]Reaction, 0, len(rs)+1)
	found := false
	for _, r := range rs {
		if r.Emoji == emoji {
			found = true
			if !slices.Contains(r.Users, userID) {
				r.Users = append(slices.Clone(r.Users), userID)
			}
		}
		out = append(out, r)
	}
	if !found {
		out = append(out, Reaction{Emoji: emoji, Users: []string{userID}})
	}
	return out
}

// WithoutReaction returns a copy of rs without userID under emoji. An emoji
// nobody uses any more is dropped.
func WithoutReaction(rs []Reaction, emoji, userID string) []Reaction {
	var out []Reaction
	for _, r := range rs {
		if r.Emoji == emoji {
			r.Users = slices.DeleteFunc(slices.Clone(r.Users), func(u string) bool { return u == userID })
			if len(r.Users) == 0 {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// SendMessageInput is the body of POST /messages.
type SendMessageInput struct {
	RecipientID string `json:"recipientId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
	Content     string `json:"content"`
	Type        string `json:"type,omitempty"`
	ReplyTo     string `json:"replyTo,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
}

// Presence is the last known online state of a user.
type Presence struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	Status   string     `json:"status,omitempty"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// ============================================================================
// Notifications
// ============================================================================

type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	Data      json.RawMessage `json:"data,omitempty"`
	Read      bool            `json:"read"`
	Priority  string          `json:"priority,omitempty"`
	Category  string          `json:"category,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (n Notification) key() string { return n.ID }

// NotificationFilter narrows GET /notifications. Zero values are omitted.
type NotificationFilter struct {
	Page     int
	Limit    int
	Read     *bool
	Type     string
	Priority string
	Category string
}
