package pulse

import (
	"encoding/json"
	"fmt"
	"time"
)

// Channel names a push event stream.
type Channel string

// Lifecycle channels are emitted locally by the Connection.
const (
	ChannelConnected    Channel = "connected"
	ChannelDisconnected Channel = "disconnected"
	ChannelConnectError Channel = "connect_error"
	ChannelReconnecting Channel = "reconnecting"
	ChannelReconnected  Channel = "reconnected"
)

// Domain channels arrive from the server.
const (
	ChannelMessage          Channel = "message"
	ChannelMessageSent      Channel = "message_sent"
	ChannelMessageDelivered Channel = "message_delivered"
	ChannelMessageRead      Channel = "message_read"
	ChannelMessageUpdated   Channel = "message_updated"
	ChannelMessageDeleted   Channel = "message_deleted"

	ChannelTyping     Channel = "typing"
	ChannelStopTyping Channel = "stop_typing"

	ChannelUserOnline       Channel = "user_online"
	ChannelUserOffline      Channel = "user_offline"
	ChannelUserStatusUpdate Channel = "user_status_update"

	ChannelGroupMemberAdded       Channel = "group_member_added"
	ChannelGroupMemberRemoved     Channel = "group_member_removed"
	ChannelGroupMemberRoleUpdated Channel = "group_member_role_updated"
	ChannelGroupUpdated           Channel = "group_updated"
	ChannelGroupDeleted           Channel = "group_deleted"
	ChannelGroupLeft              Channel = "group_left"

	ChannelNotification            Channel = "notification"
	ChannelNotificationRead        Channel = "notification_read"
	ChannelNotificationDeleted     Channel = "notification_deleted"
	ChannelNotificationBadgeUpdate Channel = "notification_badge_update"

	ChannelContactRequest  Channel = "contact_request"
	ChannelContactAccepted Channel = "contact_accepted"
	ChannelContactUpdated  Channel = "contact_updated"
	ChannelContactRemoved  Channel = "contact_removed"

	// Outbound-only channels.
	ChannelJoinConversation  Channel = "join_conversation"
	ChannelLeaveConversation Channel = "leave_conversation"
)

// Envelope is the wire format of every frame in both directions.
type Envelope struct {
	Type      Channel         `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Event is implemented by every typed payload. The concrete type is fixed by
// the channel it was delivered on.
type Event interface {
	Channel() Channel
}

// ============================================================================
// Lifecycle
// ============================================================================

type ConnectedEvent struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	At       time.Time `json:"at"`
}

type DisconnectedEvent struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

type ConnectErrorEvent struct {
	Message string `json:"message"`
	Attempt int    `json:"attempt"`
}

type ReconnectingEvent struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

// ReconnectedEvent follows the ConnectedEvent of any connection after the
// first. AttemptNumber is zero when Connect was called by hand.
type ReconnectedEvent struct {
	AttemptNumber int `json:"attemptNumber"`
}

func (ConnectedEvent) Channel() Channel    { return ChannelConnected }
func (DisconnectedEvent) Channel() Channel { return ChannelDisconnected }
func (ConnectErrorEvent) Channel() Channel { return ChannelConnectError }
func (ReconnectingEvent) Channel() Channel { return ChannelReconnecting }
func (ReconnectedEvent) Channel() Channel  { return ChannelReconnected }

// ============================================================================
// Messages
// ============================================================================

type MessageSentEvent struct{ Message }

type MessageUpdatedEvent struct{ Message }

type MessageDeliveredEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type MessageReadEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
}

type MessageDeletedEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Username       string `json:"username,omitempty"`
}

type StopTypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

func (MessageSentEvent) Channel() Channel      { return ChannelMessageSent }
func (MessageUpdatedEvent) Channel() Channel   { return ChannelMessageUpdated }
func (MessageDeliveredEvent) Channel() Channel { return ChannelMessageDelivered }
func (MessageReadEvent) Channel() Channel      { return ChannelMessageRead }
func (MessageDeletedEvent) Channel() Channel   { return ChannelMessageDeleted }
func (TypingEvent) Channel() Channel           { return ChannelTyping }
func (StopTypingEvent) Channel() Channel       { return ChannelStopTyping }

// ============================================================================
// Presence
// ============================================================================

type UserOnlineEvent struct {
	UserID string `json:"userId"`
}

type UserOfflineEvent struct {
	UserID   string     `json:"userId"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type UserStatusUpdateEvent struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

func (UserOnlineEvent) Channel() Channel       { return ChannelUserOnline }
func (UserOfflineEvent) Channel() Channel      { return ChannelUserOffline }
func (UserStatusUpdateEvent) Channel() Channel { return ChannelUserStatusUpdate }

// ============================================================================
// Groups
// ============================================================================

// GroupMemberAddedEvent carries the server's member count when it knows it.
type GroupMemberAddedEvent struct {
	GroupID     string      `json:"groupId"`
	Member      GroupMember `json:"member"`
	MemberCount *int        `json:"memberCount,omitempty"`
}

type GroupMemberRemovedEvent struct {
	GroupID     string `json:"groupId"`
	UserID      string `json:"userId"`
	MemberCount *int   `json:"memberCount,omitempty"`
}

type GroupMemberRoleUpdatedEvent struct {
	GroupID string     `json:"groupId"`
	UserID  string     `json:"userId"`
	Role    MemberRole `json:"role"`
}

type GroupUpdatedEvent struct{ Group }

type GroupDeletedEvent struct {
	GroupID string `json:"groupId"`
}

type GroupLeftEvent struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
}

func (GroupMemberAddedEvent) Channel() Channel       { return ChannelGroupMemberAdded }
func (GroupMemberRemovedEvent) Channel() Channel     { return ChannelGroupMemberRemoved }
func (GroupMemberRoleUpdatedEvent) Channel() Channel { return ChannelGroupMemberRoleUpdated }
func (GroupUpdatedEvent) Channel() Channel           { return ChannelGroupUpdated }
func (GroupDeletedEvent) Channel() Channel           { return ChannelGroupDeleted }
func (GroupLeftEvent) Channel() Channel              { return ChannelGroupLeft }

// ============================================================================
// Notifications
// ============================================================================

type NotificationEvent struct{ Notification }

type NotificationReadEvent struct {
	NotificationID string `json:"notificationId"`
}

type NotificationDeletedEvent struct {
	NotificationID string `json:"notificationId"`
}

type NotificationBadgeUpdateEvent struct {
	UnreadCount int `json:"unreadCount"`
}

func (NotificationEvent) Channel() Channel            { return ChannelNotification }
func (NotificationReadEvent) Channel() Channel        { return ChannelNotificationRead }
func (NotificationDeletedEvent) Channel() Channel     { return ChannelNotificationDeleted }
func (NotificationBadgeUpdateEvent) Channel() Channel { return ChannelNotificationBadgeUpdate }

// ============================================================================
// Contacts
// ============================================================================

type ContactRequestEvent struct{ Contact }

type ContactAcceptedEvent struct{ Contact }

type ContactUpdatedEvent struct{ Contact }

type ContactRemovedEvent struct {
	ContactID string `json:"contactId"`
}

func (ContactRequestEvent) Channel() Channel  { return ChannelContactRequest }
func (ContactAcceptedEvent) Channel() Channel { return ChannelContactAccepted }
func (ContactUpdatedEvent) Channel() Channel  { return ChannelContactUpdated }
func (ContactRemovedEvent) Channel() Channel  { return ChannelContactRemoved }

// RawEvent is delivered for channels this package has no type for.
type RawEvent struct {
	Name    Channel
	Payload json.RawMessage
}

func (e RawEvent) Channel() Channel { return e.Name }

// ============================================================================
// Decoding
// ============================================================================

func decodeAs[E Event](payload json.RawMessage) (Event, error) {
	var ev E
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

var decoders = map[Channel]func(json.RawMessage) (Event, error){
	ChannelConnected:    decodeAs[ConnectedEvent],
	ChannelDisconnected: decodeAs[DisconnectedEvent],
	ChannelConnectError: decodeAs[ConnectErrorEvent],
	ChannelReconnecting: decodeAs[ReconnectingEvent],
	ChannelReconnected:  decodeAs[ReconnectedEvent],

	ChannelMessageSent:      decodeAs[MessageSentEvent],
	ChannelMessageUpdated:   decodeAs[MessageUpdatedEvent],
	ChannelMessageDelivered: decodeAs[MessageDeliveredEvent],
	ChannelMessageRead:      decodeAs[MessageReadEvent],
	ChannelMessageDeleted:   decodeAs[MessageDeletedEvent],
	ChannelTyping:           decodeAs[TypingEvent],
	ChannelStopTyping:       decodeAs[StopTypingEvent],

	ChannelUserOnline:       decodeAs[UserOnlineEvent],
	ChannelUserOffline:      decodeAs[UserOfflineEvent],
	ChannelUserStatusUpdate: decodeAs[UserStatusUpdateEvent],

	ChannelGroupMemberAdded:       decodeAs[GroupMemberAddedEvent],
	ChannelGroupMemberRemoved:     decodeAs[GroupMemberRemovedEvent],
	ChannelGroupMemberRoleUpdated: decodeAs[GroupMemberRoleUpdatedEvent],
	ChannelGroupUpdated:           decodeAs[GroupUpdatedEvent],
	ChannelGroupDeleted:           decodeAs[GroupDeletedEvent],
	ChannelGroupLeft:              decodeAs[GroupLeftEvent],

	ChannelNotification:            decodeAs[NotificationEvent],
	ChannelNotificationRead:        decodeAs[NotificationReadEvent],
	ChannelNotificationDeleted:     decodeAs[NotificationDeletedEvent],
	ChannelNotificationBadgeUpdate: decodeAs[NotificationBadgeUpdateEvent],

	ChannelContactRequest:  decodeAs[ContactRequestEvent],
	ChannelContactAccepted: decodeAs[ContactAcceptedEvent],
	ChannelContactUpdated:  decodeAs[ContactUpdatedEvent],
	ChannelContactRemoved:  decodeAs[ContactRemovedEvent],
}

// KnownChannels returns every channel with a typed event.
func KnownChannels() []Channel {
	out := make([]Channel, 0, len(decoders))
	for ch := range decoders {
		out = append(out, ch)
	}
	return out
}

// DecodeEvent turns a wire envelope into its typed event. Unknown channels
// decode to RawEvent.
func DecodeEvent(env Envelope) (Event, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("decode event: missing type")
	}
	dec, ok := decoders[env.Type]
	if !ok {
		return RawEvent{Name: env.Type, Payload: env.Payload}, nil
	}
	ev, err := dec(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}

// EncodeEvent is the inverse of DecodeEvent.
func EncodeEvent(ev Event) (Envelope, error) {
	if raw, ok := ev.(RawEvent); ok {
		return Envelope{Type: raw.Name, Payload: raw.Payload}, nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", ev.Channel(), err)
	}
	return Envelope{Type: ev.Channel(), Payload: data}, nil
}
