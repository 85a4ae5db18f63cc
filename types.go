package chatsync

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Connection
// ============================================================================

// ConnectionState is the lifecycle state of the shared transport.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	// StateAuthInvalid is terminal: the session has been torn down.
	StateAuthInvalid ConnectionState = "auth_invalid"
)

// ============================================================================
// Rooms
// ============================================================================

// RoomKind distinguishes direct chats, ad-hoc groups and team rooms.
type RoomKind string

const (
	RoomDirect RoomKind = "direct"
	RoomGroup  RoomKind = "group"
	RoomTeam   RoomKind = "team"
)

// ChatRoom is a room as seen by the current user.
type ChatRoom struct {
	ID             string    `json:"id"`
	Kind           RoomKind  `json:"kind"`
	TeamID         string    `json:"teamId,omitempty"`
	Name           string    `json:"name,omitempty"`
	ParticipantIDs []string  `json:"participantIds"`
	LastMessage    *Message  `json:"lastMessage,omitempty"`
	UnreadCount    int       `json:"unreadCount"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ============================================================================
// Messages
// ============================================================================

// DeliveryState tracks an outgoing message through the send pipeline.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// TempIDPrefix marks client-generated placeholder ids.
const TempIDPrefix = "temp-"

// Attachment is an already-uploaded file referenced by a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a chat message, either confirmed by the server or still pending.
type Message struct {
	ID            string        `json:"id"`
	ClientID      string        `json:"clientId,omitempty"`
	RoomID        string        `json:"chatRoomId"`
	SenderID      string        `json:"senderId"`
	SenderName    string        `json:"senderName,omitempty"`
	Content       string        `json:"content"`
	Attachments   []Attachment  `json:"attachments,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	DeliveryState DeliveryState `json:"deliveryState,omitempty"`
}

// IsTemporary reports whether the message still carries a placeholder id.
func (m *Message) IsTemporary() bool {
	return m != nil && IsTemporaryID(m.ID)
}

// IsTemporaryID reports whether id was generated client-side.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

func (m *Message) clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return &c
}

// ============================================================================
// Typing & receipts
// ============================================================================

// TypingStatus is another user's typing state in a room.
type TypingStatus struct {
	RoomID      string    `json:"chatRoomId"`
	UserID      string    `json:"userId"`
	FullName    string    `json:"fullName,omitempty"`
	IsTyping    bool      `json:"isTyping"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// ReadReceipt is a user's read high-water mark in a room.
type ReadReceipt struct {
	RoomID    string    `json:"chatRoomId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// ============================================================================
// REST request/response shapes
// ============================================================================

// CreateMessageRequest is the durable write behind Send.
type CreateMessageRequest struct {
	RoomID      string       `json:"-"`
	ClientID    string       `json:"clientId,omitempty"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// CreateRoomRequest creates a direct, group or team room.
type CreateRoomRequest struct {
	Kind           RoomKind `json:"kind"`
	TeamID         string   `json:"teamId,omitempty"`
	Name           string   `json:"name,omitempty"`
	ParticipantIDs []string `json:"participantIds"`
}

// UpdateRoomRequest patches a room. Nil fields are left unchanged.
type UpdateRoomRequest struct {
	Name           *string  `json:"name,omitempty"`
	ParticipantIDs []string `json:"participantIds,omitempty"`
}

// PageOptions selects a page of message history.
type PageOptions struct {
	Limit  int
	Before time.Time
}

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
