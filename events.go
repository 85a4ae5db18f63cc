package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Wire events
// ============================================================================

// Outbound event names.
const (
	EventUserConnected = "user-connected"
	EventJoinRoom      = "join-room"
	EventLeaveRoom     = "leave-room"
	EventJoinTeamRoom  = "join-team-room"
	EventLeaveTeamRoom = "leave-team-room"
	EventTyping        = "typing"
	EventTeamTyping    = "team-typing"
	EventMarkRead      = "mark-read"
	EventSendMessage   = "send-message"
)

// Inbound event names. team-typing is used in both directions.
const (
	EventNewMessage    = "new-message"
	EventTeamMessage   = "team-message"
	EventUserTyping    = "user-typing"
	EventMessagesRead  = "messages-read"
	EventSilentRefresh = "silent-refresh"
)

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// ============================================================================
// Outbound payloads
// ============================================================================

type identityPayload struct {
	UserID   string `json:"userId"`
	FullName string `json:"fullName,omitempty"`
}

type teamRoomPayload struct {
	TeamID string `json:"teamId"`
	RoomID string `json:"roomId"`
}

type typingPayload struct {
	ChatRoomID string `json:"chatRoomId"`
	IsTyping   bool   `json:"isTyping"`
	FullName   string `json:"fullName"`
	UserID     string `json:"userId"`
}

type markReadPayload struct {
	ChatRoomID string    `json:"chatRoomId"`
	Timestamp  time.Time `json:"timestamp"`
}

// ============================================================================
// Inbound events (closed set)
// ============================================================================

// EventKind enumerates the inbound event variants.
type EventKind int

const (
	KindNewMessage EventKind = iota + 1
	KindTyping
	KindMessagesRead
	KindSilentRefresh
)

func (k EventKind) String() string {
	switch k {
	case KindNewMessage:
		return "new_message"
	case KindTyping:
		return "typing"
	case KindMessagesRead:
		return "messages_read"
	case KindSilentRefresh:
		return "silent_refresh"
	default:
		return "unknown"
	}
}

// InboundEvent is implemented only by the event types in this file.
type InboundEvent interface {
	Kind() EventKind
	inbound()
}

// NewMessageEvent carries a message posted by any participant, including the
// server echo of our own sends.
type NewMessageEvent struct {
	Message *Message
	Team    bool
}

// TypingEvent reports another user's typing state.
type TypingEvent struct {
	RoomID   string
	UserID   string
	FullName string
	IsTyping bool
	Team     bool
}

// MessagesReadEvent reports another user's read high-water mark.
type MessagesReadEvent struct {
	Receipt ReadReceipt
}

// RefreshType is the tag of a silent-refresh invalidation.
type RefreshType string

const (
	RefreshNewChatRoom    RefreshType = "new-chat-room"
	RefreshDeleteChatRoom RefreshType = "delete-chat-room"
	RefreshUpdateChatRoom RefreshType = "update-chat-room"
	RefreshMarkRead       RefreshType = "mark-read"
	RefreshMessagesRead   RefreshType = "messages-read"
	RefreshClearChat      RefreshType = "clear-chat"
	RefreshDeleteMessage  RefreshType = "delete-message"
)

// SilentRefreshEvent asks clients to invalidate cached state.
type SilentRefreshEvent struct {
	Type      RefreshType
	RoomID    string
	MessageID string
}

func (NewMessageEvent) Kind() EventKind    { return KindNewMessage }
func (TypingEvent) Kind() EventKind        { return KindTyping }
func (MessagesReadEvent) Kind() EventKind  { return KindMessagesRead }
func (SilentRefreshEvent) Kind() EventKind { return KindSilentRefresh }

func (NewMessageEvent) inbound()    {}
func (TypingEvent) inbound()        {}
func (MessagesReadEvent) inbound()  {}
func (SilentRefreshEvent) inbound() {}

// DecodeInbound parses one frame into its typed event. Unknown event names and
// payloads missing required fields return ErrProtocolAnomaly.
func DecodeInbound(frame []byte) (InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, anomaly("undecodable frame: %v", err)
	}

	switch env.Event {
	case EventNewMessage, EventTeamMessage:
		msg, err := decodeWireMessage(env.Data)
		if err != nil {
			return nil, err
		}
		return NewMessageEvent{Message: msg, Team: env.Event == EventTeamMessage}, nil

	case EventUserTyping, EventTeamTyping:
		var p struct {
			ChatRoomID string `json:"chatRoomId"`
			UserID     string `json:"userId"`
			IsTyping   bool   `json:"isTyping"`
			FullName   string `json:"fullName"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, anomaly("%s: %v", env.Event, err)
		}
		if p.ChatRoomID == "" || p.UserID == "" {
			return nil, anomaly("%s without chatRoomId or userId", env.Event)
		}
		return TypingEvent{
			RoomID:   p.ChatRoomID,
			UserID:   p.UserID,
			FullName: p.FullName,
			IsTyping: p.IsTyping,
			Team:     env.Event == EventTeamTyping,
		}, nil

	case EventMessagesRead:
		var p struct {
			ChatRoomID string   `json:"chatRoomId"`
			UserID     string   `json:"userId"`
			Timestamp  flexTime `json:"timestamp"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, anomaly("%s: %v", env.Event, err)
		}
		if p.ChatRoomID == "" || p.UserID == "" {
			return nil, anomaly("%s without chatRoomId or userId", env.Event)
		}
		return MessagesReadEvent{Receipt: ReadReceipt{
			RoomID:    p.ChatRoomID,
			UserID:    p.UserID,
			Timestamp: time.Time(p.Timestamp),
		}}, nil

	case EventSilentRefresh:
		var p struct {
			Type       RefreshType `json:"type"`
			ChatRoomID string      `json:"chatRoomId"`
			MessageID  string      `json:"messageId"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, anomaly("%s: %v", env.Event, err)
		}
		if p.Type == "" {
			return nil, anomaly("%s without type", env.Event)
		}
		return SilentRefreshEvent{Type: p.Type, RoomID: p.ChatRoomID, MessageID: p.MessageID}, nil

	case "":
		return nil, anomaly("frame without event name")
	default:
		return nil, anomaly("unknown event %q", env.Event)
	}
}

// ============================================================================
// Message wire decoding
// ============================================================================

// wireMessage accepts the server's loose message shape: room and sender may be
// ids or populated objects, ids may be "id" or "_id".
type wireMessage struct {
	ID          string          `json:"id"`
	MongoID     string          `json:"_id"`
	ClientID    string          `json:"clientId"`
	ChatRoom    json.RawMessage `json:"chatRoom"`
	ChatRoomID  string          `json:"chatRoomId"`
	Sender      json.RawMessage `json:"sender"`
	SenderID    string          `json:"senderId"`
	SenderName  string          `json:"senderName"`
	Content     string          `json:"content"`
	Attachments []Attachment    `json:"attachments"`
	CreatedAt   flexTime        `json:"createdAt"`
}

type wireRef struct {
	ID       string `json:"id"`
	MongoID  string `json:"_id"`
	FullName string `json:"fullName"`
	Name     string `json:"name"`
}

func decodeWireMessage(data json.RawMessage) (*Message, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, anomaly("message event without payload")
	}
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, anomaly("message payload: %v", err)
	}

	roomID, _, err := decodeRef(w.ChatRoom)
	if err != nil {
		return nil, anomaly("message chatRoom: %v", err)
	}
	if roomID == "" {
		roomID = w.ChatRoomID
	}
	senderID, senderName, err := decodeRef(w.Sender)
	if err != nil {
		return nil, anomaly("message sender: %v", err)
	}
	if senderID == "" {
		senderID = w.SenderID
	}
	if senderName == "" {
		senderName = w.SenderName
	}

	id := w.ID
	if id == "" {
		id = w.MongoID
	}
	if id == "" {
		return nil, anomaly("message without id")
	}
	if roomID == "" {
		return nil, anomaly("message %s without room id", id)
	}

	return &Message{
		ID:            id,
		ClientID:      w.ClientID,
		RoomID:        roomID,
		SenderID:      senderID,
		SenderName:    senderName,
		Content:       w.Content,
		Attachments:   w.Attachments,
		CreatedAt:     time.Time(w.CreatedAt),
		DeliveryState: DeliverySent,
	}, nil
}

// decodeRef reads either a bare id string or an object with an id.
func decodeRef(raw json.RawMessage) (id, name string, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", "", nil
	}
	if raw[0] == '"' {
		err = json.Unmarshal(raw, &id)
		return id, "", err
	}
	var ref wireRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", "", err
	}
	id = ref.ID
	if id == "" {
		id = ref.MongoID
	}
	name = ref.FullName
	if name == "" {
		name = ref.Name
	}
	return id, name, nil
}

// flexTime decodes RFC 3339 strings and epoch milliseconds.
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		return nil
	}
	if s[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		if unq == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, unq)
		if err != nil {
			return err
		}
		*t = flexTime(parsed)
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", s, err)
	}
	*t = flexTime(time.UnixMilli(ms).UTC())
	return nil
}
