package chatsync

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MessagePipeline sends messages optimistically and ingests inbound ones.
type MessagePipeline struct {
	api      API
	store    *Store
	conn     *ConnectionManager
	guard    *TokenGuard
	rooms    *RoomTracker
	clock    clock
	log      *slog.Logger
	metrics  *Metrics
	pageSize int
	self     func() (string, string)

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	mu      sync.Mutex
	pending map[string]string // clientId -> temp id
	closed  atomic.Bool
}

type pipelineDeps struct {
	api      API
	store    *Store
	conn     *ConnectionManager
	guard    *TokenGuard
	rooms    *RoomTracker
	clock    clock
	log      *slog.Logger
	metrics  *Metrics
	pageSize int
	self     func() (string, string)
}

func newMessagePipeline(d pipelineDeps) *MessagePipeline {
	return &MessagePipeline{
		api:      d.api,
		store:    d.store,
		conn:     d.conn,
		guard:    d.guard,
		rooms:    d.rooms,
		clock:    d.clock,
		log:      d.log,
		metrics:  d.metrics,
		pageSize: d.pageSize,
		self:     d.self,
		entropy:  ulid.Monotonic(rand.Reader, 0),
		pending:  make(map[string]string),
	}
}

// tempID returns a placeholder id that sorts by creation time.
func (p *MessagePipeline) tempID(now time.Time) string {
	p.entropyMu.Lock()
	defer p.entropyMu.Unlock()
	return TempIDPrefix + ulid.MustNew(ulid.Timestamp(now), p.entropy).String()
}

// ── Send ─────────────────────────────────────────────────

// Send inserts a pending message right away, performs the durable write and
// swaps the pending entry for the server's copy. On failure the pending entry
// is removed and a *WriteError is returned; nothing is retried.
func (p *MessagePipeline) Send(ctx context.Context, roomID, content string, attachments []Attachment) (*Message, error) {
	if roomID == "" {
		return nil, errors.New("chatsync: room id required")
	}
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return nil, errors.New("chatsync: empty message")
	}
	if p.closed.Load() {
		return nil, ErrSessionClosed
	}
	if !p.guard.EnsureValid() {
		return nil, ErrAuthExpired
	}

	now := p.clock.Now()
	userID, fullName := p.self()
	temp := &Message{
		ID:            p.tempID(now),
		ClientID:      uuid.NewString(),
		RoomID:        roomID,
		SenderID:      userID,
		SenderName:    fullName,
		Content:       content,
		Attachments:   attachments,
		CreatedAt:     now,
		DeliveryState: DeliveryPending,
	}

	p.mu.Lock()
	p.pending[temp.ClientID] = temp.ID
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, temp.ClientID)
		p.mu.Unlock()
	}()

	p.store.InsertMessage(temp)

	saved, err := p.api.CreateMessage(ctx, &CreateMessageRequest{
		RoomID:      roomID,
		ClientID:    temp.ClientID,
		Content:     content,
		Attachments: attachments,
	})
	if err == nil && (saved == nil || saved.ID == "") {
		err = anomaly("create message returned no id")
	}
	if err != nil {
		p.store.RemoveMessage(roomID, temp.ID)
		p.metrics.messageSent("rolled_back")
		p.log.Warn("send failed, rolled back", "room", roomID, "err", err)
		if errors.Is(err, ErrAuthExpired) {
			p.conn.Teardown(err)
		}
		return nil, &WriteError{Op: "send", RoomID: roomID, Err: err}
	}

	saved = saved.clone()
	if saved.RoomID == "" {
		saved.RoomID = roomID
	}
	if saved.ClientID == "" {
		saved.ClientID = temp.ClientID
	}
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = temp.CreatedAt
	}
	saved.DeliveryState = DeliverySent

	if p.closed.Load() {
		return saved, nil
	}
	p.store.ReplaceMessage(roomID, temp.ID, saved)
	p.store.SetLastMessage(roomID, saved)
	p.metrics.messageSent("acked")

	if err := p.conn.Emit(ctx, EventSendMessage, saved); err != nil {
		p.log.Debug("send-message broadcast skipped", "room", roomID, "err", err)
	}
	return saved.clone(), nil
}

// ── Receive ──────────────────────────────────────────────

// Receive ingests an inbound message. It reports whether the message was new
// to the active room's sequence.
func (p *MessagePipeline) Receive(msg *Message) bool {
	if msg == nil || msg.ID == "" || msg.RoomID == "" || msg.IsTemporary() {
		p.metrics.anomaly()
		p.log.Warn("dropping inbound message without usable ids")
		return false
	}
	if p.closed.Load() {
		return false
	}
	msg = msg.clone()
	msg.DeliveryState = DeliverySent

	var prevLast string
	if room, ok := p.store.Room(msg.RoomID); ok && room.LastMessage != nil {
		prevLast = room.LastMessage.ID
	}

	fresh := false
	if tempID := p.pendingTemp(msg.ClientID); tempID != "" {
		// Echo of our own send arriving before the REST ack.
		fresh = p.store.ReplaceMessage(msg.RoomID, tempID, msg)
	} else if p.rooms.IsActive(msg.RoomID) {
		fresh = p.store.InsertMessage(msg)
	}

	p.store.SetLastMessage(msg.RoomID, msg)

	userID, _ := p.self()
	if !p.rooms.IsActive(msg.RoomID) && msg.SenderID != userID && prevLast != msg.ID {
		p.store.IncrementUnread(msg.RoomID)
	}
	return fresh
}

func (p *MessagePipeline) pendingTemp(clientID string) string {
	if clientID == "" {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[clientID]
}

// ── History ──────────────────────────────────────────────

// LoadHistory fetches one page of messages older than before (zero means the
// newest page) and merges it into the room by id. It returns how many
// messages were new.
func (p *MessagePipeline) LoadHistory(ctx context.Context, roomID string, before time.Time, limit int) (int, error) {
	if !p.guard.EnsureValid() {
		return 0, ErrAuthExpired
	}
	if limit <= 0 {
		limit = p.pageSize
	}
	msgs, err := p.api.ListMessages(ctx, roomID, PageOptions{Limit: limit, Before: before})
	if err != nil {
		if errors.Is(err, ErrAuthExpired) {
			p.conn.Teardown(err)
		}
		return 0, fmt.Errorf("load history for %s: %w", roomID, err)
	}
	for _, m := range msgs {
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		m.DeliveryState = DeliverySent
	}
	return p.store.MergeMessages(roomID, msgs), nil
}

// ── Narrow invalidations ─────────────────────────────────

// HandleDeleteMessage drops a message another client deleted.
func (p *MessagePipeline) HandleDeleteMessage(roomID, messageID string) {
	if messageID == "" {
		return
	}
	if roomID != "" {
		p.store.RemoveMessage(roomID, messageID)
		return
	}
	p.store.RemoveMessageAnywhere(messageID)
}

// HandleClearChat empties a room's sequence.
func (p *MessagePipeline) HandleClearChat(roomID string) {
	if roomID != "" {
		p.store.ClearMessages(roomID)
	}
}

func (p *MessagePipeline) stop() {
	p.closed.Store(true)
}
