package chatsync

import (
	"context"
	"errors"
	"log/slog"
)

func readKey(roomID string) string { return "read:" + roomID }

// ReadReceipts gates mark-read behind a per-room cooldown and tells the other
// participants through a debounced socket notification.
type ReadReceipts struct {
	api     API
	store   *Store
	conn    *ConnectionManager
	guard   *TokenGuard
	limiter *RateLimiter
	notify  *debouncer
	clock   clock
	log     *slog.Logger
	metrics *Metrics
	self    func() (string, string)
}

type receiptDeps struct {
	api     API
	store   *Store
	conn    *ConnectionManager
	guard   *TokenGuard
	limiter *RateLimiter
	clock   clock
	log     *slog.Logger
	metrics *Metrics
	self    func() (string, string)
	cfg     Config
}

func newReadReceipts(d receiptDeps) *ReadReceipts {
	return &ReadReceipts{
		api:     d.api,
		store:   d.store,
		conn:    d.conn,
		guard:   d.guard,
		limiter: d.limiter,
		notify:  newDebouncer(d.clock, d.cfg.ReadNotifyDebounce),
		clock:   d.clock,
		log:     d.log,
		metrics: d.metrics,
		self:    d.self,
	}
}

// MarkRead persists the read mark for a room. Calls inside the cooldown are
// dropped and report false with a nil error.
func (r *ReadReceipts) MarkRead(ctx context.Context, roomID string) (bool, error) {
	if roomID == "" {
		return false, errors.New("chatsync: room id required")
	}
	if !r.guard.EnsureValid() {
		return false, ErrAuthExpired
	}
	if !r.limiter.TryAcquire(readKey(roomID)) {
		r.metrics.readReceipt("suppressed")
		return false, nil
	}

	at := r.clock.Now()
	if err := r.api.MarkRead(ctx, roomID, at); err != nil {
		r.metrics.readReceipt("failed")
		r.log.Warn("mark-read failed", "room", roomID, "err", err)
		if errors.Is(err, ErrAuthExpired) {
			r.conn.Teardown(err)
		}
		return false, &WriteError{Op: "mark-read", RoomID: roomID, Err: err}
	}
	r.metrics.readReceipt("written")

	r.store.ResetUnread(roomID)
	if userID, _ := r.self(); userID != "" {
		r.store.PutReceipt(ReadReceipt{RoomID: roomID, UserID: userID, Timestamp: at})
	}

	r.notify.Trigger(roomID, func() {
		payload := markReadPayload{ChatRoomID: roomID, Timestamp: at}
		if err := r.conn.Emit(r.conn.lifetime, EventMarkRead, payload); err != nil {
			r.log.Debug("mark-read notification skipped", "room", roomID, "err", err)
		}
	})
	return true, nil
}

// HandleMessagesRead records another participant's read mark.
func (r *ReadReceipts) HandleMessagesRead(ev MessagesReadEvent) {
	rc := ev.Receipt
	if rc.Timestamp.IsZero() {
		rc.Timestamp = r.clock.Now()
	}
	r.store.PutReceipt(rc)
}

// Stop cancels pending notifications.
func (r *ReadReceipts) Stop() {
	r.notify.Stop()
}
