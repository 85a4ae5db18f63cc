package chatsync

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// TypingCoordinator coalesces local typing into at most one emission per
// window and decays other users' typing state that stops being refreshed.
type TypingCoordinator struct {
	conn    *ConnectionManager
	store   *Store
	guard   *TokenGuard
	clock   clock
	log     *slog.Logger
	metrics *Metrics
	self    func() (string, string)
	teamOf  func(roomID string) (string, bool)

	decay time.Duration
	sweep time.Duration

	window  *debouncer
	stopper *debouncer

	mu         sync.Mutex
	desired    map[string]bool
	lastSent   map[string]bool
	sweepTimer timer
	stopped    bool
}

type typingDeps struct {
	conn    *ConnectionManager
	store   *Store
	guard   *TokenGuard
	clock   clock
	log     *slog.Logger
	metrics *Metrics
	self    func() (string, string)
	teamOf  func(roomID string) (string, bool)
	cfg     Config
}

func newTypingCoordinator(d typingDeps) *TypingCoordinator {
	return &TypingCoordinator{
		conn:     d.conn,
		store:    d.store,
		guard:    d.guard,
		clock:    d.clock,
		log:      d.log,
		metrics:  d.metrics,
		self:     d.self,
		teamOf:   d.teamOf,
		decay:    d.cfg.TypingDecay,
		sweep:    d.cfg.TypingSweepInterval,
		window:   newDebouncer(d.clock, d.cfg.TypingDebounce),
		stopper:  newDebouncer(d.clock, d.cfg.TypingStopAfter),
		desired:  make(map[string]bool),
		lastSent: make(map[string]bool),
	}
}

// ── Outbound ─────────────────────────────────────────────

// SetTyping records the local typing state for a room. The first call of a
// burst opens the window; the window emits the latest state once. A stopped
// signal follows automatically after the last keystroke.
func (t *TypingCoordinator) SetTyping(roomID string, isTyping bool) error {
	if roomID == "" {
		return errors.New("chatsync: room id required")
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrSessionClosed
	}
	t.desired[roomID] = isTyping
	t.mu.Unlock()

	t.window.Coalesce(roomID, func() { t.flush(roomID) })
	if isTyping {
		t.stopper.Trigger(roomID, func() { t.expire(roomID) })
	} else {
		t.stopper.Cancel(roomID)
	}
	return nil
}

func (t *TypingCoordinator) expire(roomID string) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.desired[roomID] = false
	t.mu.Unlock()

	t.window.Cancel(roomID)
	t.flush(roomID)
}

// flush emits the desired state unless it matches what was last sent.
func (t *TypingCoordinator) flush(roomID string) {
	t.mu.Lock()
	want := t.desired[roomID]
	if t.stopped || t.lastSent[roomID] == want {
		t.mu.Unlock()
		return
	}
	t.lastSent[roomID] = want
	t.mu.Unlock()

	if !t.guard.EnsureValid() {
		return
	}

	userID, fullName := t.self()
	event := EventTyping
	if _, team := t.teamOf(roomID); team {
		event = EventTeamTyping
	}
	payload := typingPayload{ChatRoomID: roomID, IsTyping: want, FullName: fullName, UserID: userID}
	if err := t.conn.Emit(t.conn.lifetime, event, payload); err != nil {
		t.mu.Lock()
		delete(t.lastSent, roomID)
		t.mu.Unlock()
		t.log.Debug("typing emission skipped", "room", roomID, "err", err)
		return
	}
	t.metrics.typingEmitted()
}

// ── Inbound ──────────────────────────────────────────────

// HandleTyping records another user's typing state.
func (t *TypingCoordinator) HandleTyping(ev TypingEvent) {
	if userID, _ := t.self(); ev.UserID == userID {
		return
	}
	t.store.SetTyping(TypingStatus{
		RoomID:      ev.RoomID,
		UserID:      ev.UserID,
		FullName:    ev.FullName,
		IsTyping:    ev.IsTyping,
		LastUpdated: t.clock.Now(),
	})
}

func (t *TypingCoordinator) startSweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.sweepTimer != nil {
		return
	}
	t.sweepTimer = t.clock.AfterFunc(t.sweep, t.runSweep)
}

func (t *TypingCoordinator) runSweep() {
	if n := t.store.SweepTyping(t.clock.Now(), t.decay); n > 0 {
		t.log.Debug("typing entries decayed", "count", n)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.sweepTimer = t.clock.AfterFunc(t.sweep, t.runSweep)
}

// Stop cancels every typing timer.
func (t *TypingCoordinator) Stop() {
	t.mu.Lock()
	t.stopped = true
	if t.sweepTimer != nil {
		t.sweepTimer.Stop()
		t.sweepTimer = nil
	}
	t.mu.Unlock()

	t.window.Stop()
	t.stopper.Stop()
}
