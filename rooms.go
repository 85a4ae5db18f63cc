package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

type membership struct {
	teamID string
}

// RoomTracker keeps the set of rooms this client wants to be subscribed to and
// makes sure each is joined exactly once per live connection.
type RoomTracker struct {
	conn *ConnectionManager
	log  *slog.Logger

	mu      sync.Mutex
	wanted  map[string]membership
	emitted map[string]bool
	active  string
	armed   Unsubscribe
}

func newRoomTracker(conn *ConnectionManager, log *slog.Logger) *RoomTracker {
	t := &RoomTracker{
		conn:    conn,
		log:     log,
		wanted:  make(map[string]membership),
		emitted: make(map[string]bool),
	}
	conn.OnStateChange(t.onState)
	return t
}

// JoinRoom subscribes to a direct or group room.
func (t *RoomTracker) JoinRoom(ctx context.Context, roomID string) error {
	return t.join(ctx, roomID, membership{})
}

// JoinTeamRoom subscribes to a team room.
func (t *RoomTracker) JoinTeamRoom(ctx context.Context, teamID, roomID string) error {
	if teamID == "" {
		return errors.New("chatsync: team id required")
	}
	return t.join(ctx, roomID, membership{teamID: teamID})
}

func (t *RoomTracker) join(ctx context.Context, roomID string, m membership) error {
	if roomID == "" {
		return errors.New("chatsync: room id required")
	}

	t.mu.Lock()
	if prev, ok := t.wanted[roomID]; ok && prev == m && t.emitted[roomID] {
		t.mu.Unlock()
		return nil
	}
	t.wanted[roomID] = m
	t.mu.Unlock()

	if t.conn.Connected() {
		t.flush(ctx)
		return nil
	}

	// Not live yet: the join goes out from the connected listener.
	t.arm()
	err := t.conn.Connect(ctx)
	if errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrSessionClosed) {
		return err
	}
	if err != nil {
		t.log.Debug("join deferred until connected", "room", roomID, "err", err)
	}
	return nil
}

// arm registers at most one pending connected listener.
func (t *RoomTracker) arm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armed != nil {
		return
	}
	t.armed = t.conn.OnceConnected(func() {
		t.mu.Lock()
		t.armed = nil
		t.mu.Unlock()
		t.flush(t.conn.lifetime)
	})
}

// flush emits a join for every wanted room not yet joined on this connection.
func (t *RoomTracker) flush(ctx context.Context) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.wanted))
	for id := range t.wanted {
		if !t.emitted[id] {
			t.emitted[id] = true
			ids = append(ids, id)
		}
	}
	todo := make(map[string]membership, len(ids))
	for _, id := range ids {
		todo[id] = t.wanted[id]
	}
	t.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		m := todo[id]
		var err error
		if m.teamID != "" {
			err = t.conn.Emit(ctx, EventJoinTeamRoom, teamRoomPayload{TeamID: m.teamID, RoomID: id})
		} else {
			err = t.conn.Emit(ctx, EventJoinRoom, id)
		}
		if err != nil {
			t.mu.Lock()
			delete(t.emitted, id)
			t.mu.Unlock()
			t.log.Warn("join failed", "room", id, "err", err)
		}
	}
}

func (t *RoomTracker) onState(s ConnectionState) {
	switch s {
	case StateConnected:
		t.flush(t.conn.lifetime)
	case StateDisconnected, StateAuthInvalid:
		// The server forgets subscriptions together with the socket.
		t.mu.Lock()
		t.emitted = make(map[string]bool)
		t.mu.Unlock()
	}
}

// LeaveRoom drops a direct or group room. The leave is only sent on a live
// connection.
func (t *RoomTracker) LeaveRoom(ctx context.Context, roomID string) error {
	return t.leave(ctx, roomID, "")
}

// LeaveTeamRoom drops a team room.
func (t *RoomTracker) LeaveTeamRoom(ctx context.Context, teamID, roomID string) error {
	return t.leave(ctx, roomID, teamID)
}

func (t *RoomTracker) leave(ctx context.Context, roomID, teamID string) error {
	t.mu.Lock()
	m, ok := t.wanted[roomID]
	joined := t.emitted[roomID]
	delete(t.wanted, roomID)
	delete(t.emitted, roomID)
	if t.active == roomID {
		t.active = ""
	}
	t.mu.Unlock()

	if !ok || !joined || !t.conn.Connected() {
		return nil
	}
	if m.teamID != "" {
		teamID = m.teamID
	}
	if teamID != "" {
		return t.conn.Emit(ctx, EventLeaveTeamRoom, teamRoomPayload{TeamID: teamID, RoomID: roomID})
	}
	return t.conn.Emit(ctx, EventLeaveRoom, roomID)
}

// SwitchRoom leaves the last active room and joins roomID as the new one.
func (t *RoomTracker) SwitchRoom(ctx context.Context, roomID string) error {
	return t.switchTo(ctx, roomID, membership{})
}

// SwitchTeamRoom is SwitchRoom for team rooms.
func (t *RoomTracker) SwitchTeamRoom(ctx context.Context, teamID, roomID string) error {
	return t.switchTo(ctx, roomID, membership{teamID: teamID})
}

func (t *RoomTracker) switchTo(ctx context.Context, roomID string, m membership) error {
	t.mu.Lock()
	prev := t.active
	t.active = roomID
	t.mu.Unlock()

	if prev != "" && prev != roomID {
		if err := t.leave(ctx, prev, ""); err != nil {
			t.log.Warn("leave previous room failed", "room", prev, "err", err)
		}
	}
	return t.join(ctx, roomID, m)
}

// ActiveRoom returns the last room switched to, or "".
func (t *RoomTracker) ActiveRoom() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// IsActive reports whether roomID is the open room.
func (t *RoomTracker) IsActive(roomID string) bool {
	return roomID != "" && t.ActiveRoom() == roomID
}

// Joined reports whether a join for roomID went out on the current connection.
func (t *RoomTracker) Joined(roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.emitted[roomID]
}

// TeamOf returns the team a tracked room belongs to.
func (t *RoomTracker) TeamOf(roomID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.wanted[roomID]
	return m.teamID, ok && m.teamID != ""
}

func (t *RoomTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armed != nil {
		t.armed()
		t.armed = nil
	}
	t.wanted = make(map[string]membership)
	t.emitted = make(map[string]bool)
	t.active = ""
}
