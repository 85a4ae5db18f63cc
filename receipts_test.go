package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMarkReadCooldown(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	ctx := context.Background()

	wrote, err := env.s.MarkRead(ctx, "R1")
	require.NoError(t, err)
	require.True(t, wrote)

	env.clock.Advance(2 * time.Second)
	wrote, err = env.s.MarkRead(ctx, "R1")
	require.NoError(t, err)
	require.False(t, wrote, "suppressed inside the cooldown")
	require.Equal(t, 1, env.api.markReadCount())

	wrote, err = env.s.MarkRead(ctx, "R2")
	require.NoError(t, err)
	require.True(t, wrote, "cooldown is per room")

	env.clock.Advance(time.Second)
	wrote, err = env.s.MarkRead(ctx, "R1")
	require.NoError(t, err)
	require.True(t, wrote)
	require.Equal(t, 3, env.api.markReadCount())

	require.Equal(t, 1.0, testutil.ToFloat64(env.s.Metrics().ReadReceipts.WithLabelValues("suppressed")))
}

func TestMarkReadUpdatesStore(t *testing.T) {
	env := newTestEnv(t)
	env.api.rooms = []ChatRoom{{ID: "R1", Kind: RoomGroup, UnreadCount: 4}}
	env.start(t)

	room, _ := env.s.Store().Room("R1")
	require.Equal(t, 4, room.UnreadCount)

	_, err := env.s.MarkRead(context.Background(), "R1")
	require.NoError(t, err)

	room, _ = env.s.Store().Room("R1")
	require.Zero(t, room.UnreadCount)
	rc, ok := env.s.Store().Receipt("R1", "u1")
	require.True(t, ok)
	require.True(t, rc.Timestamp.Equal(env.clock.Now()))
}

func TestMarkReadNotifiesAfterDebounce(t *testing.T) {
	env := newTestEnv(t)
	conn := env.start(t)

	_, err := env.s.MarkRead(context.Background(), "R1")
	require.NoError(t, err)
	require.Empty(t, conn.sent(EventMarkRead))

	env.clock.Advance(time.Second)
	sent := conn.sent(EventMarkRead)
	require.Len(t, sent, 1)
	require.JSONEq(t, `{"chatRoomId":"R1","timestamp":"2026-03-02T09:00:00Z"}`, string(sent[0].Data))
}

func TestMarkReadFailure(t *testing.T) {
	env := newTestEnv(t)
	env.api.rooms = []ChatRoom{{ID: "R1", Kind: RoomGroup, UnreadCount: 2}}
	conn := env.start(t)
	env.api.markReadErr = errNetwork

	wrote, err := env.s.MarkRead(context.Background(), "R1")
	require.False(t, wrote)
	var werr *WriteError
	require.True(t, errors.As(err, &werr))
	require.Equal(t, "mark-read", werr.Op)

	room, _ := env.s.Store().Room("R1")
	require.Equal(t, 2, room.UnreadCount, "unread survives a failed write")

	env.clock.Advance(time.Second)
	require.Empty(t, conn.sent(EventMarkRead))
	require.False(t, isClosed(env.s.Done()))

	// The attempt still counts against the cooldown.
	wrote, err = env.s.MarkRead(context.Background(), "R1")
	require.NoError(t, err)
	require.False(t, wrote)
}

func TestMarkReadAuthFailureTearsDown(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	env.api.markReadErr = ErrAuthExpired

	_, err := env.s.MarkRead(context.Background(), "R1")
	require.ErrorIs(t, err, ErrAuthExpired)
	require.True(t, isClosed(env.s.Done()))
	require.Equal(t, StateAuthInvalid, env.s.State())
}

func TestInboundMessagesRead(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	env.deliver(t, EventMessagesRead, map[string]any{"chatRoomId": "R1", "userId": "u2", "timestamp": "2026-03-02T08:59:00Z"})
	rc, ok := env.s.Store().Receipt("R1", "u2")
	require.True(t, ok)
	require.Equal(t, 8, rc.Timestamp.Hour())

	env.deliver(t, EventMessagesRead, map[string]any{"chatRoomId": "R1", "userId": "u2", "timestamp": "2026-03-02T08:00:00Z"})
	rc, _ = env.s.Store().Receipt("R1", "u2")
	require.Equal(t, 59, rc.Timestamp.Minute(), "older receipts do not move the mark back")

	env.deliver(t, EventMessagesRead, map[string]any{"chatRoomId": "R1", "userId": "u3"})
	rc, _ = env.s.Store().Receipt("R1", "u3")
	require.True(t, rc.Timestamp.Equal(env.clock.Now()))
}

func TestOpenRoomMarksReadAndAutoMarks(t *testing.T) {
	env := newTestEnv(t)
	env.api.rooms = []ChatRoom{{ID: "R1", Kind: RoomGroup}}
	env.api.history["R1"] = []*Message{{ID: "h1", RoomID: "R1", SenderID: "u2", CreatedAt: env.clock.Now().Add(-time.Minute)}}
	env.start(t)
	ctx := context.Background()

	require.NoError(t, env.s.OpenRoom(ctx, "R1"))
	require.Equal(t, 1, env.api.markReadCount())
	require.Equal(t, []string{"h1"}, ids(env.s.Store().Messages("R1")))

	env.clock.Advance(3 * time.Second)
	env.deliver(t, EventNewMessage, inbound("m1", "R1", "u2", env.clock.Now()))
	require.Eventually(t, func() bool { return env.api.markReadCount() == 2 }, time.Second, 5*time.Millisecond)

	// Messages for other rooms leave the open room's read state alone.
	env.clock.Advance(3 * time.Second)
	env.deliver(t, EventNewMessage, inbound("x1", "R9", "u2", env.clock.Now()))
	require.Never(t, func() bool { return env.api.markReadCount() != 2 }, 50*time.Millisecond, 5*time.Millisecond)
}
