package chatsync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newMessageEnv(t *testing.T) (*testEnv, *fakeConn) {
	t.Helper()
	env := newTestEnv(t)
	env.api.rooms = []ChatRoom{
		{ID: "R1", Kind: RoomGroup, UpdatedAt: env.clock.Now().Add(-time.Hour)},
		{ID: "R2", Kind: RoomDirect, UpdatedAt: env.clock.Now().Add(-time.Hour)},
	}
	conn := env.start(t)
	require.NoError(t, env.s.Rooms.SwitchRoom(context.Background(), "R1"))
	return env, conn
}

func inbound(id, room, sender string, at time.Time) map[string]any {
	return map[string]any{
		"_id":       id,
		"chatRoom":  room,
		"sender":    map[string]any{"_id": sender, "fullName": "Grace Hopper"},
		"content":   "msg " + id,
		"createdAt": at.Format(time.RFC3339Nano),
	}
}

func TestSendOptimisticReplace(t *testing.T) {
	env, conn := newMessageEnv(t)
	store := env.s.Store()
	now := env.clock.Now()

	store.InsertMessage(&Message{ID: "h1", RoomID: "R1", SenderID: "u2", CreatedAt: now.Add(-time.Minute)})
	store.InsertMessage(&Message{ID: "h2", RoomID: "R1", SenderID: "u2", CreatedAt: now.Add(time.Second)})

	var during []Message
	env.api.createBefore = func(req *CreateMessageRequest) {
		during = store.Messages("R1")
		// The server stamps its own time.
		env.clock.Advance(5 * time.Second)
	}

	msg, err := env.s.Send(context.Background(), "R1", "hi", nil)
	require.NoError(t, err)

	require.Len(t, during, 3, "pending entry is visible before the write returns")
	temp := during[1]
	require.True(t, temp.IsTemporary())
	require.Equal(t, DeliveryPending, temp.DeliveryState)
	require.Equal(t, "u1", temp.SenderID)
	require.NotEmpty(t, temp.ClientID)

	require.Equal(t, "srv-1", msg.ID)
	require.Equal(t, DeliverySent, msg.DeliveryState)
	require.Equal(t, temp.ClientID, msg.ClientID)

	after := store.Messages("R1")
	require.Equal(t, []string{"h1", "srv-1", "h2"}, ids(after), "count unchanged and position kept")

	room, ok := store.Room("R1")
	require.True(t, ok)
	require.Equal(t, "srv-1", room.LastMessage.ID)

	broadcast := conn.sent(EventSendMessage)
	require.Len(t, broadcast, 1)
	require.Contains(t, string(broadcast[0].Data), `"srv-1"`)
	require.Equal(t, 1.0, testutil.ToFloat64(env.s.Metrics().MessagesSent.WithLabelValues("acked")))
}

func TestSendRollsBackOnFailure(t *testing.T) {
	env, conn := newMessageEnv(t)
	store := env.s.Store()
	store.InsertMessage(&Message{ID: "h1", RoomID: "R1", SenderID: "u2", CreatedAt: env.clock.Now().Add(-time.Minute)})

	env.api.createErr = errNetwork
	before := len(store.Messages("R1"))

	msg, err := env.s.Send(context.Background(), "R1", "hi", nil)
	require.Nil(t, msg)

	var werr *WriteError
	require.True(t, errors.As(err, &werr))
	require.Equal(t, "send", werr.Op)
	require.Equal(t, "R1", werr.RoomID)
	require.ErrorIs(t, err, errNetwork)

	require.Len(t, store.Messages("R1"), before)
	require.Len(t, env.api.created, 1, "no automatic retry")
	require.Empty(t, conn.sent(EventSendMessage))
	require.False(t, isClosed(env.s.Done()), "transient failures keep the session")
}

func TestSendWhileOfflineLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	env.api.rooms = []ChatRoom{{ID: "R42", Kind: RoomGroup}}
	conn := env.start(t)
	require.NoError(t, env.s.Rooms.SwitchRoom(context.Background(), "R42"))

	conn.drop(errNetwork)
	require.Eventually(t, func() bool { return env.s.State() == StateDisconnected }, time.Second, 5*time.Millisecond)

	env.api.createErr = errNetwork
	var during int
	env.api.createBefore = func(*CreateMessageRequest) { during = len(env.s.Store().Messages("R42")) }

	_, err := env.s.Send(context.Background(), "R42", "hi", nil)
	require.Error(t, err)
	require.Equal(t, 1, during)
	require.Empty(t, env.s.Store().Messages("R42"))
}

func TestSendAuthFailureTearsDown(t *testing.T) {
	env, _ := newMessageEnv(t)
	env.api.createErr = ErrAuthExpired

	_, err := env.s.Send(context.Background(), "R1", "hi", nil)
	require.ErrorIs(t, err, ErrAuthExpired)
	require.True(t, isClosed(env.s.Done()))
	require.Empty(t, env.s.Store().Rooms())

	_, err = env.s.Send(context.Background(), "R1", "again", nil)
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestSendValidatesInput(t *testing.T) {
	env, _ := newMessageEnv(t)

	_, err := env.s.Send(context.Background(), "", "hi", nil)
	require.Error(t, err)
	_, err = env.s.Send(context.Background(), "R1", "   ", nil)
	require.Error(t, err)
	require.Empty(t, env.api.created)

	msg, err := env.s.Send(context.Background(), "R1", "", []Attachment{{URL: "https://cdn.test/a.png", Name: "a.png"}})
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
}

func TestSendEchoBeforeAck(t *testing.T) {
	env, _ := newMessageEnv(t)

	env.api.createBefore = func(req *CreateMessageRequest) {
		echo := inbound("srv-1", "R1", "u1", env.clock.Now())
		echo["clientId"] = req.ClientID
		env.deliver(t, EventNewMessage, echo)
	}

	msg, err := env.s.Send(context.Background(), "R1", "hi", nil)
	require.NoError(t, err)
	require.Equal(t, "srv-1", msg.ID)

	msgs := env.s.Store().Messages("R1")
	require.Equal(t, []string{"srv-1"}, ids(msgs), "echo and ack reconcile to one entry")
	require.Zero(t, env.api.markReadCount(), "own echo does not trigger mark-read")
}

func TestSendEchoAfterAck(t *testing.T) {
	env, _ := newMessageEnv(t)

	msg, err := env.s.Send(context.Background(), "R1", "hi", nil)
	require.NoError(t, err)

	echo := inbound(msg.ID, "R1", "u1", msg.CreatedAt)
	echo["clientId"] = msg.ClientID
	env.deliver(t, EventNewMessage, echo)

	require.Equal(t, []string{"srv-1"}, ids(env.s.Store().Messages("R1")))
}

func TestSendTempIDsAreUnique(t *testing.T) {
	env, _ := newMessageEnv(t)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := env.s.Messages.tempID(env.clock.Now())
		require.True(t, strings.HasPrefix(id, TempIDPrefix))
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestReceiveOrdersByCreatedAt(t *testing.T) {
	env, _ := newMessageEnv(t)
	now := env.clock.Now()

	env.deliver(t, EventNewMessage, inbound("m3", "R1", "u2", now.Add(3*time.Second)))
	env.deliver(t, EventNewMessage, inbound("m1", "R1", "u2", now.Add(1*time.Second)))
	env.deliver(t, EventNewMessage, inbound("m2", "R1", "u3", now.Add(2*time.Second)))
	env.deliver(t, EventNewMessage, inbound("m2", "R1", "u3", now.Add(2*time.Second)))

	require.Equal(t, []string{"m1", "m2", "m3"}, ids(env.s.Store().Messages("R1")))
	room, _ := env.s.Store().Room("R1")
	require.Equal(t, "m3", room.LastMessage.ID)
	require.Zero(t, room.UnreadCount, "active room does not accumulate unread")
}

func TestReceiveInactiveRoomCountsUnread(t *testing.T) {
	env, _ := newMessageEnv(t)
	now := env.clock.Now()

	env.deliver(t, EventNewMessage, inbound("x1", "R2", "u2", now))
	env.deliver(t, EventNewMessage, inbound("x1", "R2", "u2", now))
	env.deliver(t, EventNewMessage, inbound("x2", "R2", "u1", now.Add(time.Second)))

	room, ok := env.s.Store().Room("R2")
	require.True(t, ok)
	require.Equal(t, 1, room.UnreadCount, "duplicates and own messages are not counted")
	require.Equal(t, "x2", room.LastMessage.ID)
	require.Empty(t, env.s.Store().Messages("R2"), "inactive rooms are not populated")
	require.Equal(t, "R2", env.s.Store().Rooms()[0].ID)
}

func TestReceiveDropsUnusableMessages(t *testing.T) {
	env, _ := newMessageEnv(t)

	require.False(t, env.s.Messages.Receive(nil))
	require.False(t, env.s.Messages.Receive(&Message{ID: "temp-abc", RoomID: "R1"}))
	require.Empty(t, env.s.Store().Messages("R1"))
}

func TestLoadHistoryMerges(t *testing.T) {
	env, _ := newMessageEnv(t)
	now := env.clock.Now()
	env.api.history["R1"] = []*Message{
		{ID: "a", RoomID: "R1", SenderID: "u2", CreatedAt: now.Add(-3 * time.Minute)},
		{ID: "b", SenderID: "u2", CreatedAt: now.Add(-2 * time.Minute)},
		{ID: "c", RoomID: "R1", SenderID: "u3", CreatedAt: now.Add(-time.Minute)},
	}
	env.deliver(t, EventNewMessage, inbound("c", "R1", "u3", now.Add(-time.Minute)))

	n, err := env.s.Messages.LoadHistory(context.Background(), "R1", time.Time{}, 0)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"a", "b", "c"}, ids(env.s.Store().Messages("R1")))

	n, err = env.s.Messages.LoadHistory(context.Background(), "R1", now.Add(-3*time.Minute), 10)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSilentRefreshNarrowInvalidations(t *testing.T) {
	env, _ := newMessageEnv(t)
	now := env.clock.Now()
	env.deliver(t, EventNewMessage, inbound("m1", "R1", "u2", now))
	env.deliver(t, EventNewMessage, inbound("m2", "R1", "u2", now.Add(time.Second)))

	env.deliver(t, EventSilentRefresh, map[string]any{"type": "delete-message", "messageId": "m1"})
	require.Equal(t, []string{"m2"}, ids(env.s.Store().Messages("R1")))

	env.deliver(t, EventSilentRefresh, map[string]any{"type": "clear-chat", "chatRoomId": "R1"})
	require.Empty(t, env.s.Store().Messages("R1"))
	room, _ := env.s.Store().Room("R1")
	require.Nil(t, room.LastMessage)

	require.Equal(t, 1, env.api.roomListCalls(), "narrow invalidations never re-fetch rooms")
}
