package chatsync

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewSessionValidates(t *testing.T) {
	_, err := NewSession(Config{BaseURL: "http://chat.test"}, nil)
	require.Error(t, err)

	_, err = NewSession(Config{}, NewMemoryCredentials("tok"))
	require.Error(t, err, "default API and transport need a base URL")

	s, err := NewSession(Config{}, NewMemoryCredentials("tok"), WithAPI(newFakeAPI(newFakeClock())), WithTransport(&fakeTransport{}))
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestSessionIdentity(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, "u1", env.s.UserID())

	env = newTestEnv(t, func(c *Config) {
		c.UserID = "configured"
		c.FullName = "Configured User"
	})
	conn := env.start(t)
	require.Equal(t, "configured", env.s.UserID())
	require.JSONEq(t, `{"userId":"configured","fullName":"Configured User"}`, string(conn.sent(EventUserConnected)[0].Data))
}

func TestSessionCloseTearsEverythingDown(t *testing.T) {
	env := newTestEnv(t)
	env.api.rooms = []ChatRoom{{ID: "R1", Kind: RoomGroup}}
	conn := env.start(t)
	ctx := context.Background()

	require.NoError(t, env.s.OpenRoom(ctx, "R1"))
	require.NoError(t, env.s.SetTyping("R1", true))
	env.deliver(t, EventUserTyping, map[string]any{"chatRoomId": "R1", "userId": "u2", "isTyping": true})
	require.NotZero(t, env.clock.Pending())

	var changes []Change
	env.s.Store().Subscribe(func(c Change) { changes = append(changes, c) })

	require.NoError(t, env.s.Close())
	require.NoError(t, env.s.Close())

	require.True(t, isClosed(env.s.Done()))
	require.True(t, conn.closedByClient())
	require.Empty(t, env.creds.Token())
	require.Empty(t, env.s.Store().Rooms())
	require.Empty(t, env.s.Store().Typing("R1"))
	require.Empty(t, env.s.Rooms.ActiveRoom())
	require.Zero(t, env.clock.Pending(), "every timer is cancelled")
	require.Contains(t, changes, Change{Kind: ChangeReset})

	causes := env.logoutCauses()
	require.Len(t, causes, 1)
	require.NoError(t, causes[0])

	// Listeners are gone with the transport.
	conn.push(t, EventUserTyping, map[string]any{"chatRoomId": "R1", "userId": "u2", "isTyping": true})
	require.Never(t, func() bool { return len(env.s.Store().Typing("R1")) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSessionExpiredTokenOnWrite(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	// Token lifetime is one hour.
	env.clock.Advance(2 * time.Hour)

	_, err := env.s.Send(context.Background(), "R1", "late", nil)
	require.ErrorIs(t, err, ErrAuthExpired)
	require.True(t, isClosed(env.s.Done()))
	require.Empty(t, env.api.created, "no network call with an expired token")
	require.Equal(t, StateAuthInvalid, env.s.State())
}

func TestSessionExpiredTokenOnReconnect(t *testing.T) {
	env := newTestEnv(t)
	conn := env.start(t)

	env.clock.Advance(2 * time.Hour)
	conn.drop(errNetwork)
	require.Eventually(t, env.s.Connection().ReconnectPending, time.Second, 5*time.Millisecond)

	env.clock.Advance(time.Second)
	require.True(t, isClosed(env.s.Done()))
	require.Equal(t, 1, env.transport.dialCount())
}

func TestSessionRoomOperations(t *testing.T) {
	env := newTestEnv(t)
	conn := env.start(t)
	ctx := context.Background()

	room, err := env.s.CreateRoom(ctx, &CreateRoomRequest{Kind: RoomGroup, Name: "design", ParticipantIDs: []string{"u1", "u2"}})
	require.NoError(t, err)
	stored, ok := env.s.Store().Room(room.ID)
	require.True(t, ok)
	require.Equal(t, "design", stored.Name)

	name := "design-review"
	_, err = env.s.UpdateRoom(ctx, room.ID, &UpdateRoomRequest{Name: &name})
	require.NoError(t, err)
	stored, _ = env.s.Store().Room(room.ID)
	require.Equal(t, "design-review", stored.Name)

	require.NoError(t, env.s.OpenRoom(ctx, room.ID))
	require.NoError(t, env.s.DeleteRoom(ctx, room.ID))
	_, ok = env.s.Store().Room(room.ID)
	require.False(t, ok)
	require.Equal(t, []string{room.ID}, env.api.deleted)
	require.Len(t, conn.sent(EventLeaveRoom), 1)
	require.Empty(t, env.s.Rooms.ActiveRoom())
}

func TestSessionMetricsRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	env := newTestEnv(t)
	s, err := NewSession(Config{BaseURL: "http://chat.test"}, NewMemoryCredentials(validToken(t, env.clock)),
		WithAPI(env.api), WithTransport(env.transport), WithRegisterer(reg), withClock(env.clock))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Start(context.Background()))
	s.Refresh.Wait()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	require.Contains(t, names, "chatsync_connection_attempts_total")
}
