package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake clock
// ============================================================================

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	when    time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{c: c, when: c.now.Add(d), seq: c.seq, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward, running due timers in order on the calling
// goroutine. Timers scheduled by those callbacks run too if they fall due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		live := c.timers[:0]
		for _, t := range c.timers {
			if t.stopped || t.fired {
				continue
			}
			live = append(live, t)
			if t.when.After(target) {
				continue
			}
			if next == nil || t.when.Before(next.when) || (t.when.Equal(next.when) && t.seq < next.seq) {
				next = t
			}
		}
		c.timers = live
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.when.After(c.now) {
			c.now = next.when
		}
		c.mu.Unlock()

		next.fn()
	}
}

// Pending counts timers that have neither fired nor been stopped.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ============================================================================
// Fake transport
// ============================================================================

type fakeTransport struct {
	mu     sync.Mutex
	errs   []error
	dials  int
	tokens []string
	conns  []*fakeConn
}

func (f *fakeTransport) Dial(ctx context.Context, baseURL, token string) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	f.tokens = append(f.tokens, token)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	c := newFakeConn()
	f.conns = append(f.conns, c)
	return c, nil
}

// failNext queues errors returned by the next dials, in order.
func (f *fakeTransport) failNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	readErr  error
	writeErr error
	written  []Envelope
	isClosed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.readErr != nil {
			return nil, c.readErr
		}
		return nil, fmt.Errorf("%w: closed", ErrTransientTransport)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return err
	}
	c.written = append(c.written, env)
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	c.isClosed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// push queues an inbound frame for the read loop.
func (c *fakeConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	frame, err := encodeEnvelope(event, payload)
	require.NoError(t, err)
	c.in <- frame
}

// drop simulates the server side going away with err.
func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *fakeConn) sent(event string) []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Envelope
	for _, e := range c.written {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeConn) closedByClient() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isClosed
}

// ============================================================================
// Fake REST API
// ============================================================================

type fakeAPI struct {
	clock *fakeClock

	mu           sync.Mutex
	rooms        []ChatRoom
	roomsErr     error
	roomsCalls   int
	roomsGate    chan struct{}
	createErr    error
	createBefore func(req *CreateMessageRequest)
	created      []CreateMessageRequest
	nextID       int
	markReads    []string
	markReadErr  error
	history      map[string][]*Message
	deleted      []string
}

func newFakeAPI(c *fakeClock) *fakeAPI {
	return &fakeAPI{clock: c, history: make(map[string][]*Message)}
}

func (f *fakeAPI) ListRooms(ctx context.Context) ([]ChatRoom, error) {
	f.mu.Lock()
	f.roomsCalls++
	gate := f.roomsGate
	rooms := append([]ChatRoom(nil), f.rooms...)
	err := f.roomsErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return rooms, err
}

func (f *fakeAPI) ListMessages(ctx context.Context, roomID string, page PageOptions) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Message
	for _, m := range f.history[roomID] {
		out = append(out, m.clone())
	}
	return out, nil
}

func (f *fakeAPI) CreateMessage(ctx context.Context, req *CreateMessageRequest) (*Message, error) {
	f.mu.Lock()
	hook := f.createBefore
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, *req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	return &Message{
		ID:          fmt.Sprintf("srv-%d", f.nextID),
		ClientID:    req.ClientID,
		RoomID:      req.RoomID,
		SenderID:    "u1",
		SenderName:  "Ada Lovelace",
		Content:     req.Content,
		Attachments: req.Attachments,
		CreatedAt:   f.clock.Now(),
	}, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, roomID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads = append(f.markReads, roomID)
	return f.markReadErr
}

func (f *fakeAPI) CreateRoom(ctx context.Context, req *CreateRoomRequest) (*ChatRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return &ChatRoom{
		ID:             fmt.Sprintf("room-%d", f.nextID),
		Kind:           req.Kind,
		TeamID:         req.TeamID,
		Name:           req.Name,
		ParticipantIDs: req.ParticipantIDs,
	}, nil
}

func (f *fakeAPI) UpdateRoom(ctx context.Context, roomID string, req *UpdateRoomRequest) (*ChatRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room := ChatRoom{ID: roomID, Kind: RoomGroup, ParticipantIDs: req.ParticipantIDs}
	if req.Name != nil {
		room.Name = *req.Name
	}
	return &room, nil
}

func (f *fakeAPI) DeleteRoom(ctx context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, roomID)
	return nil
}

func (f *fakeAPI) roomListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roomsCalls
}

func (f *fakeAPI) markReadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.markReads)
}

// ============================================================================
// Session harness
// ============================================================================

type testEnv struct {
	s         *Session
	clock     *fakeClock
	transport *fakeTransport
	api       *fakeAPI
	creds     *MemoryCredentials

	mu      sync.Mutex
	logouts []error
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func validToken(t *testing.T, c *fakeClock) string {
	return signToken(t, jwt.MapClaims{
		"sub":      "u1",
		"fullName": "Ada Lovelace",
		"exp":      c.Now().Add(time.Hour).Unix(),
	})
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	clk := newFakeClock()
	env := &testEnv{
		clock:     clk,
		transport: &fakeTransport{},
		api:       newFakeAPI(clk),
	}
	env.creds = NewMemoryCredentials(validToken(t, clk))

	cfg := Config{BaseURL: "http://chat.test"}
	for _, m := range mutate {
		m(&cfg)
	}

	s, err := NewSession(cfg, env.creds,
		WithAPI(env.api),
		WithTransport(env.transport),
		WithLogoutHandler(func(err error) {
			env.mu.Lock()
			env.logouts = append(env.logouts, err)
			env.mu.Unlock()
		}),
		withClock(clk),
	)
	require.NoError(t, err)
	env.s = s
	t.Cleanup(func() { _ = s.Close() })
	return env
}

// start connects and waits for the first-connect room fetch to land.
func (e *testEnv) start(t *testing.T) *fakeConn {
	t.Helper()
	require.NoError(t, e.s.Start(context.Background()))
	e.s.Refresh.Wait()
	conn := e.transport.last()
	require.NotNil(t, conn)
	return conn
}

// deliver decodes a frame and routes it synchronously, bypassing the read
// goroutine.
func (e *testEnv) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	frame, err := encodeEnvelope(event, payload)
	require.NoError(t, err)
	ev, err := DecodeInbound(frame)
	require.NoError(t, err)
	e.s.route(ev)
}

func (e *testEnv) logoutCauses() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.logouts...)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

var errNetwork = errors.New("network unreachable")
