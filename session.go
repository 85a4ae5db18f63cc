// Package chatsync keeps a client's view of chat rooms, messages, typing state
// and read receipts in sync with the server over a reconnecting websocket.
//
// Example:
//
//	creds := chatsync.NewMemoryCredentials(token)
//	s, err := chatsync.NewSession(chatsync.Config{BaseURL: "https://pm.example.com"}, creds)
//	if err != nil { ... }
//	defer s.Close()
//
//	_ = s.Start(ctx)
//	_ = s.OpenRoom(ctx, "R42")
//	msg, err := s.Send(ctx, "R42", "hi", nil)
package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Options
// ============================================================================

type options struct {
	log        *slog.Logger
	api        API
	transport  Transport
	registerer prometheus.Registerer
	onLogout   func(error)
	httpClient *http.Client
	clock      clock
}

// Option customises a Session.
type Option func(*options)

// WithLogger sets the structured logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithAPI replaces the REST collaborator.
func WithAPI(api API) Option {
	return func(o *options) { o.api = api }
}

// WithTransport replaces the realtime transport.
func WithTransport(t Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithRegisterer registers metrics on reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithLogoutHandler is called once when the session is torn down, with the
// cause (nil for an explicit Close).
func WithLogoutHandler(fn func(error)) Option {
	return func(o *options) { o.onLogout = fn }
}

// WithSessionHTTPClient sets the HTTP client used by the default API and
// transport.
func WithSessionHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func withClock(c clock) Option {
	return func(o *options) { o.clock = c }
}

// ============================================================================
// Session
// ============================================================================

// Session wires the sync components around one credential and one transport.
// Teardown is terminal: build a new Session after logging in again.
type Session struct {
	cfg     Config
	log     *slog.Logger
	metrics *Metrics
	creds   CredentialStore
	api     API
	clock   clock

	store   *Store
	limiter *RateLimiter
	guard   *TokenGuard
	conn    *ConnectionManager

	Rooms    *RoomTracker
	Messages *MessagePipeline
	Typing   *TypingCoordinator
	Receipts *ReadReceipts
	Refresh  *SilentRefresher

	onLogout func(error)
	closing  atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup

	idMu     sync.Mutex
	userID   string
	fullName string
}

// NewSession builds a session. Nothing touches the network until Start.
func NewSession(cfg Config, creds CredentialStore, opts ...Option) (*Session, error) {
	if creds == nil {
		return nil, errors.New("chatsync: credential store required")
	}
	cfg.defaults()

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = slog.New(slog.DiscardHandler)
	}
	if o.clock == nil {
		o.clock = realClock{}
	}
	if (o.api == nil || o.transport == nil) && cfg.BaseURL == "" {
		return nil, errors.New("chatsync: base URL required")
	}
	if o.api == nil {
		copts := []ClientOption{WithBaseURL(cfg.BaseURL)}
		if o.httpClient != nil {
			copts = append(copts, WithHTTPClient(o.httpClient))
		}
		o.api = NewClient(creds, copts...)
	}
	if o.transport == nil {
		o.transport = &WebSocketTransport{HTTPClient: o.httpClient}
	}

	s := &Session{
		cfg:      cfg,
		log:      o.log,
		metrics:  NewMetrics(o.registerer),
		creds:    creds,
		api:      o.api,
		clock:    o.clock,
		store:    NewStore(),
		onLogout: o.onLogout,
		done:     make(chan struct{}),
		userID:   cfg.UserID,
		fullName: cfg.FullName,
	}

	s.limiter = newRateLimiter(s.clock, cfg.RefreshCooldown)
	s.limiter.SetCooldown("read:", cfg.ReadCooldown)
	s.limiter.SetCooldown(refreshKey, cfg.RefreshCooldown)

	s.guard = newTokenGuard(creds, cfg.TokenLeeway, s.clock)
	s.guard.OnInvalid(s.teardown)

	s.conn = newConnectionManager(connDeps{
		cfg:       cfg,
		transport: o.transport,
		guard:     s.guard,
		clock:     s.clock,
		log:       s.log.With("component", "connection"),
		metrics:   s.metrics,
	})
	s.conn.setTeardownHook(s.teardown)

	s.Rooms = newRoomTracker(s.conn, s.log.With("component", "rooms"))
	s.Messages = newMessagePipeline(pipelineDeps{
		api:      s.api,
		store:    s.store,
		conn:     s.conn,
		guard:    s.guard,
		rooms:    s.Rooms,
		clock:    s.clock,
		log:      s.log.With("component", "messages"),
		metrics:  s.metrics,
		pageSize: cfg.HistoryPageSize,
		self:     s.identity,
	})
	s.Typing = newTypingCoordinator(typingDeps{
		conn:    s.conn,
		store:   s.store,
		guard:   s.guard,
		clock:   s.clock,
		log:     s.log.With("component", "typing"),
		metrics: s.metrics,
		self:    s.identity,
		teamOf:  s.teamOf,
		cfg:     cfg,
	})
	s.Receipts = newReadReceipts(receiptDeps{
		api:     s.api,
		store:   s.store,
		conn:    s.conn,
		guard:   s.guard,
		limiter: s.limiter,
		clock:   s.clock,
		log:     s.log.With("component", "receipts"),
		metrics: s.metrics,
		self:    s.identity,
		cfg:     cfg,
	})
	s.Refresh = newSilentRefresher(refreshDeps{
		api:     s.api,
		store:   s.store,
		limiter: s.limiter,
		clock:   s.clock,
		log:     s.log.With("component", "refresh"),
		metrics: s.metrics,
		cfg:     cfg,
	})

	s.conn.onInitialize(s.register)
	s.conn.onFirstConnect(s.Refresh.warm)
	return s, nil
}

// register installs the fixed inbound handler set. It runs once, from
// Initialize.
func (s *Session) register() {
	userID, fullName := s.identity()
	s.conn.setIdentity(userID, fullName)

	for _, kind := range []EventKind{KindNewMessage, KindTyping, KindMessagesRead, KindSilentRefresh} {
		s.conn.Subscribe(kind, s.route)
	}
	s.Typing.startSweep()
}

func (s *Session) route(ev InboundEvent) {
	switch e := ev.(type) {
	case NewMessageEvent:
		s.handleNewMessage(e)
	case TypingEvent:
		s.Typing.HandleTyping(e)
	case MessagesReadEvent:
		s.Receipts.HandleMessagesRead(e)
	case SilentRefreshEvent:
		s.handleSilentRefresh(e)
	default:
		s.metrics.anomaly()
		s.log.Warn("unhandled inbound event", "kind", ev.Kind().String())
	}
}

func (s *Session) handleNewMessage(e NewMessageEvent) {
	fresh := s.Messages.Receive(e.Message)
	userID, _ := s.identity()
	if !fresh || e.Message.SenderID == userID || !s.Rooms.IsActive(e.Message.RoomID) {
		return
	}

	if s.closing.Load() {
		return
	}
	roomID := e.Message.RoomID
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Receipts.MarkRead(s.conn.lifetime, roomID); err != nil {
			s.log.Debug("auto mark-read failed", "room", roomID, "err", err)
		}
	}()
}

func (s *Session) handleSilentRefresh(e SilentRefreshEvent) {
	switch e.Type {
	case RefreshDeleteMessage:
		s.Messages.HandleDeleteMessage(e.RoomID, e.MessageID)
	case RefreshClearChat:
		s.Messages.HandleClearChat(e.RoomID)
	default:
		s.Refresh.Handle(e)
	}
}

// identity returns the current user, resolving it from the token claims when
// the Config did not set it.
func (s *Session) identity() (string, string) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	if s.userID == "" {
		if id, name, err := s.guard.Identity(s.creds.Token()); err == nil {
			s.userID = id
			if s.fullName == "" {
				s.fullName = name
			}
		}
	}
	return s.userID, s.fullName
}

func (s *Session) teamOf(roomID string) (string, bool) {
	if teamID, ok := s.Rooms.TeamOf(roomID); ok {
		return teamID, true
	}
	if room, ok := s.store.Room(roomID); ok && room.Kind == RoomTeam {
		return room.TeamID, true
	}
	return "", false
}

// ── Lifecycle ────────────────────────────────────────────

// Start validates the token and connects. An error wrapping
// ErrTransientTransport means the first dial failed and retries are scheduled.
func (s *Session) Start(ctx context.Context) error {
	return s.conn.Initialize(ctx)
}

// Close tears the session down and waits for background work.
func (s *Session) Close() error {
	s.teardown(nil)
	s.wg.Wait()
	s.Refresh.Wait()
	return nil
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// teardown is the single exit path: credentials, timers, listeners, transport
// and cached state all go, then the logout handler runs.
func (s *Session) teardown(cause error) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}

	s.creds.Clear()
	s.Typing.Stop()
	s.Receipts.Stop()
	s.Refresh.Stop()
	s.Messages.stop()
	s.Rooms.reset()
	s.limiter.Reset()
	s.conn.close(cause)
	s.store.Reset()

	if cause != nil {
		s.log.Warn("session torn down", "err", cause)
	}
	close(s.done)
	if s.onLogout != nil {
		s.onLogout(cause)
	}
}

// ── Accessors ────────────────────────────────────────────

func (s *Session) Store() *Store { return s.store }

func (s *Session) State() ConnectionState { return s.conn.State() }

func (s *Session) Connection() *ConnectionManager { return s.conn }

func (s *Session) Metrics() *Metrics { return s.metrics }

func (s *Session) OnStateChange(h func(ConnectionState)) Unsubscribe {
	return s.conn.OnStateChange(h)
}

// UserID returns the current user's id.
func (s *Session) UserID() string {
	id, _ := s.identity()
	return id
}

// ── Operations ───────────────────────────────────────────

// OpenRoom makes roomID the active room, loads its newest page and marks it
// read.
func (s *Session) OpenRoom(ctx context.Context, roomID string) error {
	if err := s.Rooms.SwitchRoom(ctx, roomID); err != nil {
		return err
	}
	if _, err := s.Messages.LoadHistory(ctx, roomID, time.Time{}, 0); err != nil {
		return err
	}
	_, err := s.Receipts.MarkRead(ctx, roomID)
	return err
}

// Send posts a message optimistically.
func (s *Session) Send(ctx context.Context, roomID, content string, attachments []Attachment) (*Message, error) {
	return s.Messages.Send(ctx, roomID, content, attachments)
}

// SetTyping records local typing for a room.
func (s *Session) SetTyping(roomID string, isTyping bool) error {
	return s.Typing.SetTyping(roomID, isTyping)
}

// MarkRead marks a room read, subject to the cooldown.
func (s *Session) MarkRead(ctx context.Context, roomID string) (bool, error) {
	return s.Receipts.MarkRead(ctx, roomID)
}

// CreateRoom creates a room and adds it to the store.
func (s *Session) CreateRoom(ctx context.Context, req *CreateRoomRequest) (*ChatRoom, error) {
	if !s.guard.EnsureValid() {
		return nil, ErrAuthExpired
	}
	room, err := s.api.CreateRoom(ctx, req)
	if err != nil {
		return nil, s.writeFailure("create-room", "", err)
	}
	s.store.UpsertRoom(*room)
	return room, nil
}

// UpdateRoom patches a room and stores the result.
func (s *Session) UpdateRoom(ctx context.Context, roomID string, req *UpdateRoomRequest) (*ChatRoom, error) {
	if !s.guard.EnsureValid() {
		return nil, ErrAuthExpired
	}
	room, err := s.api.UpdateRoom(ctx, roomID, req)
	if err != nil {
		return nil, s.writeFailure("update-room", roomID, err)
	}
	s.store.UpsertRoom(*room)
	return room, nil
}

// DeleteRoom deletes a room, leaves it and drops it from the store.
func (s *Session) DeleteRoom(ctx context.Context, roomID string) error {
	if !s.guard.EnsureValid() {
		return ErrAuthExpired
	}
	if err := s.api.DeleteRoom(ctx, roomID); err != nil {
		return s.writeFailure("delete-room", roomID, err)
	}
	if err := s.Rooms.LeaveRoom(ctx, roomID); err != nil {
		s.log.Debug("leave after delete failed", "room", roomID, "err", err)
	}
	s.store.RemoveRoom(roomID)
	s.store.ClearMessages(roomID)
	return nil
}

func (s *Session) writeFailure(op, roomID string, err error) error {
	if errors.Is(err, ErrAuthExpired) {
		s.teardown(err)
	}
	return &WriteError{Op: op, RoomID: roomID, Err: err}
}
