package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Event dispatcher
// ============================================================================

type eventDispatcher struct {
	mu     sync.RWMutex
	next   uint64
	byKind map[EventKind]map[uint64]func(InboundEvent)
	state  map[uint64]func(ConnectionState)
	once   map[uint64]func()
	log    *slog.Logger
}

func newEventDispatcher(log *slog.Logger) *eventDispatcher {
	return &eventDispatcher{
		byKind: make(map[EventKind]map[uint64]func(InboundEvent)),
		state:  make(map[uint64]func(ConnectionState)),
		once:   make(map[uint64]func()),
		log:    log,
	}
}

func (d *eventDispatcher) add(register func(id uint64)) Unsubscribe {
	d.mu.Lock()
	id := d.next
	d.next++
	register(id)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			for _, hs := range d.byKind {
				delete(hs, id)
			}
			delete(d.state, id)
			delete(d.once, id)
			d.mu.Unlock()
		})
	}
}

// dispatch runs handlers on the read goroutine so per-connection order holds.
func (d *eventDispatcher) dispatch(ev InboundEvent) {
	d.mu.RLock()
	hs := d.byKind[ev.Kind()]
	handlers := make([]func(InboundEvent), 0, len(hs))
	for _, h := range hs {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		d.safely("inbound handler", func() { h(ev) })
	}
}

func (d *eventDispatcher) emitState(s ConnectionState) {
	d.mu.RLock()
	handlers := make([]func(ConnectionState), 0, len(d.state))
	for _, h := range d.state {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		d.safely("state handler", func() { h(s) })
	}
}

func (d *eventDispatcher) fireOnce() {
	d.mu.Lock()
	handlers := make([]func(), 0, len(d.once))
	for id, h := range d.once {
		handlers = append(handlers, h)
		delete(d.once, id)
	}
	d.mu.Unlock()

	for _, h := range handlers {
		d.safely("connected listener", h)
	}
}

func (d *eventDispatcher) removeAll() {
	d.mu.Lock()
	d.byKind = make(map[EventKind]map[uint64]func(InboundEvent))
	d.state = make(map[uint64]func(ConnectionState))
	d.once = make(map[uint64]func())
	d.mu.Unlock()
}

func (d *eventDispatcher) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("recovered panic in "+what, "panic", r)
		}
	}()
	fn()
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single realtime transport: authentication,
// connect/disconnect, bounded reconnection and teardown. Every other component
// goes through it to emit or subscribe.
type ConnectionManager struct {
	cfg       Config
	transport Transport
	guard     *TokenGuard
	clock     clock
	log       *slog.Logger
	metrics   *Metrics
	events    *eventDispatcher

	lifetime context.Context
	cancel   context.CancelFunc

	mu             sync.Mutex
	state          ConnectionState
	initialized    bool
	tornDown       bool
	intentional    bool
	conn           Conn
	connCancel     context.CancelFunc
	gen            uint64
	attempts       int
	everConnected  bool
	reconnectTimer timer
	identity       identityPayload

	initHooks    []func()
	firstConnect func()
	onTeardown   func(error)
}

type connDeps struct {
	cfg       Config
	transport Transport
	guard     *TokenGuard
	clock     clock
	log       *slog.Logger
	metrics   *Metrics
}

func newConnectionManager(d connDeps) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionManager{
		cfg:       d.cfg,
		transport: d.transport,
		guard:     d.guard,
		clock:     d.clock,
		log:       d.log,
		metrics:   d.metrics,
		events:    newEventDispatcher(d.log),
		lifetime:  ctx,
		cancel:    cancel,
		state:     StateDisconnected,
	}
}

// ── Registration ─────────────────────────────────────────

// Subscribe registers a handler for one inbound event kind.
func (m *ConnectionManager) Subscribe(kind EventKind, h func(InboundEvent)) Unsubscribe {
	return m.events.add(func(id uint64) {
		hs := m.events.byKind[kind]
		if hs == nil {
			hs = make(map[uint64]func(InboundEvent))
			m.events.byKind[kind] = hs
		}
		hs[id] = h
	})
}

// OnStateChange registers a handler for connection state transitions.
func (m *ConnectionManager) OnStateChange(h func(ConnectionState)) Unsubscribe {
	return m.events.add(func(id uint64) { m.events.state[id] = h })
}

// OnceConnected runs h a single time on the next successful connect.
func (m *ConnectionManager) OnceConnected(h func()) Unsubscribe {
	return m.events.add(func(id uint64) { m.events.once[id] = h })
}

func (m *ConnectionManager) onInitialize(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initHooks = append(m.initHooks, fn)
}

func (m *ConnectionManager) onFirstConnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firstConnect = fn
}

func (m *ConnectionManager) setTeardownHook(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTeardown = fn
}

func (m *ConnectionManager) setIdentity(userID, fullName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = identityPayload{UserID: userID, FullName: fullName}
}

// ── State ────────────────────────────────────────────────

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether a live transport is available.
func (m *ConnectionManager) Connected() bool {
	return m.State() == StateConnected
}

// Attempts returns the current consecutive reconnect attempt count.
func (m *ConnectionManager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// ReconnectPending reports whether a backoff timer is waiting to redial.
func (m *ConnectionManager) ReconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectTimer != nil
}

func (m *ConnectionManager) setState(s ConnectionState) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if changed {
		m.events.emitState(s)
	}
}

// ── Lifecycle ────────────────────────────────────────────

// Initialize validates the token, runs the one-time setup hooks and connects.
// Later calls return nil without touching listeners or the transport.
func (m *ConnectionManager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	hooks := m.initHooks
	m.initHooks = nil
	m.mu.Unlock()

	if !m.guard.EnsureValid() {
		return ErrAuthExpired
	}
	for _, h := range hooks {
		h()
	}
	return m.connect(ctx)
}

// Connect makes sure a transport is live or on its way. While a backoff timer
// is pending it leaves the retry schedule alone.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	initialized, torn, pending := m.initialized, m.tornDown, m.reconnectTimer != nil
	m.mu.Unlock()

	switch {
	case torn:
		return ErrSessionClosed
	case !initialized:
		return m.Initialize(ctx)
	case pending:
		return nil
	}
	return m.connect(ctx)
}

func (m *ConnectionManager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.intentional = false
	m.mu.Unlock()
	m.events.emitState(StateConnecting)

	token := m.guard.Token()
	if !m.guard.IsValid(token) {
		m.metrics.connectionAttempt("auth")
		m.Teardown(ErrAuthExpired)
		return ErrAuthExpired
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.transport.Dial(dialCtx, m.cfg.BaseURL, token)
	cancel()
	if err != nil {
		return m.handleFailure(err)
	}

	m.mu.Lock()
	if m.tornDown || m.intentional {
		m.mu.Unlock()
		_ = conn.Close("session closed")
		return ErrSessionClosed
	}
	connCtx, connCancel := context.WithCancel(m.lifetime)
	m.conn = conn
	m.connCancel = connCancel
	m.gen++
	gen := m.gen
	m.attempts = 0
	m.state = StateConnected
	first := !m.everConnected
	m.everConnected = true
	identity := m.identity
	warm := m.firstConnect
	m.mu.Unlock()

	m.metrics.connectionAttempt("connected")
	m.log.Info("realtime connected", "first", first)

	go m.readLoop(connCtx, conn, gen)

	if identity.UserID != "" {
		if err := m.Emit(connCtx, EventUserConnected, identity); err != nil {
			m.log.Warn("identity announcement failed", "err", err)
		}
	}
	m.events.emitState(StateConnected)
	m.events.fireOnce()
	if first && warm != nil {
		warm()
	}
	return nil
}

// handleFailure classifies a dial or read failure and either schedules the
// next attempt or tears the session down.
func (m *ConnectionManager) handleFailure(cause error) error {
	if errors.Is(cause, ErrAuthExpired) {
		m.metrics.connectionAttempt("auth")
		m.log.Warn("realtime authentication rejected", "err", cause)
		m.Teardown(cause)
		return cause
	}
	m.metrics.connectionAttempt("transient")

	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	m.attempts++
	attempt := m.attempts
	if attempt > m.cfg.MaxReconnectAttempts {
		m.mu.Unlock()
		err := fmt.Errorf("%w: giving up after %d reconnect attempts: %v", ErrTransientTransport, attempt-1, cause)
		m.log.Error("realtime reconnect limit reached", "attempts", attempt-1, "err", cause)
		m.Teardown(err)
		return err
	}
	delay := m.cfg.ReconnectBaseDelay * time.Duration(attempt)
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = m.clock.AfterFunc(delay, m.reconnect)
	m.mu.Unlock()

	m.log.Warn("realtime connection failed, retrying", "attempt", attempt, "delay", delay, "err", cause)
	m.setState(StateDisconnected)

	if errors.Is(cause, ErrTransientTransport) {
		return cause
	}
	return fmt.Errorf("%w: %v", ErrTransientTransport, cause)
}

func (m *ConnectionManager) reconnect() {
	m.mu.Lock()
	m.reconnectTimer = nil
	skip := m.tornDown || m.intentional
	m.mu.Unlock()
	if skip {
		return
	}
	if !m.guard.EnsureValid() {
		return
	}
	_ = m.connect(m.lifetime)
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			m.handleDisconnect(gen, err)
			return
		}

		ev, err := DecodeInbound(frame)
		if err != nil {
			m.metrics.anomaly()
			m.log.Warn("dropping inbound frame", "err", err)
			continue
		}
		m.metrics.inbound(ev.Kind())
		m.events.dispatch(ev)
	}
}

func (m *ConnectionManager) handleDisconnect(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil || m.intentional || m.tornDown {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.mu.Unlock()

	m.log.Warn("realtime connection lost", "err", cause)
	_ = m.handleFailure(cause)
}

// Emit writes one event frame.
func (m *ConnectionManager) Emit(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	return conn.Write(ctx, frame)
}

// Disconnect closes the transport on purpose. No reconnect is scheduled and
// Connect may be called again later.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	m.intentional = true
	m.attempts = 0
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.conn = nil
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.mu.Unlock()

	m.setState(StateDisconnected)
	if conn != nil {
		return conn.Close("client disconnect")
	}
	return nil
}

// Teardown ends the session for good. With a session attached the session
// runs its full cleanup, which in turn closes the manager.
func (m *ConnectionManager) Teardown(cause error) {
	m.mu.Lock()
	hook := m.onTeardown
	m.mu.Unlock()

	if hook != nil {
		hook(cause)
		return
	}
	m.close(cause)
}

// close releases the transport, timers and listeners. Idempotent.
func (m *ConnectionManager) close(cause error) {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return
	}
	m.tornDown = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn := m.conn
	m.conn = nil
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	final := StateDisconnected
	if errors.Is(cause, ErrAuthExpired) {
		final = StateAuthInvalid
	}
	m.mu.Unlock()

	m.cancel()
	if conn != nil {
		_ = conn.Close("session teardown")
	}
	m.setState(final)
	m.events.removeAll()

	m.metrics.teardown(teardownCause(cause))
	m.log.Info("realtime session torn down", "err", cause)
}

func teardownCause(err error) string {
	switch {
	case errors.Is(err, ErrAuthExpired):
		return "auth"
	case errors.Is(err, ErrTransientTransport):
		return "reconnect_exhausted"
	default:
		return "logout"
	}
}
