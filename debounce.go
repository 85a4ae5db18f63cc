package chatsync

import (
	"sync"
	"time"
)

// debouncer runs at most one pending callback per key after a fixed delay.
type debouncer struct {
	mu      sync.Mutex
	clock   clock
	delay   time.Duration
	pending map[string]*pendingCall
	stopped bool
}

type pendingCall struct {
	t  timer
	fn func()
}

func newDebouncer(c clock, delay time.Duration) *debouncer {
	return &debouncer{
		clock:   c,
		delay:   delay,
		pending: make(map[string]*pendingCall),
	}
}

// Trigger restarts the window for key; fn runs once the key has been quiet
// for the full delay.
func (d *debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if p, ok := d.pending[key]; ok {
		p.t.Stop()
	}
	d.scheduleLocked(key, fn)
}

// Coalesce opens a window for key if none is open, otherwise only swaps the
// callback. The first call of a burst fixes the firing time.
func (d *debouncer) Coalesce(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if p, ok := d.pending[key]; ok {
		p.fn = fn
		return
	}
	d.scheduleLocked(key, fn)
}

func (d *debouncer) scheduleLocked(key string, fn func()) {
	p := &pendingCall{fn: fn}
	p.t = d.clock.AfterFunc(d.delay, func() { d.fire(key, p) })
	d.pending[key] = p
}

func (d *debouncer) fire(key string, p *pendingCall) {
	d.mu.Lock()
	if d.pending[key] != p {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	fn := p.fn
	d.mu.Unlock()

	fn()
}

// Cancel drops the pending callback for key.
func (d *debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[key]
	if !ok {
		return false
	}
	p.t.Stop()
	delete(d.pending, key)
	return true
}

// Pending reports whether key has a callback waiting.
func (d *debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Stop cancels everything and rejects new work.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, p := range d.pending {
		p.t.Stop()
		delete(d.pending, key)
	}
}

// Reset cancels everything but keeps accepting work.
func (d *debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, p := range d.pending {
		p.t.Stop()
		delete(d.pending, key)
	}
}
