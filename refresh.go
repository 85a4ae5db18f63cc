package chatsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const refreshKey = "silent-refresh"

// SilentRefresher re-fetches the room list in the background when another
// client changes room lifecycle state. Everything else that arrives as a
// silent-refresh is left to narrower handlers so a refresh can never feed
// itself.
type SilentRefresher struct {
	api     API
	store   *Store
	limiter *RateLimiter
	clock   clock
	log     *slog.Logger
	metrics *Metrics
	latch   time.Duration

	group singleflight.Group
	wg    sync.WaitGroup

	mu         sync.Mutex
	inProgress bool
	latchGen   uint64
	latchTimer timer
	stopped    bool
	ctx        context.Context
	cancel     context.CancelFunc
}

type refreshDeps struct {
	api     API
	store   *Store
	limiter *RateLimiter
	clock   clock
	log     *slog.Logger
	metrics *Metrics
	cfg     Config
}

func newSilentRefresher(d refreshDeps) *SilentRefresher {
	ctx, cancel := context.WithCancel(context.Background())
	return &SilentRefresher{
		api:     d.api,
		store:   d.store,
		limiter: d.limiter,
		clock:   d.clock,
		log:     d.log,
		metrics: d.metrics,
		latch:   d.cfg.RefreshLatch,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// triggersRefresh is the allow-list of invalidations that re-fetch rooms.
func triggersRefresh(t RefreshType) bool {
	switch t {
	case RefreshNewChatRoom, RefreshDeleteChatRoom, RefreshUpdateChatRoom:
		return true
	}
	return false
}

// Handle reacts to one invalidation. It reports whether a fetch was started.
func (r *SilentRefresher) Handle(ev SilentRefreshEvent) bool {
	if !triggersRefresh(ev.Type) {
		switch ev.Type {
		case RefreshMarkRead, RefreshMessagesRead, RefreshClearChat, RefreshDeleteMessage:
		default:
			r.log.Debug("ignoring unknown silent-refresh type", "type", ev.Type)
		}
		r.metrics.silentRefresh("ignored")
		return false
	}

	r.mu.Lock()
	if r.stopped || r.inProgress || !r.limiter.TryAcquire(refreshKey) {
		r.mu.Unlock()
		r.metrics.silentRefresh("suppressed")
		return false
	}
	r.inProgress = true
	r.latchGen++
	gen := r.latchGen
	r.latchTimer = r.clock.AfterFunc(r.latch, func() { r.release(gen) })
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer r.release(gen)

		ctx, cancel := context.WithTimeout(r.ctx, r.latch)
		defer cancel()
		if err := r.fetch(ctx); err != nil {
			r.metrics.silentRefresh("failed")
			r.log.Warn("silent refresh failed", "type", ev.Type, "err", err)
			return
		}
		r.metrics.silentRefresh("fetched")
	}()
	return true
}

func (r *SilentRefresher) release(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.latchGen || !r.inProgress {
		return
	}
	r.inProgress = false
	if r.latchTimer != nil {
		r.latchTimer.Stop()
		r.latchTimer = nil
	}
}

// Refresh fetches the room list now, sharing any fetch already in flight.
func (r *SilentRefresher) Refresh(ctx context.Context) error {
	return r.fetch(ctx)
}

// warm runs the first-connect room-list fetch in the background.
func (r *SilentRefresher) warm() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if err := r.fetch(r.ctx); err != nil {
			r.log.Warn("room list warm-up failed", "err", err)
		}
	}()
}

func (r *SilentRefresher) fetch(ctx context.Context) error {
	_, err, _ := r.group.Do("rooms", func() (any, error) {
		rooms, err := r.api.ListRooms(ctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		stopped := r.stopped
		r.mu.Unlock()
		if !stopped {
			r.store.SetRooms(rooms)
		}
		return nil, nil
	})
	return err
}

// InProgress reports whether the refresh latch is held.
func (r *SilentRefresher) InProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inProgress
}

// Wait blocks until background fetches have returned.
func (r *SilentRefresher) Wait() {
	r.wg.Wait()
}

// Stop cancels in-flight fetches and the latch timer.
func (r *SilentRefresher) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.inProgress = false
	if r.latchTimer != nil {
		r.latchTimer.Stop()
		r.latchTimer = nil
	}
	r.mu.Unlock()
	r.cancel()
}
