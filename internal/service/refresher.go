package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/moments/internal/repository"
)

// RefresherConfig bounds the refresh queue.
type RefresherConfig struct {
	BatchSize int           // flush when this many tokens are pending
	Delay     time.Duration // flush at least this often
	Capacity  int           // pending tokens beyond this are dropped
}

// SessionRefresher batches session refreshes off the request path.
// A batch is flushed on size or time, whichever comes first; tokens whose
// refresh failed are queued again.
type SessionRefresher struct {
	store   repository.Store
	cfg     RefresherConfig
	log     *zap.Logger
	observe func(ok bool)

	mu      sync.Mutex
	pending []string
	queued  map[string]struct{}

	kick chan struct{}
}

var _ Enqueuer = (*SessionRefresher)(nil)

// NewSessionRefresher constructs a refresher; call Run to start flushing.
func NewSessionRefresher(store repository.Store, cfg RefresherConfig, log *zap.Logger) *SessionRefresher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 30 * time.Second
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	return &SessionRefresher{
		store:  store,
		cfg:    cfg,
		log:    log,
		queued: make(map[string]struct{}),
		kick:   make(chan struct{}, 1),
	}
}

// OnRefresh registers a callback invoked per attempted refresh.
func (r *SessionRefresher) OnRefresh(fn func(ok bool)) { r.observe = fn }

// Enqueue schedules a refresh. It reports false when the queue is full.
func (r *SessionRefresher) Enqueue(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enqueueLocked(token, true)
}

// enqueueLocked appends token; a full batch wakes Run only when kick is set.
func (r *SessionRefresher) enqueueLocked(token string, kick bool) bool {
	if _, ok := r.queued[token]; ok {
		return true
	}
	if len(r.pending) >= r.cfg.Capacity {
		r.log.Warn("session refresh queue full, dropping token")
		return false
	}
	r.pending = append(r.pending, token)
	r.queued[token] = struct{}{}
	if kick && len(r.pending) >= r.cfg.BatchSize {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
	return true
}

// Pending returns the queue length.
func (r *SessionRefresher) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Run flushes until ctx is done, then drains the queue once more.
func (r *SessionRefresher) Run(ctx context.Context) {
	t := time.NewTicker(r.cfg.Delay)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			r.Flush(drainCtx)
			cancel()
			return
		case <-t.C:
			r.Flush(ctx)
		case <-r.kick:
			r.Flush(ctx)
		}
	}
}

// Flush refreshes every pending token and returns how many succeeded.
func (r *SessionRefresher) Flush(ctx context.Context) int {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.queued = make(map[string]struct{})
	r.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	var failed []string
	done := 0
	for _, tok := range batch {
		ok, err := r.store.UpdateSession(ctx, tok)
		if err != nil {
			failed = append(failed, tok)
			r.record(false)
			continue
		}
		if ok {
			done++
		}
		r.record(true)
	}

	if len(failed) > 0 {
		r.log.Warn("session refresh batch partially failed",
			zap.Int("batch", len(batch)),
			zap.Int("failed", len(failed)),
		)
		r.mu.Lock()
		for _, tok := range failed {
			r.enqueueLocked(tok, false)
		}
		r.mu.Unlock()
	}
	return done
}

func (r *SessionRefresher) record(ok bool) {
	if r.observe != nil {
		r.observe(ok)
	}
}
