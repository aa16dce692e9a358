// Package retention keeps the post collection bounded to the newest posts.
package retention

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/moments/internal/model"
	"github.com/and161185/moments/internal/repository"
)

// Defaults.
const (
	DefaultMaxPosts  = 30
	DefaultMaxDelete = 50

	deleteConcurrency = 8
)

// Config bounds a retention pass.
type Config struct {
	Enabled   bool
	MaxPosts  int // posts kept
	MaxDelete int // deletions per pass; the rest waits for the next pass
}

// Result summarizes one pass.
type Result struct {
	Native   bool `json:"native"`
	Kept     int  `json:"kept"`
	Deleted  int  `json:"deleted"`
	Failed   int  `json:"failed"`
	Deferred int  `json:"deferred"`
}

// Enforcer runs retention passes against a store.
type Enforcer struct {
	store   repository.Store
	cfg     Config
	log     *zap.Logger
	observe func(Result)
}

// New constructs an Enforcer, filling zero limits with defaults.
func New(store repository.Store, cfg Config, log *zap.Logger) *Enforcer {
	if cfg.MaxPosts <= 0 {
		cfg.MaxPosts = DefaultMaxPosts
	}
	if cfg.MaxDelete <= 0 {
		cfg.MaxDelete = DefaultMaxDelete
	}
	return &Enforcer{store: store, cfg: cfg, log: log}
}

// OnResult registers a callback invoked after every completed pass.
func (e *Enforcer) OnResult(fn func(Result)) { e.observe = fn }

// Enforce trims the collection to MaxPosts. Backends with native pruning do it
// in one statement; otherwise the oldest posts are deleted one by one, and a
// failed delete does not stop the others.
func (e *Enforcer) Enforce(ctx context.Context) (Result, error) {
	if !e.cfg.Enabled {
		return Result{}, nil
	}

	var (
		res Result
		err error
	)
	if p, ok := repository.Capability[repository.PostPruner](e.store); ok {
		res.Native = true
		res.Deleted, err = p.PrunePosts(ctx, e.cfg.MaxPosts, e.cfg.MaxDelete)
		if err != nil {
			return res, fmt.Errorf("retention prune: %w", err)
		}
		e.countRemaining(ctx, &res)
	} else if res, err = e.enforceByList(ctx); err != nil {
		return res, err
	}

	if res.Deleted > 0 || res.Failed > 0 {
		e.log.Info("retention pass",
			zap.Bool("native", res.Native),
			zap.Int("deleted", res.Deleted),
			zap.Int("failed", res.Failed),
			zap.Int("deferred", res.Deferred),
		)
	}
	if e.observe != nil {
		e.observe(res)
	}
	return res, nil
}

// countRemaining fills Kept and Deferred after a native prune.
func (e *Enforcer) countRemaining(ctx context.Context, res *Result) {
	st, err := e.store.Stats(ctx)
	if err != nil {
		e.log.Warn("retention: count after prune", zap.Error(err))
		return
	}
	total := int(st.Posts.Total)
	res.Kept = total
	res.Deferred = max(total-e.cfg.MaxPosts, 0)
}

func (e *Enforcer) enforceByList(ctx context.Context) (Result, error) {
	posts, err := e.store.ListPosts(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("retention list: %w", err)
	}
	model.SortByDate(posts)

	if len(posts) <= e.cfg.MaxPosts {
		return Result{Kept: len(posts)}, nil
	}
	overflow := posts[e.cfg.MaxPosts:]
	victims := overflow[:min(len(overflow), e.cfg.MaxDelete)]
	res := Result{Kept: e.cfg.MaxPosts, Deferred: len(overflow) - len(victims)}

	var deleted, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(deleteConcurrency)
	for _, p := range victims {
		g.Go(func() error {
			if _, err := e.store.DeletePost(ctx, p.ID); err != nil {
				failed.Add(1)
				e.log.Warn("retention: delete failed", zap.String("id", p.ID), zap.Error(err))
				return nil
			}
			deleted.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res.Deleted = int(deleted.Load())
	res.Failed = int(failed.Load())
	res.Kept += res.Failed + res.Deferred
	return res, nil
}
