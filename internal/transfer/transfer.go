// Package transfer copies posts and sessions from one storage backend to another.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/moments/internal/errs"
	"github.com/and161185/moments/internal/model"
	"github.com/and161185/moments/internal/repository"
)

const defaultConcurrency = 8

// Options tunes a copy.
type Options struct {
	// SkipSessions copies posts only.
	SkipSessions bool
	Concurrency  int
}

// Counts tallies one record kind.
type Counts struct {
	Migrated int `json:"migrated"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Report describes a finished copy.
type Report struct {
	Posts    Counts `json:"posts"`
	Sessions Counts `json:"sessions"`
	// SessionsCopied is false when either side cannot enumerate or import sessions.
	SessionsCopied bool `json:"sessionsCopied"`
	// Missing lists source post ids absent from the destination afterwards.
	Missing []string `json:"missing,omitempty"`
	Valid   bool     `json:"valid"`
}

// Copier moves data between two stores.
type Copier struct {
	src, dst repository.Store
	opts     Options
	log      *zap.Logger
}

// New constructs a Copier.
func New(src, dst repository.Store, opts Options, log *zap.Logger) *Copier {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Copier{src: src, dst: dst, opts: opts, log: log}
}

// Run copies every post, then sessions, then checks that each source post
// is readable from the destination. Existing destination posts are kept.
func (c *Copier) Run(ctx context.Context) (*Report, error) {
	posts, err := c.src.ListPosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list source posts: %w", err)
	}

	rep := &Report{}
	if err := c.copyPosts(ctx, posts, &rep.Posts); err != nil {
		return rep, err
	}

	if !c.opts.SkipSessions {
		lister, okL := repository.Capability[repository.SessionLister](c.src)
		importer, okI := repository.Capability[repository.SessionImporter](c.dst)
		if okL && okI {
			rep.SessionsCopied = true
			if err := c.copySessions(ctx, lister, importer, &rep.Sessions); err != nil {
				return rep, err
			}
		} else {
			c.log.Warn("session copy not supported by backends, skipping")
		}
	}

	missing, err := c.validate(ctx, posts)
	if err != nil {
		return rep, err
	}
	rep.Missing = missing
	rep.Valid = len(missing) == 0 && rep.Posts.Failed == 0

	c.log.Info("copy finished",
		zap.Int("posts_migrated", rep.Posts.Migrated),
		zap.Int("posts_skipped", rep.Posts.Skipped),
		zap.Int("posts_failed", rep.Posts.Failed),
		zap.Int("sessions_migrated", rep.Sessions.Migrated),
		zap.Bool("valid", rep.Valid),
	)
	return rep, nil
}

func (c *Copier) copyPosts(ctx context.Context, posts []model.Post, n *Counts) error {
	var mu sync.Mutex
	tally := func(f *int) {
		mu.Lock()
		*f++
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for _, p := range posts {
		g.Go(func() error {
			_, err := c.dst.GetPost(gctx, p.ID)
			switch {
			case err == nil:
				tally(&n.Skipped)
				return nil
			case !errors.Is(err, errs.ErrNotFound):
				c.log.Warn("probe destination post", zap.String("id", p.ID), zap.Error(err))
				tally(&n.Failed)
				return nil
			}

			_, err = c.dst.CreatePost(gctx, p)
			switch {
			case err == nil:
				tally(&n.Migrated)
			case errors.Is(err, errs.ErrAlreadyExists):
				tally(&n.Skipped)
			default:
				c.log.Warn("copy post", zap.String("id", p.ID), zap.Error(err))
				tally(&n.Failed)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Copier) copySessions(
	ctx context.Context, lister repository.SessionLister, importer repository.SessionImporter, n *Counts,
) error {
	sessions, err := lister.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list source sessions: %w", err)
	}
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := importer.ImportSession(ctx, s); err != nil {
			c.log.Warn("copy session", zap.String("user", s.Username), zap.Error(err))
			n.Failed++
			continue
		}
		n.Migrated++
	}
	return nil
}

func (c *Copier) validate(ctx context.Context, posts []model.Post) ([]string, error) {
	got, err := c.dst.ListPosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list destination posts: %w", err)
	}
	have := make(map[string]struct{}, len(got))
	for _, p := range got {
		have[p.ID] = struct{}{}
	}
	var missing []string
	for _, p := range posts {
		if _, ok := have[p.ID]; !ok {
			missing = append(missing, p.ID)
		}
	}
	return missing, nil
}
