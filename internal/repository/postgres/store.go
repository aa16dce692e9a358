package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/and161185/moments/internal/errs"
	"github.com/and161185/moments/internal/migrate"
	"github.com/and161185/moments/internal/model"
	"github.com/and161185/moments/internal/repository"
)

// Store implements repository.Store using PostgreSQL.
// Post dates are wall-clock TIMESTAMP values in the configured zone.
type Store struct {
	db      *DB
	log     *zap.Logger
	now     func() time.Time
	migrate func(ctx context.Context) error
}

var (
	_ repository.Store           = (*Store)(nil)
	_ repository.PostPruner      = (*Store)(nil)
	_ repository.SessionLister   = (*Store)(nil)
	_ repository.SessionImporter = (*Store)(nil)
)

// NewStore constructs a store over an existing pool. Init does not migrate.
func NewStore(db *DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log, now: time.Now}
}

// Open creates a bounded pool for dsn; Init applies migrations.
func Open(ctx context.Context, dsn string, pc PoolConfig, log *zap.Logger) (*Store, error) {
	db, err := New(ctx, dsn, pc)
	if err != nil {
		return nil, err
	}
	s := NewStore(db, log)
	s.migrate = func(ctx context.Context) error { return migrate.Postgres(ctx, dsn) }
	return s, nil
}

// Init pings the server and runs pending migrations.
func (s *Store) Init(ctx context.Context) error {
	if err := s.db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	if s.migrate != nil {
		if err := s.migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

func parseDate(v string) (time.Time, error) {
	t, err := time.ParseInLocation(model.DateLayout, v, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: %w", v, errs.ErrInvalidPost)
	}
	return t, nil
}

func parseOptionalDate(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := parseDate(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanPost(row pgx.Row) (*model.Post, error) {
	var (
		p       model.Post
		date    time.Time
		updated *time.Time
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Content, &p.Tags, &date, &updated); err != nil {
		return nil, err
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	p.Date = date.Format(model.DateLayout)
	if updated != nil {
		p.UpdatedAt = updated.Format(model.DateLayout)
	}
	return &p, nil
}

// ListPosts returns posts newest first.
func (s *Store) ListPosts(ctx context.Context) ([]model.Post, error) {
	const q = `
SELECT id, title, content, tags, date, updated_at
FROM posts
ORDER BY date DESC, id DESC`
	rows, err := s.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	out := []model.Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("list posts: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return out, nil
}

// GetPost returns a single post by id.
func (s *Store) GetPost(ctx context.Context, id string) (*model.Post, error) {
	const q = `SELECT id, title, content, tags, date, updated_at FROM posts WHERE id=$1`
	p, err := scanPost(s.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("get post: %w", err)
	}
	return p, nil
}

// CreatePost inserts p. Dates must be in model.DateLayout.
func (s *Store) CreatePost(ctx context.Context, p model.Post) (*model.Post, error) {
	date, err := parseDate(p.Date)
	if err != nil {
		return nil, err
	}
	updated, err := parseOptionalDate(p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	const q = `INSERT INTO posts (id, title, content, tags, date, updated_at) VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := s.db.Pool.Exec(ctx, q, p.ID, p.Title, p.Content, p.Tags, date, updated); err != nil {
		if isUniqueViolation(err) {
			return nil, errs.ErrAlreadyExists
		}
		return nil, fmt.Errorf("create post: %w", err)
	}
	return &p, nil
}

// UpdatePost applies patch under a row lock.
func (s *Store) UpdatePost(ctx context.Context, id string, patch model.PostPatch) (p *model.Post, err error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT id, title, content, tags, date, updated_at FROM posts WHERE id=$1 FOR UPDATE`
	const upd = `UPDATE posts SET title=$2, content=$3, tags=$4, updated_at=$5 WHERE id=$1`

	p, err = scanPost(tx.QueryRow(ctx, sel, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	patch.Apply(p)

	updated, err := parseOptionalDate(p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if _, err = tx.Exec(ctx, upd, id, p.Title, p.Content, p.Tags, updated); err != nil {
		return nil, err
	}
	return p, nil
}

// DeletePost removes a post by id.
func (s *Store) DeletePost(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM posts WHERE id=$1`, id)
	if err != nil {
		return false, fmt.Errorf("delete post: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PrunePosts deletes the oldest posts beyond keep, at most maxDelete, in one transaction.
func (s *Store) PrunePosts(ctx context.Context, keep, maxDelete int) (deleted int, err error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const cnt = `SELECT COUNT(*) FROM posts`
	const del = `DELETE FROM posts WHERE id IN (SELECT id FROM posts ORDER BY date ASC, id ASC LIMIT $1)`

	var total int64
	if err = tx.QueryRow(ctx, cnt).Scan(&total); err != nil {
		return 0, err
	}
	excess := min(int(total)-keep, maxDelete)
	if excess <= 0 {
		return 0, nil
	}
	tag, err := tx.Exec(ctx, del, excess)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// CreateSession inserts a session expiring after ttl.
func (s *Store) CreateSession(ctx context.Context, token, username string, ttl time.Duration) error {
	now := s.now()
	const q = `INSERT INTO sessions (token, username, created_at, last_accessed, expires_at) VALUES ($1,$2,$3,$3,$4)`
	if _, err := s.db.Pool.Exec(ctx, q, token, username, now, now.Add(ttl)); err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var sess model.Session
	if err := row.Scan(&sess.Token, &sess.Username, &sess.CreatedAt, &sess.LastAccessed, &sess.ExpiresAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession sweeps expired sessions, then looks the token up.
func (s *Store) GetSession(ctx context.Context, token string) (*model.Session, error) {
	if _, err := s.CleanupExpiredSessions(ctx); err != nil {
		s.log.Warn("postgres: session sweep failed", zap.Error(err))
	}

	const q = `
SELECT token, username, created_at, last_accessed, expires_at
FROM sessions WHERE token=$1 AND expires_at > $2`
	sess, err := scanSession(s.db.Pool.QueryRow(ctx, q, token, s.now()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// UpdateSession slides the expiry window forward from now.
func (s *Store) UpdateSession(ctx context.Context, token string) (bool, error) {
	const q = `
UPDATE sessions SET last_accessed=$2, expires_at=$2::timestamptz + (expires_at - last_accessed)
WHERE token=$1 AND expires_at > $2`
	tag, err := s.db.Pool.Exec(ctx, q, token, s.now())
	if err != nil {
		return false, fmt.Errorf("update session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, token string) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM sessions WHERE token=$1`, token)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CleanupExpiredSessions deletes sessions past expiry.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListSessions returns live sessions.
func (s *Store) ListSessions(ctx context.Context) ([]model.Session, error) {
	const q = `
SELECT token, username, created_at, last_accessed, expires_at
FROM sessions WHERE expires_at > $1
ORDER BY created_at`
	rows, err := s.db.Pool.Query(ctx, q, s.now())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// ImportSession upserts a session verbatim.
func (s *Store) ImportSession(ctx context.Context, sess model.Session) error {
	const q = `
INSERT INTO sessions (token, username, created_at, last_accessed, expires_at) VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (token) DO UPDATE SET username=EXCLUDED.username,
    last_accessed=EXCLUDED.last_accessed, expires_at=EXCLUDED.expires_at`
	_, err := s.db.Pool.Exec(ctx, q, sess.Token, sess.Username, sess.CreatedAt, sess.LastAccessed, sess.ExpiresAt)
	return err
}

// Stats counts posts and sessions and reports pool usage when available.
func (s *Store) Stats(ctx context.Context) (*model.Stats, error) {
	const posts = `SELECT COUNT(*) FROM posts`
	const sessions = `
SELECT COUNT(*) FILTER (WHERE expires_at > $1), COUNT(*) FILTER (WHERE expires_at <= $1)
FROM sessions`

	var total, active, expired int64
	if err := s.db.Pool.QueryRow(ctx, posts).Scan(&total); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	if err := s.db.Pool.QueryRow(ctx, sessions, s.now()).Scan(&active, &expired); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	st := &model.Stats{
		Posts:    model.PostStats{Total: total},
		Sessions: model.SessionStats{Active: active, Expired: &expired},
		Backend:  model.BackendInfo{Kind: model.KindManagedSQL},
	}
	if s.db.Stats != nil {
		ps := s.db.Stats.PoolStats()
		st.Backend.Pool = &ps
	}
	return st, nil
}

// HealthCheck pings the server.
func (s *Store) HealthCheck(ctx context.Context) model.Health {
	h := model.Health{Status: model.StatusHealthy, Backend: model.KindManagedSQL, CheckedAt: s.now()}
	if err := s.db.Pool.Ping(ctx); err != nil {
		h.Status = model.StatusUnhealthy
		h.Error = err.Error()
	}
	return h
}

// Close closes the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}
