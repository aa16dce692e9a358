// Package sqlite contains the embedded relational implementation of the storage adapter.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/and161185/moments/internal/errs"
	"github.com/and161185/moments/internal/migrate"
	"github.com/and161185/moments/internal/model"
	"github.com/and161185/moments/internal/repository"
)

// Store implements repository.Store on SQLite.
// Tags are stored as JSON text; session times as unix milliseconds.
type Store struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

var (
	_ repository.Store           = (*Store)(nil)
	_ repository.PostPruner      = (*Store)(nil)
	_ repository.SessionLister   = (*Store)(nil)
	_ repository.SessionImporter = (*Store)(nil)
)

// Open opens the database file at path (":memory:" for an ephemeral one).
func Open(path string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// :memory: databases live per connection
	db.SetMaxOpenConns(1)
	return New(db, log), nil
}

// New wraps an open handle.
func New(db *sql.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log, now: time.Now}
}

// Init verifies connectivity and applies migrations.
func (s *Store) Init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite ping: %w", err)
	}
	return migrate.SQLite(ctx, s.db)
}

func (s *Store) decodeTags(id, raw string) []string {
	tags := []string{}
	if raw == "" {
		return tags
	}
	if err := json.Unmarshal([]byte(raw), &tags); err != nil || tags == nil {
		s.log.Warn("sqlite: malformed tags, using empty list", zap.String("id", id))
		return []string{}
	}
	return tags
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	return string(b), err
}

type scanner interface{ Scan(dest ...any) error }

func (s *Store) scanPost(row scanner) (*model.Post, error) {
	var (
		p       model.Post
		tags    string
		updated sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Content, &tags, &p.Date, &updated); err != nil {
		return nil, err
	}
	p.Tags = s.decodeTags(p.ID, tags)
	p.UpdatedAt = updated.String
	return &p, nil
}

// ListPosts returns posts newest first.
func (s *Store) ListPosts(ctx context.Context) ([]model.Post, error) {
	const q = `SELECT id, title, content, tags, date, updated_at FROM posts ORDER BY date DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	out := []model.Post{}
	for rows.Next() {
		p, err := s.scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("list posts: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	model.SortByDate(out)
	return out, nil
}

// GetPost returns a post by id.
func (s *Store) GetPost(ctx context.Context, id string) (*model.Post, error) {
	const q = `SELECT id, title, content, tags, date, updated_at FROM posts WHERE id = ?`
	p, err := s.scanPost(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("get post: %w", err)
	}
	return p, nil
}

// CreatePost inserts p.
func (s *Store) CreatePost(ctx context.Context, p model.Post) (*model.Post, error) {
	tags, err := encodeTags(p.Tags)
	if err != nil {
		return nil, err
	}
	const q = `INSERT INTO posts (id, title, content, tags, date, updated_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, p.ID, p.Title, p.Content, tags, p.Date, nullString(p.UpdatedAt)); err != nil {
		if isConstraintViolation(err) {
			return nil, errs.ErrAlreadyExists
		}
		return nil, fmt.Errorf("create post: %w", err)
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	return &p, nil
}

// UpdatePost applies patch in a transaction.
func (s *Store) UpdatePost(ctx context.Context, id string, patch model.PostPatch) (p *model.Post, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if e := tx.Commit(); e != nil {
			err = e
		}
	}()

	const sel = `SELECT id, title, content, tags, date, updated_at FROM posts WHERE id = ?`
	p, err = s.scanPost(tx.QueryRowContext(ctx, sel, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	patch.Apply(p)

	tags, err := encodeTags(p.Tags)
	if err != nil {
		return nil, err
	}
	const upd = `UPDATE posts SET title = ?, content = ?, tags = ?, updated_at = ? WHERE id = ?`
	if _, err = tx.ExecContext(ctx, upd, p.Title, p.Content, tags, nullString(p.UpdatedAt), id); err != nil {
		return nil, err
	}
	return p, nil
}

// DeletePost removes a post.
func (s *Store) DeletePost(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete post: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PrunePosts keeps the newest keep posts, deleting at most maxDelete of the oldest.
func (s *Store) PrunePosts(ctx context.Context, keep, maxDelete int) (deleted int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if e := tx.Commit(); e != nil {
			err = e
		}
	}()

	var total int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`).Scan(&total); err != nil {
		return 0, err
	}
	excess := min(total-keep, maxDelete)
	if excess <= 0 {
		return 0, nil
	}
	const del = `DELETE FROM posts WHERE id IN (SELECT id FROM posts ORDER BY date ASC, id ASC LIMIT ?)`
	res, err := tx.ExecContext(ctx, del, excess)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CreateSession inserts a session.
func (s *Store) CreateSession(ctx context.Context, token, username string, ttl time.Duration) error {
	now := s.now()
	const q = `INSERT INTO sessions (token, username, created_at, last_accessed, expires_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, token, username, now.UnixMilli(), now.UnixMilli(), now.Add(ttl).UnixMilli()); err != nil {
		if isConstraintViolation(err) {
			return errs.ErrAlreadyExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession sweeps expired sessions before the lookup.
func (s *Store) GetSession(ctx context.Context, token string) (*model.Session, error) {
	if _, err := s.CleanupExpiredSessions(ctx); err != nil {
		s.log.Warn("sqlite: session sweep failed", zap.Error(err))
	}

	const q = `
SELECT token, username, created_at, last_accessed, expires_at
FROM sessions WHERE token = ? AND expires_at > ?`
	sess, err := scanSession(s.db.QueryRowContext(ctx, q, token, s.now().UnixMilli()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func scanSession(row scanner) (*model.Session, error) {
	var (
		sess                      model.Session
		created, accessed, expiry int64
	)
	if err := row.Scan(&sess.Token, &sess.Username, &created, &accessed, &expiry); err != nil {
		return nil, err
	}
	sess.CreatedAt = time.UnixMilli(created)
	sess.LastAccessed = time.UnixMilli(accessed)
	sess.ExpiresAt = time.UnixMilli(expiry)
	return &sess, nil
}

// UpdateSession slides the expiry window forward from now.
func (s *Store) UpdateSession(ctx context.Context, token string) (bool, error) {
	now := s.now().UnixMilli()
	const q = `
UPDATE sessions SET last_accessed = ?1, expires_at = ?1 + (expires_at - last_accessed)
WHERE token = ?2 AND expires_at > ?1`
	res, err := s.db.ExecContext(ctx, q, now, token)
	if err != nil {
		return false, fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CleanupExpiredSessions deletes sessions past expiry.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	return res.RowsAffected()
}

// ListSessions returns live sessions.
func (s *Store) ListSessions(ctx context.Context) ([]model.Session, error) {
	const q = `
SELECT token, username, created_at, last_accessed, expires_at
FROM sessions WHERE expires_at > ? ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q, s.now().UnixMilli())
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
INSERT INTO sessions (token, username, created_at, last_accessed, expires_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(token) DO UPDATE SET username = excluded.username,
    last_accessed = excluded.last_accessed, expires_at = excluded.expires_at`
	_, err := s.db.ExecContext(ctx, q, sess.Token, sess.Username,
		sess.CreatedAt.UnixMilli(), sess.LastAccessed.UnixMilli(), sess.ExpiresAt.UnixMilli())
	return err
}

// Stats counts posts and active/expired sessions.
func (s *Store) Stats(ctx context.Context) (*model.Stats, error) {
	now := s.now().UnixMilli()
	var total, active, expired int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`).Scan(&total); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	const q = `
SELECT COALESCE(SUM(CASE WHEN expires_at > ?1 THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN expires_at <= ?1 THEN 1 ELSE 0 END), 0)
FROM sessions`
	if err := s.db.QueryRowContext(ctx, q, now).Scan(&active, &expired); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &model.Stats{
		Posts:    model.PostStats{Total: total},
		Sessions: model.SessionStats{Active: active, Expired: &expired},
		Backend:  model.BackendInfo{Kind: model.KindRelational},
	}, nil
}

// HealthCheck runs a trivial query.
func (s *Store) HealthCheck(ctx context.Context) model.Health {
	h := model.Health{Status: model.StatusHealthy, Backend: model.KindRelational, CheckedAt: s.now()}
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		h.Status = model.StatusUnhealthy
		h.Error = err.Error()
	}
	return h
}

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

func nullString(v string) sql.NullString { return sql.NullString{String: v, Valid: v != ""} }

// isConstraintViolation reports whether err is a primary key or unique violation.
func isConstraintViolation(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
