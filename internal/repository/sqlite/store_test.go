package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/moments/internal/errs"
	"github.com/and161185/moments/internal/model"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestStore_Init_Idempotent(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Init(context.Background()))
}

func TestStore_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	in := model.Post{
		ID:      "1700000000000",
		Title:   "hello",
		Content: "![cat](https://img/cat.png)\n\nbody",
		Tags:    []string{"z", "a", "z"},
		Date:    "2024-01-01 10:00:00",
	}
	_, err := s.CreatePost(ctx, in)
	require.NoError(t, err)

	got, err := s.GetPost(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, in, *got)

	_, err = s.CreatePost(ctx, in)
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	_, err = s.GetPost(ctx, "nope")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_MalformedTagsReadAsEmpty(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO posts (id, title, content, tags, date) VALUES ('1', '', 'c', 'not-json', '2024-01-01 00:00:00')`)
	require.NoError(t, err)

	p, err := s.GetPost(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, p.Tags)
	require.Empty(t, p.Tags)

	list, err := s.ListPosts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Empty(t, list[0].Tags)
}

func TestStore_ListOrderAndUpdate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, p := range []model.Post{
		{ID: "1700000000000", Content: "a", Date: "2024-01-01 10:00:00"},
		{ID: "1700000000001", Content: "b", Date: "2024-01-02 10:00:00"},
	} {
		_, err := s.CreatePost(ctx, p)
		require.NoError(t, err)
	}

	list, err := s.ListPosts(ctx)
	require.NoError(t, err)
	require.Equal(t, "1700000000001", list[0].ID)
	require.Equal(t, "1700000000000", list[1].ID)

	title := "edited"
	got, err := s.UpdatePost(ctx, "1700000000000", model.PostPatch{Title: &title, Tags: []string{"x"}, UpdatedAt: "2024-01-03 00:00:00"})
	require.NoError(t, err)
	require.Equal(t, "edited", got.Title)
	require.Equal(t, "a", got.Content)

	stored, err := s.GetPost(ctx, "1700000000000")
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, stored.Tags)
	require.Equal(t, "2024-01-03 00:00:00", stored.UpdatedAt)

	_, err = s.UpdatePost(ctx, "missing", model.PostPatch{Title: &title})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStore_DeleteTwice(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.CreatePost(ctx, model.Post{ID: "1", Content: "c", Date: "2024-01-01 00:00:00"})
	require.NoError(t, err)

	ok, err := s.DeletePost(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.DeletePost(ctx, "1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_PrunePosts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 8 {
		_, err := s.CreatePost(ctx, model.Post{
			ID:      base.Add(time.Duration(i) * time.Hour).Format("20060102150405"),
			Content: "c",
			Date:    base.Add(time.Duration(i) * time.Hour).Format(model.DateLayout),
		})
		require.NoError(t, err)
	}

	n, err := s.PrunePosts(ctx, 3, 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = s.PrunePosts(ctx, 3, 50)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	list, err := s.ListPosts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, base.Add(7*time.Hour).Format(model.DateLayout), list[0].Date)
	require.Equal(t, base.Add(5*time.Hour).Format(model.DateLayout), list[2].Date)

	n, err = s.PrunePosts(ctx, 3, 50)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestStore_Sessions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.CreateSession(ctx, "live", "alice", time.Hour))
	require.NoError(t, s.CreateSession(ctx, "short", "alice", time.Minute))

	sess, err := s.GetSession(ctx, "live")
	require.NoError(t, err)
	require.Equal(t, "alice", sess.Username)

	later := now.Add(30 * time.Minute)
	s.now = func() time.Time { return later }

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, st.Sessions.Active)
	require.NotNil(t, st.Sessions.Expired)
	require.EqualValues(t, 1, *st.Sessions.Expired)

	ok, err := s.UpdateSession(ctx, "live")
	require.NoError(t, err)
	require.True(t, ok)
	sess, err = s.GetSession(ctx, "live")
	require.NoError(t, err)
	require.Equal(t, later.Add(time.Hour).UnixMilli(), sess.ExpiresAt.UnixMilli())

	// the lookup above swept the expired row
	_, err = s.GetSession(ctx, "short")
	require.ErrorIs(t, err, errs.ErrNotFound)
	n, err := s.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	ok, err = s.UpdateSession(ctx, "short")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.DeleteSession(ctx, "live")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.DeleteSession(ctx, "live")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_ListAndImportSessions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.ImportSession(ctx, model.Session{
		Token: "t1", Username: "alice", CreatedAt: now, LastAccessed: now, ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, s.ImportSession(ctx, model.Session{
		Token: "t1", Username: "alice", CreatedAt: now, LastAccessed: now, ExpiresAt: now.Add(2 * time.Hour),
	}))

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, now.Add(2*time.Hour).UnixMilli(), list[0].ExpiresAt.UnixMilli())
}

func TestStore_Health(t *testing.T) {
	s := newStore(t)
	h := s.HealthCheck(context.Background())
	require.True(t, h.Healthy())
	require.Equal(t, model.KindRelational, h.Backend)

	require.NoError(t, s.Close())
	h = s.HealthCheck(context.Background())
	require.False(t, h.Healthy())
	require.NotEmpty(t, h.Error)
}
