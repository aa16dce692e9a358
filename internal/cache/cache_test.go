package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/moments/internal/model"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestPostCache_HitWithinTTL(t *testing.T) {
	t.Parallel()

	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var observed []bool
	c := NewPostCache(5*time.Minute, WithClock(clk.now), WithObserver(func(hit bool) { observed = append(observed, hit) }))

	loads := 0
	load := func(context.Context) ([]model.Post, error) {
		loads++
		return []model.Post{
			{ID: "1", Date: "2024-01-01 10:00:00"},
			{ID: "2", Date: "2024-01-02 10:00:00"},
		}, nil
	}

	posts, err := c.Get(context.Background(), load)
	require.NoError(t, err)
	require.Equal(t, "2", posts[0].ID)

	clk.advance(4 * time.Minute)
	_, err = c.Get(context.Background(), load)
	require.NoError(t, err)
	require.Equal(t, 1, loads)

	clk.advance(time.Minute)
	_, err = c.Get(context.Background(), load)
	require.NoError(t, err)
	require.Equal(t, 2, loads)

	require.Equal(t, []bool{false, true, false}, observed)
	st := c.Stats()
	require.EqualValues(t, 1, st.Hits)
	require.EqualValues(t, 2, st.Misses)
}

func TestPostCache_Clear(t *testing.T) {
	t.Parallel()

	c := NewPostCache(time.Hour)
	loads := 0
	load := func(context.Context) ([]model.Post, error) { loads++; return nil, nil }

	_, _ = c.Get(context.Background(), load)
	c.Clear()
	_, _ = c.Get(context.Background(), load)
	require.Equal(t, 2, loads)
}

func TestPostCache_ClearDuringLoadDoesNotStoreStale(t *testing.T) {
	t.Parallel()

	c := NewPostCache(time.Hour)
	stale := func(context.Context) ([]model.Post, error) {
		c.Clear() // a mutation lands while the load is in flight
		return []model.Post{{ID: "old", Date: "2024-01-01 00:00:00"}}, nil
	}
	posts, err := c.Get(context.Background(), stale)
	require.NoError(t, err)
	require.Len(t, posts, 1)

	fresh := func(context.Context) ([]model.Post, error) {
		return []model.Post{{ID: "new", Date: "2024-01-02 00:00:00"}}, nil
	}
	posts, err = c.Get(context.Background(), fresh)
	require.NoError(t, err)
	require.Equal(t, "new", posts[0].ID)
}

func TestPostCache_LoadErrorNotCached(t *testing.T) {
	t.Parallel()

	c := NewPostCache(time.Hour)
	boom := errors.New("boom")
	_, err := c.Get(context.Background(), func(context.Context) ([]model.Post, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	posts, err := c.Get(context.Background(), func(context.Context) ([]model.Post, error) {
		return []model.Post{{ID: "1"}}, nil
	})
	require.NoError(t, err)
	require.Len(t, posts, 1)
}

func TestSessionThrottle_Window(t *testing.T) {
	t.Parallel()

	th := NewSessionThrottle(30 * time.Minute)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.True(t, th.Due("a", t0))
	require.False(t, th.Due("a", t0.Add(10*time.Minute)))
	require.True(t, th.Due("b", t0.Add(10*time.Minute)))
	require.True(t, th.Due("a", t0.Add(31*time.Minute)))

	th.Forget("a")
	require.True(t, th.Due("a", t0.Add(32*time.Minute)))
}

func TestSessionThrottle_SweepsStaleTokens(t *testing.T) {
	t.Parallel()

	th := NewSessionThrottle(time.Minute)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, tok := range []string{"a", "b", "c"} {
		th.Due(tok, t0)
	}
	require.Equal(t, 3, th.Len())

	th.Due("d", t0.Add(2*time.Minute))
	require.Equal(t, 1, th.Len())
}
