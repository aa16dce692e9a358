package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/and161185/moments/internal/cache"
	"github.com/and161185/moments/internal/errs"
	"github.com/and161185/moments/internal/model"
	"github.com/and161185/moments/internal/retention"
)

var utc8 = time.FixedZone("UTC+8", 8*3600)

func newPostSvc(t *testing.T, store *fakeStore, maxPosts int) *PostServiceImpl {
	t.Helper()
	log := zaptest.NewLogger(t)
	var enf *retention.Enforcer
	if maxPosts > 0 {
		enf = retention.New(store, retention.Config{Enabled: true, MaxPosts: maxPosts, MaxDelete: 50}, log)
	}
	return NewPostService(store, cache.NewPostCache(5*time.Minute), enf, utc8, log)
}

func TestPosts_Create_AssignsIDDateAndImage(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	s := newPostSvc(t, store, 0)
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	p, err := s.Create(context.Background(), model.PostInput{
		Title:     " hi ",
		Content:   "body",
		Tags:      []string{" go ", "", "life"},
		ImageURL:  "https://img.example/cat.png",
		ImageName: "cat",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID != "1700000000000" {
		t.Fatalf("id=%q", p.ID)
	}
	// 2023-11-14 22:13:20 UTC is 2023-11-15 06:13:20 at +08:00
	if p.Date != "2023-11-15 06:13:20" {
		t.Fatalf("date=%q", p.Date)
	}
	if p.Title != "hi" {
		t.Fatalf("title=%q", p.Title)
	}
	if !strings.HasPrefix(p.Content, "![cat](https://img.example/cat.png)\n\nbody") {
		t.Fatalf("content=%q", p.Content)
	}
	if len(p.Tags) != 2 || p.Tags[0] != "go" || p.Tags[1] != "life" {
		t.Fatalf("tags=%v", p.Tags)
	}
}

func TestPosts_Create_Validation(t *testing.T) {
	t.Parallel()

	s := newPostSvc(t, newFakeStore(), 0)
	if _, err := s.Create(context.Background(), model.PostInput{Content: "   "}); !errors.Is(err, errs.ErrInvalidPost) {
		t.Fatalf("want ErrInvalidPost, got %v", err)
	}
	p, err := s.Create(context.Background(), model.PostInput{ImageURL: "https://x/y.png"})
	if err != nil {
		t.Fatalf("image-only post: %v", err)
	}
	if !strings.HasPrefix(p.Content, "![image](https://x/y.png)") {
		t.Fatalf("content=%q", p.Content)
	}
}

func TestPosts_Create_UniqueIDsWithinMillisecond(t *testing.T) {
	t.Parallel()

	s := newPostSvc(t, newFakeStore(), 0)
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	a, err := s.Create(context.Background(), model.PostInput{Content: "a"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Create(context.Background(), model.PostInput{Content: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID || b.ID != "1700000000001" {
		t.Fatalf("ids %q %q", a.ID, b.ID)
	}
}

func TestPosts_CreateThenListIncludesPost(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	s := newPostSvc(t, store, 0)

	if _, err := s.List(context.Background()); err != nil {
		t.Fatal(err)
	}
	p, err := s.Create(context.Background(), model.PostInput{Content: "fresh"})
	if err != nil {
		t.Fatal(err)
	}
	list, err := s.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != p.ID {
		t.Fatalf("list=%v", list)
	}

	if _, err := s.List(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.listCalls != 2 {
		t.Fatalf("listCalls=%d, want 2 (second read cached)", store.listCalls)
	}
	if st := s.CacheStats(); st.Hits != 1 {
		t.Fatalf("hits=%d", st.Hits)
	}
}

func TestPosts_Ordering(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.posts["1700000000000"] = model.Post{ID: "1700000000000", Content: "a", Date: "2024-01-01 10:00:00", Tags: []string{}}
	store.posts["1700000000001"] = model.Post{ID: "1700000000001", Content: "b", Date: "2024-01-02 10:00:00", Tags: []string{}}
	s := newPostSvc(t, store, 0)

	list, err := s.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if list[0].ID != "1700000000001" || list[1].ID != "1700000000000" {
		t.Fatalf("order=%s,%s", list[0].ID, list[1].ID)
	}
}

func TestPosts_Create_EnforcesRetention(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	s := newPostSvc(t, store, 2)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { clock = clock.Add(time.Minute); return clock }

	var last *model.Post
	for i := range 3 {
		p, err := s.Create(context.Background(), model.PostInput{Content: string(rune('a' + i))})
		if err != nil {
			t.Fatal(err)
		}
		last = p
	}
	list, err := s.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != last.ID {
		t.Fatalf("list=%v", list)
	}
}

func TestPosts_Create_RetentionFailureSwallowed(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	s := newPostSvc(t, store, 2)
	store.listErr = errors.New("kv down")

	if _, err := s.Create(context.Background(), model.PostInput{Content: "x"}); err != nil {
		t.Fatalf("retention error leaked: %v", err)
	}
}

func TestPosts_Create_StoreErrorPropagates(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.createErr = errors.New("boom")
	s := newPostSvc(t, store, 0)
	if _, err := s.Create(context.Background(), model.PostInput{Content: "x"}); err == nil {
		t.Fatalf("want error")
	}
}

func TestPosts_UpdateAndDelete(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	s := newPostSvc(t, store, 0)
	s.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	p, err := s.Create(context.Background(), model.PostInput{Content: "x", Tags: []string{"a"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.List(context.Background()); err != nil {
		t.Fatal(err)
	}

	empty := " "
	if _, err := s.Update(context.Background(), p.ID, model.PostPatch{Content: &empty}); !errors.Is(err, errs.ErrInvalidPost) {
		t.Fatalf("want ErrInvalidPost, got %v", err)
	}

	content := "y"
	got, err := s.Update(context.Background(), p.ID, model.PostPatch{Content: &content})
	if err != nil {
		t.Fatal(err)
	}
	if got.UpdatedAt != "2024-01-01 08:00:00" || got.Tags[0] != "a" {
		t.Fatalf("updated=%+v", got)
	}
	list, _ := s.List(context.Background())
	if list[0].Content != "y" {
		t.Fatalf("cache not cleared after update")
	}

	if _, err := s.Update(context.Background(), "missing", model.PostPatch{Content: &content}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	ok, err := s.Delete(context.Background(), p.ID)
	if err != nil || !ok {
		t.Fatalf("first delete: %v %v", ok, err)
	}
	ok, err = s.Delete(context.Background(), p.ID)
	if err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
	if list, _ := s.List(context.Background()); len(list) != 0 {
		t.Fatalf("cache not cleared after delete")
	}
}

func TestPosts_Get(t *testing.T) {
	t.Parallel()

	s := newPostSvc(t, newFakeStore(), 0)
	if _, err := s.Get(context.Background(), ""); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := s.Get(context.Background(), "1"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
