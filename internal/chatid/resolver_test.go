package chatid

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/tgidx/tgidx/internal/store"
)

type fakeSource struct {
	names     map[int64]string
	usernames map[string]int64
	fetches   int
}

func (f *fakeSource) ChatName(_ context.Context, chatID int64) (string, error) {
	f.fetches++
	name, ok := f.names[chatID]
	if !ok {
		return "", &ChatNotFoundError{Ref: "fake"}
	}
	return name, nil
}

func (f *fakeSource) ResolveUsername(_ context.Context, username string) (int64, error) {
	id, ok := f.usernames[username]
	if !ok {
		return 0, &ChatNotFoundError{Ref: username}
	}
	return id, nil
}

func testResolver(t *testing.T, src *fakeSource) *Resolver {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "tgidx.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	r, err := NewResolver(src, db, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestDisplayNameFetchesOnceAndCaches(t *testing.T) {
	src := &fakeSource{names: map[int64]string{42: "the answer"}}
	r := testResolver(t, src)
	ctx := context.Background()

	name, err := r.DisplayName(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if name != "the answer" {
		t.Errorf("name = %q", name)
	}

	// Second lookup must be served from cache.
	if _, err := r.DisplayName(ctx, 42); err != nil {
		t.Fatal(err)
	}
	if src.fetches != 1 {
		t.Errorf("remote fetches = %d, want 1", src.fetches)
	}
}

func TestDisplayNameNotFound(t *testing.T) {
	src := &fakeSource{}
	r := testResolver(t, src)

	_, err := r.DisplayName(context.Background(), 99)
	var notFound *ChatNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want ChatNotFoundError", err)
	}
}

func TestObserveSurvivesCacheEviction(t *testing.T) {
	src := &fakeSource{}
	r := testResolver(t, src)

	r.Observe(7, "observed chat")
	// Drop the memory front; the sqlite layer must still answer.
	r.names.Purge()

	name, err := r.DisplayName(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if name != "observed chat" {
		t.Errorf("name = %q, want observed chat", name)
	}
	if src.fetches != 0 {
		t.Errorf("remote fetches = %d, want 0", src.fetches)
	}
}

func TestRefreshAllSkipsMissingChats(t *testing.T) {
	src := &fakeSource{names: map[int64]string{1: "alive", 3: "also alive"}}
	r := testResolver(t, src)

	r.Observe(1, "stale")
	r.Observe(2, "gone")
	r.Observe(3, "stale too")

	refreshed, err := r.RefreshAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if refreshed != 2 {
		t.Errorf("refreshed = %d, want 2", refreshed)
	}

	name, _ := r.DisplayName(context.Background(), 1)
	if name != "alive" {
		t.Errorf("chat 1 name = %q, want alive", name)
	}
	// The missing chat keeps its stale entry rather than blocking the run.
	name, _ = r.DisplayName(context.Background(), 2)
	if name != "gone" {
		t.Errorf("chat 2 name = %q, want gone", name)
	}
}

func TestFindByName(t *testing.T) {
	r := testResolver(t, &fakeSource{})

	r.Observe(1, "Rust News")
	r.Observe(2, "Go News")
	r.Observe(3, "off topic")

	found, err := r.FindByName("NEWS")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 || found[0].ChatID != 1 || found[1].ChatID != 2 {
		t.Errorf("FindByName = %+v", found)
	}
}

func TestResolveRef(t *testing.T) {
	src := &fakeSource{usernames: map[string]int64{"some_chan": 1234567890}}
	r := testResolver(t, src)
	ctx := context.Background()

	id, err := r.ResolveRef(ctx, "-1001234567890")
	if err != nil || id != 1234567890 {
		t.Errorf("numeric ref = (%d, %v)", id, err)
	}

	id, err = r.ResolveRef(ctx, "https://t.me/some_chan")
	if err != nil || id != 1234567890 {
		t.Errorf("link ref = (%d, %v)", id, err)
	}

	_, err = r.ResolveRef(ctx, "@missing")
	var notFound *ChatNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("missing username err = %v, want ChatNotFoundError", err)
	}
}
