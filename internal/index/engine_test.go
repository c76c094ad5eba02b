package index

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewMem()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func msg(chatID, msgID int64, content string, ts time.Time) *Message {
	return &Message{
		ChatID:   chatID,
		MsgID:    msgID,
		Content:  content,
		Sender:   "tester",
		PostTime: ts,
	}
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestUpsertQueryDelete(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	m := msg(1, 10, "the quick brown fox", t0)
	if err := e.Upsert(m); err != nil {
		t.Fatal(err)
	}

	res, err := e.Search(ctx, "quick", nil, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(res.Hits))
	}
	hit := res.Hits[0]
	if hit.ChatID != 1 || hit.MsgID != 10 || hit.Content != "the quick brown fox" {
		t.Errorf("hit = %+v", hit.Message)
	}
	if !hit.PostTime.Equal(t0) {
		t.Errorf("post time = %v, want %v", hit.PostTime, t0)
	}

	if err := e.Delete(m.Key()); err != nil {
		t.Fatal(err)
	}
	res, err = e.Search(ctx, "quick", nil, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hits) != 0 {
		t.Errorf("got %d hits after delete, want 0", len(res.Hits))
	}
}

func TestUpsertIdempotent(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	m := msg(1, 10, "hello world", t0)
	if err := e.Upsert(m); err != nil {
		t.Fatal(err)
	}
	if err := e.Upsert(m); err != nil {
		t.Fatal(err)
	}

	res, err := e.Search(ctx, "hello", nil, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hits) != 1 {
		t.Errorf("got %d hits, want exactly 1 for the same key", len(res.Hits))
	}
}

func TestUpsertReplacesContent(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	if err := e.Upsert(msg(1, 10, "original words", t0)); err != nil {
		t.Fatal(err)
	}
	if err := e.Upsert(msg(1, 10, "edited words", t0)); err != nil {
		t.Fatal(err)
	}

	res, _ := e.Search(ctx, "original", nil, 10, 0)
	if len(res.Hits) != 0 {
		t.Error("old content still matches after upsert over the same key")
	}
	res, _ = e.Search(ctx, "edited", nil, 10, 0)
	if len(res.Hits) != 1 {
		t.Error("new content does not match after upsert")
	}
}

func TestDeleteIdempotent(t *testing.T) {
	e := testEngine(t)

	if err := e.Upsert(msg(1, 10, "keep me", t0)); err != nil {
		t.Fatal(err)
	}
	// Deleting a key that was never indexed must not fail.
	if err := e.Delete(DocKey(99, 99)); err != nil {
		t.Fatalf("delete of absent key: %v", err)
	}
	count, err := e.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestRecencyTieBreak(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	// Identical content means identical relevance; order must fall back
	// to post time, newest first.
	t1 := t0
	t2 := t0.Add(time.Hour)
	t3 := t0.Add(2 * time.Hour)
	for i, ts := range []time.Time{t1, t2, t3} {
		if err := e.Upsert(msg(1, int64(i+1), "same text every time", ts)); err != nil {
			t.Fatal(err)
		}
	}

	res, err := e.Search(ctx, "same", nil, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(res.Hits))
	}
	want := []int64{3, 2, 1}
	for i, hit := range res.Hits {
		if hit.MsgID != want[i] {
			t.Errorf("hit[%d].MsgID = %d, want %d (recency tie-break)", i, hit.MsgID, want[i])
		}
	}
}

func TestChatFilterAndClear(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	_ = e.Upsert(msg(1, 1, "apples in chat one", t0))
	_ = e.Upsert(msg(1, 2, "oranges in chat one", t0.Add(time.Minute)))
	_ = e.Upsert(msg(2, 1, "apples in chat two", t0.Add(2*time.Minute)))

	res, err := e.Search(ctx, "apples", []int64{1}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hits) != 1 || res.Hits[0].ChatID != 1 {
		t.Fatalf("filtered search = %+v", res.Hits)
	}

	if err := e.Clear(1); err != nil {
		t.Fatal(err)
	}
	count, _ := e.Count(1)
	if count != 0 {
		t.Errorf("chat 1 count after clear = %d", count)
	}
	// Chat 2 stays queryable.
	res, _ = e.Search(ctx, "apples", nil, 10, 0)
	if len(res.Hits) != 1 || res.Hits[0].ChatID != 2 {
		t.Errorf("chat 2 should survive clear of chat 1, got %+v", res.Hits)
	}
}

func TestClearAll(t *testing.T) {
	e := testEngine(t)

	_ = e.Upsert(msg(1, 1, "one", t0))
	_ = e.Upsert(msg(2, 1, "two", t0))
	if err := e.Clear(); err != nil {
		t.Fatal(err)
	}
	count, _ := e.Count()
	if count != 0 {
		t.Errorf("count after clear all = %d", count)
	}
}

func TestQuerySyntaxError(t *testing.T) {
	e := testEngine(t)

	_, err := e.Search(context.Background(), `content:"unterminated`, nil, 10, 0)
	var syntaxErr *QuerySyntaxError
	if !errors.As(err, &syntaxErr) {
		t.Fatalf("err = %v, want QuerySyntaxError", err)
	}
	if syntaxErr.Query == "" {
		t.Error("QuerySyntaxError should carry the offending query")
	}
}

func TestRandomEmpty(t *testing.T) {
	e := testEngine(t)

	if _, err := e.Random(); !errors.Is(err, ErrIndexEmpty) {
		t.Errorf("Random() on empty index = %v, want ErrIndexEmpty", err)
	}
}

func TestRandom(t *testing.T) {
	e := testEngine(t)

	_ = e.Upsert(msg(1, 1, "only document", t0))
	m, err := e.Random()
	if err != nil {
		t.Fatal(err)
	}
	if m.ChatID != 1 || m.MsgID != 1 {
		t.Errorf("Random() = %+v", m)
	}
}

func TestChatsFacet(t *testing.T) {
	e := testEngine(t)

	_ = e.Upsert(msg(1, 1, "a", t0))
	_ = e.Upsert(msg(1, 2, "b", t0))
	_ = e.Upsert(msg(2, 1, "c", t0))

	chats, err := e.Chats()
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 || chats[1] != 2 || chats[2] != 1 {
		t.Errorf("Chats() = %v", chats)
	}
}

func TestTimeBounds(t *testing.T) {
	e := testEngine(t)

	if _, _, ok, err := e.TimeBounds(); err != nil || ok {
		t.Fatalf("TimeBounds() on empty = ok=%v err=%v", ok, err)
	}

	_ = e.Upsert(msg(1, 1, "oldest", t0))
	_ = e.Upsert(msg(1, 2, "newest", t0.Add(time.Hour)))

	oldest, newest, ok, err := e.TimeBounds()
	if err != nil || !ok {
		t.Fatal(err)
	}
	if !oldest.Equal(t0) || !newest.Equal(t0.Add(time.Hour)) {
		t.Errorf("bounds = %v..%v", oldest, newest)
	}
}

func TestSearchOffsetPaging(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		_ = e.Upsert(msg(1, i, "paged result", t0.Add(time.Duration(i)*time.Minute)))
	}

	seen := make(map[int64]bool)
	for offset := 0; offset < 5; offset += 2 {
		res, err := e.Search(ctx, "paged", nil, 2, offset)
		if err != nil {
			t.Fatal(err)
		}
		if res.Total != 5 {
			t.Fatalf("total = %d, want 5", res.Total)
		}
		for _, hit := range res.Hits {
			if seen[hit.MsgID] {
				t.Errorf("message %d served twice", hit.MsgID)
			}
			seen[hit.MsgID] = true
		}
	}
	if len(seen) != 5 {
		t.Errorf("saw %d distinct messages, want 5", len(seen))
	}
}

func TestParseKey(t *testing.T) {
	chatID, msgID, err := ParseKey(DocKey(1234567890, 42))
	if err != nil {
		t.Fatal(err)
	}
	if chatID != 1234567890 || msgID != 42 {
		t.Errorf("ParseKey = %d/%d", chatID, msgID)
	}

	for _, bad := range []string{"", "12", "a/b", "1/"} {
		if _, _, err := ParseKey(bad); err == nil {
			t.Errorf("ParseKey(%q) should fail", bad)
		}
	}
}
