// Package index owns the on-disk full-text index: one bleve index per
// backend instance, keyed upserts and deletes, and ranked queries.
package index

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/cjk"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// chatFacetSize bounds the chat_id terms facet. Far above any realistic
// number of indexed chats for one account.
const chatFacetSize = 100_000

// Engine wraps a bleve index with a single-writer discipline: mutations
// are serialized through mu while queries read a consistent snapshot.
type Engine struct {
	mu   sync.RWMutex
	idx  bleve.Index
	path string
}

// New opens or creates the index at the given directory.
func New(path string) (*Engine, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, buildMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return &Engine{idx: idx, path: path}, nil
}

// NewMem creates an in-memory index, used by tests.
func NewMem() (*Engine, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return &Engine{idx: idx}, nil
}

// buildMapping declares the document schema: content analyzed with the
// CJK bigram analyzer, chat_id as an exact keyword for filtering and
// facets, post_time sortable, sender stored but not searched.
func buildMapping() *mapping.IndexMappingImpl {
	content := bleve.NewTextFieldMapping()
	content.Analyzer = cjk.AnalyzerName
	content.Store = true
	content.IncludeTermVectors = true

	chatID := bleve.NewKeywordFieldMapping()
	chatID.Store = true

	postTime := bleve.NewDateTimeFieldMapping()
	postTime.Store = true

	sender := bleve.NewTextFieldMapping()
	sender.Index = false
	sender.Store = true

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("content", content)
	doc.AddFieldMappingsAt("chat_id", chatID)
	doc.AddFieldMappingsAt("post_time", postTime)
	doc.AddFieldMappingsAt("sender", sender)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

// Upsert inserts or atomically replaces the document for the message's
// key. Safe to call concurrently with queries.
func (e *Engine) Upsert(m *Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.idx.Index(m.Key(), m.doc()); err != nil {
		return fmt.Errorf("index write: %w", err)
	}
	return nil
}

// UpsertBatch commits all messages in one batch so readers see either
// none or all of them. Used by backfill's bulk commit.
func (e *Engine) UpsertBatch(msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	batch := e.idx.NewBatch()
	for _, m := range msgs {
		if err := batch.Index(m.Key(), m.doc()); err != nil {
			return fmt.Errorf("index write: %w", err)
		}
	}
	if err := e.idx.Batch(batch); err != nil {
		return fmt.Errorf("index write: %w", err)
	}
	return nil
}

// Delete removes the document for the key. Deleting an absent key is a
// no-op: deletion events are delivered at least once.
func (e *Engine) Delete(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.idx.Delete(key); err != nil {
		return fmt.Errorf("index write: %w", err)
	}
	return nil
}

// Clear removes all documents matching the given chat ids, or every
// document when none are given, in one batch.
func (e *Engine) Clear(chatIDs ...int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys, err := e.keysLocked(chatIDs)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	batch := e.idx.NewBatch()
	for _, k := range keys {
		batch.Delete(k)
	}
	if err := e.idx.Batch(batch); err != nil {
		return fmt.Errorf("index write: %w", err)
	}
	return nil
}

func (e *Engine) keysLocked(chatIDs []int64) ([]string, error) {
	count, err := e.idx.DocCount()
	if err != nil {
		return nil, fmt.Errorf("doc count: %w", err)
	}
	if count == 0 {
		return nil, nil
	}
	req := bleve.NewSearchRequestOptions(chatFilter(bleve.NewMatchAllQuery(), chatIDs), int(count), 0, false)
	res, err := e.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	keys := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		keys = append(keys, hit.ID)
	}
	return keys, nil
}

// chatFilter wraps a query with a disjunction of exact chat_id terms.
func chatFilter(q query.Query, chatIDs []int64) query.Query {
	if len(chatIDs) == 0 {
		return q
	}
	dis := bleve.NewDisjunctionQuery()
	for _, id := range chatIDs {
		tq := bleve.NewTermQuery(strconv.FormatInt(id, 10))
		tq.SetField("chat_id")
		dis.AddQuery(tq)
	}
	return bleve.NewConjunctionQuery(q, dis)
}

// Hit is one ranked search result.
type Hit struct {
	Message
	Score float64
	// Fragment is a highlighted excerpt of the matching content.
	Fragment string
}

// Result holds one page of ranked matches plus the total match count.
type Result struct {
	Hits  []Hit
	Total uint64
}

// Search runs a query-string query (boolean operators, quoted phrases,
// * and ? wildcards) optionally filtered to the given chats. Ranking is
// relevance with recency as tie-break, so equal-score results come back
// newest first and pagination order is reproducible. Wildcard queries
// may be slow; callers must not assume bounded latency for them.
func (e *Engine) Search(ctx context.Context, q string, chatIDs []int64, limit, offset int) (*Result, error) {
	qsq := bleve.NewQueryStringQuery(q)
	if _, err := qsq.Parse(); err != nil {
		return nil, &QuerySyntaxError{Query: q, Err: err}
	}

	req := bleve.NewSearchRequestOptions(chatFilter(qsq, chatIDs), limit, offset, false)
	req.SortBy([]string{"-_score", "-post_time", "-_id"})
	req.Fields = []string{"content", "chat_id", "post_time", "sender"}
	req.Highlight = bleve.NewHighlightWithStyle("html")
	req.Highlight.AddField("content")

	e.mu.RLock()
	res, err := e.idx.SearchInContext(ctx, req)
	e.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	out := &Result{Total: res.Total, Hits: make([]Hit, 0, len(res.Hits))}
	for _, hit := range res.Hits {
		msg, err := hitToMessage(hit.ID, hit.Fields)
		if err != nil {
			return nil, err
		}
		h := Hit{Message: *msg, Score: hit.Score}
		if frags := hit.Fragments["content"]; len(frags) > 0 {
			h.Fragment = frags[0]
		}
		out.Hits = append(out.Hits, h)
	}
	return out, nil
}

// Random returns a uniformly sampled document across the whole index,
// not weighted by chat. Returns ErrIndexEmpty when nothing is indexed.
func (e *Engine) Random() (*Message, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	count, err := e.idx.DocCount()
	if err != nil {
		return nil, fmt.Errorf("doc count: %w", err)
	}
	if count == 0 {
		return nil, ErrIndexEmpty
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), 1, rand.IntN(int(count)), false)
	req.SortBy([]string{"_id"})
	req.Fields = []string{"content", "chat_id", "post_time", "sender"}
	res, err := e.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if len(res.Hits) == 0 {
		return nil, ErrIndexEmpty
	}
	return hitToMessage(res.Hits[0].ID, res.Hits[0].Fields)
}

// Count returns the number of documents, optionally for specific chats.
func (e *Engine) Count(chatIDs ...int64) (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(chatIDs) == 0 {
		count, err := e.idx.DocCount()
		if err != nil {
			return 0, fmt.Errorf("doc count: %w", err)
		}
		return count, nil
	}
	req := bleve.NewSearchRequestOptions(chatFilter(bleve.NewMatchAllQuery(), chatIDs), 0, 0, false)
	res, err := e.idx.Search(req)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return res.Total, nil
}

// Chats returns every chat id present in the index with its document
// count, via a terms facet on chat_id.
func (e *Engine) Chats() (map[int64]uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), 0, 0, false)
	req.AddFacet("chats", bleve.NewFacetRequest("chat_id", chatFacetSize))
	res, err := e.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("chat facet: %w", err)
	}

	out := make(map[int64]uint64)
	facet, ok := res.Facets["chats"]
	if !ok || facet.Terms == nil {
		return out, nil
	}
	for _, term := range facet.Terms.Terms() {
		id, err := strconv.ParseInt(term.Term, 10, 64)
		if err != nil {
			continue
		}
		out[id] = uint64(term.Count)
	}
	return out, nil
}

// TimeBounds returns the oldest and newest post times in the index.
// ok is false when the index is empty.
func (e *Engine) TimeBounds() (oldest, newest time.Time, ok bool, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	oldest, ok, err = e.boundLocked("post_time")
	if err != nil || !ok {
		return time.Time{}, time.Time{}, false, err
	}
	newest, ok, err = e.boundLocked("-post_time")
	if err != nil || !ok {
		return time.Time{}, time.Time{}, false, err
	}
	return oldest, newest, true, nil
}

func (e *Engine) boundLocked(sort string) (time.Time, bool, error) {
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), 1, 0, false)
	req.SortBy([]string{sort})
	req.Fields = []string{"post_time"}
	res, err := e.idx.Search(req)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("time bounds: %w", err)
	}
	if len(res.Hits) == 0 {
		return time.Time{}, false, nil
	}
	ts, err := fieldTime(res.Hits[0].Fields["post_time"])
	if err != nil {
		return time.Time{}, false, err
	}
	return ts, true, nil
}

// Close releases the underlying index.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.idx.Close()
}

func hitToMessage(key string, fields map[string]interface{}) (*Message, error) {
	chatID, msgID, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	postTime, err := fieldTime(fields["post_time"])
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", key, err)
	}
	return &Message{
		ChatID:   chatID,
		MsgID:    msgID,
		Content:  fieldString(fields["content"]),
		Sender:   fieldString(fields["sender"]),
		PostTime: postTime,
	}, nil
}

func fieldString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []interface{}:
		if len(s) > 0 {
			if str, ok := s[0].(string); ok {
				return str
			}
		}
	}
	return ""
}

func fieldTime(v interface{}) (time.Time, error) {
	s := fieldString(v)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing post_time field")
	}
	return time.Parse(time.RFC3339, s)
}
