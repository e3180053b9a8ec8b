package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rcliao/memrag/internal/config"
	"github.com/rcliao/memrag/internal/embedding"
	"github.com/rcliao/memrag/internal/memerr"
	"github.com/rcliao/memrag/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// switchEmbedder fails every call while down is set.
type switchEmbedder struct {
	inner *embedding.HashEmbedder
	down  atomic.Bool
}

func (e *switchEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	if e.down.Load() {
		return nil, errors.New("embedding service unavailable")
	}
	return e.inner.Embed(ctx, text)
}

func (e *switchEmbedder) Dims() int { return e.inner.Dims() }

// cancellingEmbedder cancels the caller's context after embedding trigger.
type cancellingEmbedder struct {
	inner   *embedding.HashEmbedder
	trigger string
	cancel  context.CancelFunc
}

func (e *cancellingEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	v, err := e.inner.Embed(ctx, text)
	if text == e.trigger && e.cancel != nil {
		e.cancel()
	}
	return v, err
}

func (e *cancellingEmbedder) Dims() int { return e.inner.Dims() }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Root = t.TempDir()
	cfg.EmbedCacheSize = 0
	return cfg
}

func openStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	s, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return openStore(t, Options{Config: testConfig(t)})
}

// crash drops the store without saving, as if the process died.
func crash(t *testing.T, s *Store) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, s.storage.Close())
	s.closed = true
}

func mustStore(t *testing.T, s *Store, tier, content string, importance float64) *model.Entry {
	t.Helper()
	e, err := s.Store(context.Background(), StoreParams{Tier: tier, Content: content, Importance: importance})
	require.NoError(t, err)
	return e
}

func contents(entries []*model.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Content
	}
	return out
}

func TestStoreAndRetrieve(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	stored := mustStore(t, s, "core", "Paris is the capital of France", 1.0)
	mustStore(t, s, "semantic", "Berlin is the capital of Germany", 1.0)
	assert.Equal(t, model.TierCore, stored.Tier)
	require.NotNil(t, stored.VectorID)

	resp, err := s.Search(ctx, SearchParams{Query: "What is the capital of France?", Tier: "core", K: 3})
	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "Paris is the capital of France", resp.Hits[0].Entry.Content)
	assert.GreaterOrEqual(t, resp.Hits[0].Similarity, 0.5)
}

func TestStoreValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Store(ctx, StoreParams{Tier: "archive", Content: "x", Importance: 0.5})
	assert.True(t, errors.Is(err, memerr.ErrTierUnknown))

	_, err = s.Store(ctx, StoreParams{Tier: "core", Content: "   ", Importance: 0.5})
	assert.True(t, errors.Is(err, memerr.ErrInvalidArgument))

	_, err = s.Store(ctx, StoreParams{Tier: "core", Content: "x", Importance: 1.5})
	assert.True(t, errors.Is(err, memerr.ErrInvalidArgument))

	list, err := s.List(ListParams{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStoreDetectsTier(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		content string
		want    model.Tier
	}{
		{"Q: what is Go?\nA: a programming language", model.TierEpisodic},
		{"Go is a language", model.TierCore},
		{"Python was released in 1991", model.TierSemantic},
	}
	for _, tt := range tests {
		e := mustStore(t, s, "", tt.content, 0.5)
		assert.Equal(t, tt.want, e.Tier, tt.content)
	}
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	s := openStore(t, Options{Config: cfg})

	mustStore(t, s, "semantic", "Python was released in 1991", 0.7)
	mustStore(t, s, "semantic", "Python was created by Guido van Rossum", 0.7)
	mustStore(t, s, "semantic", "Python emphasizes readability", 0.7)
	require.NoError(t, s.Save(ctx))
	require.NoError(t, s.Close())

	s2 := openStore(t, Options{Config: cfg})
	list, err := s2.List(ListParams{Tier: "semantic"})
	require.NoError(t, err)
	assert.Len(t, list, 3)
	for _, e := range list {
		assert.Equal(t, model.TierSemantic, e.Tier)
		assert.InDelta(t, 0.7, e.Importance, 1e-9)
	}

	res, err := s2.BuildContext(ctx, ContextParams{Query: "Who created Python?"})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "Guido van Rossum")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	s := openStore(t, Options{Config: cfg})

	mustStore(t, s, "semantic", "Python was released in 1991", 0.6)
	mustStore(t, s, "semantic", "Python was created by Guido van Rossum", 0.6)
	mustStore(t, s, "core", "Python emphasizes readability", 0.9)
	mustStore(t, s, "episodic", "We talked about release history", 0.4)
	require.NoError(t, s.Save(ctx))

	query := SearchParams{Query: "Python release history", K: 4}
	before, err := s.Search(ctx, query)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := openStore(t, Options{Config: cfg})
	after, err := s2.Search(ctx, query)
	require.NoError(t, err)

	require.Len(t, after.Hits, len(before.Hits))
	for i := range before.Hits {
		assert.Equal(t, before.Hits[i].Entry.ID, after.Hits[i].Entry.ID)
		assert.Equal(t, before.Hits[i].Entry.Content, after.Hits[i].Entry.Content)
		assert.InDelta(t, before.Hits[i].Similarity, after.Hits[i].Similarity, 1e-6)
	}
}

func TestLoadReplacesState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustStore(t, s, "core", "Paris is the capital of France", 1)
	require.NoError(t, s.Save(ctx))
	mustStore(t, s, "core", "Rome is the capital of Italy", 1)

	// Appends are durable before save, so load sees both.
	report, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Skipped)
	list, err := s.List(ListParams{Tier: "core"})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCompressionPreservesFacts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	suffixes := []string{"today", "again", "officially", "publicly", "worldwide",
		"recently", "finally", "quietly", "successfully", "yesterday"}
	for _, suffix := range suffixes {
		mustStore(t, s, "semantic", "Python version 3.8 was released "+suffix, 0.5)
	}

	sum, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, sum.Compressed)

	list, err := s.List(ListParams{Tier: "semantic"})
	require.NoError(t, err)
	require.LessOrEqual(t, len(list), 3)
	require.NotEmpty(t, list)
	assert.Contains(t, strings.Join(contents(list), "\n"), "3.8")

	// The survivor is still its own best match.
	resp, err := s.Search(ctx, SearchParams{Query: list[0].Content, K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, list[0].ID, resp.Hits[0].Entry.ID)
	assert.Equal(t, 1, s.index.Len())
}

func TestEvictionPromotesWorking(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.TierCaps.Working = 10
	clock := newClock()
	s := openStore(t, Options{Config: cfg, Now: clock.Now})

	var oldest []string
	for i := 0; i < 15; i++ {
		content := fmt.Sprintf("w%da w%db w%dc", i, i, i)
		mustStore(t, s, "working", content, 0.5)
		if i < 5 {
			oldest = append(oldest, content)
		}
		clock.Advance(time.Minute)
	}

	sum, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Evicted)
	assert.Equal(t, 5, sum.Promoted)

	working, err := s.List(ListParams{Tier: "working"})
	require.NoError(t, err)
	assert.Len(t, working, 10)

	episodic, err := s.List(ListParams{Tier: "episodic"})
	require.NoError(t, err)
	assert.ElementsMatch(t, oldest, contents(episodic))
	for _, e := range episodic {
		assert.Equal(t, "working", e.Metadata[MetaPromotedFrom])
		require.NotNil(t, e.VectorID)
		assert.True(t, s.index.Has(*e.VectorID))
	}
}

func TestEvictionTiesPromoteOldest(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.TierCaps.Working = 3
	clock := newClock()
	s := openStore(t, Options{Config: cfg, Now: clock.Now})

	for i := 0; i < 5; i++ {
		mustStore(t, s, "working", fmt.Sprintf("w%da w%db w%dc", i, i, i), 0.5)
	}

	sum, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Promoted)

	episodic, err := s.List(ListParams{Tier: "episodic"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"w0a w0b w0c", "w1a w1b w1c"}, contents(episodic))
}

func TestCleanupRespectsCaps(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.TierCaps = config.TierCaps{Core: 2, Semantic: 4, Episodic: 3, Working: 3}
	s := openStore(t, Options{Config: cfg})

	n := 0
	for _, tier := range model.Tiers {
		for i := 0; i < 6; i++ {
			mustStore(t, s, string(tier), fmt.Sprintf("w%da w%db w%dc", n, n, n), float64(i+1)/10)
			n++
		}
	}

	_, err := s.Cleanup(ctx)
	require.NoError(t, err)

	for _, tier := range model.Tiers {
		list, err := s.List(ListParams{Tier: string(tier)})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(list), cfg.TierCaps.Of(tier), tier)
	}

	// Every surviving vector belongs to exactly one entry.
	assert.Equal(t, len(s.byID), s.index.Len())
	assert.Equal(t, len(s.byID), len(s.byVector))
}

func TestCleanupDecayIsMonotone(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := openStore(t, Options{Config: testConfig(t), Now: clock.Now})

	e := mustStore(t, s, "core", "Paris is the capital of France", 0.9)
	f := mustStore(t, s, "semantic", "Python emphasizes readability", 0.9)

	prev := map[int64]float64{e.ID: 0.9, f.ID: 0.9}
	for i := 0; i < 5; i++ {
		clock.Advance(6 * time.Hour)
		_, err := s.Cleanup(ctx)
		require.NoError(t, err)
		for id, p := range prev {
			got, err := s.Get(id)
			require.NoError(t, err)
			assert.LessOrEqual(t, got.Importance, p)
			assert.GreaterOrEqual(t, got.Importance, 0.0)
			prev[id] = got.Importance
		}
	}
	// Core stays at the floor; semantic keeps decaying.
	assert.InDelta(t, 0.5, prev[e.ID], 1e-9)
	assert.Less(t, prev[f.ID], 0.5)
}

func TestCleanupExpiresStaleEntries(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := openStore(t, Options{Config: testConfig(t), Now: clock.Now})

	mustStore(t, s, "episodic", "We discussed AI yesterday", 0.3)
	core := mustStore(t, s, "core", "AI is intelligent computation", 0.3)

	clock.Advance(31 * 24 * time.Hour)
	sum, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Expired)

	list, err := s.List(ListParams{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, core.ID, list[0].ID)
}

func TestContextWeighting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustStore(t, s, "core", "AI is intelligent computation", 0.8)
	mustStore(t, s, "episodic", "We discussed AI yesterday", 0.8)

	res, err := s.BuildContext(ctx, ContextParams{Query: "What is AI?"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Blocks)
	assert.Equal(t, model.TierCore, res.Blocks[0].Tier)
	assert.True(t, strings.HasPrefix(res.Text, "=== core ===\n- [imp=0.80] AI is intelligent computation"))

	res, err = s.BuildContext(ctx, ContextParams{Query: "When did we discuss AI?"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Blocks)
	assert.Equal(t, model.TierEpisodic, res.Blocks[0].Tier)
}

func TestContextIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustStore(t, s, "core", "AI is intelligent computation", 0.8)
	mustStore(t, s, "semantic", "Python was released in 1991", 0.6)
	mustStore(t, s, "working", "User asked about Python", 0.7)

	first, err := s.BuildContext(ctx, ContextParams{Query: "Tell me about Python"})
	require.NoError(t, err)
	second, err := s.BuildContext(ctx, ContextParams{Query: "Tell me about Python"})
	require.NoError(t, err)
	assert.Equal(t, first.Text, second.Text)

	list, err := s.List(ListParams{})
	require.NoError(t, err)
	for _, e := range list {
		assert.Zero(t, e.UseCount)
	}
}

func TestContextEmptyStore(t *testing.T) {
	s := newTestStore(t)
	res, err := s.BuildContext(context.Background(), ContextParams{Query: "anything"})
	require.NoError(t, err)
	assert.Empty(t, res.Text)

	_, err = s.BuildContext(context.Background(), ContextParams{Query: " "})
	assert.True(t, errors.Is(err, memerr.ErrInvalidArgument))
}

func TestDegradedSearch(t *testing.T) {
	ctx := context.Background()
	emb := &switchEmbedder{inner: embedding.NewHashEmbedder(384)}
	reg := prometheus.NewRegistry()
	s := openStore(t, Options{Config: testConfig(t), Embedder: emb, Registerer: reg})

	mustStore(t, s, "core", "Paris is the capital of France", 0.9)
	mustStore(t, s, "semantic", "Berlin is the capital of Germany", 0.8)
	mustStore(t, s, "episodic", "I visited PARIS last spring", 0.4)

	emb.down.Store(true)
	resp, err := s.Search(ctx, SearchParams{Query: "Paris"})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	require.Len(t, resp.Hits, 2)
	assert.Equal(t, "Paris is the capital of France", resp.Hits[0].Entry.Content)
	for _, h := range resp.Hits {
		assert.Contains(t, strings.ToLower(h.Entry.Content), "paris")
	}

	expected := `
# HELP memrag_degraded_searches_total Searches answered by lexical fallback
# TYPE memrag_degraded_searches_total counter
memrag_degraded_searches_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "memrag_degraded_searches_total"))

	_, err = s.Store(ctx, StoreParams{Tier: "core", Content: "Rome is the capital of Italy", Importance: 1})
	assert.True(t, errors.Is(err, memerr.ErrEmbedFailed))
	assert.Equal(t, 3, len(s.byID))
	assert.Equal(t, 3, s.index.Len())
}

func TestSearchCountsAccess(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := openStore(t, Options{Config: testConfig(t), Now: clock.Now})

	e := mustStore(t, s, "semantic", "Python emphasizes readability", 0.5)
	clock.Advance(time.Hour)

	resp, err := s.Search(ctx, SearchParams{Query: "readability"})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, 1, resp.Hits[0].Entry.UseCount)
	assert.True(t, resp.Hits[0].Entry.LastAccessedAt.Equal(clock.Now()))

	got, err := s.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UseCount)
	assert.GreaterOrEqual(t, got.Importance, 0.0)
	assert.LessOrEqual(t, got.Importance, 1.0)
}

func TestSearchTierFilterFindsDeepHits(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 20; i++ {
		mustStore(t, s, "semantic", fmt.Sprintf("Paris fact number w%d", i), 0.5)
	}
	mustStore(t, s, "episodic", "zebra", 0.5)

	resp, err := s.Search(ctx, SearchParams{Query: "Paris fact", Tier: "episodic", K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "zebra", resp.Hits[0].Entry.Content)

	_, err = s.Search(ctx, SearchParams{Query: "Paris", Tier: "archive"})
	assert.True(t, errors.Is(err, memerr.ErrTierUnknown))
}

func TestClearThenSearchEmpty(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustStore(t, s, "core", "Paris is the capital of France", 1)
	mustStore(t, s, "semantic", "Paris has many museums", 0.5)

	removed, err := s.Clear(ctx, "core")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	resp, err := s.Search(ctx, SearchParams{Query: "Paris", Tier: "core"})
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)

	resp, err = s.Search(ctx, SearchParams{Query: "Paris"})
	require.NoError(t, err)
	assert.Len(t, resp.Hits, 1)

	_, err = s.Clear(ctx, "archive")
	assert.True(t, errors.Is(err, memerr.ErrTierUnknown))

	_, err = s.Clear(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, s.index.Len())
}

func TestAddDocument(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.ChunkWords = 20
	cfg.ChunkOverlap = 5
	s := openStore(t, Options{Config: cfg})

	words := make([]string, 50)
	for i := range words {
		words[i] = fmt.Sprintf("word%d", i)
	}
	content := strings.Join(words, " ")

	doc, err := s.AddDocument(ctx, DocumentParams{DocID: "guide", Content: content, Metadata: map[string]string{"source": "guide.md"}})
	require.NoError(t, err)
	require.Len(t, doc.ChunkIDs, 3)
	assert.True(t, doc.Indexed)

	for i, id := range doc.ChunkIDs {
		e, err := s.Get(id)
		require.NoError(t, err)
		assert.Equal(t, model.TierSemantic, e.Tier)
		assert.Equal(t, "guide", e.Metadata[model.MetaDocID])
		assert.Equal(t, fmt.Sprint(i), e.Metadata[model.MetaChunkIndex])
		assert.Equal(t, "guide.md", e.Metadata[model.MetaSource])
	}

	_, err = s.AddDocument(ctx, DocumentParams{DocID: "guide", Content: content})
	assert.True(t, errors.Is(err, memerr.ErrDocumentExists))
	list, err := s.List(ListParams{Tier: "semantic"})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	data, err := os.ReadFile(filepath.Join(cfg.Root, "documents.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"guide"`)
}

func TestDocumentUnindexedAfterClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.AddDocument(ctx, DocumentParams{DocID: "notes", Content: "Go has goroutines and channels"})
	require.NoError(t, err)

	_, err = s.Clear(ctx, "semantic")
	require.NoError(t, err)

	doc := s.Documents()["notes"]
	require.NotNil(t, doc)
	assert.False(t, doc.Indexed)
	assert.Empty(t, doc.ChunkIDs)

	again, err := s.AddDocument(ctx, DocumentParams{DocID: "notes", Content: "Go has goroutines and channels"})
	require.NoError(t, err)
	assert.True(t, again.Indexed)
	assert.Len(t, again.ChunkIDs, 1)
}

func TestDocumentUnindexedAfterCompression(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.ChunkWords = 20
	cfg.ChunkOverlap = 5
	s := openStore(t, Options{Config: cfg})

	// Every window of a repeating five-word phrase has the same text.
	content := strings.TrimSpace(strings.Repeat("alpha beta gamma delta epsilon ", 10))
	doc, err := s.AddDocument(ctx, DocumentParams{DocID: "loop", Content: content})
	require.NoError(t, err)
	require.Len(t, doc.ChunkIDs, 3)

	sum, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Compressed)

	rec := s.Documents()["loop"]
	require.NotNil(t, rec)
	assert.False(t, rec.Indexed)
	assert.Equal(t, doc.ChunkIDs[:1], rec.ChunkIDs)

	again, err := s.AddDocument(ctx, DocumentParams{DocID: "loop", Content: content})
	require.NoError(t, err)
	assert.True(t, again.Indexed)
	require.Len(t, again.ChunkIDs, 3)

	// The survivor of the first ingest is replaced, not duplicated.
	list, err := s.List(ListParams{Tier: "semantic"})
	require.NoError(t, err)
	assert.Len(t, list, 3)
	_, err = s.Get(doc.ChunkIDs[0])
	assert.True(t, errors.Is(err, memerr.ErrNotFound))

	require.NoError(t, s.Save(ctx))
	data, err := os.ReadFile(filepath.Join(cfg.Root, "documents.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"indexed": true`)
}

func TestDeleteDocument(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.AddDocument(ctx, DocumentParams{DocID: "notes", Content: "Go has goroutines and channels"})
	require.NoError(t, err)

	removed, err := s.DeleteDocument(ctx, "notes", true)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	docs := s.Documents()
	require.Contains(t, docs, "notes")
	assert.False(t, docs["notes"].Indexed)
	assert.Empty(t, docs["notes"].ChunkIDs)
	assert.Zero(t, s.index.Len())

	// A kept record can be ingested again.
	_, err = s.AddDocument(ctx, DocumentParams{DocID: "notes", Content: "Go has goroutines and channels"})
	require.NoError(t, err)

	_, err = s.DeleteDocument(ctx, "notes", false)
	require.NoError(t, err)
	assert.NotContains(t, s.Documents(), "notes")

	_, err = s.DeleteDocument(ctx, "missing", false)
	assert.True(t, errors.Is(err, memerr.ErrDocumentNotFound))
}

func TestRecordTurn(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	q, pair, err := s.RecordTurn(ctx, "What is Go?", "A programming language")
	require.NoError(t, err)
	assert.Equal(t, model.TierWorking, q.Tier)
	assert.InDelta(t, TurnQueryImportance, q.Importance, 1e-9)
	assert.Equal(t, model.TierEpisodic, pair.Tier)
	assert.Equal(t, "Q: What is Go?\nA: A programming language", pair.Content)
	assert.InDelta(t, TurnPairImportance, pair.Importance, 1e-9)

	_, _, err = s.RecordTurn(ctx, "", "answer")
	assert.True(t, errors.Is(err, memerr.ErrInvalidArgument))
}

func TestCancelledStoreLeavesNoEntry(t *testing.T) {
	cfg := testConfig(t)
	emb := &cancellingEmbedder{inner: embedding.NewHashEmbedder(384), trigger: "cancel me"}
	s := openStore(t, Options{Config: cfg, Embedder: emb})

	kept := mustStore(t, s, "semantic", "Go has goroutines", 0.5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	emb.cancel = cancel
	_, err := s.Store(ctx, StoreParams{Tier: "semantic", Content: "cancel me", Importance: 0.5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, s.index.Len())
	assert.Len(t, s.byID, 1)

	crash(t, s)

	s2 := openStore(t, Options{Config: cfg})
	list, err := s2.List(ListParams{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, kept.ID, list[0].ID)
	assert.Equal(t, 1, s2.LoadReport().Tombstoned)
}

func TestLoadReembedsMissingVectors(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	s := openStore(t, Options{Config: cfg})

	var stored []*model.Entry
	for i := 0; i < 5; i++ {
		stored = append(stored, mustStore(t, s, "semantic", fmt.Sprintf("w%da w%db w%dc", i, i, i), 0.5))
	}
	crash(t, s)

	s2 := openStore(t, Options{Config: cfg})
	require.Equal(t, 5, s2.index.Len())
	for _, e := range stored {
		got, err := s2.Get(e.ID)
		require.NoError(t, err)
		require.NotNil(t, got.VectorID)

		v, ok := s2.index.Vector(*got.VectorID)
		require.True(t, ok)
		results, err := s2.index.Search(v, 1)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, *got.VectorID, results[0].ID)
		assert.GreaterOrEqual(t, results[0].Similarity, 0.999)
	}

	resp, err := s2.Search(ctx, SearchParams{Query: "w3a w3b w3c", K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, stored[3].ID, resp.Hits[0].Entry.ID)
}

func TestLoadSkipsMalformedLines(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, Options{Config: cfg})
	mustStore(t, s, "core", "Paris is the capital of France", 1)
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(cfg.Root, "memories", "core.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2 := openStore(t, Options{Config: cfg})
	report := s2.LoadReport()
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, model.TierCore, report.Skipped[0].Tier)
	assert.Equal(t, 2, report.Skipped[0].Line)

	list, err := s2.List(ListParams{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReadOnlyAndLocked(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	w := openStore(t, Options{Config: cfg})
	mustStore(t, w, "core", "Paris is the capital of France", 1)

	_, err := Open(ctx, Options{Config: cfg, Logger: zaptest.NewLogger(t)})
	assert.True(t, errors.Is(err, memerr.ErrLocked))

	r := openStore(t, Options{Config: cfg, ReadOnly: true})
	resp, err := r.Search(ctx, SearchParams{Query: "capital of France"})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)

	_, err = r.Store(ctx, StoreParams{Tier: "core", Content: "Rome is the capital of Italy", Importance: 1})
	assert.True(t, errors.Is(err, memerr.ErrReadOnly))
	_, err = r.Cleanup(ctx)
	assert.True(t, errors.Is(err, memerr.ErrReadOnly))
	assert.True(t, errors.Is(r.Save(ctx), memerr.ErrReadOnly))
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	mustStore(t, src, "core", "Paris is the capital of France", 1)
	mustStore(t, src, "semantic", "Python was released in 1991", 0.6)
	mustStore(t, src, "episodic", "We discussed AI yesterday", 0.4)

	exp, err := src.Export(ctx)
	require.NoError(t, err)
	require.Len(t, exp.Entries, 3)
	assert.NotEmpty(t, exp.ID)

	dst := newTestStore(t)
	res, err := dst.Import(ctx, exp.Entries)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Imported: 3}, res)

	res, err = dst.Import(ctx, exp.Entries)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Skipped: 3}, res)

	resp, err := dst.Search(ctx, SearchParams{Query: "capital of France", Tier: "core", K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "Paris is the capital of France", resp.Hits[0].Entry.Content)
}

func TestExportSQLite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustStore(t, s, "core", "Paris is the capital of France", 1)

	path := filepath.Join(t.TempDir(), "snapshot.db")
	exp, err := s.ExportSQLite(ctx, path)
	require.NoError(t, err)
	assert.Len(t, exp.Entries, 1)
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = s.ExportSQLite(ctx, path)
	assert.True(t, errors.Is(err, memerr.ErrStorageFailed))
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	mustStore(t, s, "core", "Paris is the capital of France", 1)
	mustStore(t, s, "working", "User asked about Paris", 0.5)
	require.NoError(t, s.Save(context.Background()))

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.Vectors)
	assert.Positive(t, st.DiskBytes)
	assert.NotEmpty(t, st.DiskSize)
	require.Len(t, st.Tiers, len(model.Tiers))
	for _, ts := range st.Tiers {
		switch ts.Tier {
		case model.TierCore, model.TierWorking:
			assert.Equal(t, 1, ts.Count)
		default:
			assert.Zero(t, ts.Count)
		}
	}
}

func TestClosedStore(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Search(context.Background(), SearchParams{Query: "x"})
	assert.True(t, errors.Is(err, memerr.ErrInvalidArgument))
}
