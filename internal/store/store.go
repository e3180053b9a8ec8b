// Package store is the hierarchical memory store: it owns the tier tables,
// the vector index and the storage layer, and exposes the public operations.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rcliao/memrag/internal/config"
	"github.com/rcliao/memrag/internal/embedding"
	"github.com/rcliao/memrag/internal/index"
	"github.com/rcliao/memrag/internal/logging"
	"github.com/rcliao/memrag/internal/memerr"
	"github.com/rcliao/memrag/internal/memory"
	"github.com/rcliao/memrag/internal/metrics"
	"github.com/rcliao/memrag/internal/model"
	"github.com/rcliao/memrag/internal/storage"
)

// StoreParams holds parameters for storing a memory.
type StoreParams struct {
	Tier       string // empty means detect from content
	Content    string
	Importance float64
	Metadata   map[string]string
}

// SearchParams holds parameters for searching memories.
type SearchParams struct {
	Query string
	Tier  string // empty searches every tier
	K     int
}

// ContextParams holds parameters for context assembly.
type ContextParams struct {
	Query    string
	MaxChars int // 0 uses the configured limit
}

// DocumentParams holds parameters for ingesting a document.
type DocumentParams struct {
	DocID    string
	Content  string
	Metadata map[string]string
}

// ListParams holds parameters for listing memories.
type ListParams struct {
	Tier  string
	Limit int
}

// Options configures Open.
type Options struct {
	Config config.Config

	// Embedder overrides the provider named in Config.
	Embedder embedding.Embedder
	Logger   *zap.Logger
	// Registerer receives the store metrics; nil keeps them private.
	Registerer prometheus.Registerer
	// ReadOnly opens without the writer lock. Mutating operations fail.
	ReadOnly bool
	// Now overrides the clock.
	Now func() time.Time
}

// Store is safe for concurrent use; public operations are serialized.
type Store struct {
	mu sync.Mutex

	cfg      config.Config
	policy   memory.Policy
	embedder embedding.Embedder
	storage  *storage.Storage
	index    *index.Index
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time
	readOnly bool

	tiers    map[model.Tier][]*model.Entry
	byID     map[int64]*model.Entry
	byVector map[int64]*model.Entry
	docs     map[string]*model.Document
	nextID   int64

	report storage.LoadReport
	dirty  bool
	closed bool
}

// Open opens (creating if needed) the store under opts.Config.Root and loads
// its contents.
func Open(ctx context.Context, opts Options) (*Store, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, memerr.Wrap(memerr.InvalidArgument, "open", err)
	}
	logger := logging.OrNop(opts.Logger)

	emb := opts.Embedder
	if emb == nil {
		var err error
		emb, err = embedding.New(embedding.Options{
			Provider:   cfg.EmbedProvider,
			Model:      cfg.EmbedModel,
			URL:        cfg.EmbedURL,
			Dims:       cfg.Dim,
			RatePerSec: cfg.EmbedRatePerSec,
		})
		if err != nil {
			return nil, memerr.Wrap(memerr.InvalidArgument, "open", err)
		}
	}
	emb = embedding.WithTimeout(emb, cfg.EmbedTimeout)
	if cfg.EmbedCacheSize > 0 {
		cached, err := embedding.NewCached(emb, cfg.EmbedCacheSize)
		if err != nil {
			return nil, fmt.Errorf("embedding cache: %w", err)
		}
		emb = cached
	}

	st, err := storage.Open(cfg.Root, storage.Options{ReadOnly: opts.ReadOnly}, logger)
	if err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		cfg:      cfg,
		policy:   memory.PolicyFrom(cfg),
		embedder: emb,
		storage:  st,
		metrics:  metrics.NewCollector(opts.Registerer, logger),
		logger:   logger.With(zap.String("component", "store")),
		now:      now,
		readOnly: opts.ReadOnly,
	}

	if _, err := s.load(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return s, nil
}

// Config returns the configuration the store was opened with.
func (s *Store) Config() config.Config { return s.cfg }

// LoadReport returns the recovery report of the most recent load.
func (s *Store) LoadReport() storage.LoadReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Close saves pending changes and releases the writer lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var saveErr error
	if !s.readOnly && s.dirty {
		saveErr = s.save()
	}
	if err := s.storage.Close(); err != nil && saveErr == nil {
		return memerr.Wrap(memerr.StorageFailed, "close", err)
	}
	return saveErr
}

// observe records metrics for a public operation. Use as
// defer s.observe("op", time.Now(), &err).
func (s *Store) observe(op string, start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	s.metrics.RecordOperation(op, time.Since(start), err)
	if err != nil {
		s.logger.Debug("operation failed", zap.String("op", op), zap.Error(err))
	}
}

func (s *Store) writable(op string) error {
	if s.closed {
		return memerr.New(memerr.InvalidArgument, op, "store is closed")
	}
	if s.readOnly {
		return memerr.New(memerr.ReadOnly, op, "store opened read-only")
	}
	return nil
}

func (s *Store) open(op string) error {
	if s.closed {
		return memerr.New(memerr.InvalidArgument, op, "store is closed")
	}
	return nil
}

func parseTierArg(op, tier string) (model.Tier, error) {
	t, ok := model.ParseTier(tier)
	if !ok {
		return "", memerr.New(memerr.TierUnknown, op, "unknown tier %q (valid: core, semantic, episodic, working)", tier)
	}
	return t, nil
}

// embed returns the vector for text or an EmbedFailed error.
func (s *Store) embed(ctx context.Context, op, text string) ([]float32, error) {
	v, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, memerr.Wrap(memerr.EmbedFailed, op, err)
	}
	if len(v) != s.cfg.Dim {
		return nil, memerr.New(memerr.DimensionMismatch, op, "embedder returned %d dimensions, store expects %d", len(v), s.cfg.Dim)
	}
	return v, nil
}

func (s *Store) embedBatch(ctx context.Context, op string, texts []string) ([][]float32, error) {
	vecs, err := embedding.EmbedBatch(ctx, s.embedder, texts)
	if err != nil {
		return nil, memerr.Wrap(memerr.EmbedFailed, op, err)
	}
	for _, v := range vecs {
		if len(v) != s.cfg.Dim {
			return nil, memerr.New(memerr.DimensionMismatch, op, "embedder returned %d dimensions, store expects %d", len(v), s.cfg.Dim)
		}
	}
	return vecs, nil
}

func (s *Store) indexOptions() index.Options {
	return index.Options{
		Dim:            s.cfg.Dim,
		NList:          s.cfg.NList,
		NProbe:         s.cfg.NProbe,
		TrainThreshold: s.cfg.TrainThreshold,
	}
}

// resetState empties the in-memory tables.
func (s *Store) resetState() {
	s.tiers = make(map[model.Tier][]*model.Entry, len(model.Tiers))
	s.byID = make(map[int64]*model.Entry)
	s.byVector = make(map[int64]*model.Entry)
	s.docs = make(map[string]*model.Document)
	s.nextID = 1
}

// track adds e to the in-memory tables.
func (s *Store) track(e *model.Entry) {
	s.tiers[e.Tier] = append(s.tiers[e.Tier], e)
	s.byID[e.ID] = e
	if e.HasVector() {
		s.byVector[*e.VectorID] = e
	}
	if e.ID >= s.nextID {
		s.nextID = e.ID + 1
	}
}

// forget removes e from the lookup maps and drops its vector. The caller
// updates the tier slice.
func (s *Store) forget(e *model.Entry) {
	delete(s.byID, e.ID)
	if e.HasVector() {
		s.index.Remove(*e.VectorID)
		delete(s.byVector, *e.VectorID)
	}
}

func (s *Store) tierSizes() map[model.Tier]int {
	out := make(map[model.Tier]int, len(model.Tiers))
	for _, t := range model.Tiers {
		out[t] = len(s.tiers[t])
	}
	return out
}

func cloneAll(entries []*model.Entry) []*model.Entry {
	out := make([]*model.Entry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}
