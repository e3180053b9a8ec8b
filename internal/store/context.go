package store

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memrag/internal/embedding"
	"github.com/rcliao/memrag/internal/memerr"
	"github.com/rcliao/memrag/internal/model"
	"github.com/rcliao/memrag/internal/promptctx"
)

// BuildContext assembles a prompt context for query from every tier. It
// does not count as an access, so repeated calls on an unchanged store
// return identical text. An empty store yields empty text.
func (s *Store) BuildContext(ctx context.Context, p ContextParams) (res *promptctx.Result, err error) {
	defer s.observe("context", time.Now(), &err)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.open("context"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Query) == "" {
		return nil, memerr.New(memerr.InvalidArgument, "context", "query is required")
	}
	if p.MaxChars < 0 {
		return nil, memerr.New(memerr.InvalidArgument, "context", "max_chars must not be negative")
	}
	opts := promptctx.Options{Slots: s.cfg.ContextSlots, MaxChars: s.cfg.MaxContextChars}
	if p.MaxChars > 0 {
		opts.MaxChars = p.MaxChars
	}

	// Similarity only breaks importance ties; without it every entry is
	// still eligible.
	q, err := s.embed(ctx, "context", p.Query)
	if err != nil {
		s.logger.Warn("context built without query similarity", zap.Error(err))
		q = nil
	} else {
		q = embedding.Normalize(q)
	}

	candidates := make(map[model.Tier][]promptctx.Candidate, len(model.Tiers))
	for _, t := range model.Tiers {
		for _, e := range s.tiers[t] {
			c := promptctx.Candidate{Entry: e.Clone()}
			if q != nil && e.HasVector() {
				if v, ok := s.index.Vector(*e.VectorID); ok {
					c.Similarity = embedding.Dot(q, v)
				}
			}
			candidates[t] = append(candidates[t], c)
		}
	}

	out := promptctx.Build(p.Query, candidates, opts)
	return &out, nil
}
