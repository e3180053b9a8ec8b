package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memrag/internal/memerr"
	"github.com/rcliao/memrag/internal/model"
)

// DefaultK is the number of hits returned when SearchParams.K is unset.
const DefaultK = 5

// Hit is one search result.
type Hit struct {
	Entry      *model.Entry `json:"entry"`
	Similarity float64      `json:"similarity"`
}

// SearchResponse holds the hits of a search. Degraded is set when the query
// could not be embedded and hits came from lexical matching.
type SearchResponse struct {
	Hits     []Hit `json:"hits"`
	Degraded bool  `json:"degraded"`
}

// Search returns up to K entries most similar to the query, optionally
// restricted to one tier. Every returned entry counts as an access. When the
// embedder fails the search falls back to case-insensitive substring
// matching ranked by importance.
func (s *Store) Search(ctx context.Context, p SearchParams) (resp *SearchResponse, err error) {
	defer s.observe("search", time.Now(), &err)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.open("search"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Query) == "" {
		return nil, memerr.New(memerr.InvalidArgument, "search", "query is required")
	}
	var tier model.Tier
	if p.Tier != "" {
		if tier, err = parseTierArg("search", p.Tier); err != nil {
			return nil, err
		}
	}
	k := p.K
	if k <= 0 {
		k = DefaultK
	}

	resp = &SearchResponse{Hits: []Hit{}}
	var hits []Hit
	q, err := s.embed(ctx, "search", p.Query)
	switch {
	case errors.Is(err, memerr.ErrEmbedFailed):
		s.logger.Warn("embedder unavailable, using lexical search", zap.Error(err))
		s.metrics.RecordDegradedSearch()
		resp.Degraded = true
		hits = s.lexicalSearch(p.Query, tier, k)
	case err != nil:
		return nil, err
	default:
		if hits, err = s.vectorSearch(q, tier, k); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	for _, h := range hits {
		s.policy.Touch(h.Entry, now)
		resp.Hits = append(resp.Hits, Hit{Entry: h.Entry.Clone(), Similarity: h.Similarity})
	}
	if len(hits) > 0 {
		s.dirty = true
	}
	return resp, nil
}

// vectorSearch asks the index for progressively more candidates until k hits
// fall in tier or the index is exhausted.
func (s *Store) vectorSearch(q []float32, tier model.Tier, k int) ([]Hit, error) {
	total := s.index.Len()
	fetch := k
	for {
		if fetch > total {
			fetch = total
		}
		results, err := s.index.Search(q, fetch)
		if err != nil {
			return nil, err
		}
		hits := make([]Hit, 0, k)
		for _, r := range results {
			e, ok := s.byVector[r.ID]
			if !ok || (tier != "" && e.Tier != tier) {
				continue
			}
			hits = append(hits, Hit{Entry: e, Similarity: r.Similarity})
			if len(hits) == k {
				return hits, nil
			}
		}
		if fetch >= total {
			return hits, nil
		}
		fetch *= 2
	}
}

func (s *Store) lexicalSearch(query string, tier model.Tier, k int) []Hit {
	needle := strings.ToLower(query)
	var matches []*model.Entry
	for _, t := range model.Tiers {
		if tier != "" && t != tier {
			continue
		}
		for _, e := range s.tiers[t] {
			if strings.Contains(strings.ToLower(e.Content), needle) {
				matches = append(matches, e)
			}
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Importance != matches[j].Importance {
			return matches[i].Importance > matches[j].Importance
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	hits := make([]Hit, len(matches))
	for i, e := range matches {
		hits[i] = Hit{Entry: e}
	}
	return hits
}
