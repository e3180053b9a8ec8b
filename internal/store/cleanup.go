package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memrag/internal/logging"
	"github.com/rcliao/memrag/internal/memory"
	"github.com/rcliao/memrag/internal/model"
)

const (
	// Tiers larger than this cluster through index neighbours instead of
	// comparing every pair.
	pairwiseClusterLimit = 2000
	clusterNeighbours    = 32

	// MetaPromotedFrom records the tier an evicted entry came from.
	MetaPromotedFrom = "promoted_from"
)

// evictionOrder processes spill sources before the tiers they spill into.
var evictionOrder = []model.Tier{model.TierCore, model.TierWorking, model.TierSemantic, model.TierEpisodic}

// CleanupSummary counts what a cleanup changed.
type CleanupSummary struct {
	Decayed    int `json:"decayed"`
	Expired    int `json:"expired"`
	Compressed int `json:"compressed"`
	Evicted    int `json:"evicted"`
	Promoted   int `json:"promoted"`
	Failures   int `json:"failures"`
}

// Cleanup runs the maintenance pass: importance decay, age expiry, compression
// of near-duplicate clusters and capacity eviction. Afterwards no tier holds
// more entries than its cap. Per-tier persistence failures are counted in the
// summary rather than aborting the pass.
func (s *Store) Cleanup(ctx context.Context) (sum *CleanupSummary, err error) {
	defer s.observe("cleanup", time.Now(), &err)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable("cleanup"); err != nil {
		return nil, err
	}
	sum = &CleanupSummary{}
	now := s.now().UTC()

	for _, t := range model.Tiers {
		for _, e := range s.tiers[t] {
			if s.policy.Decay(e, now) {
				sum.Decayed++
			}
		}
	}
	s.dirty = true

	for _, t := range model.Tiers {
		kept := s.tiers[t][:0]
		for _, e := range s.tiers[t] {
			if s.policy.Expired(e, now) {
				s.logger.Info("expired entry",
					zap.Int64("id", e.ID),
					zap.String("tier", string(t)),
					zap.Float64("importance", e.Importance))
				s.forget(e)
				sum.Expired++
				continue
			}
			kept = append(kept, e)
		}
		s.tiers[t] = kept
	}

	for _, t := range model.Tiers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sum.Compressed += s.compressTier(t)
	}

	for _, t := range evictionOrder {
		evicted, promoted := s.evictTier(t)
		sum.Evicted += evicted
		sum.Promoted += promoted
	}

	for _, t := range model.Tiers {
		if err := s.storage.RewriteTier(t, s.tiers[t]); err != nil {
			s.logger.Error("cleanup could not rewrite tier", zap.String("tier", string(t)), zap.Error(err))
			sum.Failures++
		}
	}
	if s.reconcileDocuments() {
		if err := s.storage.SaveDocuments(s.docs); err != nil {
			s.logger.Error("cleanup could not save documents", zap.Error(err))
			sum.Failures++
		}
	}

	s.metrics.SetTierSizes(s.tierSizes())
	s.logger.Info("cleanup finished",
		zap.Int("decayed", sum.Decayed),
		zap.Int("expired", sum.Expired),
		zap.Int("compressed", sum.Compressed),
		zap.Int("evicted", sum.Evicted),
		zap.Int("promoted", sum.Promoted),
		zap.Int("failures", sum.Failures))
	return sum, nil
}

// compressTier merges clusters of near-duplicate entries in t and returns the
// number of entries absorbed. Entries without a vector are left alone.
func (s *Store) compressTier(t model.Tier) int {
	var members []*model.Entry
	var vectors [][]float32
	for _, e := range s.tiers[t] {
		if !e.HasVector() {
			continue
		}
		if v, ok := s.index.Vector(*e.VectorID); ok {
			members = append(members, e)
			vectors = append(vectors, v)
		}
	}
	if len(members) < 2 {
		return 0
	}

	var clusters [][]int
	if len(members) <= pairwiseClusterLimit {
		clusters = memory.Cluster(vectors, s.policy.ClusterThreshold)
	} else {
		pos := make(map[int64]int, len(members))
		for i, e := range members {
			pos[*e.VectorID] = i
		}
		clusters = memory.ClusterWith(len(members), func(i int) []int {
			results, err := s.index.Search(vectors[i], clusterNeighbours)
			if err != nil {
				return nil
			}
			var out []int
			for _, r := range results {
				if j, ok := pos[r.ID]; ok && r.Similarity >= s.policy.ClusterThreshold {
					out = append(out, j)
				}
			}
			return out
		})
	}

	merged, removed := memory.Compress(members, clusters)
	if len(removed) == 0 {
		return 0
	}
	for _, e := range removed {
		s.logger.Debug("compressed entry",
			zap.Int64("id", e.ID),
			zap.String("tier", string(t)),
			zap.String("content", logging.Truncate(e.Content, 200)))
		s.forget(e)
	}

	reps := make(map[int64]*model.Entry, len(merged))
	for _, e := range merged {
		reps[e.ID] = e
	}
	gone := make(map[int64]bool, len(removed))
	for _, e := range removed {
		gone[e.ID] = true
	}
	kept := s.tiers[t][:0]
	for _, e := range s.tiers[t] {
		if gone[e.ID] {
			continue
		}
		if rep, ok := reps[e.ID]; ok && rep != e {
			e = rep
			s.byID[e.ID] = e
			s.byVector[*e.VectorID] = e
		}
		kept = append(kept, e)
	}
	s.tiers[t] = kept
	return len(removed)
}

// evictTier trims t to its cap. Evicted entries with a spill target move
// there under a new id, keeping their vector; the rest are dropped.
func (s *Store) evictTier(t model.Tier) (evicted, promoted int) {
	kept, out := memory.Evict(s.tiers[t], s.policy.Caps.Of(t))
	if len(out) == 0 {
		return 0, 0
	}
	s.tiers[t] = kept
	target, spill := memory.SpillTarget(t)

	for _, e := range out {
		evicted++
		if !spill {
			s.logger.Info("evicted entry",
				zap.Int64("id", e.ID),
				zap.String("tier", string(t)),
				zap.String("content", logging.Truncate(e.Content, 200)))
			s.forget(e)
			continue
		}
		moved := e.Clone()
		moved.ID = s.nextID
		moved.Tier = target
		if moved.Metadata == nil {
			moved.Metadata = make(map[string]string, 1)
		}
		moved.Metadata[MetaPromotedFrom] = string(t)
		delete(s.byID, e.ID)
		s.track(moved)
		promoted++
		s.logger.Info("promoted entry",
			zap.Int64("from_id", e.ID),
			zap.Int64("to_id", moved.ID),
			zap.String("from", string(t)),
			zap.String("to", string(target)))
	}
	s.metrics.RecordEviction(t, evicted)
	s.metrics.RecordPromotion(promoted)
	return evicted, promoted
}

// Clear removes every entry of tier, or of all tiers when tier is empty.
// Document records whose chunks are cleared stay, without those chunks.
func (s *Store) Clear(ctx context.Context, tier string) (removed int, err error) {
	defer s.observe("clear", time.Now(), &err)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable("clear"); err != nil {
		return 0, err
	}
	tiers := model.Tiers
	if tier != "" {
		t, err := parseTierArg("clear", tier)
		if err != nil {
			return 0, err
		}
		tiers = []model.Tier{t}
	}

	for _, t := range tiers {
		if err := s.storage.ClearTier(t); err != nil {
			return removed, err
		}
		for _, e := range s.tiers[t] {
			s.forget(e)
			removed++
		}
		s.tiers[t] = nil
	}
	if s.reconcileDocuments() {
		if err := s.storage.SaveDocuments(s.docs); err != nil {
			return removed, err
		}
	}
	s.dirty = true
	s.metrics.SetTierSizes(s.tierSizes())
	return removed, nil
}
