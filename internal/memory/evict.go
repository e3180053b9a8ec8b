package memory

import (
	"sort"

	"github.com/rcliao/memrag/internal/model"
)

// Rank orders entries by importance descending, then most recently accessed,
// then newest id, so eviction takes the oldest of otherwise equal entries.
// It sorts in place.
func Rank(entries []*model.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		if !a.LastAccessedAt.Equal(b.LastAccessedAt.Time) {
			return a.LastAccessedAt.After(b.LastAccessedAt.Time)
		}
		return a.ID > b.ID
	})
}

// Evict keeps the limit best-ranked entries. kept preserves the input order;
// evicted is in rank order, best first. A negative limit keeps everything.
func Evict(entries []*model.Entry, limit int) (kept, evicted []*model.Entry) {
	if limit < 0 || len(entries) <= limit {
		return entries, nil
	}
	ranked := make([]*model.Entry, len(entries))
	copy(ranked, entries)
	Rank(ranked)

	survive := make(map[int64]bool, limit)
	for _, e := range ranked[:limit] {
		survive[e.ID] = true
	}
	evicted = ranked[limit:]

	kept = make([]*model.Entry, 0, limit)
	for _, e := range entries {
		if survive[e.ID] {
			kept = append(kept, e)
		}
	}
	return kept, evicted
}

// SpillTarget is the tier an entry evicted from t moves to, if any. Working
// memories become episodic; core memories are never dropped and move to
// semantic.
func SpillTarget(t model.Tier) (model.Tier, bool) {
	switch t {
	case model.TierWorking:
		return model.TierEpisodic, true
	case model.TierCore:
		return model.TierSemantic, true
	}
	return "", false
}
