package memory

import (
	"sort"

	"github.com/rcliao/memrag/internal/model"
)

// Merge folds a cluster into its representative: the member with the longest
// content (lowest id on ties). The representative takes the cluster's
// highest importance and base importance, its most recent access time and
// the summed use count. Metadata keys missing on the representative are
// filled from the other members. members is not modified; the representative
// is returned as a clone together with the absorbed members.
func Merge(members []*model.Entry) (rep *model.Entry, absorbed []*model.Entry) {
	if len(members) == 0 {
		return nil, nil
	}
	sorted := make([]*model.Entry, len(members))
	copy(sorted, members)
	sort.SliceStable(sorted, func(i, j int) bool {
		li, lj := len([]rune(sorted[i].Content)), len([]rune(sorted[j].Content))
		if li != lj {
			return li > lj
		}
		return sorted[i].ID < sorted[j].ID
	})

	rep = sorted[0].Clone()
	for _, m := range sorted[1:] {
		if m.Importance > rep.Importance {
			rep.Importance = m.Importance
		}
		if m.BaseImportance > rep.BaseImportance {
			rep.BaseImportance = m.BaseImportance
		}
		if m.LastAccessedAt.After(rep.LastAccessedAt.Time) {
			rep.LastAccessedAt = m.LastAccessedAt
		}
		rep.UseCount += m.UseCount
		for k, v := range m.Metadata {
			if rep.Metadata == nil {
				rep.Metadata = make(map[string]string)
			}
			if _, ok := rep.Metadata[k]; !ok {
				rep.Metadata[k] = v
			}
		}
		absorbed = append(absorbed, m)
	}
	return rep, absorbed
}

// Compress applies Merge to every cluster of two or more entries. kept holds
// the survivors in the original order, with representatives replacing their
// original entry; removed holds the absorbed members.
func Compress(entries []*model.Entry, clusters [][]int) (kept, removed []*model.Entry) {
	replace := make(map[int64]*model.Entry)
	drop := make(map[int64]bool)
	for _, c := range clusters {
		if len(c) < 2 {
			continue
		}
		members := make([]*model.Entry, len(c))
		for i, idx := range c {
			members[i] = entries[idx]
		}
		rep, absorbed := Merge(members)
		replace[rep.ID] = rep
		for _, a := range absorbed {
			drop[a.ID] = true
			removed = append(removed, a)
		}
	}

	kept = make([]*model.Entry, 0, len(entries)-len(removed))
	for _, e := range entries {
		switch {
		case drop[e.ID]:
		case replace[e.ID] != nil:
			kept = append(kept, replace[e.ID])
		default:
			kept = append(kept, e)
		}
	}
	return kept, removed
}
