package store

import (
	"os"

	"github.com/dustin/go-humanize"

	"github.com/rcliao/memrag/internal/model"
)

// Stats holds store statistics.
type Stats struct {
	Root         string      `json:"root"`
	Tiers        []TierStats `json:"tiers"`
	Total        int         `json:"total"`
	Documents    int         `json:"documents"`
	Vectors      int         `json:"vectors"`
	IndexTrained bool        `json:"index_trained"`
	DiskBytes    int64       `json:"disk_bytes"`
	DiskSize     string      `json:"disk_size"`
	ReadOnly     bool        `json:"read_only"`
}

// TierStats holds per-tier counts.
type TierStats struct {
	Tier           model.Tier `json:"tier"`
	Count          int        `json:"count"`
	Cap            int        `json:"cap"`
	MeanImportance float64    `json:"mean_importance"`
	FileBytes      int64      `json:"file_bytes"`
}

// Stats returns store statistics.
func (s *Store) Stats() (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.open("stats"); err != nil {
		return nil, err
	}
	st := &Stats{
		Root:         s.storage.Root(),
		Documents:    len(s.docs),
		Vectors:      s.index.Len(),
		IndexTrained: s.index.Trained(),
		ReadOnly:     s.readOnly,
	}

	for _, t := range model.Tiers {
		ts := TierStats{Tier: t, Count: len(s.tiers[t]), Cap: s.policy.Caps.Of(t)}
		var sum float64
		for _, e := range s.tiers[t] {
			sum += e.Importance
		}
		if ts.Count > 0 {
			ts.MeanImportance = sum / float64(ts.Count)
		}
		ts.FileBytes = fileSize(s.storage.TierPath(t))
		st.DiskBytes += ts.FileBytes
		st.Total += ts.Count
		st.Tiers = append(st.Tiers, ts)
	}
	for _, p := range []string{s.storage.DocumentsPath(), s.storage.IndexPath(), s.storage.IndexMetaPath()} {
		st.DiskBytes += fileSize(p)
	}
	st.DiskSize = humanize.Bytes(uint64(st.DiskBytes))
	return st, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
