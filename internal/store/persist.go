package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memrag/internal/index"
	"github.com/rcliao/memrag/internal/logging"
	"github.com/rcliao/memrag/internal/model"
	"github.com/rcliao/memrag/internal/storage"
)

// Save writes every tier, the documents file and the index to disk. A failed
// save leaves the in-memory state intact.
func (s *Store) Save(ctx context.Context) (err error) {
	defer s.observe("save", time.Now(), &err)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable("save"); err != nil {
		return err
	}
	return s.save()
}

func (s *Store) save() error {
	for _, t := range model.Tiers {
		if err := s.storage.RewriteTier(t, s.tiers[t]); err != nil {
			s.logger.Error("save failed", zap.String("tier", string(t)), zap.Error(err))
			return err
		}
	}
	if err := s.storage.Sync(); err != nil {
		return err
	}
	if err := s.storage.SaveDocuments(s.docs); err != nil {
		return err
	}
	if err := s.storage.SaveIndex(s.index); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Load discards the in-memory state and reloads it from disk.
func (s *Store) Load(ctx context.Context) (report storage.LoadReport, err error) {
	defer s.observe("load", time.Now(), &err)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.open("load"); err != nil {
		return report, err
	}
	return s.load(ctx)
}

// load reads the tiers, documents and index, then reconciles them: entries
// whose vector is missing are re-embedded, vectors no entry owns are
// dropped, and repeated ids keep their first occurrence.
func (s *Store) load(ctx context.Context) (storage.LoadReport, error) {
	s.dirty = false
	tiers, report, err := s.storage.LoadAll()
	if err != nil {
		return report, err
	}
	docs, err := s.storage.LoadDocuments()
	if err != nil {
		return report, err
	}
	idx, err := s.storage.LoadIndex(s.indexOptions(), s.logger)
	if err != nil {
		if errors.Is(err, index.ErrDimensionChanged) {
			s.logger.Warn("index dimension changed, rebuilding", zap.Error(err))
		} else {
			s.logger.Warn("index unreadable, rebuilding", zap.Error(err))
		}
		s.dirty = true
	}

	s.resetState()
	s.index = idx
	s.docs = docs

	var missing []*model.Entry
	for _, t := range model.Tiers {
		for _, e := range tiers[t] {
			if _, dup := s.byID[e.ID]; dup {
				s.logger.Warn("dropping duplicate entry id",
					zap.Int64("id", e.ID),
					zap.String("tier", string(t)),
					zap.String("content", logging.Truncate(e.Content, 200)))
				s.dirty = true
				continue
			}
			if e.BaseImportance == 0 && e.Importance > 0 {
				e.BaseImportance = e.Importance
			}
			if e.HasVector() {
				if _, owned := s.byVector[*e.VectorID]; owned || !idx.Has(*e.VectorID) {
					e.VectorID = nil
				}
			}
			s.track(e)
			if !e.HasVector() {
				missing = append(missing, e)
			}
		}
	}

	// Drop vectors left behind by rolled-back or removed entries.
	owned := make(map[int64]bool, len(s.byVector))
	for vid := range s.byVector {
		owned[vid] = true
	}
	var orphans []int64
	for _, vid := range idx.IDs() {
		if !owned[vid] {
			orphans = append(orphans, vid)
		}
	}
	for _, vid := range orphans {
		idx.Remove(vid)
	}
	if len(orphans) > 0 {
		s.logger.Warn("removed orphaned vectors", zap.Int("count", len(orphans)))
		s.dirty = true
	}

	if len(missing) > 0 {
		s.reembed(ctx, missing)
	}
	if s.reconcileDocuments() {
		s.dirty = true
	}

	s.report = report
	s.metrics.SetTierSizes(s.tierSizes())
	s.logger.Debug("store loaded",
		zap.Int("entries", len(s.byID)),
		zap.Int("documents", len(s.docs)),
		zap.Int("vectors", idx.Len()),
		zap.Int("skipped_lines", len(report.Skipped)),
		zap.Int("tombstoned", report.Tombstoned))
	return report, nil
}

// reembed restores vectors for entries that lost them. Entries the embedder
// cannot serve stay without a vector and are reachable by lexical search.
func (s *Store) reembed(ctx context.Context, entries []*model.Entry) {
	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Content
	}
	vecs, err := s.embedBatch(ctx, "load", texts)
	if err != nil {
		s.logger.Warn("could not re-embed entries without vectors",
			zap.Int("count", len(entries)), zap.Error(err))
		return
	}
	restored := 0
	for i, e := range entries {
		vid, err := s.index.Add(vecs[i])
		if err != nil {
			s.logger.Warn("re-embed failed",
				zap.Int64("id", e.ID),
				zap.String("content", logging.Truncate(e.Content, 200)),
				zap.Error(err))
			continue
		}
		e.VectorID = &vid
		s.byVector[vid] = e
		restored++
	}
	if restored > 0 {
		s.logger.Info("re-embedded entries without vectors", zap.Int("count", restored))
		s.dirty = true
	}
}
