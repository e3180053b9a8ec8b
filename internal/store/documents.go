package store

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memrag/internal/chunker"
	"github.com/rcliao/memrag/internal/memerr"
	"github.com/rcliao/memrag/internal/model"
)

// ChunkImportance is the importance given to document chunks.
const ChunkImportance = 0.5

// AddDocument splits content into word windows and stores each window as a
// semantic entry tagged with the document id. A document id that is already
// indexed is rejected with DocumentExists. Chunks left over from an earlier
// ingest of the same id are replaced. The returned record lists the chunk
// entry ids in order.
func (s *Store) AddDocument(ctx context.Context, p DocumentParams) (doc *model.Document, err error) {
	defer s.observe("add_document", time.Now(), &err)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable("add_document"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.DocID) == "" {
		return nil, memerr.New(memerr.InvalidArgument, "add_document", "doc_id is required")
	}
	if prev, ok := s.docs[p.DocID]; ok && prev.Indexed {
		return nil, memerr.New(memerr.DocumentExists, "add_document", "document %q is already indexed", p.DocID)
	}

	chunks := chunker.Chunk(p.Content, chunker.Options{Words: s.cfg.ChunkWords, Overlap: s.cfg.ChunkOverlap})
	if len(chunks) == 0 {
		return nil, memerr.New(memerr.InvalidArgument, "add_document", "document %q has no content", p.DocID)
	}

	entries := make([]*model.Entry, len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		meta := make(map[string]string, len(p.Metadata)+3)
		for k, v := range p.Metadata {
			meta[k] = v
		}
		meta[model.MetaDocID] = p.DocID
		meta[model.MetaChunkIndex] = strconv.Itoa(i)
		e, err := s.newEntry("add_document", StoreParams{
			Tier:       string(model.TierSemantic),
			Content:    c.Text,
			Importance: ChunkImportance,
			Metadata:   meta,
		})
		if err != nil {
			return nil, err
		}
		entries[i] = e
		texts[i] = c.Text
	}

	vecs, err := s.embedBatch(ctx, "add_document", texts)
	if err != nil {
		return nil, err
	}

	var inserted []*model.Entry
	undo := func() {
		for _, e := range inserted {
			s.rollback(e)
		}
	}
	for i, e := range entries {
		if err := s.insert(ctx, e, vecs[i]); err != nil {
			undo()
			return nil, err
		}
		inserted = append(inserted, e)
	}

	doc = &model.Document{
		ID:       p.DocID,
		Metadata: make(map[string]string, len(p.Metadata)),
		ChunkIDs: make([]int64, len(entries)),
		Indexed:  true,
		AddedAt:  model.At(s.now().UTC()),
	}
	for k, v := range p.Metadata {
		doc.Metadata[k] = v
	}
	for i, e := range entries {
		doc.ChunkIDs[i] = e.ID
	}

	prev, hadPrev := s.docs[p.DocID]
	s.docs[p.DocID] = doc
	if err := s.storage.SaveDocuments(s.docs); err != nil {
		if hadPrev {
			s.docs[p.DocID] = prev
		} else {
			delete(s.docs, p.DocID)
		}
		undo()
		return nil, err
	}

	if hadPrev {
		stale := make(map[int64]bool, len(prev.ChunkIDs))
		for _, id := range prev.ChunkIDs {
			if e, ok := s.byID[id]; ok {
				s.tombstone(e)
				s.forget(e)
				stale[id] = true
			}
		}
		s.dropFromTiers(stale)
	}

	s.logger.Info("document added",
		zap.String("doc_id", p.DocID),
		zap.Int("chunks", len(entries)))
	s.metrics.SetTierSizes(s.tierSizes())
	return cloneDocument(doc), nil
}

// DeleteDocument removes a document's chunk entries and their vectors. With
// keepRecord the document record stays, marked not indexed and without
// chunks, so the id can be ingested again.
func (s *Store) DeleteDocument(ctx context.Context, docID string, keepRecord bool) (removed int, err error) {
	defer s.observe("delete_document", time.Now(), &err)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable("delete_document"); err != nil {
		return 0, err
	}
	doc, ok := s.docs[docID]
	if !ok {
		return 0, memerr.New(memerr.DocumentNotFound, "delete_document", "document %q not found", docID)
	}

	ids := make(map[int64]bool, len(doc.ChunkIDs))
	for _, id := range doc.ChunkIDs {
		e, ok := s.byID[id]
		if !ok {
			continue
		}
		if err := s.storage.AppendTombstone(e.Tier, e.ID); err != nil {
			return removed, err
		}
		s.forget(e)
		ids[id] = true
		removed++
	}
	s.dropFromTiers(ids)

	if keepRecord {
		doc.ChunkIDs = []int64{}
		doc.Indexed = false
	} else {
		delete(s.docs, docID)
	}
	if err := s.storage.SaveDocuments(s.docs); err != nil {
		return removed, err
	}
	if removed > 0 {
		s.dirty = true
	}
	s.metrics.SetTierSizes(s.tierSizes())
	return removed, nil
}

// Documents returns copies of every document record keyed by id.
func (s *Store) Documents() map[string]*model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*model.Document, len(s.docs))
	for id, d := range s.docs {
		out[id] = cloneDocument(d)
	}
	return out
}

// dropFromTiers removes the entries with the given ids from the tier slices.
func (s *Store) dropFromTiers(ids map[int64]bool) {
	if len(ids) == 0 {
		return
	}
	for _, t := range model.Tiers {
		kept := s.tiers[t][:0]
		for _, e := range s.tiers[t] {
			if !ids[e.ID] {
				kept = append(kept, e)
			}
		}
		s.tiers[t] = kept
	}
}

// reconcileDocuments drops chunk ids whose entries no longer exist and marks
// such partially removed documents as not indexed. It reports whether any
// record changed.
func (s *Store) reconcileDocuments() bool {
	changed := false
	for _, d := range s.docs {
		live := d.ChunkIDs[:0]
		for _, id := range d.ChunkIDs {
			if _, ok := s.byID[id]; ok {
				live = append(live, id)
			}
		}
		if len(live) != len(d.ChunkIDs) {
			d.Indexed = false
			changed = true
		}
		d.ChunkIDs = live
	}
	return changed
}

func cloneDocument(d *model.Document) *model.Document {
	c := *d
	c.Metadata = make(map[string]string, len(d.Metadata))
	for k, v := range d.Metadata {
		c.Metadata[k] = v
	}
	c.ChunkIDs = append([]int64{}, d.ChunkIDs...)
	return &c
}
