package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memrag/internal/logging"
	"github.com/rcliao/memrag/internal/memerr"
	"github.com/rcliao/memrag/internal/memory"
	"github.com/rcliao/memrag/internal/model"
)

// Importances used by RecordTurn.
const (
	TurnQueryImportance = 0.8
	TurnPairImportance  = 0.6
)

// Store embeds and stores one memory and returns it. An empty tier is
// detected from the content. The index insert, file append and in-memory
// insert either all take effect or none does.
func (s *Store) Store(ctx context.Context, p StoreParams) (e *model.Entry, err error) {
	defer s.observe("store", time.Now(), &err)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable("store"); err != nil {
		return nil, err
	}
	e, err = s.newEntry("store", p)
	if err != nil {
		return nil, err
	}
	vec, err := s.embed(ctx, "store", e.Content)
	if err != nil {
		return nil, err
	}
	if err := s.insert(ctx, e, vec); err != nil {
		return nil, err
	}
	s.metrics.SetTierSizes(s.tierSizes())
	return e.Clone(), nil
}

// RecordTurn stores a conversation turn: the query as working memory and the
// question/answer pair as episodic memory.
func (s *Store) RecordTurn(ctx context.Context, query, answer string) (q, pair *model.Entry, err error) {
	defer s.observe("turn", time.Now(), &err)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable("turn"); err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(query) == "" || strings.TrimSpace(answer) == "" {
		return nil, nil, memerr.New(memerr.InvalidArgument, "turn", "query and answer are required")
	}

	q, err = s.newEntry("turn", StoreParams{
		Tier: string(model.TierWorking), Content: query, Importance: TurnQueryImportance,
	})
	if err != nil {
		return nil, nil, err
	}
	pair, err = s.newEntry("turn", StoreParams{
		Tier:       string(model.TierEpisodic),
		Content:    fmt.Sprintf("Q: %s\nA: %s", query, answer),
		Importance: TurnPairImportance,
	})
	if err != nil {
		return nil, nil, err
	}
	vecs, err := s.embedBatch(ctx, "turn", []string{q.Content, pair.Content})
	if err != nil {
		return nil, nil, err
	}
	if err := s.insert(ctx, q, vecs[0]); err != nil {
		return nil, nil, err
	}
	if err := s.insert(ctx, pair, vecs[1]); err != nil {
		s.rollback(q)
		return nil, nil, err
	}
	s.metrics.SetTierSizes(s.tierSizes())
	return q.Clone(), pair.Clone(), nil
}

// newEntry validates p and builds an entry with a fresh id.
func (s *Store) newEntry(op string, p StoreParams) (*model.Entry, error) {
	if strings.TrimSpace(p.Content) == "" {
		return nil, memerr.New(memerr.InvalidArgument, op, "content is required")
	}
	var tier model.Tier
	if p.Tier == "" {
		tier = memory.DetectTier(p.Content)
	} else {
		t, err := parseTierArg(op, p.Tier)
		if err != nil {
			return nil, err
		}
		tier = t
	}
	if p.Importance < 0 || p.Importance > 1 {
		return nil, memerr.New(memerr.InvalidArgument, op, "importance %v outside [0, 1]", p.Importance)
	}

	now := model.At(s.now().UTC())
	e := &model.Entry{
		ID:             s.nextID,
		Tier:           tier,
		Content:        p.Content,
		Importance:     p.Importance,
		BaseImportance: p.Importance,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if len(p.Metadata) > 0 {
		e.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			e.Metadata[k] = v
		}
	}
	s.nextID++
	return e, nil
}

// insert adds vec to the index, appends e to its tier file and tracks it in
// memory. On failure every completed step is undone; if the append already
// reached disk a tombstone cancels it.
func (s *Store) insert(ctx context.Context, e *model.Entry, vec []float32) error {
	vid, err := s.index.Add(vec)
	if err != nil {
		return err
	}
	e.VectorID = &vid

	if err := s.storage.Append(e); err != nil {
		s.index.Remove(vid)
		e.VectorID = nil
		return err
	}
	if err := ctx.Err(); err != nil {
		s.index.Remove(vid)
		e.VectorID = nil
		s.tombstone(e)
		return fmt.Errorf("store cancelled: %w", err)
	}

	s.track(e)
	s.dirty = true
	return nil
}

// rollback undoes a completed insert.
func (s *Store) rollback(e *model.Entry) {
	s.forget(e)
	entries := s.tiers[e.Tier]
	for i, x := range entries {
		if x.ID == e.ID {
			s.tiers[e.Tier] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	s.tombstone(e)
}

func (s *Store) tombstone(e *model.Entry) {
	if err := s.storage.AppendTombstone(e.Tier, e.ID); err != nil {
		s.logger.Warn("could not tombstone rolled-back entry",
			zap.Int64("id", e.ID),
			zap.String("content", logging.Truncate(e.Content, 200)),
			zap.Error(err))
	}
}
