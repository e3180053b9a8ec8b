package store

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcliao/memrag/internal/memerr"
	"github.com/rcliao/memrag/internal/memory"
	"github.com/rcliao/memrag/internal/model"
	"github.com/rcliao/memrag/internal/storage"
)

// Export is a portable snapshot of the store.
type Export struct {
	ID         string                     `json:"id"`
	ExportedAt time.Time                  `json:"exported_at"`
	Entries    []*model.Entry             `json:"entries"`
	Documents  map[string]*model.Document `json:"documents"`
}

// ImportResult counts the outcome of an import.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// Get returns a copy of the entry with the given id. It does not count as an
// access.
func (s *Store) Get(id int64) (*model.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.open("get"); err != nil {
		return nil, err
	}
	e, ok := s.byID[id]
	if !ok {
		return nil, memerr.New(memerr.NotFound, "get", "memory %d not found", id)
	}
	return e.Clone(), nil
}

// List returns copies of a tier's entries (every tier when Tier is empty),
// best ranked first.
func (s *Store) List(p ListParams) ([]*model.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.open("list"); err != nil {
		return nil, err
	}
	tiers := model.Tiers
	if p.Tier != "" {
		t, err := parseTierArg("list", p.Tier)
		if err != nil {
			return nil, err
		}
		tiers = []model.Tier{t}
	}

	var out []*model.Entry
	for _, t := range tiers {
		out = append(out, cloneAll(s.tiers[t])...)
	}
	memory.Rank(out)
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

// Export returns every entry in canonical tier order together with the
// document records.
func (s *Store) Export(ctx context.Context) (*Export, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.open("export"); err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

// ExportSQLite writes the snapshot to a new SQLite database at path.
func (s *Store) ExportSQLite(ctx context.Context, path string) (exp *Export, err error) {
	defer s.observe("export_sqlite", time.Now(), &err)
	s.mu.Lock()
	exp = s.snapshot()
	s.mu.Unlock()

	err = storage.ExportSQLite(ctx, path, storage.Snapshot{
		ID:        exp.ID,
		Entries:   exp.Entries,
		Documents: exp.Documents,
	})
	if err != nil {
		return nil, memerr.Wrap(memerr.StorageFailed, "export", err)
	}
	return exp, nil
}

func (s *Store) snapshot() *Export {
	exp := &Export{
		ID:         ulid.Make().String(),
		ExportedAt: s.now().UTC(),
		Entries:    []*model.Entry{},
		Documents:  make(map[string]*model.Document, len(s.docs)),
	}
	for _, t := range model.Tiers {
		exp.Entries = append(exp.Entries, cloneAll(s.tiers[t])...)
	}
	for id, d := range s.docs {
		exp.Documents[id] = cloneDocument(d)
	}
	return exp
}

// Import stores exported entries under new ids. Entries whose tier and
// content already exist are skipped. Importance, base importance and use
// count carry over; entries without a tier are detected from content.
func (s *Store) Import(ctx context.Context, entries []*model.Entry) (res ImportResult, err error) {
	defer s.observe("import", time.Now(), &err)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable("import"); err != nil {
		return res, err
	}

	type key struct {
		tier    model.Tier
		content string
	}
	seen := make(map[key]bool, len(s.byID))
	for _, e := range s.byID {
		seen[key{e.Tier, e.Content}] = true
	}

	var fresh []*model.Entry
	for _, in := range entries {
		if in == nil {
			continue
		}
		e, err := s.newEntry("import", StoreParams{
			Tier:       string(in.Tier),
			Content:    in.Content,
			Importance: memory.Clamp01(in.Importance),
			Metadata:   in.Metadata,
		})
		if err != nil {
			return res, err
		}
		k := key{e.Tier, e.Content}
		if seen[k] {
			res.Skipped++
			continue
		}
		seen[k] = true
		if in.BaseImportance > 0 {
			e.BaseImportance = memory.Clamp01(in.BaseImportance)
		}
		e.UseCount = in.UseCount
		if !in.CreatedAt.IsZero() {
			e.CreatedAt = in.CreatedAt
		}
		e.Extra = in.Clone().Extra
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return res, nil
	}

	texts := make([]string, len(fresh))
	for i, e := range fresh {
		texts[i] = e.Content
	}
	vecs, err := s.embedBatch(ctx, "import", texts)
	if err != nil {
		return res, err
	}
	for i, e := range fresh {
		if err := s.insert(ctx, e, vecs[i]); err != nil {
			return res, err
		}
		res.Imported++
	}
	s.metrics.SetTierSizes(s.tierSizes())
	return res, nil
}
