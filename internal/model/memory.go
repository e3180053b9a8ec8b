// Package model defines the core memory data types.
package model

import (
	"encoding/json"
	"math"
	"time"
)

// Tier is one of the four fixed memory buckets.
type Tier string

const (
	TierCore     Tier = "core"
	TierSemantic Tier = "semantic"
	TierEpisodic Tier = "episodic"
	TierWorking  Tier = "working"
)

// Tiers lists every tier in canonical order. Context blocks and file layout
// follow this order.
var Tiers = []Tier{TierCore, TierSemantic, TierWorking, TierEpisodic}

// ValidTiers are the allowed tier names.
var ValidTiers = map[Tier]bool{
	TierCore:     true,
	TierSemantic: true,
	TierEpisodic: true,
	TierWorking:  true,
}

// ParseTier returns the tier for s and whether it is known.
func ParseTier(s string) (Tier, bool) {
	t := Tier(s)
	return t, ValidTiers[t]
}

// Timestamp is a time that serializes as fractional unix seconds.
type Timestamp struct {
	time.Time
}

// At wraps t as a Timestamp.
func At(t time.Time) Timestamp { return Timestamp{Time: t} }

// Seconds returns t as fractional unix seconds.
func (t Timestamp) Seconds() float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Seconds())
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	if f == 0 {
		t.Time = time.Time{}
		return nil
	}
	sec, frac := math.Modf(f)
	t.Time = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	return nil
}

// Entry is a single memory. ID, Tier, Content and CreatedAt never change after
// the entry is written; the remaining fields are updated by access and cleanup.
type Entry struct {
	ID             int64             `json:"id"`
	Tier           Tier              `json:"tier,omitempty"`
	Content        string            `json:"content"`
	Importance     float64           `json:"importance"`
	BaseImportance float64           `json:"base_importance"`
	CreatedAt      Timestamp         `json:"created_at"`
	LastAccessedAt Timestamp         `json:"last_accessed_at"`
	UseCount       int               `json:"use_count"`
	VectorID       *int64            `json:"vector_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Deleted        bool              `json:"deleted,omitempty"`

	// Extra holds fields written by other versions so they survive rewrites.
	Extra map[string]json.RawMessage `json:"-"`
}

type entryAlias Entry

var entryFields = map[string]bool{
	"id": true, "tier": true, "content": true, "importance": true,
	"base_importance": true, "created_at": true, "last_accessed_at": true,
	"use_count": true, "vector_id": true, "metadata": true, "deleted": true,
}

func (e Entry) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(entryAlias(e))
	if err != nil || len(e.Extra) == 0 {
		return b, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var a entryAlias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k := range m {
		if entryFields[k] {
			delete(m, k)
		}
	}
	if len(m) > 0 {
		a.Extra = m
	} else {
		a.Extra = nil
	}
	*e = Entry(a)
	return nil
}

// Clone returns a copy that shares no mutable state with e.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.VectorID != nil {
		v := *e.VectorID
		c.VectorID = &v
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	if e.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(e.Extra))
		for k, v := range e.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// HasVector reports whether the entry is linked to an index vector.
func (e *Entry) HasVector() bool { return e.VectorID != nil }

// Document is an ingested source split into semantic-tier chunks.
type Document struct {
	ID       string            `json:"-"`
	Metadata map[string]string `json:"metadata"`
	ChunkIDs []int64           `json:"chunk_ids"`
	Indexed  bool              `json:"indexed"`
	AddedAt  Timestamp         `json:"added_at"`
}

// Metadata keys set on document chunks.
const (
	MetaDocID      = "doc_id"
	MetaChunkIndex = "chunk_index"
	MetaSource     = "source"
)
