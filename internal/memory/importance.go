// Package memory holds the per-entry lifecycle rules: importance decay and
// boost, tier detection, clustering, compression, expiry and eviction. The
// functions here are pure over entries and vectors; the store decides when
// to apply them.
package memory

import (
	"math"
	"time"

	"github.com/rcliao/memrag/internal/config"
	"github.com/rcliao/memrag/internal/model"
)

// Policy carries the tunables of the lifecycle rules.
type Policy struct {
	Tau              time.Duration
	Beta             float64
	CoreFloor        float64
	MaxAge           time.Duration
	ImportanceFloor  float64
	ClusterThreshold float64
	Caps             config.TierCaps
}

// PolicyFrom extracts a Policy from cfg.
func PolicyFrom(cfg config.Config) Policy {
	return Policy{
		Tau:              cfg.DecayTau(),
		Beta:             cfg.UseBoostBeta,
		CoreFloor:        cfg.CoreDecayFloor,
		MaxAge:           cfg.MaxAge(),
		ImportanceFloor:  cfg.ImportanceFloor,
		ClusterThreshold: cfg.ClusterThreshold,
		Caps:             cfg.TierCaps,
	}
}

// Importance computes
//
//	clamp(base·exp(-Δ/τ) + log(1+use_count)·β, 0, 1)
//
// where base is e.BaseImportance and Δ the time since e.LastAccessedAt.
// Core entries never fall below min(current importance, CoreFloor).
func (p Policy) Importance(e *model.Entry, now time.Time) float64 {
	delta := now.Sub(e.LastAccessedAt.Time)
	if delta < 0 || e.LastAccessedAt.IsZero() {
		delta = 0
	}
	decayed := e.BaseImportance
	if p.Tau > 0 {
		decayed *= math.Exp(-delta.Seconds() / p.Tau.Seconds())
	}
	v := clamp01(decayed + math.Log1p(float64(e.UseCount))*p.Beta)
	if e.Tier == model.TierCore {
		v = math.Max(v, math.Min(e.Importance, p.CoreFloor))
	}
	return v
}

// Decay refreshes e.Importance for the time elapsed since last access without
// counting a use. Without intervening access repeated calls never raise the
// importance. It reports whether the value changed.
func (p Policy) Decay(e *model.Entry, now time.Time) bool {
	next := p.Importance(e, now)
	if next == e.Importance {
		return false
	}
	e.Importance = next
	return true
}

// Touch records an access at now: the use count grows, importance is
// recomputed, and the decay anchor moves to now so later decay starts from
// the decayed base.
func (p Policy) Touch(e *model.Entry, now time.Time) {
	delta := now.Sub(e.LastAccessedAt.Time)
	if delta < 0 || e.LastAccessedAt.IsZero() {
		delta = 0
	}
	if p.Tau > 0 {
		e.BaseImportance *= math.Exp(-delta.Seconds() / p.Tau.Seconds())
	}
	e.UseCount++
	e.LastAccessedAt = model.At(now)
	e.Importance = p.Importance(e, now)
}

// Expired reports whether a non-core entry has gone unused for longer than
// MaxAge and decayed below ImportanceFloor.
func (p Policy) Expired(e *model.Entry, now time.Time) bool {
	if e.Tier == model.TierCore || p.MaxAge <= 0 {
		return false
	}
	return now.Sub(e.LastAccessedAt.Time) > p.MaxAge && e.Importance < p.ImportanceFloor
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Clamp01 bounds v to [0, 1].
func Clamp01(v float64) float64 { return clamp01(v) }
