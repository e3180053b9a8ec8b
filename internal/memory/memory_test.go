package memory

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rcliao/memrag/internal/config"
	"github.com/rcliao/memrag/internal/model"
)

var t0 = time.Unix(1700000000, 0).UTC()

func testPolicy() Policy {
	return PolicyFrom(config.Default())
}

func newEntry(id int64, tier model.Tier, content string, imp float64, at time.Time) *model.Entry {
	return &model.Entry{
		ID: id, Tier: tier, Content: content,
		Importance: imp, BaseImportance: imp,
		CreatedAt: model.At(at), LastAccessedAt: model.At(at),
	}
}

func ids(entries []*model.Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestImportanceDecayFormula(t *testing.T) {
	p := testPolicy()
	e := newEntry(1, model.TierSemantic, "x", 0.8, t0)

	assert.InDelta(t, 0.8, p.Importance(e, t0), 1e-9)
	assert.InDelta(t, 0.8*math.Exp(-1), p.Importance(e, t0.Add(24*time.Hour)), 1e-9)

	e.UseCount = 3
	want := 0.8*math.Exp(-0.5) + math.Log(4)*0.05
	assert.InDelta(t, want, p.Importance(e, t0.Add(12*time.Hour)), 1e-9)
}

func TestImportanceClamped(t *testing.T) {
	p := testPolicy()
	e := newEntry(1, model.TierWorking, "x", 1.0, t0)
	e.UseCount = 1000
	assert.Equal(t, 1.0, p.Importance(e, t0))
}

func TestCoreFloor(t *testing.T) {
	p := testPolicy()
	core := newEntry(1, model.TierCore, "x", 0.9, t0)
	later := t0.Add(30 * 24 * time.Hour)
	p.Decay(core, later)
	assert.InDelta(t, 0.5, core.Importance, 1e-9)

	low := newEntry(2, model.TierCore, "y", 0.3, t0)
	p.Decay(low, later)
	assert.InDelta(t, 0.3, low.Importance, 1e-9, "a core entry below the floor does not sink further")

	sem := newEntry(3, model.TierSemantic, "z", 0.9, t0)
	p.Decay(sem, later)
	assert.Less(t, sem.Importance, 0.01)
}

func TestTouchBoostsAndReanchors(t *testing.T) {
	p := testPolicy()
	e := newEntry(1, model.TierSemantic, "x", 0.6, t0)
	at := t0.Add(time.Hour)
	p.Touch(e, at)

	assert.Equal(t, 1, e.UseCount)
	assert.Equal(t, at, e.LastAccessedAt.Time)
	decayed := 0.6 * math.Exp(-1.0/24)
	assert.InDelta(t, decayed, e.BaseImportance, 1e-9)
	assert.InDelta(t, decayed+math.Log(2)*0.05, e.Importance, 1e-9)

	// A cleanup right after the access must not raise it.
	before := e.Importance
	p.Decay(e, at.Add(time.Minute))
	assert.LessOrEqual(t, e.Importance, before)
}

func TestExpired(t *testing.T) {
	p := testPolicy()
	old := t0.Add(-31 * 24 * time.Hour)

	e := newEntry(1, model.TierSemantic, "x", 0.8, old)
	p.Decay(e, t0)
	assert.True(t, p.Expired(e, t0))

	fresh := newEntry(2, model.TierSemantic, "x", 0.1, t0)
	assert.False(t, p.Expired(fresh, t0), "young entries are kept regardless of importance")

	core := newEntry(3, model.TierCore, "x", 0.1, old)
	assert.False(t, p.Expired(core, t0))
}

func TestImportanceStaysInRangeAndDecaysMonotonically(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := testPolicy()
		tier := rapid.SampledFrom(model.Tiers).Draw(t, "tier")
		imp := rapid.Float64Range(0, 1).Draw(t, "importance")
		e := newEntry(1, tier, "x", imp, t0)
		now := t0

		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			now = now.Add(time.Duration(rapid.Int64Range(0, int64(72*time.Hour)).Draw(t, "advance")))
			if rapid.Bool().Draw(t, "access") {
				p.Touch(e, now)
			} else {
				before := e.Importance
				p.Decay(e, now)
				if e.Importance > before+1e-12 {
					t.Fatalf("decay raised importance %v -> %v", before, e.Importance)
				}
			}
			if e.Importance < 0 || e.Importance > 1 {
				t.Fatalf("importance out of range: %v", e.Importance)
			}
		}
	})
}

func TestDetectTier(t *testing.T) {
	tests := []struct {
		content string
		want    model.Tier
	}{
		{"Q: what is Go?\nA: a programming language", model.TierEpisodic},
		{"Question: where? Answer: here", model.TierEpisodic},
		{"Paris is the capital of France", model.TierCore},
		{"Photosynthesis means converting light into chemical energy", model.TierCore},
		{"Python was released in 1991", model.TierSemantic},
		{"The meeting happened on 2024-03-01 downtown", model.TierSemantic},
		{"Python emphasizes readability", model.TierSemantic},
		{"Is it raining?", model.TierSemantic},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectTier(tt.content))
		})
	}
}

func TestHasTemporalToken(t *testing.T) {
	assert.True(t, HasTemporalToken("in 1991"))
	assert.True(t, HasTemporalToken("on 2023-10-01"))
	assert.False(t, HasTemporalToken("version 3.8"))
	assert.False(t, HasTemporalToken("room 42"))
}

func TestCluster(t *testing.T) {
	vecs := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0.96, 0.28, 0},
		{0, 0, 1},
		{0.8, 0.6, 0},
	}
	// 0~2 (0.96), 2~4 (0.936), 0~4 only 0.8: single linkage joins all three.
	clusters := Cluster(vecs, 0.9)
	require.Len(t, clusters, 3)
	assert.Equal(t, []int{0, 2, 4}, clusters[0])
	assert.Equal(t, []int{1}, clusters[1])
	assert.Equal(t, []int{3}, clusters[2])
}

func TestMergeKeepsLongestAndMaxima(t *testing.T) {
	a := newEntry(1, model.TierSemantic, "Python 3.8", 0.4, t0)
	b := newEntry(2, model.TierSemantic, "Python version 3.8 was released in 2019", 0.3, t0.Add(-time.Hour))
	c := newEntry(3, model.TierSemantic, "Python 3.8 out", 0.9, t0.Add(time.Hour))
	c.Metadata = map[string]string{"source": "news"}
	a.UseCount, c.UseCount = 2, 1

	rep, absorbed := Merge([]*model.Entry{a, b, c})
	assert.Equal(t, int64(2), rep.ID)
	assert.Equal(t, b.Content, rep.Content)
	assert.Equal(t, 0.9, rep.Importance)
	assert.Equal(t, t0.Add(time.Hour), rep.LastAccessedAt.Time)
	assert.Equal(t, 3, rep.UseCount)
	assert.Equal(t, "news", rep.Metadata["source"])
	assert.Len(t, absorbed, 2)
	assert.Equal(t, 0.3, b.Importance, "inputs are not modified")
}

func TestCompress(t *testing.T) {
	entries := []*model.Entry{
		newEntry(1, model.TierSemantic, "short", 0.5, t0),
		newEntry(2, model.TierSemantic, "unrelated", 0.5, t0),
		newEntry(3, model.TierSemantic, "the longer one", 0.5, t0),
	}
	kept, removed := Compress(entries, [][]int{{0, 2}, {1}})
	require.Len(t, kept, 2)
	assert.Equal(t, int64(2), kept[0].ID)
	assert.Equal(t, "the longer one", kept[1].Content)
	require.Len(t, removed, 1)
	assert.Equal(t, int64(1), removed[0].ID)
}

func TestEvict(t *testing.T) {
	entries := []*model.Entry{
		newEntry(1, model.TierWorking, "a", 0.2, t0),
		newEntry(2, model.TierWorking, "b", 0.9, t0),
		newEntry(3, model.TierWorking, "c", 0.5, t0),
		newEntry(4, model.TierWorking, "d", 0.5, t0.Add(time.Minute)),
	}
	kept, evicted := Evict(entries, 2)
	require.Len(t, kept, 2)
	assert.Equal(t, int64(2), kept[0].ID)
	assert.Equal(t, int64(4), kept[1].ID, "recency breaks the importance tie")
	require.Len(t, evicted, 2)
	assert.Equal(t, int64(3), evicted[0].ID)
	assert.Equal(t, int64(1), evicted[1].ID)

	kept, evicted = Evict(entries, 10)
	assert.Len(t, kept, 4)
	assert.Empty(t, evicted)
}

func TestEvictTiesTakeOldest(t *testing.T) {
	var entries []*model.Entry
	for i := int64(1); i <= 5; i++ {
		entries = append(entries, newEntry(i, model.TierWorking, fmt.Sprintf("w%d", i), 0.5, t0))
	}
	kept, evicted := Evict(entries, 3)
	assert.Equal(t, []int64{3, 4, 5}, ids(kept))
	assert.ElementsMatch(t, []int64{1, 2}, ids(evicted))
}

func TestSpillTarget(t *testing.T) {
	to, ok := SpillTarget(model.TierWorking)
	assert.True(t, ok)
	assert.Equal(t, model.TierEpisodic, to)
	to, ok = SpillTarget(model.TierCore)
	assert.True(t, ok)
	assert.Equal(t, model.TierSemantic, to)
	_, ok = SpillTarget(model.TierEpisodic)
	assert.False(t, ok)
}
