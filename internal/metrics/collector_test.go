package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rcliao/memrag/internal/memerr"
	"github.com/rcliao/memrag/internal/model"
)

func TestNewCollectorRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, zap.NewNop())
	c.RecordOperation("store", time.Millisecond, nil)
	c.SetTierSizes(map[model.Tier]int{model.TierCore: 2})

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["memrag_operations_total"])
	assert.True(t, names["memrag_operation_duration_seconds"])
	assert.True(t, names["memrag_tier_entries"])
}

func TestNilRegistryDoesNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(nil, nil)
		NewCollector(nil, nil)
	})
}

func TestRecordOperationStatus(t *testing.T) {
	c := NewCollector(nil, nil)
	c.RecordOperation("store", time.Millisecond, nil)
	c.RecordOperation("store", time.Millisecond, memerr.New(memerr.TierUnknown, "store", "bad tier"))
	c.RecordOperation("store", time.Millisecond, errors.New("plain"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationsTotal.WithLabelValues("store", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationsTotal.WithLabelValues("store", "tier_unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationsTotal.WithLabelValues("store", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.operationDuration))
}

func TestEvictionsAndPromotions(t *testing.T) {
	c := NewCollector(nil, nil)
	c.RecordEviction(model.TierWorking, 5)
	c.RecordEviction(model.TierWorking, 0)
	c.RecordPromotion(5)
	c.RecordDegradedSearch()

	assert.Equal(t, 5.0, testutil.ToFloat64(c.evictionsTotal.WithLabelValues("working")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.promotionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.degradedSearches))
}

func TestSetTierSizes(t *testing.T) {
	c := NewCollector(nil, nil)
	c.SetTierSizes(map[model.Tier]int{model.TierSemantic: 7})
	assert.Equal(t, 7.0, testutil.ToFloat64(c.tierEntries.WithLabelValues("semantic")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.tierEntries.WithLabelValues("core")))
	assert.Equal(t, 4, testutil.CollectAndCount(c.tierEntries))
}
