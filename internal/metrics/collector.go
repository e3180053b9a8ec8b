// Package metrics exposes prometheus instrumentation for store operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/rcliao/memrag/internal/logging"
	"github.com/rcliao/memrag/internal/memerr"
	"github.com/rcliao/memrag/internal/model"
)

const namespace = "memrag"

// Collector records store operation metrics.
type Collector struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	degradedSearches  prometheus.Counter
	evictionsTotal    *prometheus.CounterVec
	promotionsTotal   prometheus.Counter
	tierEntries       *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers the store metrics on reg. A nil reg uses a private
// registry, which keeps repeated stores in one process from colliding.
func NewCollector(reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	c := &Collector{
		logger: logging.OrNop(logger).With(zap.String("component", "metrics")),
	}

	c.operationsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of store operations",
		},
		[]string{"op", "status"},
	)

	c.operationDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"op"},
	)

	c.degradedSearches = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "degraded_searches_total",
		Help:      "Searches answered by lexical fallback",
	})

	c.evictionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Entries evicted for capacity, by source tier",
		},
		[]string{"tier"},
	)

	c.promotionsTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "promotions_total",
		Help:      "Evicted entries moved to another tier",
	})

	c.tierEntries = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tier_entries",
			Help:      "Live entries per tier",
		},
		[]string{"tier"},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordOperation records one public operation and its outcome. The status
// label is "ok" or the error kind.
func (c *Collector) RecordOperation(op string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		if k := memerr.KindOf(err); k != "" {
			status = string(k)
		}
	}
	c.operationsTotal.WithLabelValues(op, status).Inc()
	c.operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordDegradedSearch counts a lexical fallback.
func (c *Collector) RecordDegradedSearch() {
	c.degradedSearches.Inc()
}

// RecordEviction counts n entries evicted from tier.
func (c *Collector) RecordEviction(tier model.Tier, n int) {
	if n > 0 {
		c.evictionsTotal.WithLabelValues(string(tier)).Add(float64(n))
	}
}

// RecordPromotion counts n evicted entries that moved tiers.
func (c *Collector) RecordPromotion(n int) {
	if n > 0 {
		c.promotionsTotal.Add(float64(n))
	}
}

// SetTierSizes publishes the current entry count of every tier.
func (c *Collector) SetTierSizes(sizes map[model.Tier]int) {
	for _, t := range model.Tiers {
		c.tierEntries.WithLabelValues(string(t)).Set(float64(sizes[t]))
	}
}
