package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics captures reconciliation health: applied and rejected
// effects, duplicate replays, and poller lag against the chain head.
type SettlementMetrics struct {
	EffectsApplied  *prometheus.CounterVec
	EffectsRejected *prometheus.CounterVec
	DuplicateEvents prometheus.Counter
	ApplyLatency    *prometheus.HistogramVec
	PollerCycles    prometheus.Counter
	PollerLagBlocks prometheus.Gauge
	EffectRetries   prometheus.Counter
	StuckEffects    prometheus.Counter
}

var (
	settlementOnce    sync.Once
	settlementMetrics *SettlementMetrics
)

// Settlement returns the process-wide settlement metric set, registering the
// collectors on first use.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementMetrics = &SettlementMetrics{
			EffectsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gigchain",
				Subsystem: "recon",
				Name:      "effects_applied_total",
				Help:      "Effects applied to the settlement store, by effect kind.",
			}, []string{"effect"}),
			EffectsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gigchain",
				Subsystem: "recon",
				Name:      "effects_rejected_total",
				Help:      "Effects rejected, by effect kind and rejection code.",
			}, []string{"effect", "code"}),
			DuplicateEvents: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "gigchain",
				Subsystem: "recon",
				Name:      "duplicate_events_total",
				Help:      "Replays answered from the event ledger without re-applying.",
			}),
			ApplyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "gigchain",
				Subsystem: "recon",
				Name:      "apply_latency_seconds",
				Help:      "End-to-end latency of applying one effect, confirmation wait included.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			}, []string{"effect"}),
			PollerCycles: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "gigchain",
				Subsystem: "poller",
				Name:      "cycles_total",
				Help:      "Completed poller scan cycles.",
			}),
			PollerLagBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "gigchain",
				Subsystem: "poller",
				Name:      "lag_blocks",
				Help:      "Blocks between the chain head and the lowest project cursor.",
			}),
			EffectRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "gigchain",
				Subsystem: "poller",
				Name:      "effect_retries_total",
				Help:      "Retryable rejections re-queued by the poller.",
			}),
			StuckEffects: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "gigchain",
				Subsystem: "poller",
				Name:      "stuck_effects_total",
				Help:      "Effects that exhausted retries and were surfaced as operator alerts.",
			}),
		}
		prometheus.MustRegister(
			settlementMetrics.EffectsApplied,
			settlementMetrics.EffectsRejected,
			settlementMetrics.DuplicateEvents,
			settlementMetrics.ApplyLatency,
			settlementMetrics.PollerCycles,
			settlementMetrics.PollerLagBlocks,
			settlementMetrics.EffectRetries,
			settlementMetrics.StuckEffects,
		)
	})
	return settlementMetrics
}
