package metrics

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bucketchain/core/types"
)

// LedgerMetrics tracks transition outcomes and storage protocol activity.
type LedgerMetrics struct {
	transitions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	challenges  *prometheus.CounterVec
	slashed     prometheus.Counter
	syncPaid    prometheus.Counter
	signers     prometheus.Histogram
	height      prometheus.Gauge
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bucketchain",
				Subsystem: "ledger",
				Name:      "transitions_total",
				Help:      "Ledger transitions by operation and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bucketchain",
				Subsystem: "ledger",
				Name:      "transition_duration_seconds",
				Help:      "Time spent applying a ledger transition.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bucketchain",
				Subsystem: "storage",
				Name:      "challenges_total",
				Help:      "Challenges by lifecycle outcome.",
			}, []string{"outcome"}),
			slashed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bucketchain",
				Subsystem: "storage",
				Name:      "slashed_stake_total",
				Help:      "Provider stake forfeited to slashing, in base units.",
			}),
			syncPaid: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "bucketchain",
				Subsystem: "storage",
				Name:      "sync_payments_total",
				Help:      "Replica sync payments released, in base units.",
			}),
			signers: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "bucketchain",
				Subsystem: "storage",
				Name:      "checkpoint_signers",
				Help:      "Primary signatures carried by accepted checkpoints.",
				Buckets:   prometheus.LinearBuckets(1, 1, 8),
			}),
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "bucketchain",
				Subsystem: "ledger",
				Name:      "height",
				Help:      "Current block height.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.transitions,
			ledgerRegistry.latency,
			ledgerRegistry.challenges,
			ledgerRegistry.slashed,
			ledgerRegistry.syncPaid,
			ledgerRegistry.signers,
			ledgerRegistry.height,
		)
	})
	return ledgerRegistry
}

func (m *LedgerMetrics) ObserveTransition(op string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.transitions.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *LedgerMetrics) SetHeight(height uint64) {
	if m == nil {
		return
	}
	m.height.Set(float64(height))
}

// ObserveEvent derives protocol counters from a committed ledger event.
func (m *LedgerMetrics) ObserveEvent(evt *types.Event) {
	if m == nil || evt == nil {
		return
	}
	switch evt.Type {
	case "storage.challenge.created":
		m.challenges.WithLabelValues("created").Inc()
	case "storage.challenge.defended":
		m.challenges.WithLabelValues("defended").Inc()
	case "storage.challenge.cancelled":
		m.challenges.WithLabelValues("cancelled").Inc()
	case "storage.challenge.slashed":
		m.challenges.WithLabelValues("slashed").Inc()
		m.slashed.Add(amountFloat(evt.Attr("slashed")))
	case "storage.replica.synced":
		m.syncPaid.Add(amountFloat(evt.Attr("paid")))
	case "storage.checkpoint.accepted", "storage.checkpoint.extended":
		m.signers.Observe(float64(strings.Count(evt.Attr("signers"), "1")))
	}
}

func amountFloat(raw string) float64 {
	v, ok := new(big.Float).SetString(strings.TrimSpace(raw))
	if !ok {
		return 0
	}
	f, _ := v.Float64()
	if f < 0 {
		return 0
	}
	return f
}
