package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// AgentMetrics tracks the off-chain provider and replica loops.
type AgentMetrics struct {
	leaves     *prometheus.CounterVec
	signatures *prometheus.CounterVec
	responses  *prometheus.CounterVec
	syncs      *prometheus.CounterVec
}

var (
	agentOnce     sync.Once
	agentRegistry *AgentMetrics
)

func Agent() *AgentMetrics {
	agentOnce.Do(func() {
		agentRegistry = &AgentMetrics{
			leaves: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bucketchain",
				Subsystem: "agent",
				Name:      "leaves_appended_total",
				Help:      "Leaves appended to local bucket ranges by source.",
			}, []string{"source"}),
			signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bucketchain",
				Subsystem: "agent",
				Name:      "checkpoint_signatures_total",
				Help:      "Checkpoint signing requests by outcome.",
			}, []string{"outcome"}),
			responses: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bucketchain",
				Subsystem: "agent",
				Name:      "challenge_responses_total",
				Help:      "Challenge responses by kind and outcome.",
			}, []string{"kind", "outcome"}),
			syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bucketchain",
				Subsystem: "agent",
				Name:      "replica_syncs_total",
				Help:      "Replica sync attempts by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			agentRegistry.leaves,
			agentRegistry.signatures,
			agentRegistry.responses,
			agentRegistry.syncs,
		)
	})
	return agentRegistry
}

func (m *AgentMetrics) RecordLeaf(source string) {
	if m == nil {
		return
	}
	m.leaves.WithLabelValues(source).Inc()
}

func (m *AgentMetrics) RecordSignature(outcome string) {
	if m == nil {
		return
	}
	m.signatures.WithLabelValues(outcome).Inc()
}

func (m *AgentMetrics) RecordResponse(kind, outcome string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(kind, outcome).Inc()
}

func (m *AgentMetrics) RecordSync(outcome string) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(outcome).Inc()
}
