// Package metrics defines this module's Prometheus collectors, following
// the same promauto-constructed, labeled-vector shape as
// SnapdragonPartners-maestro's pkg/agent/middleware/metrics/prometheus.go,
// generalized from LLM request accounting to agent-lifecycle accounting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors holds every metric this module exports. The zero value is not
// usable — create one with New, passing either prometheus.DefaultRegisterer
// in production or a fresh prometheus.NewRegistry() in tests so repeated
// construction across test functions never hits a duplicate-registration
// panic.
type Collectors struct {
	ProtocolsInitiated  *prometheus.CounterVec
	InterestsRegistered *prometheus.CounterVec
	JournalEntries      *prometheus.CounterVec
	Snapshots           *prometheus.CounterVec
	AgentState          *prometheus.GaugeVec
	AgentsRegistered    prometheus.Gauge
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)

	return &Collectors{
		ProtocolsInitiated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agency_protocols_initiated_total",
				Help: "Total number of protocols actively initiated by an AgencyAgent, by document_type.",
			},
			[]string{"document_type"},
		),
		InterestsRegistered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agency_interests_registered_total",
				Help: "Total number of passive protocol interests registered, by document_type.",
			},
			[]string{"document_type"},
		),
		JournalEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agency_journal_entries_total",
				Help: "Total number of journal entries committed, by document_type.",
			},
			[]string{"document_type"},
		),
		Snapshots: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agency_snapshots_total",
				Help: "Total number of snapshots emitted, by document_type.",
			},
			[]string{"document_type"},
		),
		AgentState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agency_agent_state",
				Help: "Current AgencyAgent lifecycle state as an ordinal (see internal/agencyagent.State), by doc_id.",
			},
			[]string{"doc_id"},
		),
		AgentsRegistered: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agency_agents_registered",
				Help: "Current count of AgencyAgents registered with this Agency.",
			},
		),
	}
}
