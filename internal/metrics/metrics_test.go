package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/featgo/agency/internal/metrics"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNewRegistersEveryCollectorExactlyOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.New(reg)

	// A labeled vector reports no family to Gather until it has a child,
	// so create one child per vector first.
	c.ProtocolsInitiated.WithLabelValues("greeter")
	c.InterestsRegistered.WithLabelValues("greeter")
	c.JournalEntries.WithLabelValues("greeter")
	c.Snapshots.WithLabelValues("greeter")
	c.AgentState.WithLabelValues("agent-1")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if got, want := len(families), 6; got != want {
		t.Fatalf("registered metric families = %d, want %d", got, want)
	}

	c.JournalEntries.WithLabelValues("greeter").Inc()
	c.JournalEntries.WithLabelValues("greeter").Inc()
	if got := counterValue(t, c.JournalEntries.WithLabelValues("greeter")); got != 2 {
		t.Fatalf("JournalEntries = %v, want 2", got)
	}

	c.AgentState.WithLabelValues("agent-1").Set(3)
	if got := gaugeValue(t, c.AgentState.WithLabelValues("agent-1")); got != 3 {
		t.Fatalf("AgentState = %v, want 3", got)
	}

	c.AgentsRegistered.Set(5)
	if got := gaugeValue(t, c.AgentsRegistered); got != 5 {
		t.Fatalf("AgentsRegistered = %v, want 5", got)
	}
}

func TestNewTwiceAgainstSeparateRegistriesDoesNotPanic(t *testing.T) {
	metrics.New(prometheus.NewRegistry())
	metrics.New(prometheus.NewRegistry())
}
