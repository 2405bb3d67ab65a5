package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	nodes  []NodeEvent
	edges  []EdgeEvent
	chains []ChainEvent
}

func (s *recordingSink) Node(ev NodeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = append(s.nodes, ev)
}

func (s *recordingSink) Edge(ev EdgeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = append(s.edges, ev)
}

func (s *recordingSink) Chain(ev ChainEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains = append(s.chains, ev)
}

type panickingSink struct{}

func (panickingSink) Node(NodeEvent)   {}
func (panickingSink) Edge(EdgeEvent)   {}
func (panickingSink) Chain(ChainEvent) { panic("boom") }

func TestMonitor_NilIsNoOp(t *testing.T) {
	var m *Monitor
	require.NotPanics(t, func() {
		m.Node("c1", "agent", NodeReady, nil)
		m.Edge(EdgeAgentToAgent, "a", "b", nil)
		m.Chain(ChainEvent{ChainID: "chain-1"})
		m.RecordToolCall("t", time.Millisecond, true)
	})
}

func TestMonitor_EmitsToSink(t *testing.T) {
	sink := &recordingSink{}
	m := New(sink, "", nil)

	m.Node("agent-1", "agent", NodeBusy, nil)
	m.Edge(EdgeAgentToService, "agent-1", "svc-1", nil)
	m.Chain(ChainEvent{ChainID: "chain-1", EventType: EventLLMCallStart})

	require.Len(t, sink.nodes, 1)
	require.Equal(t, NodeBusy, sink.nodes[0].State)
	require.Len(t, sink.edges, 1)
	require.Len(t, sink.chains, 1)
	require.False(t, sink.chains[0].Timestamp.IsZero())
}

func TestMonitor_PanickingSinkIsRecovered(t *testing.T) {
	m := New(panickingSink{}, "", nil)
	require.NotPanics(t, func() {
		m.Chain(ChainEvent{ChainID: "chain-1", EventType: EventLLMCallStart})
	})
}

func TestMonitor_StartSpan_DisabledWhenNoTracerName(t *testing.T) {
	m := New(nil, "", nil)
	ctx, end := m.StartSpan(context.Background(), "op")
	require.NotNil(t, ctx)
	require.NotPanics(t, func() { end(errors.New("boom")) })
}

func TestMonitor_RecordToolCall_IncrementsPrometheusCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(nil, "", reg)

	m.RecordToolCall("add", 10*time.Millisecond, true)

	families, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, fam := range families {
		if fam.GetName() == "genesis_tool_calls_total" {
			found = true
			require.Len(t, fam.Metric, 1)
			require.Equal(t, float64(1), fam.Metric[0].GetCounter().GetValue())
		}
	}
	require.True(t, found)
}

func TestMonitor_RecordAdvertisementChurn(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(nil, "", reg)
	m.RecordAdvertisementChurn("AGENT", "alive")

	families, err := reg.Gather()
	require.NoError(t, err)
	var metric *dto.Metric
	for _, fam := range families {
		if fam.GetName() == "genesis_bus_advertisement_churn_total" {
			metric = fam.Metric[0]
		}
	}
	require.NotNil(t, metric)
	require.Equal(t, float64(1), metric.GetCounter().GetValue())
}
