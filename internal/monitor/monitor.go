// Package monitor implements the orthogonal monitoring scaffolding of
// spec.md §4.8: Node/Edge state transitions and Chain events threaded by
// chain_id across an end-to-end request, handed to a caller-supplied Sink, plus
// OTel spans and Prometheus counters for the same events. Every write is
// best-effort — a failed publish or export is logged and never propagates,
// per spec.md §4.8's "never block the critical path".
//
// Grounded on the teacher's pkg/observability/manager.go (Manager wrapping
// an optional Tracer and optional Metrics, both independently toggleable)
// and pkg/tools/registry.go's ExecuteTool (the per-call span + metrics
// recording pattern), generalized from per-tool-call tracing to the
// fabric-wide chain-event stream.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NodeState mirrors the per-participant lifecycle states of spec.md §3.
type NodeState string

const (
	NodeDiscovering NodeState = "DISCOVERING"
	NodeReady       NodeState = "READY"
	NodeBusy        NodeState = "BUSY"
	NodeDegraded    NodeState = "DEGRADED"
	NodeOffline     NodeState = "OFFLINE"
)

// EdgeKind is the directed relationship one Edge event describes.
type EdgeKind string

const (
	EdgeInterfaceToAgent EdgeKind = "interface_to_agent"
	EdgeAgentToService   EdgeKind = "agent_to_service"
	EdgeAgentToAgent     EdgeKind = "agent_to_agent"
	EdgeServiceToFunction EdgeKind = "service_to_function"
)

// ChainEventType enumerates spec.md §4.8's Chain event_type values.
type ChainEventType string

const (
	EventInterfaceRequestStart    ChainEventType = "INTERFACE_REQUEST_START"
	EventAgentRequestStart        ChainEventType = "AGENT_REQUEST_START"
	EventFunctionCallStart        ChainEventType = "FUNCTION_CALL_START"
	EventFunctionCallComplete     ChainEventType = "FUNCTION_CALL_COMPLETE"
	EventLLMCallStart             ChainEventType = "LLM_CALL_START"
	EventLLMCallComplete          ChainEventType = "LLM_CALL_COMPLETE"
	EventClassificationResult     ChainEventType = "CLASSIFICATION_RESULT"
	EventAgentResponse            ChainEventType = "AGENT_RESPONSE"
	EventInterfaceRequestComplete ChainEventType = "INTERFACE_REQUEST_COMPLETE"
)

// NodeEvent is a participant's lifecycle-state transition.
type NodeEvent struct {
	ComponentID   string
	ComponentType string
	State         NodeState
	Attrs         map[string]any
	Timestamp     time.Time
}

// EdgeEvent is a directed relationship observed between two participants.
type EdgeEvent struct {
	Kind      EdgeKind
	SourceID  string
	TargetID  string
	Attrs     map[string]any
	Timestamp time.Time
}

// ChainEvent is one step of an end-to-end request, threaded by ChainID.
type ChainEvent struct {
	ChainID   string
	CallID    string
	EventType ChainEventType
	SourceID  string
	TargetID  string
	Payload   map[string]any
	Timestamp time.Time
}

// Sink receives every emitted event. No Sink implementation ships in this
// module: events reach only the Sink a caller passes to New (tests use a
// recording Sink), and nothing is published on a bus monitoring topic.
type Sink interface {
	Node(NodeEvent)
	Edge(EdgeEvent)
	Chain(ChainEvent)
}

// Monitor is the orthogonal layer spec.md §4.8 describes: every method is
// best-effort, wrapping a Sink plus OTel tracing and Prometheus metrics.
// A nil *Monitor is valid and every method becomes a no-op, so components
// can hold an optionally-configured Monitor without nil checks at every
// call site.
type Monitor struct {
	sink    Sink
	tracer  trace.Tracer
	metrics *Metrics
}

// New builds a Monitor emitting to sink (nil disables event emission,
// tracing/metrics still run when non-nil) using tracerName as the OTel
// tracer name and registering Prometheus collectors on reg (nil disables
// metrics).
func New(sink Sink, tracerName string, reg *prometheus.Registry) *Monitor {
	m := &Monitor{sink: sink}
	if tracerName != "" {
		m.tracer = otel.Tracer(tracerName)
	}
	if reg != nil {
		m.metrics = newMetrics(reg)
	}
	return m
}

// Node emits a lifecycle transition for componentID.
func (m *Monitor) Node(componentID, componentType string, state NodeState, attrs map[string]any) {
	if m == nil || m.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("monitor: node event emission panicked", "recover", r)
		}
	}()
	m.sink.Node(NodeEvent{ComponentID: componentID, ComponentType: componentType, State: state, Attrs: attrs, Timestamp: time.Now()})
}

// Edge emits an observed relationship between two participants.
func (m *Monitor) Edge(kind EdgeKind, sourceID, targetID string, attrs map[string]any) {
	if m == nil || m.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("monitor: edge event emission panicked", "recover", r)
		}
	}()
	m.sink.Edge(EdgeEvent{Kind: kind, SourceID: sourceID, TargetID: targetID, Attrs: attrs, Timestamp: time.Now()})
}

// Chain emits one chain-event step. A panicking Sink is recovered and
// logged, not propagated. The Sink is called synchronously on the caller's
// goroutine, so a slow Sink delays the caller.
func (m *Monitor) Chain(ev ChainEvent) {
	if m == nil || m.sink == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("monitor: chain event emission panicked", "recover", r, "chain_id", ev.ChainID)
		}
	}()
	m.sink.Chain(ev)
}

// StartSpan opens an OTel span for one chain-event pair (e.g.
// LLM_CALL_START/LLM_CALL_COMPLETE), returning a no-op end function when
// tracing is disabled.
func (m *Monitor) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if m == nil || m.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// RecordToolCall records a tool-call duration/outcome metric, mirroring the
// teacher's ExecuteTool span-plus-metric pattern.
func (m *Monitor) RecordToolCall(name string, duration time.Duration, success bool) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.recordToolCall(name, duration, success)
}

// RecordRPCLatency records one completed RPC round trip's latency.
func (m *Monitor) RecordRPCLatency(serviceName string, duration time.Duration) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.recordRPCLatency(serviceName, duration)
}

// RecordAdvertisementChurn increments the discovery churn counter for kind.
func (m *Monitor) RecordAdvertisementChurn(kind, transition string) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.recordAdvertisementChurn(kind, transition)
}
