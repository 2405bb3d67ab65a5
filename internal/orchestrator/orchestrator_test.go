package orchestrator

import (
	"context"
	"encoding/json"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genesis-fabric/genesis/internal/bus"
	"github.com/genesis-fabric/genesis/internal/functions"
	"github.com/genesis-fabric/genesis/internal/llm"
	"github.com/genesis-fabric/genesis/internal/memory"
	"github.com/genesis-fabric/genesis/internal/peeragent"
	"github.com/genesis-fabric/genesis/internal/tool"
)

// scriptedModel replays a fixed sequence of Responses, one per call,
// asserting the harness (not the model) decides when the turn is final.
type scriptedModel struct {
	responses []*llm.Response
	calls     int32
	lastReq   llm.Request
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) GenerateContent(ctx context.Context, req llm.Request) (*llm.Response, error) {
	i := atomic.AddInt32(&m.calls, 1) - 1
	m.lastReq = req
	if int(i) >= len(m.responses) {
		return &llm.Response{Text: "fallback"}, nil
	}
	return m.responses[i], nil
}

type erroringModel struct {
	calls int32
}

func (m *erroringModel) Name() string { return "erroring" }
func (m *erroringModel) GenerateContent(ctx context.Context, req llm.Request) (*llm.Response, error) {
	atomic.AddInt32(&m.calls, 1)
	return nil, &llm.Error{Action: "GenerateContent", Message: "provider unavailable"}
}

// flakyModel fails its first call and succeeds on every call after, so
// tests can assert the single retry actually recovers a turn.
type flakyModel struct {
	calls int32
}

func (m *flakyModel) Name() string { return "flaky" }
func (m *flakyModel) GenerateContent(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if atomic.AddInt32(&m.calls, 1) == 1 {
		return nil, &llm.Error{Action: "GenerateContent", Message: "transient provider error"}
	}
	return &llm.Response{Text: "recovered after retry"}, nil
}

func TestRun_NoToolsFinalResponseWritesMemory(t *testing.T) {
	model := &scriptedModel{responses: []*llm.Response{{Text: "hello there"}}}
	mem := memory.NewService("agent-1", nil, memory.LongTermConfig{})

	a := &Agent{AgentID: "agent-1", Model: model, Memory: mem}
	reply, err := a.Run(context.Background(), Request{SessionID: "s1", Message: "hi", CallID: "call-1"})
	require.NoError(t, err)
	require.Equal(t, 0, reply.Status)
	require.Equal(t, "hello there", reply.Message)

	turns := mem.Retrieve("s1", 10)
	require.Len(t, turns, 2)
	require.Equal(t, memory.RoleUser, turns[0].Role)
	require.Equal(t, "hi", turns[0].Content)
	require.Equal(t, memory.RoleAssistant, turns[1].Role)
	require.Equal(t, "hello there", turns[1].Content)
}

func TestRun_LLMErrorDoesNotWriteMemory(t *testing.T) {
	mem := memory.NewService("agent-1", nil, memory.LongTermConfig{})
	model := &erroringModel{}
	a := &Agent{AgentID: "agent-1", Model: model, Memory: mem}

	reply, err := a.Run(context.Background(), Request{SessionID: "s1", Message: "hi", CallID: "call-1"})
	require.NoError(t, err)
	require.Equal(t, StatusError, reply.Status)
	require.Empty(t, mem.Retrieve("s1", 10))
	require.Equal(t, int32(2), atomic.LoadInt32(&model.calls), "expected the single retry-with-jitter before giving up")
}

func TestRun_LLMErrorRetriesOnceThenSucceeds(t *testing.T) {
	mem := memory.NewService("agent-1", nil, memory.LongTermConfig{})
	model := &flakyModel{}
	a := &Agent{AgentID: "agent-1", Model: model, Memory: mem}

	reply, err := a.Run(context.Background(), Request{SessionID: "s1", Message: "hi", CallID: "call-1"})
	require.NoError(t, err)
	require.Equal(t, StatusOK, reply.Status)
	require.Equal(t, "recovered after retry", reply.Message)
	require.Equal(t, int32(2), atomic.LoadInt32(&model.calls))
}

func TestRun_DispatchesFunctionToolThenReturnsFinal(t *testing.T) {
	b := bus.New(0)
	called := make(chan map[string]any, 1)
	reg := functions.New(b, nil)
	_, err := reg.RegisterLocal("provider-1", "lookup_weather", "looks up weather", map[string]any{
		"type":       "object",
		"properties": map[string]any{"city": map[string]any{"type": "string"}},
		"required":   []any{"city"},
	}, []string{"weather"}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		called <- args
		return map[string]any{"forecast": "sunny"}, nil
	})
	require.NoError(t, err)

	model := &scriptedModel{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "lookup_weather", Args: map[string]any{"city": "Boston"}}}},
		{Text: "it is sunny in Boston"},
	}}

	a := &Agent{AgentID: "agent-1", Model: model, Functions: reg, Memory: memory.NewService("agent-1", nil, memory.LongTermConfig{})}
	reply, err := a.Run(context.Background(), Request{SessionID: "s1", Message: "weather?", CallID: "call-1"})
	require.NoError(t, err)
	require.Equal(t, 0, reply.Status)
	require.Equal(t, "it is sunny in Boston", reply.Message)

	select {
	case args := <-called:
		require.Equal(t, "Boston", args["city"])
	default:
		t.Fatal("expected the registered function to have been invoked")
	}
}

func TestRun_InvalidToolArgsBecomesToolErrorWithoutAbortingTurn(t *testing.T) {
	b := bus.New(0)
	reg := functions.New(b, nil)
	_, err := reg.RegisterLocal("provider-1", "strict_tool", "requires a field", map[string]any{
		"type":       "object",
		"properties": map[string]any{"required_field": map[string]any{"type": "string"}},
		"required":   []any{"required_field"},
	}, nil, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		t.Fatal("should not be invoked with invalid args")
		return nil, nil
	})
	require.NoError(t, err)

	model := &scriptedModel{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "strict_tool", Args: map[string]any{}}}},
		{Text: "handled the error"},
	}}

	a := &Agent{AgentID: "agent-1", Model: model, Functions: reg, Memory: memory.NewService("agent-1", nil, memory.LongTermConfig{})}
	reply, err := a.Run(context.Background(), Request{SessionID: "s1", Message: "go", CallID: "call-1"})
	require.NoError(t, err)
	require.Equal(t, 0, reply.Status)
	require.Equal(t, "handled the error", reply.Message)
	require.Equal(t, int32(2), model.calls) // the schema failure did not abort the turn early

	var sawToolError bool
	for _, msg := range model.lastReq.Messages {
		if msg.ToolCallID == "call-1" {
			sawToolError = true
			require.Contains(t, msg.ToolResult, "tool error")
		}
	}
	require.True(t, sawToolError, "expected the invalid-schema failure to surface as a tool-result message")
}

type argsHost struct {
	lastArgs searchArgs
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Search query"`
}

func (h *argsHost) search(ctx context.Context, args any) (any, error) {
	sa := args.(*searchArgs)
	h.lastArgs = *sa
	return map[string]any{"results": []string{"one"}}, nil
}

func TestRun_DispatchesInternalToolWithDecodedArgs(t *testing.T) {
	host := &argsHost{}
	class := tool.NewClass()
	require.NoError(t, class.Register("search", "search something", reflect.TypeOf(searchArgs{}), host.search))

	model := &scriptedModel{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "search", Args: map[string]any{"query": "genesis"}}}},
		{Text: "found it"},
	}}

	a := &Agent{AgentID: "agent-1", Model: model, InternalTools: class, Memory: memory.NewService("agent-1", nil, memory.LongTermConfig{})}
	reply, err := a.Run(context.Background(), Request{SessionID: "s1", Message: "find genesis", CallID: "call-1"})
	require.NoError(t, err)
	require.Equal(t, "found it", reply.Message)
	require.Equal(t, "genesis", host.lastArgs.Query)
}

func TestRun_PeerAgentDelegationWrapsReply(t *testing.T) {
	b := bus.New(0)
	delegated := make(chan string, 1)
	cache := peeragent.NewCache(b, "self", func(ctx context.Context, serviceName, message string, callCtx peeragent.CallContext) (string, error) {
		delegated <- message
		return "peer says hi", nil
	}, 0)

	require.NoError(t, b.Publish(bus.Advertisement{
		AdvertisementID: "adv-1", Kind: bus.KindAgent, Name: "billing_agent", ProviderID: "peer-1",
		ServiceName: "billing_service",
	}))
	require.Eventually(t, func() bool { return len(cache.List()) > 0 }, time.Second, 10*time.Millisecond)

	model := &scriptedModel{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "use_billing_service", Args: map[string]any{"message": "what do I owe?"}}}},
		{Text: "you owe nothing"},
	}}

	a := &Agent{AgentID: "self", Model: model, PeerAgents: cache, Memory: memory.NewService("self", nil, memory.LongTermConfig{})}
	reply, err := a.Run(context.Background(), Request{SessionID: "s1", Message: "ask billing", CallID: "top-call", Depth: 0})
	require.NoError(t, err)
	require.Equal(t, "you owe nothing", reply.Message)

	select {
	case msg := <-delegated:
		require.Equal(t, "what do I owe?", msg)
	default:
		t.Fatal("expected delegation to have been invoked")
	}

	var sawWrapped bool
	for _, msg := range model.lastReq.Messages {
		if msg.ToolCallID == "call-1" {
			sawWrapped = true
			require.Equal(t, "[Delegated to: billing_service]\n\npeer says hi", msg.ToolResult)
		}
	}
	require.True(t, sawWrapped, "expected the wrapped peer reply as a tool-result message")
}

func TestRun_CycleDetectedShortCircuitsTurnWithDistinctStatus(t *testing.T) {
	b := bus.New(0)
	delegateCalls := int32(0)
	// maxDepth 1 means a request already at depth 1 would land at depth 2,
	// exceeding the budget and tripping KindCycleDetected before any RPC.
	cache := peeragent.NewCache(b, "self", func(ctx context.Context, serviceName, message string, callCtx peeragent.CallContext) (string, error) {
		atomic.AddInt32(&delegateCalls, 1)
		return "unreachable", nil
	}, 1)

	require.NoError(t, b.Publish(bus.Advertisement{
		AdvertisementID: "adv-1", Kind: bus.KindAgent, Name: "billing_agent", ProviderID: "peer-1",
		ServiceName: "billing_service",
	}))
	require.Eventually(t, func() bool { return len(cache.List()) > 0 }, time.Second, 10*time.Millisecond)

	model := &scriptedModel{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "use_billing_service", Args: map[string]any{"message": "what do I owe?"}}}},
		{Text: "should never be reached"},
	}}

	a := &Agent{AgentID: "self", Model: model, PeerAgents: cache, Memory: memory.NewService("self", nil, memory.LongTermConfig{})}
	reply, err := a.Run(context.Background(), Request{SessionID: "s1", Message: "ask billing", CallID: "top-call", Depth: 1})
	require.NoError(t, err)
	require.Equal(t, StatusCycle, reply.Status)
	require.NotEqual(t, "should never be reached", reply.Message)
	require.Equal(t, int32(1), model.calls, "the turn must stop at the first round, never asking the LLM again")
	require.Equal(t, int32(0), atomic.LoadInt32(&delegateCalls), "a cycle must never reach the delegate")
	require.Empty(t, a.Memory.Retrieve("s1", 10), "a cycle-short-circuited turn must not be written to memory")
}

func TestRun_ToolBudgetExhaustedReturnsErrorStatus(t *testing.T) {
	b := bus.New(0)
	reg := functions.New(b, nil)
	_, err := reg.RegisterLocal("provider-1", "loop_tool", "always asks for more", nil, nil,
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		})
	require.NoError(t, err)

	endless := &llm.Response{ToolCalls: []llm.ToolCall{{ID: "call-x", Name: "loop_tool", Args: map[string]any{}}}}
	model := &scriptedModel{responses: []*llm.Response{endless, endless, endless, endless, endless, endless}}

	a := &Agent{AgentID: "agent-1", Model: model, Functions: reg, Memory: memory.NewService("agent-1", nil, memory.LongTermConfig{})}
	reply, err := a.Run(context.Background(), Request{SessionID: "s1", Message: "go", CallID: "call-1"})
	require.NoError(t, err)
	require.Equal(t, 1, reply.Status)
}

type fakeClassifier struct {
	category   string
	confidence float64
	err        error
}

func (f fakeClassifier) Classify(ctx context.Context, message string, categories []string) (string, float64, error) {
	return f.category, f.confidence, f.err
}

func registerCountedFunction(t *testing.T, reg *functions.Registry, name string, caps []string, calls *int32) {
	t.Helper()
	_, err := reg.RegisterLocal("provider-1", name, name, nil, caps,
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			atomic.AddInt32(calls, 1)
			return map[string]any{"ok": true}, nil
		})
	require.NoError(t, err)
}

func TestClassifyFunctions_FiltersToMatchedCategoryAboveThreshold(t *testing.T) {
	b := bus.New(0)
	reg := functions.New(b, nil)

	var billingCalls, weatherCalls int32
	registerCountedFunction(t, reg, "billing_lookup", []string{"billing"}, &billingCalls)
	registerCountedFunction(t, reg, "weather_lookup", []string{"weather"}, &weatherCalls)

	model := &scriptedModel{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "billing_lookup", Args: map[string]any{}}}},
		{Text: "done"},
	}}

	a := &Agent{
		AgentID:    "agent-1",
		Model:      model,
		Functions:  reg,
		Classifier: fakeClassifier{category: "billing", confidence: 0.9},
		Memory:     memory.NewService("agent-1", nil, memory.LongTermConfig{}),
		Config:     Config{ClassificationThreshold: 1},
	}
	reply, err := a.Run(context.Background(), Request{SessionID: "s1", Message: "what do I owe?", CallID: "call-1"})
	require.NoError(t, err)
	require.Equal(t, "done", reply.Message)
	require.Equal(t, int32(1), billingCalls)
	require.Equal(t, int32(0), weatherCalls)
}

func TestClassifyFunctions_BelowMinConfidenceKeepsFullCatalog(t *testing.T) {
	b := bus.New(0)
	reg := functions.New(b, nil)

	var billingCalls, weatherCalls int32
	registerCountedFunction(t, reg, "billing_lookup", []string{"billing"}, &billingCalls)
	registerCountedFunction(t, reg, "weather_lookup", []string{"weather"}, &weatherCalls)

	model := &scriptedModel{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "weather_lookup", Args: map[string]any{}}}},
		{Text: "done"},
	}}

	a := &Agent{
		AgentID:    "agent-1",
		Model:      model,
		Functions:  reg,
		Classifier: fakeClassifier{category: "billing", confidence: 0.2},
		Memory:     memory.NewService("agent-1", nil, memory.LongTermConfig{}),
		Config:     Config{ClassificationThreshold: 1, MinConfidence: 0.5},
	}
	reply, err := a.Run(context.Background(), Request{SessionID: "s1", Message: "what's the weather?", CallID: "call-1"})
	require.NoError(t, err)
	require.Equal(t, "done", reply.Message)
	require.Equal(t, int32(1), weatherCalls)
}

func TestValidateArgs_NoSchemaAlwaysPasses(t *testing.T) {
	require.NoError(t, validateArgs(nil, map[string]any{"anything": true}))
}

func TestValidateArgs_RejectsMissingRequiredField(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"city": map[string]any{"type": "string"}},
		"required":   []any{"city"},
	}
	require.Error(t, validateArgs(schema, map[string]any{}))
	require.NoError(t, validateArgs(schema, map[string]any{"city": "Boston"}))
}

func TestMarshalToString_RoundTripsJSON(t *testing.T) {
	out := marshalToString(map[string]any{"a": 1.0})
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Equal(t, 1.0, decoded["a"])
}
