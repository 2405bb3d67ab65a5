// Package orchestrator implements the agent orchestration loop of
// spec.md §4.5: one incoming request's full processing from discovery
// refresh through memory write and reply, including pre-classification,
// tool-set assembly, concurrent tool dispatch, and bounded recursion
// across LLM turns.
//
// Grounded on the teacher's pkg/agent/llmagent/flow.go Flow (outer
// iteration loop bounded by MaxIterations, runOneStep's
// preprocess-LLM-postprocess-tools structure), simplified from its
// iter.Seq2 event-streaming adk-go alignment to a single synchronous
// Run call — this module's contract is "one request in, one Reply out"
// (spec.md §4.5 step 10), not partial-token streaming.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/genesis-fabric/genesis/internal/functions"
	"github.com/genesis-fabric/genesis/internal/llm"
	"github.com/genesis-fabric/genesis/internal/memory"
	"github.com/genesis-fabric/genesis/internal/monitor"
	"github.com/genesis-fabric/genesis/internal/peeragent"
	"github.com/genesis-fabric/genesis/internal/tool"
)

// DefaultMaxRounds is spec.md §4.5 step 8's per-turn tool-call budget.
const DefaultMaxRounds = 4

// DefaultClassificationThreshold is the external-function count above
// which step 4's optional pre-classification stage engages.
const DefaultClassificationThreshold = 12

// DefaultProcessingBudget is spec.md §4.5's soft wall-clock budget for one
// full request.
const DefaultProcessingBudget = 60 * time.Second

// llmRetryBaseDelay is the base delay spec.md §7's LLM_ERROR policy retries
// after, jittered by up to 10% the way the teacher's httpclient.Client
// jitters its exponential backoff (pkg/httpclient/client.go's
// calculateDelay).
const llmRetryBaseDelay = 200 * time.Millisecond

// Reply.Status values. Zero means success; every other value is a
// spec.md §7 error kind surfaced to the caller instead of a tool-result
// message relayed through the LLM.
const (
	StatusOK    = 0
	StatusError = 1
	StatusCycle = 2
)

// Kind is the closed error-kind enum this package raises, spec.md §7.
type Kind string

const (
	KindLLMError      Kind = "LLM_ERROR"
	KindToolError     Kind = "TOOL_ERROR"
	KindInvalidSchema Kind = "INVALID_SCHEMA"
	KindCycleDetected Kind = "CYCLE_DETECTED"
)

// Error is the typed error this package returns.
type Error struct {
	Kind    Kind
	Action  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[orchestrator:%s:%s] %s: %v", e.Kind, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[orchestrator:%s:%s] %s", e.Kind, e.Action, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Config tunes the orchestration loop's budgets and prompt selection,
// spec.md §4.5 steps 2-4 and 8.
type Config struct {
	SystemPromptToolCapable string
	SystemPromptGeneral     string
	RecallLimit             int
	MaxRounds               int
	ClassificationThreshold int
	MaxAgentDepth           int

	// ProcessingBudget bounds one Run call's total wall-clock time,
	// spec.md §4.5's "agent-side processing has a default soft budget";
	// exceeding it surfaces as a non-zero status rather than a hang.
	ProcessingBudget time.Duration

	// MinConfidence is the classifier confidence cutoff below which step 4's
	// pre-filter is skipped in favor of the full catalog. Zero (the default)
	// accepts the classifier's top category unconditionally, matching the
	// original implementation's function_classifier.py before its confidence
	// threshold was added as a supplemental feature.
	MinConfidence float64
}

// SetDefaults fills zero-valued fields with spec.md §4.5's documented
// defaults.
func (c *Config) SetDefaults() {
	if c.RecallLimit <= 0 {
		c.RecallLimit = memory.DefaultRecallLimit
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.ClassificationThreshold <= 0 {
		c.ClassificationThreshold = DefaultClassificationThreshold
	}
	if c.MaxAgentDepth <= 0 {
		c.MaxAgentDepth = peeragent.MaxAgentDepth
	}
	if c.ProcessingBudget <= 0 {
		c.ProcessingBudget = DefaultProcessingBudget
	}
}

// Request is one incoming user/agent request, carrying the cycle-protection
// bookkeeping (spec.md §4.5 step 7) a delegated call arrives with.
type Request struct {
	SessionID string
	Message   string
	ChainID   string
	CallID    string
	Depth     int
}

// Reply is the {message, status} pair spec.md §4.5 step 10 returns. Status
// is one of the Status* constants above.
type Reply struct {
	Message string
	Status  int
}

// Agent wires every dependency the orchestration loop calls through. All
// fields except Model are optional — a nil Functions/PeerAgents/
// InternalTools/Monitor degrades gracefully to "no tools of that kind
// available", matching spec.md §8's boundary behavior for agents with no
// discovered peers or functions.
type Agent struct {
	AgentID     string
	ServiceName string

	Functions     *functions.Registry
	PeerAgents    *peeragent.Cache
	InternalTools *tool.Class
	Memory        *memory.Service
	Model         llm.Model
	Classifier    llm.Classifier
	Monitor       *monitor.Monitor

	Config Config
}

// assembledTool is one entry in the uniform tool list, tagged with where
// it dispatches (spec.md §4.5 step 7's lookup order: external function
// cache -> internal tool cache -> agent-tool cache).
type assembledTool struct {
	definition llm.ToolDefinition
	source     toolSource
	functionID string // set when source == sourceFunction
}

type toolSource int

const (
	sourceFunction toolSource = iota
	sourceInternal
	sourcePeerAgent
)

// Run executes the full orchestration loop for one request.
func (a *Agent) Run(ctx context.Context, req Request) (Reply, error) {
	a.Config.SetDefaults()

	ctx, cancel := context.WithTimeout(ctx, a.Config.ProcessingBudget)
	defer cancel()

	a.Monitor.Chain(monitor.ChainEvent{ChainID: req.ChainID, CallID: req.CallID, EventType: monitor.EventAgentRequestStart, TargetID: a.AgentID})

	history := a.retrieveMemory(req.SessionID)
	tools := a.assembleTools(ctx, req)
	systemPrompt := a.selectSystemPrompt(tools)

	messages := make([]llm.Message, 0, len(history)+1)
	for _, turn := range history {
		role := llm.RoleUser
		if turn.Role == memory.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Message})

	toolDefs := make([]llm.ToolDefinition, len(tools))
	for i, t := range tools {
		toolDefs[i] = t.definition
	}

	finalText, status := a.runRounds(ctx, req, systemPrompt, messages, tools, toolDefs)

	if status == StatusOK && a.Memory != nil {
		// Memory is written only once the turn has fully completed, per
		// spec.md §5; a store failure here is swallowed rather than failing
		// an otherwise-successful reply.
		_ = a.Memory.WriteTurn(ctx, req.SessionID, req.Message, finalText)
	}

	if req.Depth == 0 && a.PeerAgents != nil {
		a.PeerAgents.ForgetCall(req.CallID)
	}

	a.Monitor.Chain(monitor.ChainEvent{ChainID: req.ChainID, CallID: req.CallID, EventType: monitor.EventAgentResponse, SourceID: a.AgentID,
		Payload: map[string]any{"status": status}})

	return Reply{Message: finalText, Status: status}, nil
}

func (a *Agent) retrieveMemory(sessionID string) []memory.Turn {
	if a.Memory == nil {
		return nil
	}
	return a.Memory.Retrieve(sessionID, a.Config.RecallLimit)
}

// selectSystemPrompt implements spec.md §4.5 step 3: an agent with any
// dispatchable tool uses its tool-capable prompt, otherwise its general
// one.
func (a *Agent) selectSystemPrompt(tools []assembledTool) string {
	if len(tools) > 0 && a.Config.SystemPromptToolCapable != "" {
		return a.Config.SystemPromptToolCapable
	}
	return a.Config.SystemPromptGeneral
}

// assembleTools implements spec.md §4.5 steps 4-5: an optional
// classification pre-filter over the external function catalog, merged
// with every internal tool and every currently-discovered peer-agent
// tool into the uniform {name, description, parameters} list the model
// sees.
func (a *Agent) assembleTools(ctx context.Context, req Request) []assembledTool {
	var out []assembledTool

	if a.Functions != nil {
		records := a.classifyFunctions(ctx, req, a.Functions.List())
		for _, rec := range records {
			out = append(out, assembledTool{
				functionID: rec.FunctionID,
				source:     sourceFunction,
				definition: llm.ToolDefinition{Name: rec.Name, Description: rec.Description, Parameters: rec.ParameterSchema},
			})
		}
	}

	if a.InternalTools != nil {
		for _, m := range a.InternalTools.List() {
			out = append(out, assembledTool{
				source:     sourceInternal,
				definition: llm.ToolDefinition{Name: m.Name, Description: m.Description, Parameters: m.Schema},
			})
		}
	}

	if a.PeerAgents != nil {
		for _, entry := range a.PeerAgents.List() {
			out = append(out, assembledTool{
				source: sourcePeerAgent,
				definition: llm.ToolDefinition{
					Name:        entry.ToolName,
					Description: entry.Description,
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"message": map[string]any{"type": "string", "description": "The message to delegate to " + entry.ServiceName},
						},
						"required": []any{"message"},
					},
				},
			})
		}
	}

	return out
}

// classifyFunctions applies spec.md §4.5 step 4's optional pre-filter:
// when a Classifier is wired and the catalog exceeds
// Config.ClassificationThreshold, only functions sharing the classified
// category among their Capabilities survive. Classification failure or
// no Classifier leaves the full catalog untouched — this stage is an
// optimization, never a correctness requirement.
func (a *Agent) classifyFunctions(ctx context.Context, req Request, records []functions.Record) []functions.Record {
	if a.Classifier == nil || len(records) <= a.Config.ClassificationThreshold {
		return records
	}

	categorySeen := make(map[string]bool)
	var cats []string
	for _, rec := range records {
		for _, c := range rec.Capabilities {
			if !categorySeen[c] {
				categorySeen[c] = true
				cats = append(cats, c)
			}
		}
	}
	if len(cats) == 0 {
		return records
	}

	category, confidence, err := a.Classifier.Classify(ctx, req.Message, cats)
	a.Monitor.Chain(monitor.ChainEvent{ChainID: req.ChainID, CallID: req.CallID, EventType: monitor.EventClassificationResult,
		Payload: map[string]any{"category": category, "confidence": confidence, "error": err != nil}})
	if err != nil || category == "" || confidence < a.Config.MinConfidence {
		return records
	}

	var filtered []functions.Record
	for _, rec := range records {
		for _, c := range rec.Capabilities {
			if c == category {
				filtered = append(filtered, rec)
				break
			}
		}
	}
	if len(filtered) == 0 {
		return records
	}
	return filtered
}

// runRounds implements spec.md §4.5 steps 6-8: an LLM turn, tool dispatch,
// and recursion bounded by Config.MaxRounds.
func (a *Agent) runRounds(ctx context.Context, req Request, systemPrompt string, messages []llm.Message, tools []assembledTool, toolDefs []llm.ToolDefinition) (string, int) {
	for round := 0; round < a.Config.MaxRounds; round++ {
		resp, err := a.generateContent(ctx, req, systemPrompt, messages, toolDefs)
		if err != nil {
			return "I ran into a problem reaching the language model and could not complete this request.", StatusError
		}

		if resp.IsFinal() {
			return resp.Text, StatusOK
		}

		messages = append(messages, assistantToolCallMessages(resp.ToolCalls)...)
		dispatched := a.dispatchToolCalls(ctx, req, tools, resp.ToolCalls)
		if dispatched.cycleErr != nil {
			return dispatched.cycleErr.Message, StatusCycle
		}
		messages = append(messages, dispatched.messages...)
	}

	return "tool-call budget exhausted without a final response", StatusError
}

// generateContent calls the model once, and on failure retries exactly once
// after a jittered delay, per spec.md §7's LLM_ERROR policy ("one retry
// with jitter; then reply status != 0").
func (a *Agent) generateContent(ctx context.Context, req Request, systemPrompt string, messages []llm.Message, toolDefs []llm.ToolDefinition) (*llm.Response, error) {
	resp, err := a.callModel(ctx, req, systemPrompt, messages, toolDefs)
	if err == nil {
		return resp, nil
	}

	select {
	case <-time.After(jitteredDelay(llmRetryBaseDelay)):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return a.callModel(ctx, req, systemPrompt, messages, toolDefs)
}

func (a *Agent) callModel(ctx context.Context, req Request, systemPrompt string, messages []llm.Message, toolDefs []llm.ToolDefinition) (*llm.Response, error) {
	spanCtx, endSpan := a.Monitor.StartSpan(ctx, "llm.generate")
	a.Monitor.Chain(monitor.ChainEvent{ChainID: req.ChainID, CallID: req.CallID, EventType: monitor.EventLLMCallStart})

	resp, err := a.Model.GenerateContent(spanCtx, llm.Request{SystemPrompt: systemPrompt, Messages: messages, Tools: toolDefs})
	endSpan(err)
	a.Monitor.Chain(monitor.ChainEvent{ChainID: req.ChainID, CallID: req.CallID, EventType: monitor.EventLLMCallComplete})
	return resp, err
}

// jitteredDelay adds up to 10% random jitter to base, the way the
// teacher's httpclient.Client.calculateDelay jitters its exponential
// backoff.
func jitteredDelay(base time.Duration) time.Duration {
	return base + time.Duration(rand.Float64()*float64(base)*0.1)
}

func assistantToolCallMessages(calls []llm.ToolCall) []llm.Message {
	out := make([]llm.Message, 0, len(calls))
	for _, c := range calls {
		out = append(out, llm.Message{Role: llm.RoleAssistant, IsToolCall: true, ToolCallID: c.ID, ToolName: c.Name, ToolArgs: c.Args})
	}
	return out
}

// toolDispatchResult is dispatchToolCalls' outcome: either every call's
// tool-result message, or the first cycle-detection error observed, which
// takes priority over every other outcome in the same batch.
type toolDispatchResult struct {
	messages []llm.Message
	cycleErr *Error
}

// dispatchToolCalls executes every requested tool call concurrently,
// preserving spec.md §4.5 step 7's "concurrency permitted across distinct
// tool calls within a single turn" while collecting results in call order
// before the next LLM call. A tool-call failure becomes a tool-result
// message relayed through the LLM, spec.md §7's TOOL_ERROR policy, except
// CYCLE_DETECTED, whose policy is to short-circuit the whole turn instead
// of continuing it.
func (a *Agent) dispatchToolCalls(ctx context.Context, req Request, tools []assembledTool, calls []llm.ToolCall) toolDispatchResult {
	results := make([]llm.Message, len(calls))
	errs := make([]error, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			results[i], errs[i] = a.executeToolCall(ctx, req, tools, call)
		}(i, call)
	}
	wg.Wait()

	for _, err := range errs {
		if oErr, ok := err.(*Error); ok && oErr.Kind == KindCycleDetected {
			return toolDispatchResult{cycleErr: oErr}
		}
	}
	return toolDispatchResult{messages: results}
}

func (a *Agent) executeToolCall(ctx context.Context, req Request, tools []assembledTool, call llm.ToolCall) (llm.Message, error) {
	a.Monitor.Chain(monitor.ChainEvent{ChainID: req.ChainID, CallID: req.CallID, EventType: monitor.EventFunctionCallStart, TargetID: call.Name})

	resultText, err := a.invokeTool(ctx, req, tools, call)
	success := err == nil

	if oErr, ok := err.(*Error); ok && oErr.Kind == KindCycleDetected {
		a.Monitor.Chain(monitor.ChainEvent{ChainID: req.ChainID, CallID: req.CallID, EventType: monitor.EventFunctionCallComplete, TargetID: call.Name,
			Payload: map[string]any{"success": false}})
		return llm.Message{}, oErr
	}

	if err != nil {
		resultText = "tool error: " + err.Error()
	}

	a.Monitor.Chain(monitor.ChainEvent{ChainID: req.ChainID, CallID: req.CallID, EventType: monitor.EventFunctionCallComplete, TargetID: call.Name,
		Payload: map[string]any{"success": success}})

	return llm.Message{Role: llm.RoleUser, ToolCallID: call.ID, ToolResult: resultText}, nil
}

// invokeTool resolves call.Name in spec.md §4.5 step 7's mandated lookup
// order — external function cache, then internal tool cache, then
// agent-tool cache — by scanning the already-merged assembledTool list
// built in that order.
func (a *Agent) invokeTool(ctx context.Context, req Request, tools []assembledTool, call llm.ToolCall) (string, error) {
	var match *assembledTool
	for i := range tools {
		if tools[i].definition.Name == call.Name {
			match = &tools[i]
			break
		}
	}
	if match == nil {
		return "", &Error{Kind: KindToolError, Action: "invokeTool", Message: "unknown tool " + call.Name}
	}

	if err := validateArgs(match.definition.Parameters, call.Args); err != nil {
		return "", &Error{Kind: KindInvalidSchema, Action: "invokeTool", Message: "arguments failed schema validation for " + call.Name, Err: err}
	}

	switch match.source {
	case sourceFunction:
		result, err := a.Functions.Invoke(ctx, match.functionID, call.Args)
		if err != nil {
			return "", &Error{Kind: KindToolError, Action: "invokeTool", Message: "function " + call.Name + " failed", Err: err}
		}
		return marshalToString(result), nil

	case sourceInternal:
		return a.invokeInternalTool(ctx, call)

	case sourcePeerAgent:
		message, _ := call.Args["message"].(string)
		result, err := a.PeerAgents.Invoke(ctx, call.Name, message, peeragent.CallContext{CallID: req.CallID, Depth: req.Depth})
		if err != nil {
			if peErr, ok := err.(*peeragent.Error); ok && peErr.Kind == peeragent.KindCycleDetected {
				return "", &Error{Kind: KindCycleDetected, Action: "invokeTool", Message: peErr.Message, Err: err}
			}
			return "", &Error{Kind: KindToolError, Action: "invokeTool", Message: "delegation via " + call.Name + " failed", Err: err}
		}
		return result, nil
	}

	return "", &Error{Kind: KindToolError, Action: "invokeTool", Message: "unreachable tool source for " + call.Name}
}

// invokeInternalTool decodes the LLM-supplied argument map into a fresh
// instance of the registered method's argument struct (round-tripped
// through JSON, since both jsonschema reflection and the Anthropic
// tool_use block speak JSON) before calling through to tool.Class.Invoke.
func (a *Agent) invokeInternalTool(ctx context.Context, call llm.ToolCall) (string, error) {
	m, ok := a.InternalTools.Lookup(call.Name)
	if !ok {
		return "", &Error{Kind: KindToolError, Action: "invokeInternalTool", Message: "internal tool " + call.Name + " not registered"}
	}

	argsType := reflect.TypeOf(m.Args).Elem()
	decoded := reflect.New(argsType).Interface()
	raw, err := json.Marshal(call.Args)
	if err != nil {
		return "", &Error{Kind: KindInvalidSchema, Action: "invokeInternalTool", Message: "failed to encode arguments for " + call.Name, Err: err}
	}
	if err := json.Unmarshal(raw, decoded); err != nil {
		return "", &Error{Kind: KindInvalidSchema, Action: "invokeInternalTool", Message: "failed to decode arguments for " + call.Name, Err: err}
	}

	result, err := a.InternalTools.Invoke(ctx, call.Name, decoded)
	if err != nil {
		return "", &Error{Kind: KindToolError, Action: "invokeInternalTool", Message: "internal tool " + call.Name + " failed", Err: err}
	}
	return fmt.Sprintf("%v", result), nil
}

// schemaValidatorCache avoids recompiling the same parameter schema on
// every tool call, following the teacher's compileSchema sync.Map cache
// in pkg/pluginsdk/validation.go.
var schemaValidatorCache sync.Map // map[string]*jsonschema.Schema

// validateArgs compiles schema (if present) and validates args against it,
// caching the compiled schema by its marshaled text.
func validateArgs(schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	key := string(raw)

	var compiled *jsonschema.Schema
	if cached, ok := schemaValidatorCache.Load(key); ok {
		compiled = cached.(*jsonschema.Schema)
	} else {
		compiled, err = jsonschema.CompileString("tool-call.schema.json", key)
		if err != nil {
			return err
		}
		schemaValidatorCache.Store(key, compiled)
	}

	decodedRaw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(decodedRaw, &decoded); err != nil {
		return err
	}

	return compiled.Validate(decoded)
}

func marshalToString(m map[string]any) string {
	if m == nil {
		return ""
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	return string(raw)
}
