// Package llm defines the model-invocation boundary the agent
// orchestration loop (spec.md §4.5) calls through for both the main
// generation turn and the optional classification stage. spec.md §1's
// non-goal excludes implementing a model *engine*, not wiring a real
// provider client — the default adapter in anthropic.go talks to the
// actual Anthropic Messages API.
//
// Grounded on the teacher's pkg/model/model.go: a single LLM interface
// exposing Name/Provider/GenerateContent, simplified from its
// iter.Seq2-streaming ADK-Go alignment (this module's orchestrator only
// needs a single synchronous turn per spec.md §4.5, never partial
// token streaming) to a plain request/response call.
package llm

import "context"

// Role mirrors a conversation turn's speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation history passed to the model.
type Message struct {
	Role    Role
	Content string

	// ToolCallID and ToolName are set when Role==RoleAssistant represents a
	// tool invocation the model requested, or when a message reports a tool
	// result back to the model (Role stays RoleUser per Anthropic's
	// tool_result-as-user-turn convention).
	ToolCallID string
	ToolName   string
	ToolResult string
	IsToolCall bool
	ToolArgs   map[string]any
}

// ToolDefinition is the uniform {name, description, parameters} shape
// spec.md §4.5 step 5 assembles from external functions, peer-agent tools,
// and internal tools before handing the set to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is one tool invocation the model requested in its reply.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Request is one LLM turn: conversation history, the assembled tool set,
// and the system prompt selected for this agent (spec.md §4.5 step 3).
type Request struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	MaxTokens    int
	Temperature  float64
}

// Response is the model's reply: free text and/or requested tool calls.
// A response with only ToolCalls set and empty Text is a pure tool-call
// turn, per spec.md §4.5 step 6's "model may request zero or more tool
// calls".
type Response struct {
	Text      string
	ToolCalls []ToolCall
	StopReason string
}

// IsFinal reports whether this response requires no further tool dispatch
// — the agent orchestration loop's recursion stop condition (spec.md §4.5
// step 7).
func (r *Response) IsFinal() bool {
	return len(r.ToolCalls) == 0
}

// Model is the interface every provider adapter implements.
type Model interface {
	Name() string
	GenerateContent(ctx context.Context, req Request) (*Response, error)
}

// Classifier is an optional narrower call used for spec.md §4.5 step 4's
// classification stage (mapping a user message to a category/intent tag
// before tool-set assembly). Left unimplemented by default; an
// orchestrator.Agent uses one only when its Classifier field is set.
type Classifier interface {
	Classify(ctx context.Context, message string, categories []string) (string, float64, error)
}

// ClassifierFunc adapts a plain function to Classifier, the way
// http.HandlerFunc adapts a function to http.Handler — lets a caller wire a
// cheaper classification model without writing a named type for it.
type ClassifierFunc func(ctx context.Context, message string, categories []string) (string, float64, error)

func (f ClassifierFunc) Classify(ctx context.Context, message string, categories []string) (string, float64, error) {
	return f(ctx, message, categories)
}

// Error is the typed error this package returns for provider failures. It
// carries no kind field; the orchestrator reports these failures under its
// own LLM_ERROR kind (spec.md §7).
type Error struct {
	Action  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "[llm:" + e.Action + "] " + e.Message + ": " + e.Err.Error()
	}
	return "[llm:" + e.Action + "] " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }
