// Package peeragent implements spec.md §4.6's peer-agent tool generation:
// deterministic tool names derived from a discovered agent's advertised
// specializations, service_name, and capabilities, dispatched over RPC as
// delegated turns, with cycle protection (§4.5/§4.6's call_id + depth
// budget) so agent-to-agent delegation chains cannot loop forever.
//
// Grounded on the teacher's pkg/agent/agent_call_tool.go (AgentCallTool:
// a Tool wrapping a registry lookup and an ExecuteTask round trip,
// returning "[Delegated to: %s]\n\n%s") and pkg/agent/registry.go's
// extractAgentType (splitting a name on its last underscore) for the
// agent_type fallback this package's normalize-and-derive algorithm needs.
package peeragent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/genesis-fabric/genesis/internal/bus"
)

// MaxAgentDepth is spec.md §4.6's default cycle-protection budget: a
// delegation chain deeper than this is refused rather than followed.
const MaxAgentDepth = 4

// Kind is the closed error-kind enum this package raises.
type Kind string

const (
	KindCycleDetected Kind = "CYCLE_DETECTED"
	KindRPCFailure    Kind = "RPC_TIMEOUT"
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
		return fmt.Sprintf("[peeragent:%s:%s] %s: %v", e.Kind, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[peeragent:%s:%s] %s", e.Kind, e.Action, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// normalize lowercases s, replaces whitespace and '-' with '_', and drops
// any remaining non-alphanumeric/underscore characters, per spec.md §4.6.
func normalize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '-':
			b.WriteRune('_')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// extractAgentType derives a fallback type label from an advertised agent
// name by splitting on its last underscore, following the teacher's
// pkg/agent/registry.go extractAgentType — Advertisement carries no
// separate agent_type field, so the agent's own Name is the closest
// equivalent available at discovery time.
func extractAgentType(name string) string {
	idx := strings.LastIndex(name, "_")
	if idx == -1 {
		return name
	}
	return name[:idx]
}

// stripService removes a trailing/leading "service" token (case
// insensitive) from x, per spec.md §4.6's `strip(x, "service")`. A
// separating "_" left behind by a snake_case service_name (e.g.
// "billing_service") is trimmed too, so "use_" + strip(x) + "_service"
// never doubles up the underscore.
func stripService(x string) string {
	trimmed := strings.TrimSpace(x)
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasSuffix(lower, "service"):
		trimmed = trimmed[:len(trimmed)-len("service")]
	case strings.HasPrefix(lower, "service"):
		trimmed = trimmed[len("service"):]
	}
	return strings.Trim(strings.TrimSpace(trimmed), "_")
}

// Entry is the "Agent tool record" of spec.md §3: one derived tool name
// mapped to the peer agent it delegates to.
type Entry struct {
	ToolName       string
	TargetAgentID  string // provider_id of the advertising participant
	ServiceName    string
	Capabilities   []string
	Specializations []string
	Description    string
}

// DeriveToolNames computes every tool name spec.md §4.6 derives from one
// discovered agent Advertisement, in the mandated order: specializations,
// then service_name, then capabilities, falling back to
// consult_<agent_type> only when all three are empty.
func DeriveToolNames(adv bus.Advertisement) []Entry {
	var entries []Entry

	for _, s := range adv.Specializations {
		entries = append(entries, Entry{
			ToolName:        "get_" + normalize(s) + "_info",
			TargetAgentID:   adv.ProviderID,
			ServiceName:     adv.ServiceName,
			Capabilities:    adv.Capabilities,
			Specializations: adv.Specializations,
			Description:     fmt.Sprintf("Get %s information from %s", s, adv.Name),
		})
	}

	if adv.ServiceName != "" {
		entries = append(entries, Entry{
			ToolName:        "use_" + normalize(stripService(adv.ServiceName)) + "_service",
			TargetAgentID:   adv.ProviderID,
			ServiceName:     adv.ServiceName,
			Capabilities:    adv.Capabilities,
			Specializations: adv.Specializations,
			Description:     fmt.Sprintf("Use the %s service provided by %s", adv.ServiceName, adv.Name),
		})
	}

	for _, c := range adv.Capabilities {
		entries = append(entries, Entry{
			ToolName:        "request_" + normalize(c),
			TargetAgentID:   adv.ProviderID,
			ServiceName:     adv.ServiceName,
			Capabilities:    adv.Capabilities,
			Specializations: adv.Specializations,
			Description:     fmt.Sprintf("Request %s from %s", c, adv.Name),
		})
	}

	if len(entries) == 0 {
		entries = append(entries, Entry{
			ToolName:        "consult_" + normalize(extractAgentType(adv.Name)),
			TargetAgentID:   adv.ProviderID,
			ServiceName:     adv.ServiceName,
			Capabilities:    adv.Capabilities,
			Specializations: adv.Specializations,
			Description:     fmt.Sprintf("Consult %s", adv.Name),
		})
	}

	return entries
}

// Delegator issues the RPC call a peer-agent tool invocation performs. The
// caller of NewCache supplies it (internal/cli's newDelegator builds one
// over an rpc.Broker/Session); this package
// only needs the narrow capability, avoiding an import cycle. callCtx is
// the cycle-protection context for the delegated hop (depth already
// incremented past the caller's own depth), which a real implementation
// threads through rpc.Request.Extensions so the receiving agent enforces
// the same budget rather than starting a fresh one.
type Delegator func(ctx context.Context, serviceName, message string, callCtx CallContext) (string, error)

// CallContext threads the cycle-protection bookkeeping spec.md §4.6
// requires through a delegation chain: a call_id unique to the top-level
// user request, and the current depth.
type CallContext struct {
	CallID string
	Depth  int
}

// Cache is the per-agent live mapping of derived tool name to target,
// keeping "the most recently discovered mapping" per spec.md §4.6 when two
// peers advertise overlapping tool names.
type Cache struct {
	cache        *bus.Cache
	delegate     Delegator
	maxDepth     int
	seenCallsMu  sync.Mutex
	seenCalls    map[string]map[string]bool // call_id -> set of provider_ids already visited

	mu      sync.RWMutex
	entries map[string]Entry
}

// NewCache builds a peer-agent tool cache backed by b's AGENT
// advertisements, excluding selfID (an agent never offers itself as a
// peer tool). maxDepth <= 0 uses MaxAgentDepth.
func NewCache(b *bus.Bus, selfID string, delegate Delegator, maxDepth int) *Cache {
	if maxDepth <= 0 {
		maxDepth = MaxAgentDepth
	}
	c := &Cache{
		cache:     bus.NewCache(b, bus.KindAgent, selfID),
		delegate:  delegate,
		maxDepth:  maxDepth,
		seenCalls: make(map[string]map[string]bool),
		entries:   make(map[string]Entry),
	}
	c.cache.OnDiscover(c.onDiscover)
	c.cache.OnDepart(c.onDepart)
	for _, adv := range c.cache.Snapshot() {
		c.onDiscover(adv)
	}
	return c
}

func (c *Cache) onDiscover(adv bus.Advertisement) {
	for _, entry := range DeriveToolNames(adv) {
		c.mu.Lock()
		if existing, ok := c.entries[entry.ToolName]; ok && existing.TargetAgentID != entry.TargetAgentID {
			slog.Warn("peeragent: tool name collision, keeping most recently discovered",
				"tool_name", entry.ToolName, "previous_agent", existing.TargetAgentID, "new_agent", entry.TargetAgentID)
		}
		c.entries[entry.ToolName] = entry
		c.mu.Unlock()
	}
}

func (c *Cache) onDepart(adv bus.Advertisement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, entry := range c.entries {
		if entry.TargetAgentID == adv.ProviderID {
			delete(c.entries, name)
		}
	}
}

// List returns every currently-live derived tool name, the shape the
// orchestrator folds into its uniform tool set (spec.md §4.5 step 5).
func (c *Cache) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

// Invoke dispatches toolName as a delegated agent call, enforcing cycle
// protection: a call_id may not revisit the same target agent, and depth
// may not exceed maxDepth.
func (c *Cache) Invoke(ctx context.Context, toolName, message string, callCtx CallContext) (string, error) {
	c.mu.RLock()
	entry, ok := c.entries[toolName]
	c.mu.RUnlock()
	if !ok {
		return "", &Error{Kind: KindRPCFailure, Action: "Invoke", Message: "peer-agent tool " + toolName + " not found"}
	}

	if callCtx.Depth+1 > c.maxDepth {
		return "", &Error{Kind: KindCycleDetected, Action: "Invoke",
			Message: fmt.Sprintf("delegation depth %d exceeds max %d for call %s", callCtx.Depth+1, c.maxDepth, callCtx.CallID)}
	}

	c.seenCallsMu.Lock()
	visited, ok := c.seenCalls[callCtx.CallID]
	if !ok {
		visited = make(map[string]bool)
		c.seenCalls[callCtx.CallID] = visited
	}
	if visited[entry.TargetAgentID] {
		c.seenCallsMu.Unlock()
		return "", &Error{Kind: KindCycleDetected, Action: "Invoke",
			Message: "call " + callCtx.CallID + " would revisit agent " + entry.TargetAgentID}
	}
	visited[entry.TargetAgentID] = true
	c.seenCallsMu.Unlock()

	reply, err := c.delegate(ctx, entry.ServiceName, message, CallContext{CallID: callCtx.CallID, Depth: callCtx.Depth + 1})
	if err != nil {
		return "", &Error{Kind: KindRPCFailure, Action: "Invoke", Message: "delegation to " + entry.ServiceName + " failed", Err: err}
	}

	return fmt.Sprintf("[Delegated to: %s]\n\n%s", entry.ServiceName, reply), nil
}

// ForgetCall releases the cycle-protection bookkeeping for a completed
// top-level call_id, so the map does not grow unbounded across requests.
func (c *Cache) ForgetCall(callID string) {
	c.seenCallsMu.Lock()
	delete(c.seenCalls, callID)
	c.seenCallsMu.Unlock()
}

// Close stops the backing discovery cache.
func (c *Cache) Close() {
	c.cache.Close()
}
