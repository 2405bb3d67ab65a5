// Package rpc implements the fabric's request/reply layer: the
// broadcast-then-lock-then-targeted protocol of spec.md §4.3. Discovery
// (package bus) tells a requester which service_names exist; this package
// is agnostic to discovery and only cares about one thing: a service_name
// has zero or more repliers, each identified by a GUID and an advertisement
// timestamp used for tie-break ranking.
//
// It is grounded on the teacher's pkg/agent/agent_call_tool.go (an agent
// dispatching a task to another agent and waiting for its response) and
// pkg/agent/registry.go's GUID-keyed addressing, generalized into the
// broadcast/lock/targeted protocol spec.md §4.3 specifies — the teacher
// addresses agents directly by config-file ID over gRPC and has no
// broadcast-with-tie-break step, so that part is new, written in the same
// idiom (typed errors, explicit context, no hidden goroutine leaks).
package rpc

import "fmt"

// Request is the fabric's RPCRequest (spec.md §3). TargetServiceGUID empty
// means broadcast; non-empty means targeted.
type Request struct {
	Message            string
	ConversationID     string
	TargetServiceGUID  string
	ServiceInstanceTag string
	// Extensions carries protocol add-ons the base RPC layer doesn't need to
	// understand — peer-agent delegation rides call_id/depth through here
	// (spec.md §4.5 step 7's cycle protection).
	Extensions map[string]string
}

// Reply is the fabric's RPCReply (spec.md §3). Status == 0 means success.
type Reply struct {
	Message             string
	Status              int
	ReplierServiceGUID  string
	ServiceInstanceTag  string
	ConversationID      string
}

// Kind is the closed set of RPC-layer error kinds from spec.md §7 that this
// package itself can raise. Orchestration-layer kinds (TOOL_ERROR,
// LLM_ERROR, CYCLE_DETECTED, ...) live in package orchestrator.
type Kind string

const (
	KindBindTimeout Kind = "BIND_TIMEOUT"
	KindRPCTimeout  Kind = "RPC_TIMEOUT"
	KindCancelled   Kind = "CANCELLED"
)

// Error is the typed error this package returns, following the
// Component/Action/Message/Err shape used across the module (see
// bus.Error, functions.Error).
type Error struct {
	Kind    Kind
	Action  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[rpc:%s] %s: %v", e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[rpc:%s] %s", e.Action, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, action, message string, err error) *Error {
	return &Error{Kind: kind, Action: action, Message: message, Err: err}
}
