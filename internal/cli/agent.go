package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/genesis-fabric/genesis/internal/bus"
	"github.com/genesis-fabric/genesis/internal/config"
	"github.com/genesis-fabric/genesis/internal/functions"
	"github.com/genesis-fabric/genesis/internal/ids"
	"github.com/genesis-fabric/genesis/internal/llm"
	"github.com/genesis-fabric/genesis/internal/memory"
	"github.com/genesis-fabric/genesis/internal/monitor"
	"github.com/genesis-fabric/genesis/internal/orchestrator"
	"github.com/genesis-fabric/genesis/internal/peeragent"
	"github.com/genesis-fabric/genesis/internal/rpc"
)

// AgentOptions configures one locally-hosted agent process: spec.md §6's
// agent role, the counterpart to Options' interface role. Everything about
// the agent's identity and behavior (name, service_name, capabilities,
// prompts) lives in the config file at ConfigPath, not on the command
// line, since that data describes the agent rather than one invocation of
// the CLI.
type AgentOptions struct {
	ConfigPath         string
	ServiceInstanceTag string
	DelegateTimeout    time.Duration
}

const defaultDelegateTimeout = 30 * time.Second

// extensionCallID / extensionDepth are the rpc.Request.Extensions keys a
// delegated call carries its cycle-protection budget through, per
// spec.md §4.5 step 7.
const (
	extensionCallID = "call_id"
	extensionDepth  = "depth"
)

// RunAgent boots one locally-hosted agent against b/broker: it loads
// ConfigPath, constructs a fully-wired orchestrator.Agent (functions
// registry, peer-agent cache with a real RPC delegator, memory, model),
// publishes its AGENT advertisement, and serves every inbound request
// through rpc.Replier.Listen until ctx is cancelled. Kept separate from
// cmd/genesis, the same way Execute is, so the bootstrap wiring can be
// exercised by tests without a process — following cmd/hector's
// thin-main.go-delegates-to-pkg/ convention.
func RunAgent(ctx context.Context, b *bus.Bus, broker *rpc.Broker, opts AgentOptions) error {
	if b == nil || broker == nil {
		return &Error{Kind: KindBusUnavailable, Action: "RunAgent", Message: "no bus/broker available"}
	}

	cfg, err := config.NewLoader(opts.ConfigPath, nil).Load()
	if err != nil {
		return &Error{Kind: KindInvalidArgs, Action: "RunAgent", Message: "failed to load agent config", Err: err}
	}
	if cfg.Agent.ServiceName == "" {
		return &Error{Kind: KindInvalidArgs, Action: "RunAgent", Message: "config.agent.service_name is required"}
	}

	agentID := cfg.Agent.AgentID
	if agentID == "" {
		agentID = ids.New()
	}

	model, err := buildModel(cfg)
	if err != nil {
		return &Error{Kind: KindInvalidArgs, Action: "RunAgent", Message: "failed to construct LLM model", Err: err}
	}

	delegateTimeout := opts.DelegateTimeout
	if delegateTimeout <= 0 {
		delegateTimeout = defaultDelegateTimeout
	}
	drainWindow := time.Duration(cfg.ReplyDrainWindowMS) * time.Millisecond

	funcRegistry := functions.New(b, nil)
	defer funcRegistry.Close()

	peerCache := peeragent.NewCache(b, agentID, newDelegator(broker, drainWindow, delegateTimeout), cfg.Agent.MaxDepth)
	defer peerCache.Close()

	agent := &orchestrator.Agent{
		AgentID:     agentID,
		ServiceName: cfg.Agent.ServiceName,
		Functions:   funcRegistry,
		PeerAgents:  peerCache,
		Memory:      memory.NewService(agentID, nil, memory.LongTermConfig{}),
		Model:       model,
		Monitor:     monitor.New(nil, "genesis-agent", nil),
		Config: orchestrator.Config{
			SystemPromptToolCapable: cfg.Agent.SystemPromptToolCapable,
			SystemPromptGeneral:     cfg.Agent.SystemPromptGeneral,
			MaxAgentDepth:           cfg.Agent.MaxDepth,
		},
	}

	// The advertisement's ProviderID must equal the peer cache's selfID, or
	// this agent would list itself as a peer tool.
	guid := agentID
	replier := rpc.NewReplier(broker, cfg.Agent.ServiceName, guid, opts.ServiceInstanceTag, time.Now())
	defer replier.Close()

	advID := ids.New()
	if err := b.Publish(bus.Advertisement{
		AdvertisementID: advID,
		Kind:            bus.KindAgent,
		Name:            cfg.Agent.Name,
		ServiceName:     cfg.Agent.ServiceName,
		ProviderID:      guid,
		Capabilities:    cfg.Agent.Capabilities,
		Specializations: cfg.Agent.Specializations,
		Timestamp:       time.Now(),
	}); err != nil {
		return &Error{Kind: KindBusUnavailable, Action: "RunAgent", Message: "failed to publish agent advertisement", Err: err}
	}
	defer b.Dispose(advID)

	replier.Listen(ctx, agentHandler(agent))
	return nil
}

// agentHandler adapts orchestrator.Agent.Run into an rpc.Handler, decoding
// the call_id/depth a delegating peer propagated through req.Extensions so
// this agent's own cycle-protection budget continues the same chain
// instead of starting a fresh one (spec.md §4.5 step 7).
func agentHandler(agent *orchestrator.Agent) rpc.Handler {
	return func(ctx context.Context, req rpc.Request) (string, int) {
		callID := req.Extensions[extensionCallID]
		if callID == "" {
			callID = req.ConversationID
		}

		reply, err := agent.Run(ctx, orchestrator.Request{
			SessionID: req.ConversationID,
			Message:   req.Message,
			CallID:    callID,
			Depth:     parseDepth(req.Extensions),
		})
		if err != nil {
			return "internal agent error", orchestrator.StatusError
		}
		return reply.Message, reply.Status
	}
}

// newDelegator builds the peeragent.Delegator a locally-hosted agent uses
// to delegate a tool call to another agent over real RPC, carrying
// call_id/depth through rpc.Request.Extensions so the receiving agent's
// agentHandler enforces the same cycle-protection budget rather than
// treating the delegated call as a fresh top-level request.
func newDelegator(broker *rpc.Broker, drainWindow, timeout time.Duration) peeragent.Delegator {
	return func(ctx context.Context, serviceName, message string, callCtx peeragent.CallContext) (string, error) {
		session := rpc.NewSession(broker, serviceName, drainWindow)
		defer session.Close()

		ext := map[string]string{
			extensionCallID: callCtx.CallID,
			extensionDepth:  strconv.Itoa(callCtx.Depth),
		}

		reply, err := session.Send(ctx, callCtx.CallID, message, ext, false, timeout)
		if err != nil {
			return "", err
		}
		if reply.Status != 0 {
			return "", fmt.Errorf("peer agent replied with status %d", reply.Status)
		}
		return reply.Message, nil
	}
}

// parseDepth reads the depth extension a delegating peer set; a missing
// or malformed value defaults to 0, treating the call as a fresh
// top-level request rather than failing it.
func parseDepth(ext map[string]string) int {
	if ext == nil {
		return 0
	}
	depth, err := strconv.Atoi(ext[extensionDepth])
	if err != nil {
		return 0
	}
	return depth
}

// buildModel constructs the production Anthropic-backed Model from
// cfg.LLM, resolving the API key through cfg.ResolveAPIKey (env var named
// by cfg.LLM.APIKeyEnv).
func buildModel(cfg *config.Config) (llm.Model, error) {
	apiKey := cfg.ResolveAPIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("environment variable %s is not set", cfg.LLM.APIKeyEnv)
	}
	return llm.NewAnthropicModelFromAPIKey(apiKey, cfg.LLM.Model)
}
