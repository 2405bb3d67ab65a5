package rpc

import (
	"context"
	"log/slog"
	"time"
)

// Handler processes one RPCRequest and produces a reply body plus a status
// code (0 = success). It must not block indefinitely; spec.md §4.3's
// soft wall-clock budget is enforced by the caller wrapping Handler (the
// agent orchestration loop), not by this package.
type Handler func(ctx context.Context, req Request) (message string, status int)

// Replier answers requests for one service_name as one candidate GUID.
// Multiple Repliers for the same service_name (different GUIDs) implement
// spec.md §4.3's broadcast tie-break: only the one ranked 0 among
// currently-registered candidates answers a broadcast request; a targeted
// request always answers since only the matching candidate's inbox ever
// receives it.
type Replier struct {
	broker      *Broker
	serviceName string
	guid        string
	tag         string
	inbox       <-chan *envelope
}

// NewReplier registers guid as a replier for serviceName, advertised at
// timestamp (used for tie-break ranking — pass the advertisement's
// publication time, spec.md §4.3).
func NewReplier(broker *Broker, serviceName, guid, serviceInstanceTag string, timestamp time.Time) *Replier {
	return &Replier{
		broker:      broker,
		serviceName: serviceName,
		guid:        guid,
		tag:         serviceInstanceTag,
		inbox:       broker.RegisterReplier(serviceName, guid, timestamp),
	}
}

// Listen runs handler against every request this replier is entitled to
// answer, until ctx is cancelled. Broadcast requests (TargetServiceGUID =="")
// are only answered if this replier currently ranks 0 among live candidates;
// targeted requests (this replier is the only recipient by construction) are
// always answered.
func (r *Replier) Listen(ctx context.Context, handler Handler) {
	for {
		select {
		case env, ok := <-r.inbox:
			if !ok {
				return
			}
			r.handle(ctx, env, handler)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Replier) handle(ctx context.Context, env *envelope, handler Handler) {
	if env.req.TargetServiceGUID == "" {
		if r.broker.Rank(r.serviceName, r.guid) != 0 {
			return
		}
	}

	message, status := handler(ctx, env.req)

	reply := Reply{
		Message:            message,
		Status:             status,
		ReplierServiceGUID: r.guid,
		ServiceInstanceTag: r.tag,
		ConversationID:     env.req.ConversationID,
	}

	select {
	case env.replyTo <- reply:
	default:
		slog.Warn("rpc: reply dropped, requester no longer listening",
			"service", r.serviceName, "replier", r.guid)
	}
}

// Close unregisters this replier; future broadcasts neither wait on it nor
// rank against it, and pending Listen calls return once the inbox closes.
func (r *Replier) Close() {
	r.broker.UnregisterReplier(r.serviceName, r.guid)
}
