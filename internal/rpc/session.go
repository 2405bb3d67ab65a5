package rpc

import (
	"context"
	"sync"
	"time"
)

// DefaultDrainWindow is spec.md §4.3 step 3's quiet-window default.
const DefaultDrainWindow = time.Second

// Session is one interface's (or delegating agent's) view onto a
// service_name: spec.md §4.3's broadcast-then-lock state machine. A Session
// holds at most one locked target GUID at a time, matching spec.md §3's
// invariant that "an interface holds at most one target agent GUID per RPC
// session".
type Session struct {
	broker      *Broker
	serviceName string
	drainWindow time.Duration

	mu     sync.Mutex
	locked string
}

// NewSession opens a broadcasting session against serviceName. drainWindow
// <= 0 uses DefaultDrainWindow.
func NewSession(broker *Broker, serviceName string, drainWindow time.Duration) *Session {
	if drainWindow <= 0 {
		drainWindow = DefaultDrainWindow
	}
	return &Session{broker: broker, serviceName: serviceName, drainWindow: drainWindow}
}

// LockedTarget returns the currently-locked replier GUID, or "" if the
// session is still broadcasting.
func (s *Session) LockedTarget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Send issues one request, per spec.md §4.3:
//  1. broadcasts if no target is locked (or resetTarget is set);
//  2. waits for the first reply up to timeout, then drains within the
//     session's quiet window and keeps the last reply seen;
//  3. on success, locks onto the replier's GUID for subsequent calls.
//
// resetTarget clears any existing lock before sending, returning the
// session to broadcast — used for explicit rebind or RPC_TIMEOUT failover.
func (s *Session) Send(ctx context.Context, conversationID, message string, extensions map[string]string, resetTarget bool, timeout time.Duration) (Reply, error) {
	s.mu.Lock()
	if resetTarget {
		s.locked = ""
	}
	target := s.locked
	s.mu.Unlock()

	req := Request{
		Message:           message,
		ConversationID:    conversationID,
		TargetServiceGUID: target,
		Extensions:        extensions,
	}

	reply, err := s.broker.Send(ctx, s.serviceName, req, timeout, s.drainWindow)
	if err != nil {
		return Reply{}, err
	}

	s.mu.Lock()
	s.locked = reply.ReplierServiceGUID
	s.mu.Unlock()

	return reply, nil
}

// Close releases the session. Any request still in flight when ctx is
// cancelled externally resolves with KindCancelled via Broker.Send; Close
// itself just drops the lock so a reused Session starts from broadcast.
func (s *Session) Close() {
	s.mu.Lock()
	s.locked = ""
	s.mu.Unlock()
}
