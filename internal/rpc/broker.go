package rpc

import (
	"context"
	"sort"
	"sync"
	"time"
)

// inboxDepth bounds a replier's pending-envelope queue. A replier busy with
// a long agent turn can still accumulate a modest backlog of concurrent
// broadcast requests without blocking every other candidate's dispatch.
const inboxDepth = 64

// envelope is one request in flight to a single candidate replier.
type envelope struct {
	req       Request
	requestID string
	replyTo   chan<- Reply
}

// candidate is one registered replier for a service_name.
type candidate struct {
	guid      string
	timestamp time.Time
	inbox     chan *envelope
}

// topic holds every currently-registered replier for one service_name.
type topic struct {
	mu         sync.RWMutex
	candidates map[string]*candidate
}

func (t *topic) snapshot() []*candidate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*candidate, 0, len(t.candidates))
	for _, c := range t.candidates {
		out = append(out, c)
	}
	return out
}

// rank returns guid's position in the deterministic ascending
// (guid, timestamp) ordering of cands — spec.md §4.3's tie-break. -1 if guid
// is absent.
func rank(cands []*candidate, guid string) int {
	sorted := append([]*candidate(nil), cands...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].guid != sorted[j].guid {
			return sorted[i].guid < sorted[j].guid
		}
		return sorted[i].timestamp.Before(sorted[j].timestamp)
	})
	for i, c := range sorted {
		if c.guid == guid {
			return i
		}
	}
	return -1
}

// Broker is the process-local request/reply router shared by every
// service_name's Requester and Replier. One Broker serves every role-type
// hosted in a process, the way the teacher shares one topic registry per
// participant (spec.md §5's "process-local topic registry").
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

func (b *Broker) topicFor(serviceName string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[serviceName]
	if !ok {
		t = &topic{candidates: make(map[string]*candidate)}
		b.topics[serviceName] = t
	}
	return t
}

// RegisterReplier adds guid as a candidate replier for serviceName and
// returns the inbox it must drain. timestamp is the advertisement
// timestamp used for broadcast tie-break ranking.
func (b *Broker) RegisterReplier(serviceName, guid string, timestamp time.Time) <-chan *envelope {
	t := b.topicFor(serviceName)
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &candidate{guid: guid, timestamp: timestamp, inbox: make(chan *envelope, inboxDepth)}
	t.candidates[guid] = c
	return c.inbox
}

// UnregisterReplier removes guid from serviceName — called when an agent
// departs, so future broadcasts neither wait on nor rank against it.
func (b *Broker) UnregisterReplier(serviceName, guid string) {
	t := b.topicFor(serviceName)
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.candidates[guid]; ok {
		delete(t.candidates, guid)
		close(c.inbox)
	}
}

// Rank returns the caller's rank among currently-registered repliers for
// serviceName. Used by Replier.Listen to decide whether to answer a
// broadcast request.
func (b *Broker) Rank(serviceName, guid string) int {
	return rank(b.topicFor(serviceName).snapshot(), guid)
}

// HasRepliers reports whether serviceName currently has at least one
// registered candidate. The interface CLI polls this while establishing a
// session, since Send itself fails fast with BIND_TIMEOUT rather than
// waiting for a replier to appear.
func (b *Broker) HasRepliers(serviceName string) bool {
	return len(b.topicFor(serviceName).snapshot()) > 0
}

// Send dispatches req to serviceName's candidates (all of them, if
// TargetServiceGUID is empty; only the matching one otherwise), waits for
// the first reply up to timeout, then drains additional replies within
// drainWindow and keeps the last one (spec.md §4.3 steps 2-3).
func (b *Broker) Send(ctx context.Context, serviceName string, req Request, timeout, drainWindow time.Duration) (Reply, error) {
	t := b.topicFor(serviceName)
	all := t.snapshot()

	var targets []*candidate
	if req.TargetServiceGUID == "" {
		targets = all
	} else {
		for _, c := range all {
			if c.guid == req.TargetServiceGUID {
				targets = append(targets, c)
			}
		}
	}

	if len(targets) == 0 {
		if req.TargetServiceGUID == "" {
			return Reply{}, newError(KindBindTimeout, "Send", "no replier registered for service "+serviceName, nil)
		}
		return Reply{}, newError(KindRPCTimeout, "Send", "targeted replier "+req.TargetServiceGUID+" is not live", nil)
	}

	replyCh := make(chan Reply, len(targets))
	requestID := req.ConversationID
	for _, c := range targets {
		env := &envelope{req: req, requestID: requestID, replyTo: replyCh}
		select {
		case c.inbox <- env:
		case <-ctx.Done():
			return Reply{}, newError(KindCancelled, "Send", "request cancelled before dispatch", ctx.Err())
		}
	}

	select {
	case first := <-replyCh:
		return b.drain(ctx, replyCh, first, drainWindow), nil
	case <-time.After(timeout):
		return Reply{}, newError(KindRPCTimeout, "Send", "no reply within "+timeout.String(), nil)
	case <-ctx.Done():
		return Reply{}, newError(KindCancelled, "Send", "request cancelled while waiting for reply", ctx.Err())
	}
}

// drain keeps reading replyCh for up to drainWindow after the first reply,
// returning the last one seen — spec.md §4.3 step 3's tolerance for agents
// that deliver progressive-then-final replies.
func (b *Broker) drain(ctx context.Context, replyCh <-chan Reply, first Reply, drainWindow time.Duration) Reply {
	if drainWindow <= 0 {
		return first
	}
	last := first
	deadline := time.NewTimer(drainWindow)
	defer deadline.Stop()
	for {
		select {
		case r := <-replyCh:
			last = r
		case <-deadline.C:
			return last
		case <-ctx.Done():
			return last
		}
	}
}
