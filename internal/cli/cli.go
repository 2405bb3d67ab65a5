// Package cli implements the thin interface-helper surface of spec.md §6:
// a command-line participant that discovers one agent by service name,
// name, or first-arrival, sends one or more messages to it over the RPC
// layer, and prints the replies. It is kept separate from cmd/genesis so
// the selection/send logic can be exercised directly by tests without
// spawning a process, the way the teacher keeps cmd/hector's real work in
// pkg/ and leaves main.go as thin flag wiring
// (cmd/hector/main.go's ServeCmd.Run delegating to pkg/runtime).
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/genesis-fabric/genesis/internal/bus"
	"github.com/genesis-fabric/genesis/internal/ids"
	"github.com/genesis-fabric/genesis/internal/rpc"
)

// Kind is the closed set of error kinds this package itself can raise,
// completing spec.md §7's taxonomy at the interface-helper layer:
// DISCOVERY_TIMEOUT and BUS_UNAVAILABLE belong here rather than in package
// bus or package rpc, since neither of those packages models "no process
// is hosting this role at all" — only this CLI surface waits on that.
type Kind string

const (
	KindInvalidArgs      Kind = "INVALID_ARGS"
	KindDiscoveryTimeout Kind = "DISCOVERY_TIMEOUT"
	KindBusUnavailable   Kind = "BUS_UNAVAILABLE"
)

// Error is the typed error this package returns, following the
// Component/Action/Message/Err shape used across the module.
type Error struct {
	Kind    Kind
	Action  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[cli:%s] %s: %v", e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[cli:%s] %s", e.Action, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Options mirrors spec.md §6's CLI surface exactly; cmd/genesis's kong
// struct is flattened into this before Execute runs, keeping kong's
// parsing concerns out of the logic under test.
type Options struct {
	SelectService string
	SelectName    string
	SelectFirst   bool

	Messages     []string
	MessagesFile string

	MaxWait        time.Duration
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	SleepBetween   time.Duration

	Verbose bool
}

const pollInterval = 20 * time.Millisecond

// Execute runs one interface-helper session against b/broker: it waits for
// a matching agent advertisement (bounded by opts.MaxWait), binds an RPC
// session to it (bounded by opts.ConnectTimeout), then sends every
// message in turn (each bounded by opts.RequestTimeout, paced by
// opts.SleepBetween), writing replies to out. Returns a non-nil *Error on
// any failure spec.md §7 says should make "the interface exit non-zero".
func Execute(ctx context.Context, b *bus.Bus, broker *rpc.Broker, opts Options, out io.Writer) error {
	if b == nil || broker == nil {
		return &Error{Kind: KindBusUnavailable, Action: "Execute", Message: "no bus/broker available"}
	}

	messages, err := gatherMessages(opts)
	if err != nil {
		return err
	}

	selected, err := opts.validateSelection()
	if err != nil {
		return err
	}

	adv, err := waitForAdvertisement(ctx, b, selected, opts.MaxWait)
	if err != nil {
		return err
	}

	session := rpc.NewSession(broker, adv.ServiceName, 0)
	defer session.Close()

	if err := waitForReplier(ctx, broker, adv.ServiceName, opts.ConnectTimeout); err != nil {
		return err
	}

	conversationID := ids.New()
	for i, msg := range messages {
		reply, err := session.Send(ctx, conversationID, msg, nil, false, opts.RequestTimeout)
		if err != nil {
			return &Error{Kind: KindBusUnavailable, Action: "Send", Message: "request " + msg + " failed", Err: err}
		}

		fmt.Fprintf(out, "%s\n", reply.Message)
		if reply.Status != 0 {
			fmt.Fprintf(out, "(status=%d)\n", reply.Status)
		}

		if i < len(messages)-1 && opts.SleepBetween > 0 {
			select {
			case <-time.After(opts.SleepBetween):
			case <-ctx.Done():
				return &Error{Kind: KindBusUnavailable, Action: "Send", Message: "cancelled while pacing sends", Err: ctx.Err()}
			}
		}
	}

	return nil
}

// selection is the normalized matcher Execute waits against.
type selection struct {
	byService string
	byName    string
	first     bool
}

func (o Options) validateSelection() (selection, error) {
	count := 0
	if o.SelectService != "" {
		count++
	}
	if o.SelectName != "" {
		count++
	}
	if o.SelectFirst {
		count++
	}
	if count != 1 {
		return selection{}, &Error{Kind: KindInvalidArgs, Action: "validateSelection",
			Message: "exactly one of --select-service, --select-name, --select-first is required"}
	}
	return selection{byService: o.SelectService, byName: o.SelectName, first: o.SelectFirst}, nil
}

func (s selection) matches(adv bus.Advertisement) bool {
	switch {
	case s.first:
		return true
	case s.byService != "":
		return adv.ServiceName == s.byService
	case s.byName != "":
		return adv.Name == s.byName
	default:
		return false
	}
}

// gatherMessages collects --message flags (in order given) followed by
// every non-blank line of --messages-file, if set.
func gatherMessages(opts Options) ([]string, error) {
	out := append([]string(nil), opts.Messages...)

	if opts.MessagesFile != "" {
		f, err := os.Open(opts.MessagesFile)
		if err != nil {
			return nil, &Error{Kind: KindInvalidArgs, Action: "gatherMessages",
				Message: "failed to open --messages-file " + opts.MessagesFile, Err: err}
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" {
				out = append(out, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, &Error{Kind: KindInvalidArgs, Action: "gatherMessages",
				Message: "failed to read --messages-file " + opts.MessagesFile, Err: err}
		}
	}

	if len(out) == 0 {
		return nil, &Error{Kind: KindInvalidArgs, Action: "gatherMessages",
			Message: "at least one --message or a non-empty --messages-file is required"}
	}
	return out, nil
}

// waitForAdvertisement blocks until an AGENT advertisement matching sel
// appears, or maxWait elapses.
func waitForAdvertisement(ctx context.Context, b *bus.Bus, sel selection, maxWait time.Duration) (bus.Advertisement, error) {
	cache := bus.NewCache(b, bus.KindAgent, "")
	defer cache.Close()

	for _, adv := range cache.Snapshot() {
		if sel.matches(adv) {
			return adv, nil
		}
	}

	found := make(chan bus.Advertisement, 1)
	cache.OnDiscover(func(adv bus.Advertisement) {
		if sel.matches(adv) {
			select {
			case found <- adv:
			default:
			}
		}
	})

	// A discover callback may have fired between the snapshot read above and
	// OnDiscover registering, so check the snapshot once more before waiting.
	for _, adv := range cache.Snapshot() {
		if sel.matches(adv) {
			return adv, nil
		}
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	select {
	case adv := <-found:
		return adv, nil
	case <-deadline.C:
		return bus.Advertisement{}, &Error{Kind: KindDiscoveryTimeout, Action: "waitForAdvertisement",
			Message: fmt.Sprintf("no matching agent advertisement within %s", maxWait)}
	case <-ctx.Done():
		return bus.Advertisement{}, &Error{Kind: KindDiscoveryTimeout, Action: "waitForAdvertisement",
			Message: "cancelled while waiting for discovery", Err: ctx.Err()}
	}
}

// waitForReplier polls broker for a live candidate on serviceName, since
// Broker.Send itself fails fast (BIND_TIMEOUT) rather than waiting.
func waitForReplier(ctx context.Context, broker *rpc.Broker, serviceName string, connectTimeout time.Duration) error {
	if broker.HasRepliers(serviceName) {
		return nil
	}

	deadline := time.Now().Add(connectTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if broker.HasRepliers(serviceName) {
				return nil
			}
			if time.Now().After(deadline) {
				return &Error{Kind: KindBusUnavailable, Action: "waitForReplier",
					Message: fmt.Sprintf("no RPC replier bound for %s within %s", serviceName, connectTimeout)}
			}
		case <-ctx.Done():
			return &Error{Kind: KindBusUnavailable, Action: "waitForReplier",
				Message: "cancelled while connecting", Err: ctx.Err()}
		}
	}
}
