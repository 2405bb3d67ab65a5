package rpc

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// Concurrent Broker exercise, grounded on the teacher's
// pkg/memory/memory_concurrency_test.go shape: many goroutines hammering a
// shared router, a wg.Wait() barrier, then a strict count assertion. Run
// with -race to verify the broker's per-service topic map and candidate
// registration never race against concurrent Send/Rank/HasRepliers calls.

func TestBroker_ConcurrentSendsFromManySessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewBroker()
	replier := startReplier(t, ctx, broker, "Math", "A", time.Now())
	defer replier.Close()

	const sessions = 40
	const callsPerSession = 5
	var wg sync.WaitGroup
	wg.Add(sessions)

	errs := make(chan error, sessions*callsPerSession)
	for s := 0; s < sessions; s++ {
		go func(s int) {
			defer wg.Done()
			session := NewSession(broker, "Math", 5*time.Millisecond)
			for i := 0; i < callsPerSession; i++ {
				conv := fmt.Sprintf("sess-%d-call-%d", s, i)
				reply, err := session.Send(context.Background(), conv, "ping", nil, false, time.Second)
				if err != nil {
					errs <- err
					continue
				}
				if reply.ReplierServiceGUID != "A" {
					errs <- fmt.Errorf("unexpected replier %q", reply.ReplierServiceGUID)
				}
			}
		}(s)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Send failed: %v", err)
	}
}

// TestBroker_ConcurrentRegisterUnregisterDuringSend registers and
// unregisters repliers on one service_name concurrently with in-flight
// broadcasts, the way the teacher's TestMemoryService_RaceDetection mixes
// writers against a concurrent reader/clearer.
func TestBroker_ConcurrentRegisterUnregisterDuringSend(t *testing.T) {
	broker := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stable := startReplier(t, ctx, broker, "Weather", "stable", time.Now())
	defer stable.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			guid := fmt.Sprintf("transient-%d", i)
			r := startReplier(t, ctx, broker, "Weather", guid, time.Now())
			broker.Rank("Weather", guid)
			r.Close()
		}
	}()

	go func() {
		defer wg.Done()
		session := NewSession(broker, "Weather", 5*time.Millisecond)
		for i := 0; i < 50; i++ {
			_, _ = session.Send(context.Background(), fmt.Sprintf("conv-%d", i), "ping", nil, true, 200*time.Millisecond)
		}
	}()

	wg.Wait()
}

// TestBroker_ConcurrentHasRepliersDuringChurn exercises HasRepliers (added
// for the interface CLI's connect-timeout polling) alongside concurrent
// registration churn on the same service_name.
func TestBroker_ConcurrentHasRepliersDuringChurn(t *testing.T) {
	broker := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			guid := fmt.Sprintf("poll-%d", i)
			r := startReplier(t, ctx, broker, "Billing", guid, time.Now())
			r.Close()
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			broker.HasRepliers("Billing")
		}
	}()

	wg.Wait()
}
