package functions

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/genesis-fabric/genesis/internal/bus"
)

// Concurrent Registry exercise, grounded on the teacher's
// pkg/memory/memory_concurrency_test.go shape: many goroutines hammering a
// shared component, a wg.Wait() barrier, then a strict count assertion.
// Run with -race to verify records/byName/the callback registry never race
// against concurrent RegisterLocal/Invoke/discovery-callback churn.

func TestRegistry_ConcurrentRegisterLocalAndInvoke(t *testing.T) {
	b := bus.New(0)
	reg := New(b, nil)
	defer reg.Close()

	const workers = 50
	var wg sync.WaitGroup
	wg.Add(workers)

	ids := make([]string, workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			name := fmt.Sprintf("fn-%d", w)
			id, err := reg.RegisterLocal("provider-1", name, "", nil, nil,
				func(ctx context.Context, args map[string]any) (map[string]any, error) {
					return map[string]any{"ok": true}, nil
				})
			if err != nil {
				t.Errorf("RegisterLocal(%s) failed: %v", name, err)
				return
			}
			ids[w] = id
		}(w)
	}
	wg.Wait()

	if got := len(reg.List()); got != workers {
		t.Fatalf("List() length = %d, want %d", got, workers)
	}

	var invokeWg sync.WaitGroup
	invokeWg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer invokeWg.Done()
			if _, err := reg.Invoke(context.Background(), ids[w], nil); err != nil {
				t.Errorf("Invoke(%s) failed: %v", ids[w], err)
			}
		}(w)
	}
	invokeWg.Wait()
}

// TestRegistry_ConcurrentDiscoveryChurn publishes and disposes remote
// FUNCTION advertisements concurrently with readers calling List/LookupByName,
// the way the teacher's TestMemoryService_RaceDetection mixes writers
// against a concurrent reader.
func TestRegistry_ConcurrentDiscoveryChurn(t *testing.T) {
	b := bus.New(0)
	reg := New(b, nil)
	defer reg.Close()

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			id := fmt.Sprintf("remote-%d", i)
			_ = b.Publish(bus.Advertisement{AdvertisementID: id, Kind: bus.KindFunction, Name: "shared_name", ProviderID: "other-participant"})
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = b.Dispose(fmt.Sprintf("remote-%d", i))
		}
	}()

	go func() {
		defer wg.Done()
		deadline := time.After(100 * time.Millisecond)
		for {
			select {
			case <-deadline:
				return
			default:
				reg.List()
				reg.LookupByName("shared_name")
			}
		}
	}()

	wg.Wait()
}

// TestRegistry_ConcurrentAddRemoveDiscoveryCallback registers and
// unregisters discovery callbacks concurrently with discovery events firing,
// verifying AddDiscoveryCallback/RemoveDiscoveryCallback's handle bookkeeping
// never races or double-fires a removed callback.
func TestRegistry_ConcurrentAddRemoveDiscoveryCallback(t *testing.T) {
	b := bus.New(0)
	reg := New(b, nil)
	defer reg.Close()

	var totalFired int32
	var wg sync.WaitGroup
	wg.Add(20)

	for w := 0; w < 20; w++ {
		go func(w int) {
			defer wg.Done()
			handle := reg.AddDiscoveryCallback(func(rec Record) {
				atomic.AddInt32(&totalFired, 1)
			})
			time.Sleep(time.Millisecond)
			reg.RemoveDiscoveryCallback(handle)
		}(w)
	}

	go func() {
		for i := 0; i < 20; i++ {
			id := fmt.Sprintf("churn-fn-%d", i)
			_ = b.Publish(bus.Advertisement{AdvertisementID: id, Kind: bus.KindFunction, Name: id, ProviderID: "other-participant"})
			time.Sleep(100 * time.Microsecond)
		}
	}()

	wg.Wait()
}
