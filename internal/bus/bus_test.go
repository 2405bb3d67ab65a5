package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_PublishDeliversToMatchingKindOnly(t *testing.T) {
	b := New(0)

	agents := b.Subscribe(KindAgent)
	defer agents.Close()
	services := b.Subscribe(KindService)
	defer services.Close()

	require.NoError(t, b.Publish(Advertisement{AdvertisementID: "a1", Kind: KindAgent, Name: "weather"}))

	ev := waitForEvent(t, agents)
	require.Equal(t, StateAlive, ev.State)
	require.Equal(t, "a1", ev.Advertisement.AdvertisementID)

	select {
	case <-services.Events():
		t.Fatal("service subscriber should not receive an AGENT advertisement")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_LateSubscriberReceivesLiveSetOnJoin(t *testing.T) {
	b := New(0)
	require.NoError(t, b.Publish(Advertisement{AdvertisementID: "a1", Kind: KindFunction, Name: "add"}))

	sub := b.Subscribe(KindFunction)
	defer sub.Close()

	ev := waitForEvent(t, sub)
	require.Equal(t, StateAlive, ev.State)
	require.Equal(t, "add", ev.Advertisement.Name)
}

func TestBus_RepublishIsIdempotentNotDuplicated(t *testing.T) {
	b := New(0)
	sub := b.Subscribe(KindAgent)
	defer sub.Close()

	adv := Advertisement{AdvertisementID: "a1", Kind: KindAgent, Name: "v1"}
	require.NoError(t, b.Publish(adv))
	waitForEvent(t, sub)

	adv.Name = "v2"
	require.NoError(t, b.Publish(adv))
	ev := waitForEvent(t, sub)
	require.Equal(t, "v2", ev.Advertisement.Name)

	require.Len(t, b.live, 1)
}

func TestBus_DisposeNotifiesDeparture(t *testing.T) {
	b := New(0)
	sub := b.Subscribe(KindAgent)
	defer sub.Close()

	require.NoError(t, b.Publish(Advertisement{AdvertisementID: "a1", Kind: KindAgent}))
	waitForEvent(t, sub)

	require.NoError(t, b.Dispose("a1"))
	ev := waitForEvent(t, sub)
	require.Equal(t, StateNotAliveDisposed, ev.State)

	require.Empty(t, b.live)
}

func TestBus_DisposeUnknownIDErrors(t *testing.T) {
	b := New(0)
	err := b.Dispose("missing")
	require.Error(t, err)
}

func TestCache_TracksAliveSetAndFiresCallbacks(t *testing.T) {
	b := New(0)
	cache := NewCache(b, KindAgent, "")
	defer cache.Close()

	discovered := make(chan Advertisement, 1)
	departed := make(chan Advertisement, 1)
	cache.OnDiscover(func(a Advertisement) { discovered <- a })
	cache.OnDepart(func(a Advertisement) { departed <- a })

	require.NoError(t, b.Publish(Advertisement{AdvertisementID: "a1", Kind: KindAgent, Name: "weather"}))

	select {
	case a := <-discovered:
		require.Equal(t, "weather", a.Name)
	case <-time.After(time.Second):
		t.Fatal("discover callback never fired")
	}

	require.Len(t, cache.Snapshot(), 1)

	require.NoError(t, b.Dispose("a1"))

	select {
	case <-departed:
	case <-time.After(time.Second):
		t.Fatal("depart callback never fired")
	}

	require.Empty(t, cache.Snapshot())
}

func TestCache_ExcludesSelf(t *testing.T) {
	b := New(0)
	cache := NewCache(b, KindAgent, "self-guid")
	defer cache.Close()

	require.NoError(t, b.Publish(Advertisement{AdvertisementID: "a1", Kind: KindAgent, ProviderID: "self-guid"}))
	require.NoError(t, b.Publish(Advertisement{AdvertisementID: "a2", Kind: KindAgent, ProviderID: "other-guid"}))

	require.Eventually(t, func() bool {
		return len(cache.Snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	snap := cache.Snapshot()
	require.Equal(t, "a2", snap[0].AdvertisementID)
}
