package unison

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBroadcasterDeliversToAllSubscribers(t *testing.T) {
	b := newEventBroadcaster()
	sub1 := b.subscribe()
	sub2 := b.subscribe()
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	b.publish(ConnectionEvent{Kind: ConnectionEstablished, RemoteAddr: "127.0.0.1:1234"})

	for _, sub := range []*EventSubscription{sub1, sub2} {
		select {
		case ev := <-sub.C:
			assert.Equal(t, ConnectionEstablished, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestEventBroadcasterUnsubscribeStopsDelivery(t *testing.T) {
	b := newEventBroadcaster()
	sub := b.subscribe()
	sub.Unsubscribe()

	b.publish(ConnectionEvent{Kind: ConnectionClosed})

	select {
	case _, ok := <-sub.C:
		require.False(t, ok, "channel should not receive after unsubscribe, got a value instead")
	case <-time.After(50 * time.Millisecond):
		// Expected: no delivery, and the channel isn't closed either — just silent.
	}
}

func TestEventBroadcasterDropsOnFullSubscriber(t *testing.T) {
	b := newEventBroadcaster()
	sub := b.subscribe()
	defer sub.Unsubscribe()

	for i := 0; i < 64; i++ {
		b.publish(ConnectionEvent{Kind: ConnectionEstablished})
	}
	// Must not deadlock or block the publisher even though the
	// subscriber's buffer (32) is smaller than the publish count.
}
