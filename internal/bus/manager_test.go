package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStateSubscribeSeesCurrentValueThenUpdates(t *testing.T) {
	m := NewManager(10, nil, "test", nil)
	m.PublishState("v1", "k1", []byte(`{"a":1}`))

	ch, current, cancel := m.SubscribeState("v1", "k1")
	defer cancel()
	require.Equal(t, []byte(`{"a":1}`), current)

	m.PublishState("v1", "k1", []byte(`{"a":2}`))
	select {
	case v := <-ch:
		require.Equal(t, []byte(`{"a":2}`), v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state update")
	}
}

func TestStateSubscribeBeforeAnyPublishGetsNilCurrent(t *testing.T) {
	m := NewManager(10, nil, "test", nil)
	_, current, cancel := m.SubscribeState("v1", "missing")
	defer cancel()
	require.Nil(t, current)
}

func TestKvBroadcastFansOutToAllSubscribers(t *testing.T) {
	m := NewManager(10, nil, "test", nil)
	sub1, cancel1 := m.SubscribeKv("v1")
	defer cancel1()
	sub2, cancel2 := m.SubscribeKv("v1")
	defer cancel2()

	m.PublishKv("v1", &Message{Key: "k1", Entity: "Token", Payload: []byte("x")})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case msg := <-sub.C():
			require.Equal(t, "k1", msg.Key)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for kv broadcast")
		}
	}
}

func TestKvBroadcastSignalsLaggedWhenBufferFull(t *testing.T) {
	m := NewManager(1, nil, "test", nil)
	sub, cancel := m.SubscribeKv("v1")
	defer cancel()

	m.PublishKv("v1", &Message{Key: "k1"})
	m.PublishKv("v1", &Message{Key: "k2"}) // buffer full, should signal lagged instead of blocking

	select {
	case <-sub.Lagged():
	case <-time.After(time.Second):
		t.Fatal("expected lagged signal")
	}
}

func TestListBusIsIndependentFromKvBus(t *testing.T) {
	m := NewManager(10, nil, "test", nil)
	kvSub, cancel1 := m.SubscribeKv("v1")
	defer cancel1()
	listSub, cancel2 := m.SubscribeList("v1")
	defer cancel2()

	m.PublishList("v1", &Message{Key: "k1"})

	select {
	case <-listSub.C():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for list message")
	}
	select {
	case <-kvSub.C():
		t.Fatal("kv subscriber should not see list publishes")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelRemovesSubscriberFromFanout(t *testing.T) {
	m := NewManager(10, nil, "test", nil)
	sub, cancel := m.SubscribeKv("v1")
	cancel()

	m.PublishKv("v1", &Message{Key: "k1"}) // should not panic or block despite cancelled sub

	select {
	case <-sub.C():
		t.Fatal("cancelled subscriber should not receive further messages")
	case <-time.After(50 * time.Millisecond):
	}
}
