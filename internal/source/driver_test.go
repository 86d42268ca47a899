package source

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/R3E-Network/hyperstack/internal/health"
	"github.com/R3E-Network/hyperstack/internal/slottrack"
	"github.com/R3E-Network/hyperstack/internal/vm"
	"github.com/stretchr/testify/require"
)

type scriptedSource struct {
	mu        sync.Mutex
	calls     int32
	responses []func() (<-chan RawEvent, error)
}

func (s *scriptedSource) Connect(ctx context.Context, resumeFromSlot uint64) (<-chan RawEvent, error) {
	idx := atomic.AddInt32(&s.calls, 1) - 1
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(idx) >= len(s.responses) {
		ch := make(chan RawEvent)
		return ch, nil // hang forever on the final, unscripted call
	}
	return s.responses[idx]()
}

func testMonitor() *health.Monitor {
	return health.NewMonitor(health.Config{HeartbeatInterval: time.Second, HealthCheckTimeout: time.Second}, nil)
}

func TestDriverDispatchesEventsAndAdvancesSlot(t *testing.T) {
	events := make(chan RawEvent, 2)
	events <- RawEvent{EventType: "TokenCreated", Payload: []byte(`{}`), Ctx: vm.EventContext{Slot: 5}}
	events <- RawEvent{EventType: "TokenCreated", Payload: []byte(`{}`), Ctx: vm.EventContext{Slot: 9}}
	close(events)

	src := &scriptedSource{responses: []func() (<-chan RawEvent, error){
		func() (<-chan RawEvent, error) { return events, nil },
	}}

	tracker := slottrack.New()
	var dispatched []string
	var mu sync.Mutex
	dispatch := func(eventType string, payload []byte, ctx vm.EventContext) []vm.Mutation {
		mu.Lock()
		dispatched = append(dispatched, eventType)
		mu.Unlock()
		return []vm.Mutation{{Export: "Token/kv", Key: "k", Patch: map[string]interface{}{}}}
	}

	mutations := make(chan []vm.Mutation, 4)
	driver := NewDriver(src, tracker, testMonitor(), dispatch, mutations, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	driver.Run(ctx)

	require.Equal(t, uint64(9), tracker.Current())
	mu.Lock()
	require.Equal(t, []string{"TokenCreated", "TokenCreated"}, dispatched)
	mu.Unlock()
	require.Len(t, mutations, 2)
}

func TestDriverReconnectsAfterConnectError(t *testing.T) {
	calledTwice := make(chan struct{})
	var calls int32
	src := &scriptedSource{responses: []func() (<-chan RawEvent, error){
		func() (<-chan RawEvent, error) { return nil, errors.New("dial failed") },
		func() (<-chan RawEvent, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				close(calledTwice)
			}
			ch := make(chan RawEvent)
			return ch, nil
		},
	}}

	tracker := slottrack.New()
	dispatch := func(string, []byte, vm.EventContext) []vm.Mutation { return nil }
	driver := NewDriver(src, tracker, testMonitor(), dispatch, make(chan []vm.Mutation, 1), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		driver.Run(ctx)
		close(done)
	}()

	select {
	case <-calledTwice:
	case <-time.After(time.Second):
		t.Fatal("driver did not reconnect after a connect error")
	}
	cancel()
	<-done
}

func TestDriverDrainStopsOnChannelCloseAndReconnects(t *testing.T) {
	events := make(chan RawEvent)
	close(events)

	src := &scriptedSource{responses: []func() (<-chan RawEvent, error){
		func() (<-chan RawEvent, error) { return events, nil },
	}}

	tracker := slottrack.New()
	monitor := testMonitor()
	dispatch := func(string, []byte, vm.EventContext) []vm.Mutation { return nil }
	driver := NewDriver(src, tracker, monitor, dispatch, make(chan []vm.Mutation, 1), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	driver.Run(ctx)

	// the closed channel drives a disconnect, then the driver reconnects
	// (falling through to the unscripted hang-forever connect).
	require.GreaterOrEqual(t, atomic.LoadInt32(&src.calls), int32(2))
}
