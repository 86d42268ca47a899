package projector

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/R3E-Network/hyperstack/internal/bus"
	"github.com/R3E-Network/hyperstack/internal/specast"
	"github.com/R3E-Network/hyperstack/internal/vm"
	"github.com/stretchr/testify/require"
)

func kvView(id, entity string) *specast.View {
	return &specast.View{ID: id, EntityName: entity, Mode: specast.ModeKv}
}

func TestShouldProcessWithNoFilterAlwaysPasses(t *testing.T) {
	v := kvView("Token/kv", "Token")
	m := vm.Mutation{Export: "Token", Key: "abc", Patch: map[string]interface{}{"price": 1.0}}
	require.True(t, shouldProcess(v, m))
}

func TestShouldProcessAppliesKeyFilter(t *testing.T) {
	v := kvView("Token/kv/whale", "Token")
	v.KeyFilter = &specast.Condition{Raw: "key == \"whale-addr\""}

	match := vm.Mutation{Export: "Token", Key: "whale-addr", Patch: map[string]interface{}{}}
	noMatch := vm.Mutation{Export: "Token", Key: "other-addr", Patch: map[string]interface{}{}}

	require.True(t, shouldProcess(v, match))
	require.False(t, shouldProcess(v, noMatch))
}

func TestCreateFrameKvCarriesProjectedPatchAndKeepsSeq(t *testing.T) {
	v := kvView("Token/kv", "Token")
	m := vm.Mutation{
		Export: "Token",
		Key:    "mint1",
		Patch:  map[string]interface{}{"price": 1.5, "supply": int64(100), "_seq": int64(42)},
	}

	frame := createFrame(v, m)
	require.Equal(t, OpPatch, frame.Op)
	require.Equal(t, "Token/kv", frame.Entity)
	require.Equal(t, "mint1", frame.Key)

	data, ok := frame.Data.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, 1.5, data["price"])
	require.Equal(t, int64(100), data["supply"])
	require.Equal(t, int64(42), data["_seq"])
}

func TestCreateFrameHonorsProjectionAllowListButAlwaysKeepsSeq(t *testing.T) {
	v := kvView("Token/kv", "Token")
	v.Projection = []string{"price"}
	m := vm.Mutation{
		Export: "Token",
		Key:    "mint1",
		Patch:  map[string]interface{}{"price": 1.5, "supply": int64(100), "_seq": int64(9)},
	}

	frame := createFrame(v, m)
	data := frame.Data.(map[string]interface{})
	require.Equal(t, 2, len(data))
	require.Equal(t, 1.5, data["price"])
	require.Equal(t, int64(9), data["_seq"])
}

func TestCreateFrameRecognizesDeletedMarker(t *testing.T) {
	v := kvView("Token/kv", "Token")
	m := vm.Mutation{
		Export: "Token",
		Key:    "mint1",
		Patch:  map[string]interface{}{"_deleted": true, "_seq": int64(7)},
	}

	frame := createFrame(v, m)
	require.Equal(t, OpDelete, frame.Op)
	data := frame.Data.(map[string]interface{})
	require.Equal(t, 1, len(data))
	require.Equal(t, int64(7), data["_seq"])
}

func TestCreateFrameListModeWrapsItemWithOrder(t *testing.T) {
	v := &specast.View{ID: "Token/list", EntityName: "Token", Mode: specast.ModeList}
	m := vm.Mutation{
		Export: "Token",
		Key:    "mint1",
		Patch:  map[string]interface{}{"price": 1.5, "_seq": int64(9)},
	}

	frame := createFrame(v, m)
	item, ok := frame.Data.(listItem)
	require.True(t, ok)
	require.Equal(t, "mint1", item.ID)
	require.Equal(t, int64(9), item.Order)
	require.Equal(t, 1.5, item.Item.(map[string]interface{})["price"])
}

func buildSpec(views ...*specast.View) *specast.Spec {
	spec := &specast.Spec{
		Entities: map[string]*specast.Entity{"Token": {Name: "Token"}},
		Views:    views,
	}
	spec.Finalize()
	return spec
}

func TestProjectorRunPublishesKvFramesToBus(t *testing.T) {
	view := kvView("Token/kv", "Token")
	idx := NewViewIndex(buildSpec(view))
	manager := bus.NewManager(10, nil, "test", nil)
	p := New(idx, manager, nil, nil)

	sub, cancel := manager.SubscribeKv("Token/kv")
	defer cancel()

	ch := make(chan []vm.Mutation, 1)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go p.Run(ctx, ch)

	ch <- []vm.Mutation{{Export: "Token", Key: "mint1", Patch: map[string]interface{}{"price": 2.0}}}

	select {
	case msg := <-sub.C():
		var frame Frame
		require.NoError(t, json.Unmarshal(msg.Payload, &frame))
		require.Equal(t, "mint1", frame.Key)
		require.Equal(t, OpPatch, frame.Op)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published frame")
	}
}

func TestProjectorRunPublishesStateFramesViaWatchSlot(t *testing.T) {
	view := &specast.View{ID: "Token/state", EntityName: "Token", Mode: specast.ModeState}
	idx := NewViewIndex(buildSpec(view))
	manager := bus.NewManager(10, nil, "test", nil)
	p := New(idx, manager, nil, nil)

	ch := make(chan []vm.Mutation, 1)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go p.Run(ctx, ch)

	ch <- []vm.Mutation{{Export: "Token", Key: "mint1", Patch: map[string]interface{}{"price": 3.0}}}
	time.Sleep(50 * time.Millisecond)

	_, current, cancel := manager.SubscribeState("Token/state", "mint1")
	defer cancel()
	require.NotNil(t, current)

	var frame Frame
	require.NoError(t, json.Unmarshal(current, &frame))
	require.Equal(t, "mint1", frame.Key)
}

func TestProjectorCoalescesFramesWithinWindow(t *testing.T) {
	view := kvView("Token/kv", "Token")
	view.CoalesceMs = 50
	idx := NewViewIndex(buildSpec(view))
	manager := bus.NewManager(10, nil, "test", nil)
	p := New(idx, manager, nil, nil)

	sub, cancel := manager.SubscribeKv("Token/kv")
	defer cancel()

	p.processMutation(vm.Mutation{Export: "Token", Key: "mint1", Patch: map[string]interface{}{"price": 1.0}})
	p.processMutation(vm.Mutation{Export: "Token", Key: "mint1", Patch: map[string]interface{}{"price": 2.0}})

	select {
	case <-sub.C():
		t.Fatal("expected no frame before the coalescing window elapses")
	case <-time.After(20 * time.Millisecond):
	}

	select {
	case msg := <-sub.C():
		var frame Frame
		require.NoError(t, json.Unmarshal(msg.Payload, &frame))
		data := frame.Data.(map[string]interface{})
		require.Equal(t, 2.0, data["price"])
	case <-time.After(time.Second):
		t.Fatal("expected coalesced frame after the window elapsed")
	}
}
