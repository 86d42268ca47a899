package projector

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/R3E-Network/hyperstack/internal/bus"
	"github.com/R3E-Network/hyperstack/internal/specast"
	"github.com/R3E-Network/hyperstack/internal/vm"
	"github.com/R3E-Network/hyperstack/pkg/condeval"
	"github.com/R3E-Network/hyperstack/pkg/logger"
	"github.com/R3E-Network/hyperstack/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Projector reads batches of vm.Mutation and, for every view projecting
// the mutation's entity, builds and publishes a Frame (spec.md §4.5). It
// holds no per-mutation state; the only state it owns is the optional
// per-(view,key) coalescing timer used when a view declares CoalesceMs.
type Projector struct {
	views   *ViewIndex
	bus     *bus.Manager
	metrics *metrics.Metrics
	log     *logrus.Entry

	mu       sync.Mutex
	coalesce map[string]*coalesceEntry
}

type coalesceEntry struct {
	frame Frame
	timer *time.Timer
}

// New builds a Projector over the given view index and bus manager.
func New(views *ViewIndex, busManager *bus.Manager, m *metrics.Metrics, log *logger.Logger) *Projector {
	var entry *logrus.Entry
	if log != nil {
		entry = log.Component("projector")
	} else {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Projector{
		views:    views,
		bus:      busManager,
		metrics:  m,
		log:      entry,
		coalesce: make(map[string]*coalesceEntry),
	}
}

// Run drains mutations until ctx is cancelled or the channel closes.
// Each received slice is one VM event's output (spec.md §4.3.2 step 8
// can emit more than one mutation per event, e.g. an LRU-eviction delete
// ahead of the admitting mutation).
func (p *Projector) Run(ctx context.Context, mutations <-chan []vm.Mutation) {
	p.log.Debug("projector started")
	defer p.log.Debug("projector stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-mutations:
			if !ok {
				return
			}
			for _, m := range batch {
				p.processMutation(m)
			}
		}
	}
}

func (p *Projector) processMutation(m vm.Mutation) {
	start := time.Now()
	for _, v := range p.views.ByExport(m.Export) {
		if !shouldProcess(v, m) {
			continue
		}
		frame := createFrame(v, m)
		p.publish(v, m.Key, frame)
	}
	if p.metrics != nil {
		p.metrics.ProjectorLatency.Observe(time.Since(start).Seconds())
	}
}

// shouldProcess applies a view's key_filter (spec.md §4.3.5 grammar,
// evaluated over the mutation's key and patch fields). A view with no
// key_filter always processes.
func shouldProcess(v *specast.View, m vm.Mutation) bool {
	if v.KeyFilter == nil {
		return true
	}
	params := make(map[string]interface{}, len(m.Patch)+1)
	for k, val := range m.Patch {
		params[k] = val
	}
	params["key"] = m.Key
	return condeval.Eval(v.KeyFilter.Raw, params)
}

// createFrame shapes one mutation into one view's Frame (spec.md §4.5):
// State/Kv/Append carry the projected patch directly; List wraps it as
// {id, order, item}. A patch bearing the reserved _deleted marker (set
// by internal/vm's LRU eviction path) becomes op="delete" instead of
// op="patch".
func createFrame(v *specast.View, m vm.Mutation) Frame {
	op := OpPatch
	if deleted, ok := m.Patch[deletedKey]; ok {
		if b, ok := deleted.(bool); ok && b {
			op = OpDelete
		}
	}

	projected := applyProjection(v.Projection, m.Patch)

	if v.Mode == specast.ModeList {
		return Frame{
			Mode:   string(v.Mode),
			Entity: v.ID,
			Op:     op,
			Key:    m.Key,
			Data:   listItem{ID: m.Key, Order: seqOf(m.Patch), Item: projected},
		}
	}

	return Frame{
		Mode:   string(v.Mode),
		Entity: v.ID,
		Op:     op,
		Key:    m.Key,
		Data:   projected,
	}
}

// applyProjection retains only the allow-listed fields (spec.md §4.3.2
// step 8's "Frame ≤ record" invariant, applied at the patch level since
// the projector only ever sees patches, not whole records). An empty
// allow-list means "all fields". `_seq`, whenever the patch carries it, is
// kept regardless of the allow-list (SPEC_FULL.md §C.1). `_deleted` is purely an internal signal
// this package converts into op="delete" and never forwards.
func applyProjection(fields []string, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(patch))
	for k, v := range patch {
		if k == deletedKey {
			continue
		}
		if k != "_seq" && len(fields) > 0 && !containsField(fields, k) {
			continue
		}
		out[k] = v
	}
	return out
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}

func seqOf(patch map[string]interface{}) int64 {
	if v, ok := patch["_seq"]; ok {
		if n, ok := v.(int64); ok {
			return n
		}
	}
	return 0
}

// publish either emits frame immediately or, for a view with a
// CoalesceMs delivery window (SPEC_FULL.md §C, ported from the
// original's Delivery.coalesce_ms), folds it into the pending frame for
// that (view, key) and lets the already-running timer flush it.
func (p *Projector) publish(v *specast.View, key string, frame Frame) {
	if v.CoalesceMs <= 0 {
		p.emit(v, key, frame)
		return
	}

	ck := v.ID + "\x00" + key
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.coalesce[ck]; ok {
		entry.frame = frame
		return
	}

	entry := &coalesceEntry{frame: frame}
	p.coalesce[ck] = entry
	window := time.Duration(v.CoalesceMs) * time.Millisecond
	entry.timer = time.AfterFunc(window, func() {
		p.mu.Lock()
		e, ok := p.coalesce[ck]
		if ok {
			delete(p.coalesce, ck)
		}
		p.mu.Unlock()
		if ok {
			p.emit(v, key, e.frame)
		}
	})
}

func (p *Projector) emit(v *specast.View, key string, frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		p.log.WithError(err).Warn("failed to marshal frame")
		return
	}

	msg := &bus.Message{Key: key, Entity: v.ID, Payload: payload}
	switch v.Mode {
	case specast.ModeState:
		p.bus.PublishState(v.ID, key, payload)
	case specast.ModeList:
		p.bus.PublishList(v.ID, msg)
	default: // Kv, Append
		p.bus.PublishKv(v.ID, msg)
	}

	if p.metrics != nil {
		p.metrics.FramesPublished.WithLabelValues(string(v.Mode), v.ID).Inc()
	}
}
