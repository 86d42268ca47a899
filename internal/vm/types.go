// Package vm implements the event-processing core (spec.md §4.3): one VM
// instance owns one entity's state table, lookup indexes, PDA
// reverse-lookup tables, and pending-update queue, and is driven serially
// by process_event. Concurrency comes from running one VM per entity
// (spec.md §4.3.1, §5), never from locking inside a single instance.
package vm

import (
	"time"

	"github.com/R3E-Network/hyperstack/internal/specast"
)

// EventContext carries the slot metadata every event arrives with
// (spec.md §4.3.1).
type EventContext struct {
	Slot      uint64
	SlotIndex uint32
	Signature string
	Timestamp time.Time
}

// seq derives the `_seq` value attached to every mutation ProcessEvent
// emits (SPEC_FULL.md §C.1; ApplyResolved mutations carry none): slot in
// the high bits, slot index in the low bits, so ordering
// by _seq matches ordering by (slot, slot_index).
func (c EventContext) seq() int64 {
	return int64(c.Slot)<<20 | int64(c.SlotIndex&0xFFFFF)
}

// Mutation is the VM's wire-level output (spec.md §3.3): a minimal patch
// for one (entity, key).
type Mutation struct {
	Export string                 `json:"export"`
	Key    string                 `json:"key"`
	Patch  map[string]interface{} `json:"patch"`
}

// Record is one state-table entry: the current field values plus the
// bookkeeping the VM needs to evict, diff, and order correctly.
type Record struct {
	Key     string
	Fields  map[string]interface{}
	Version int64 // monotonic per (entity, key), stamped on every mutation

	uniqueSets map[string]map[string]struct{} // field -> seen hashes, for exact UniqueCount
	truncated  map[string]bool                // field -> unique_count overflowed into approximate mode

	appendLens map[string]int // field -> current length, for the ring-buffer cap
}

func newRecord(key string) *Record {
	return &Record{
		Key:        key,
		Fields:     make(map[string]interface{}),
		uniqueSets: make(map[string]map[string]struct{}),
		truncated:  make(map[string]bool),
		appendLens: make(map[string]int),
	}
}

// dirtyTracker records which fields changed during one process_event call,
// and for Append fields, the delta actually appended (not the whole
// array), per spec.md §4.3.2 step 4.
type dirtyTracker struct {
	replaced map[string]interface{}
	appended map[string][]interface{}
}

func newDirtyTracker() *dirtyTracker {
	return &dirtyTracker{
		replaced: make(map[string]interface{}),
		appended: make(map[string][]interface{}),
	}
}

func (d *dirtyTracker) setReplaced(field string, value interface{}) {
	d.replaced[field] = value
}

func (d *dirtyTracker) addAppended(field string, value interface{}) {
	d.appended[field] = append(d.appended[field], value)
}

func (d *dirtyTracker) isEmpty() bool {
	return len(d.replaced) == 0 && len(d.appended) == 0
}

// patch builds the shallow-merged Mutation.Patch from the tracked deltas.
func (d *dirtyTracker) patch() map[string]interface{} {
	out := make(map[string]interface{}, len(d.replaced)+len(d.appended))
	for k, v := range d.replaced {
		out[k] = v
	}
	for k, v := range d.appended {
		out[k] = v
	}
	return out
}

// PendingUpdate is a deferred event parked against an unresolved PDA
// (spec.md §3.2, §4.3.3).
type PendingUpdate struct {
	PDAAddress     string
	EventType      string
	Payload        []byte
	Accounts       map[string]string
	Ctx            EventContext
	Discriminators map[string]bool
	EnqueuedAt     time.Time
	RetryCount     int
}

// entityBindingKind narrows specast.BindingKind to a short local alias for
// readability inside switch statements in this package.
type entityBindingKind = specast.BindingKind
