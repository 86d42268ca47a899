// Package scheduler implements the slot-keyed callback registry spec.md
// §4.4 describes: register a callback against a future slot number,
// deliver everything due once the upstream slot tracker advances past it.
// The scheduler itself never does I/O — FetchWorker performs the actual
// URL fetch a due callback asks for.
package scheduler

import (
	"sort"
	"sync"

	"github.com/R3E-Network/hyperstack/internal/specast"
)

// MaxRetries bounds how many times a failed fetch re-registers itself
// before it is dropped, mirroring the original scheduler's retry ceiling.
const MaxRetries = 100

// ScheduledCallback is one registration: fire entity's Resolve binding
// for key once the current slot reaches TargetField's target slot.
type ScheduledCallback struct {
	EntityName  string
	Key         string
	TargetField string
	URLTemplate string
	Extract     string
	Strategy    specast.Strategy
	Transform   specast.TransformKind
	RetryCount  int
}

func dedupKey(cb ScheduledCallback) string {
	return cb.EntityName + "\x00" + cb.Key + "\x00" + cb.TargetField
}

// SlotScheduler is a priority structure keyed by target_slot (spec.md
// §4.4). Grounded on
// _examples/original_source/interpreter/src/scheduler.rs's SlotScheduler:
// a BTreeMap<u64, Vec<Callback>> plus a dedup set keyed by
// (entity, key, resolver). Go has no BTreeMap, and the only operation the
// original needs beyond insert/remove is "everything with slot <=
// current", which a plain map plus a linear scan over its (small) key set
// already answers without the bookkeeping of a heap.
type SlotScheduler struct {
	mu         sync.Mutex
	bySlot     map[uint64][]ScheduledCallback
	registered map[string]bool
}

// New builds an empty SlotScheduler.
func New() *SlotScheduler {
	return &SlotScheduler{
		bySlot:     make(map[uint64][]ScheduledCallback),
		registered: make(map[string]bool),
	}
}

// Register schedules cb for targetSlot, deduping by (entity, key,
// target_field): a re-registration of the same triple replaces whichever
// slot it was previously parked at.
func (s *SlotScheduler) Register(targetSlot uint64, cb ScheduledCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerLocked(targetSlot, cb)
}

func (s *SlotScheduler) registerLocked(targetSlot uint64, cb ScheduledCallback) {
	key := dedupKey(cb)
	if s.registered[key] {
		for slot, cbs := range s.bySlot {
			filtered := cbs[:0:0]
			for _, existing := range cbs {
				if dedupKey(existing) != key {
					filtered = append(filtered, existing)
				}
			}
			if len(filtered) == 0 {
				delete(s.bySlot, slot)
			} else {
				s.bySlot[slot] = filtered
			}
		}
	}
	s.registered[key] = true
	s.bySlot[targetSlot] = append(s.bySlot[targetSlot], cb)
}

// ReRegister is Register under a different name for the retry path: a
// callback whose fetch failed is parked again on a later slot, carrying
// its incremented RetryCount forward.
func (s *SlotScheduler) ReRegister(cb ScheduledCallback, nextSlot uint64) {
	s.Register(nextSlot, cb)
}

// TakeDue removes and returns every callback whose target slot is <=
// currentSlot, in a deterministic (entity, key, field) order so repeated
// runs over the same input produce the same dispatch order.
func (s *SlotScheduler) TakeDue(currentSlot uint64) []ScheduledCallback {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []ScheduledCallback
	for slot, cbs := range s.bySlot {
		if slot > currentSlot {
			continue
		}
		for _, cb := range cbs {
			delete(s.registered, dedupKey(cb))
			due = append(due, cb)
		}
		delete(s.bySlot, slot)
	}

	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.EntityName != b.EntityName {
			return a.EntityName < b.EntityName
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.TargetField < b.TargetField
	})
	return due
}

// PendingCount reports how many callbacks are currently parked, for
// metrics (SPEC_FULL.md §C.5's per-entity gauge breakdown).
func (s *SlotScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, cbs := range s.bySlot {
		n += len(cbs)
	}
	return n
}
