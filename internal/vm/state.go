package vm

import (
	"github.com/R3E-Network/hyperstack/internal/specast"
	"github.com/R3E-Network/hyperstack/pkg/metrics"
	"github.com/hashicorp/golang-lru/v2"
)

// defaultMaxEntries bounds an entity whose capacity policy declares no
// explicit max_entries (the AST loader defaults it too; this is the
// backstop for specs built programmatically).
const defaultMaxEntries = 100000

// stateTable is one entity's `key → record` table (spec.md §3.2), with
// least-recently-updated eviction on admission pressure (§4.3.6), backed
// by hashicorp/golang-lru the same way internal/vmcompile's path cache
// is. Recency must track field application, not reads (§4.3.6's
// "least-recently-updated" wording), so reads go through Peek and only
// Touch — called after a successful write — promotes an entry.
type stateTable struct {
	entityName string
	cache      *lru.Cache[string, *Record]

	// onEvict is set only for the duration of a GetOrCreate admission,
	// so the library's eviction callback can hand the victim back to the
	// caller without counting explicit Deletes as capacity evictions.
	onEvict func(*Record)

	metrics *metrics.Metrics
}

func newStateTable(entityName string, policy specast.CapacityPolicy, m *metrics.Metrics) *stateTable {
	capacity := policy.MaxEntries
	if capacity <= 0 {
		capacity = defaultMaxEntries
	}
	t := &stateTable{entityName: entityName, metrics: m}
	t.cache, _ = lru.NewWithEvict(capacity, func(_ string, rec *Record) {
		if t.onEvict == nil {
			return
		}
		if t.metrics != nil {
			t.metrics.CapacityEvictions.WithLabelValues(t.entityName).Inc()
		}
		t.onEvict(rec)
	})
	return t
}

// Get returns the record for key, if present, without affecting LRU order
// (reads never count as "updates" per spec.md §4.3.6's "least-recently-
// updated" wording).
func (t *stateTable) Get(key string) (*Record, bool) {
	return t.cache.Peek(key)
}

// GetOrCreate fetches key's record, creating one (and evicting the LRU
// victim if at capacity) when absent. onEvict is invoked with the evicted
// record once it has been removed, so the caller can emit its delete mutation
// (spec.md §4.3.6 step 2).
func (t *stateTable) GetOrCreate(key string, onEvict func(*Record)) (record *Record, created bool) {
	if rec, ok := t.cache.Peek(key); ok {
		return rec, false
	}

	t.onEvict = onEvict
	rec := newRecord(key)
	t.cache.Add(key, rec)
	t.onEvict = nil

	if t.metrics != nil {
		t.metrics.StateTableSize.WithLabelValues(t.entityName).Set(float64(t.cache.Len()))
	}
	return rec, true
}

// Touch moves key to the front of the LRU order, marking it as just
// updated. Call after every successful field application; Peek-based
// reads never promote.
func (t *stateTable) Touch(key string) {
	t.cache.Get(key)
}

// Delete removes key's record entirely. The eviction callback is not
// armed here, so an explicit removal never counts as a capacity
// eviction.
func (t *stateTable) Delete(key string) {
	t.cache.Remove(key)
	if t.metrics != nil {
		t.metrics.StateTableSize.WithLabelValues(t.entityName).Set(float64(t.cache.Len()))
	}
}

// Len reports the current record count.
func (t *stateTable) Len() int { return t.cache.Len() }

// Keys returns every resident key, oldest first, for callers (the
// Resolve-binding scheduler) that need to enumerate records rather than
// look one up.
func (t *stateTable) Keys() []string {
	return t.cache.Keys()
}

// lookupIndex is a secondary_field -> primary_key map (spec.md §3.2).
type lookupIndex struct {
	byValue map[string]string
}

func newLookupIndex() *lookupIndex {
	return &lookupIndex{byValue: make(map[string]string)}
}

func (l *lookupIndex) Set(secondary, primary string) { l.byValue[secondary] = primary }

func (l *lookupIndex) Get(secondary string) (string, bool) {
	v, ok := l.byValue[secondary]
	return v, ok
}

func (l *lookupIndex) Delete(secondary string) { delete(l.byValue, secondary) }

// reverseLookupTable is a named pda_address -> seed_value map, populated
// by instruction hooks and consulted by resolvers (spec.md §3.2).
type reverseLookupTable struct {
	bySeed map[string]string
}

func newReverseLookupTable() *reverseLookupTable {
	return &reverseLookupTable{bySeed: make(map[string]string)}
}

func (r *reverseLookupTable) Register(pdaAddress, seedValue string) {
	r.bySeed[pdaAddress] = seedValue
}

func (r *reverseLookupTable) Resolve(pdaAddress string) (string, bool) {
	v, ok := r.bySeed[pdaAddress]
	return v, ok
}
