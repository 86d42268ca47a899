package vm

import (
	"time"

	"github.com/R3E-Network/hyperstack/pkg/metrics"
)

// pendingQueueConfig bounds one entity's pending-update queue (spec.md
// §3.2, §4.3.3).
type pendingQueueConfig struct {
	MaxTotal   int
	MaxPerPDA  int
	MaxRetries int
	Staleness  time.Duration
}

// pendingQueue is `pda_address → FIFO<PendingUpdate>` with global caps and
// oldest-first eviction (spec.md §3.2).
type pendingQueue struct {
	entityName string
	cfg        pendingQueueConfig
	byPDA      map[string][]*PendingUpdate
	total      int

	// insertOrder tracks (pda, index-at-insert) pairs in global enqueue
	// order, so oldest-first eviction can find the true oldest entry
	// across all PDAs, not just the oldest within one PDA's FIFO.
	insertOrder []pendingRef

	metrics *metrics.Metrics
}

type pendingRef struct {
	pda    string
	update *PendingUpdate
}

func newPendingQueue(entityName string, cfg pendingQueueConfig, m *metrics.Metrics) *pendingQueue {
	return &pendingQueue{
		entityName: entityName,
		cfg:        cfg,
		byPDA:      make(map[string][]*PendingUpdate),
		metrics:    m,
	}
}

// Enqueue parks update against pdaAddress, evicting the globally oldest
// pending update first if any cap is exceeded.
func (q *pendingQueue) Enqueue(pdaAddress string, update *PendingUpdate) {
	update.PDAAddress = pdaAddress
	update.EnqueuedAt = time.Now()

	for (q.cfg.MaxTotal > 0 && q.total >= q.cfg.MaxTotal) ||
		(q.cfg.MaxPerPDA > 0 && len(q.byPDA[pdaAddress]) >= q.cfg.MaxPerPDA) {
		if !q.evictOldest() {
			break
		}
	}

	q.byPDA[pdaAddress] = append(q.byPDA[pdaAddress], update)
	q.insertOrder = append(q.insertOrder, pendingRef{pda: pdaAddress, update: update})
	q.total++
	q.reportDepth()
}

// Flush removes and returns every update parked on pdaAddress whose
// Discriminators set contains firedDiscriminator (or is empty, meaning
// "any"), per the QUEUED → FLUSHED transition (spec.md §4.3.3).
func (q *pendingQueue) Flush(pdaAddress, firedDiscriminator string) []*PendingUpdate {
	updates, ok := q.byPDA[pdaAddress]
	if !ok {
		return nil
	}

	var flushed, kept []*PendingUpdate
	for _, u := range updates {
		if len(u.Discriminators) == 0 || u.Discriminators[firedDiscriminator] {
			flushed = append(flushed, u)
		} else {
			kept = append(kept, u)
		}
	}
	if len(kept) == 0 {
		delete(q.byPDA, pdaAddress)
	} else {
		q.byPDA[pdaAddress] = kept
	}
	q.total -= len(flushed)
	q.removeFromOrder(flushed)
	q.reportDepth()
	return flushed
}

// Drop removes every update parked on pdaAddress without flushing it,
// used when the record a PDA's updates would have targeted has been
// evicted (spec.md §4.3.6 step 3). Returns how many were dropped.
func (q *pendingQueue) Drop(pdaAddress string) int {
	updates, ok := q.byPDA[pdaAddress]
	if !ok {
		return 0
	}
	delete(q.byPDA, pdaAddress)
	q.total -= len(updates)
	q.removeFromOrder(updates)
	if q.metrics != nil {
		q.metrics.PendingExpired.WithLabelValues(q.entityName).Add(float64(len(updates)))
	}
	q.reportDepth()
	return len(updates)
}

// ExpireStaleAndOverRetried removes updates whose retry count exceeds
// MaxRetries or whose age exceeds Staleness (spec.md §4.3.3's second
// transition), returning how many were expired.
func (q *pendingQueue) ExpireStaleAndOverRetried() int {
	now := time.Now()
	var expired []*PendingUpdate

	for pda, updates := range q.byPDA {
		var kept []*PendingUpdate
		for _, u := range updates {
			stale := q.cfg.Staleness > 0 && now.Sub(u.EnqueuedAt) > q.cfg.Staleness
			overRetried := q.cfg.MaxRetries > 0 && u.RetryCount > q.cfg.MaxRetries
			if stale || overRetried {
				expired = append(expired, u)
				continue
			}
			kept = append(kept, u)
		}
		if len(kept) == 0 {
			delete(q.byPDA, pda)
		} else {
			q.byPDA[pda] = kept
		}
	}
	q.total -= len(expired)
	q.removeFromOrder(expired)
	if q.metrics != nil && len(expired) > 0 {
		q.metrics.PendingExpired.WithLabelValues(q.entityName).Add(float64(len(expired)))
	}
	q.reportDepth()
	return len(expired)
}

// evictOldest drops the globally oldest pending update (oldest-first
// eviction under queue caps), reporting it as evicted. Returns false if
// the queue is empty.
func (q *pendingQueue) evictOldest() bool {
	if len(q.insertOrder) == 0 {
		return false
	}
	oldest := q.insertOrder[0]
	q.insertOrder = q.insertOrder[1:]

	updates := q.byPDA[oldest.pda]
	for i, u := range updates {
		if u == oldest.update {
			updates = append(updates[:i], updates[i+1:]...)
			break
		}
	}
	if len(updates) == 0 {
		delete(q.byPDA, oldest.pda)
	} else {
		q.byPDA[oldest.pda] = updates
	}
	q.total--
	if q.metrics != nil {
		q.metrics.PendingEvicted.WithLabelValues(q.entityName).Inc()
	}
	return true
}

func (q *pendingQueue) removeFromOrder(removed []*PendingUpdate) {
	if len(removed) == 0 {
		return
	}
	set := make(map[*PendingUpdate]bool, len(removed))
	for _, u := range removed {
		set[u] = true
	}
	kept := q.insertOrder[:0]
	for _, ref := range q.insertOrder {
		if !set[ref.update] {
			kept = append(kept, ref)
		}
	}
	q.insertOrder = kept
}

func (q *pendingQueue) reportDepth() {
	if q.metrics != nil {
		q.metrics.PendingQueueDepth.WithLabelValues(q.entityName).Set(float64(q.total))
	}
}
