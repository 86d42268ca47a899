package source

import (
	"context"
	"time"

	"github.com/R3E-Network/hyperstack/internal/health"
	"github.com/R3E-Network/hyperstack/internal/slottrack"
	"github.com/R3E-Network/hyperstack/internal/vm"
	"github.com/sirupsen/logrus"
)

// Driver owns the reconnect loop, grounded on the teacher's
// services/indexer Syncer.syncLoop shape (connect, drain until the
// channel closes, then retry), generalized from a block-height poll to a
// push-style EventSource and from a fixed poll interval to spec.md §7
// kind 7's exponential backoff (100ms initial, 60s cap, 2x multiplier,
// unlimited attempts by default).
type Driver struct {
	source    EventSource
	tracker   *slottrack.Tracker
	monitor   *health.Monitor
	dispatch  Dispatch
	mutations chan<- []vm.Mutation
	log       *logrus.Entry
}

// NewDriver builds a Driver. mutations is the channel internal/projector
// consumes (spec.md §5: "mutations reach the projector in the order the
// VM emitted them").
func NewDriver(src EventSource, tracker *slottrack.Tracker, monitor *health.Monitor, dispatch Dispatch, mutations chan<- []vm.Mutation, log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{source: src, tracker: tracker, monitor: monitor, dispatch: dispatch, mutations: mutations, log: log}
}

// Run drives the connect/drain/reconnect loop until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	for ctx.Err() == nil {
		events, err := d.source.Connect(ctx, d.tracker.Current())
		if err != nil {
			d.monitor.RecordError(err)
			delay := d.monitor.RecordReconnecting()
			d.log.WithError(err).WithField("retry_in", delay).Warn("event source connect failed")
			if !sleepContext(ctx, delay) {
				return
			}
			continue
		}

		d.monitor.RecordConnection()
		d.drain(ctx, events)

		if ctx.Err() != nil {
			return
		}
		delay := d.monitor.RecordReconnecting()
		d.log.WithField("retry_in", delay).Warn("event source disconnected, reconnecting")
		if !sleepContext(ctx, delay) {
			return
		}
	}
}

// drain consumes events until the channel closes (a disconnect) or ctx
// is cancelled, dispatching each to the VM layer and advancing the slot
// tracker (spec.md §4.9: advanced whenever the VM commits mutations for
// an event carrying a slot ≥ the current value — here advanced
// unconditionally per received event, since Advance is itself a no-op
// for non-increasing slots).
func (d *Driver) drain(ctx context.Context, events <-chan RawEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				d.monitor.RecordDisconnection()
				return
			}
			d.monitor.RecordEvent()
			d.tracker.Advance(ev.Ctx.Slot)

			mutations := d.dispatch(ev.EventType, ev.Payload, ev.Ctx)
			if len(mutations) == 0 {
				continue
			}
			select {
			case d.mutations <- mutations:
			case <-ctx.Done():
				return
			}
		}
	}
}

func sleepContext(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
