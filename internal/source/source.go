// Package source implements spec.md §4.9's "parser adapter" boundary: the
// reconnect-with-backoff driver loop that feeds decoded events into the VM
// layer. The upstream gRPC connection itself is explicitly out of scope
// (spec.md §1: "not the interesting engineering") — EventSource is the
// seam a concrete transport adapter implements.
package source

import (
	"context"

	"github.com/R3E-Network/hyperstack/internal/vm"
)

// RawEvent is one decoded message ready for the VM, carrying the same
// update context ProcessEvent expects (spec.md §4.3.1).
type RawEvent struct {
	EventType string
	Payload   []byte
	Ctx       vm.EventContext
}

// EventSource is the external collaborator boundary. Connect establishes
// (or re-establishes) the upstream stream and returns a channel of
// decoded events; the channel closes when the connection drops. Sources
// that support it should resume from resumeFromSlot rather than
// replaying from the beginning.
type EventSource interface {
	Connect(ctx context.Context, resumeFromSlot uint64) (<-chan RawEvent, error)
}

// Dispatch hands one decoded event to the entity VM responsible for its
// event type and returns whatever mutations it produced. HandlerInternal
// failures (spec.md §7 kind 8) are contained inside ProcessEvent itself
// (via VM-level recover), so Dispatch never needs to report an error.
type Dispatch func(eventType string, payload []byte, ctx vm.EventContext) []vm.Mutation
