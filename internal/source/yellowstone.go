package source

import (
	"context"
	"fmt"
)

// YellowstoneSource is the concrete EventSource seam named by spec.md
// §6.4: a gRPC geyser stream authenticated with an x-token. Decoding the
// wire protocol itself is explicitly out of scope (spec.md §1: "not the
// interesting engineering") — Connect reports a connection failure so
// Driver's reconnect-with-backoff loop runs exactly as it would against
// a real, temporarily unreachable upstream, without this package
// depending on a protobuf-generated client it doesn't have.
type YellowstoneSource struct {
	Endpoint string
	XToken   string
}

// NewYellowstoneSource builds the seam for the configured endpoint.
func NewYellowstoneSource(endpoint, xToken string) *YellowstoneSource {
	return &YellowstoneSource{Endpoint: endpoint, XToken: xToken}
}

func (y *YellowstoneSource) Connect(ctx context.Context, resumeFromSlot uint64) (<-chan RawEvent, error) {
	return nil, fmt.Errorf("yellowstone geyser client not wired for %s: protocol decoding is out of scope, see internal/source.EventSource", y.Endpoint)
}
