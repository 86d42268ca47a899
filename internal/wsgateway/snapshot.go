package wsgateway

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"

	"github.com/R3E-Network/hyperstack/internal/specast"
)

// gzipThreshold is spec.md §4.7's 1 KiB synthetic-snapshot compression
// cutoff.
const gzipThreshold = 1024

// compressedEnvelope wraps an oversized snapshot payload (spec.md §4.7:
// `{compressed:"gzip", data:"<base64>"}`).
type compressedEnvelope struct {
	Compressed string `json:"compressed"`
	Data       string `json:"data"`
}

// SnapshotItem is one (key, data) pair in a snapshot Frame's Data array
// (spec.md §3.3: `op=snapshot` carries `[{key, data}, …]`).
type SnapshotItem struct {
	Key  string      `json:"key"`
	Data interface{} `json:"data"`
}

// SnapshotProvider supplies a view's current data for the synthetic
// snapshot frame sent the moment a subscription opens (spec.md §4.7).
// cmd/hyperstack implements this over the live VM set, projecting each
// entity record the same way internal/projector shapes mutations. For a
// State/Kv/Append view scoped to one key (key != ""), implementations
// return at most one item.
type SnapshotProvider interface {
	Snapshot(view *specast.View, key string) []SnapshotItem
}

// EncodeSnapshot marshals payload to JSON and, if the result exceeds
// gzipThreshold, gzips and base64-wraps it.
func EncodeSnapshot(payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if len(raw) <= gzipThreshold {
		return raw, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	env := compressedEnvelope{Compressed: "gzip", Data: base64.StdEncoding.EncodeToString(buf.Bytes())}
	return json.Marshal(env)
}
