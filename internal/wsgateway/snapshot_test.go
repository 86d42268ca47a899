package wsgateway

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeSnapshotPassesThroughSmallPayloads(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	raw, err := EncodeSnapshot(payload)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "world", decoded["hello"])
}

func TestEncodeSnapshotGzipsPayloadsOverThreshold(t *testing.T) {
	big := make([]SnapshotItem, 0, 200)
	for i := 0; i < 200; i++ {
		big = append(big, SnapshotItem{Key: strings.Repeat("k", 20), Data: map[string]interface{}{"price": 1.2345, "note": strings.Repeat("x", 40)}})
	}

	raw, err := EncodeSnapshot(big)
	require.NoError(t, err)

	var env compressedEnvelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, "gzip", env.Compressed)

	gz, err := base64.StdEncoding.DecodeString(env.Data)
	require.NoError(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(gz))
	require.NoError(t, err)
	var decoded []SnapshotItem
	require.NoError(t, json.NewDecoder(zr).Decode(&decoded))
	require.Len(t, decoded, 200)
}
