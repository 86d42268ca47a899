package vm

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/R3E-Network/hyperstack/internal/specast"
	"github.com/R3E-Network/hyperstack/pkg/metrics"
	"github.com/mr-tron/base58"
)

// applyTransform applies a pure, total per-field transform (spec.md
// §4.3.2 step 4). Failures coerce to null and bump a per-(entity,field)
// counter; they never abort event processing.
func applyTransform(kind specast.TransformKind, value interface{}, entity, field string, m *metrics.Metrics) interface{} {
	if kind == specast.TransformNone {
		return value
	}

	result, err := transform(kind, value)
	if err != nil {
		if m != nil {
			m.TransformFailures.WithLabelValues(entity, field).Inc()
		}
		return nil
	}
	return result
}

func transform(kind specast.TransformKind, value interface{}) (interface{}, error) {
	switch kind {
	case specast.TransformBase58Encode:
		b, err := toBytes(value)
		if err != nil {
			return nil, err
		}
		return base58.Encode(b), nil

	case specast.TransformBase58Decode:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("base58_decode: value is not a string")
		}
		decoded, err := base58.Decode(s)
		if err != nil {
			return nil, err
		}
		return decoded, nil

	case specast.TransformHexEncode:
		b, err := toBytes(value)
		if err != nil {
			return nil, err
		}
		return hex.EncodeToString(b), nil

	case specast.TransformHexDecode:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("hex_decode: value is not a string")
		}
		decoded, err := hex.DecodeString(s)
		if err != nil {
			return nil, err
		}
		return decoded, nil

	case specast.TransformToString:
		return fmt.Sprintf("%v", value), nil

	case specast.TransformToNumber:
		switch v := value.(type) {
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, nil
			}
			return nil, fmt.Errorf("to_number: cannot parse %q", v)
		case float64, int64, int:
			return v, nil
		default:
			return nil, fmt.Errorf("to_number: unsupported type %T", value)
		}

	default:
		return nil, fmt.Errorf("unknown transform %q", kind)
	}
}

func toBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("expected bytes or string, got %T", value)
	}
}
