package vm

import (
	"fmt"

	"github.com/R3E-Network/hyperstack/internal/specast"
	"golang.org/x/crypto/blake2b"
)

// applyAggregate combines an extracted value into rec's current aggregate
// for field under strategy (spec.md §4.3.4). uniqueCountExactCap bounds
// the exact-Set size before falling back to the approximate estimator.
func applyAggregate(rec *Record, field string, strategy specast.Strategy, value interface{}, uniqueCountExactCap int) {
	switch strategy {
	case specast.StrategySum:
		rec.Fields[field] = asFloat(rec.Fields[field]) + asFloat(value)

	case specast.StrategyCount:
		rec.Fields[field] = asFloat(rec.Fields[field]) + 1

	case specast.StrategyMin:
		cur, ok := rec.Fields[field].(float64)
		v := asFloat(value)
		if !ok || v < cur {
			rec.Fields[field] = v
		}

	case specast.StrategyMax:
		cur, ok := rec.Fields[field].(float64)
		v := asFloat(value)
		if !ok || v > cur {
			rec.Fields[field] = v
		}

	case specast.StrategyUniqueCount:
		applyUniqueCount(rec, field, value, uniqueCountExactCap)
	}
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

// applyUniqueCount implements SPEC_FULL.md §C.2's overflow policy: an
// exact per-key Set up to uniqueCountExactCap entries, then freeze the
// exact counter and switch to an approximate estimator (a fixed-size
// sampled hash bucket set, acting as a low-memory cardinality estimator)
// for all subsequent additions, with a sibling `<field>_truncated` flag.
func applyUniqueCount(rec *Record, field string, value interface{}, exactCap int) {
	if exactCap <= 0 {
		exactCap = 10000
	}

	set, ok := rec.uniqueSets[field]
	if !ok {
		set = make(map[string]struct{})
		rec.uniqueSets[field] = set
	}

	hashed := hashValue(value)

	if rec.truncated[field] {
		// Approximate mode: only count distinct hash buckets modulo a
		// fixed sample space, so memory stays bounded regardless of how
		// many more distinct values arrive.
		const approximateBuckets = 4096
		bucket := fmt.Sprintf("b%d", hashBucket(hashed, approximateBuckets))
		if _, seen := set[bucket]; !seen {
			set[bucket] = struct{}{}
			rec.Fields[field] = asFloat(rec.Fields[field]) + 1
		}
		rec.Fields[field+"_truncated"] = true
		return
	}

	if _, seen := set[hashed]; seen {
		return
	}
	if len(set) >= exactCap {
		// Freeze the exact set, reset to sampled approximate mode
		// starting from the current count.
		rec.truncated[field] = true
		rec.uniqueSets[field] = make(map[string]struct{})
		rec.Fields[field+"_truncated"] = true
		applyUniqueCount(rec, field, value, exactCap)
		return
	}
	set[hashed] = struct{}{}
	rec.Fields[field] = asFloat(rec.Fields[field]) + 1
}

func hashValue(value interface{}) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%v", value)))
	return string(sum[:])
}

func hashBucket(hashed string, buckets int) int {
	if len(hashed) < 4 {
		return 0
	}
	v := uint32(hashed[0])<<24 | uint32(hashed[1])<<16 | uint32(hashed[2])<<8 | uint32(hashed[3])
	return int(v) % buckets
}
