// Package condeval evaluates the small boolean condition grammar spec.md
// §4.3.5 describes — "field op value" possibly combined with && / || —
// shared by internal/vm's handler Conditions and internal/projector's
// view key_filters so both read the same semantics from the same text.
package condeval

import "github.com/PaesslerAG/gval"

// Eval evaluates raw against params. Evaluation is total (spec.md
// §4.3.5): an unparsable or non-boolean-valued expression evaluates to
// false rather than erroring; an empty raw string means "no condition"
// and is always true.
func Eval(raw string, params map[string]interface{}) bool {
	if raw == "" {
		return true
	}
	result, err := gval.Evaluate(raw, params)
	if err != nil {
		return false
	}
	b, ok := result.(bool)
	return ok && b
}
