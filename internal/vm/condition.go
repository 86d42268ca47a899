package vm

import (
	"github.com/R3E-Network/hyperstack/internal/specast"
	"github.com/R3E-Network/hyperstack/pkg/condeval"
)

// evalCondition evaluates a parsed boolean Condition over the raw event's
// data/accounts (spec.md §4.3.5: `"field op value"` / `a && b` / `a || b`
// with `== != > >= < <=`). A nil condition is always true; a condition
// that fails to parse or evaluate is treated as false (the opcode it
// gates is simply skipped, matching §4.3.5's "evaluation is total" spirit
// for this narrower grammar).
func evalCondition(cond *specast.Condition, params map[string]interface{}) bool {
	if cond == nil {
		return true
	}
	return condeval.Eval(cond.Raw, params)
}
