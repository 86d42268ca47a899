package vm

import (
	"github.com/tidwall/gjson"
)

// gjsonGet reads an uninterned "section.field"-style path out of a raw
// JSON payload, for the handful of resolver/hook paths the compiler
// doesn't put through the FieldOpcode table.
func gjsonGet(payload []byte, path string) string {
	result := gjson.GetBytes(payload, path)
	if !result.Exists() {
		return ""
	}
	return result.String()
}

// flattenJSON walks a raw event payload and writes every scalar leaf into
// out under its dotted path, so Condition expressions (spec.md §4.3.5)
// can reference "field op value" against the raw payload via gval.
func flattenJSON(payload []byte, prefix string, out map[string]interface{}) {
	if len(payload) == 0 {
		return
	}
	result := gjson.ParseBytes(payload)
	flattenResult(result, prefix, out)
}

func flattenResult(result gjson.Result, prefix string, out map[string]interface{}) {
	if result.IsObject() {
		result.ForEach(func(key, value gjson.Result) bool {
			path := key.String()
			if prefix != "" {
				path = prefix + "." + path
			}
			flattenResult(value, path, out)
			return true
		})
		return
	}
	if prefix == "" {
		return
	}
	out[prefix] = result.Value()
}
