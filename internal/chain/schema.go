// Package chain runs typed sub-agent hops: envelope validation, schema
// checks, tool pre-fetch, the model call, JSON extraction, and receipt
// lineage, composed into sequential and parallel chains.
package chain

import (
	"fmt"
	"reflect"
)

// jsonType names the JSON type of a decoded value.
func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return "number"
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map:
		return "object"
	}
	return "unknown"
}

// checkSchema validates v against a permissive schema subset: top-level
// type, per-property types, and required presence. A nil schema accepts
// everything. Returns one message per violation.
func checkSchema(v any, schema map[string]any) []string {
	if schema == nil {
		return nil
	}
	var issues []string

	if want, ok := schema["type"].(string); ok && want != "" {
		if got := jsonType(v); got != want {
			issues = append(issues, fmt.Sprintf("want %s, got %s", want, got))
		}
	}

	obj, _ := v.(map[string]any)

	if props, ok := schema["properties"].(map[string]any); ok && obj != nil {
		for name, raw := range props {
			prop, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			want, ok := prop["type"].(string)
			if !ok || want == "" {
				continue
			}
			val, present := obj[name]
			if !present {
				continue
			}
			if got := jsonType(val); got != want {
				issues = append(issues, fmt.Sprintf("field %s: want %s, got %s", name, want, got))
			}
		}
	}

	if obj != nil {
		for _, name := range requiredNames(schema["required"]) {
			if _, ok := obj[name]; !ok {
				issues = append(issues, "missing required field "+name)
			}
		}
	}
	return issues
}

// requiredNames normalizes the required list, which decodes as []any from
// JSON and may be []string when built in code.
func requiredNames(raw any) []string {
	switch list := raw.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, e := range list {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
