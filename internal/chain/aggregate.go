package chain

import (
	"encoding/json"
	"sort"
)

// reduceRecords merges branch outputs of shape {records:[...]} into one.
// The merge is fully deterministic: union, dedupe by id keeping the most
// populated record (shallow-merging the loser's fields into the survivor),
// then a stable sort by id ascending, falling back to JSON-string order
// for records without an id. Idempotent on already-reduced input.
func reduceRecords(branches []map[string]any) map[string]any {
	byID := make(map[string]map[string]any)
	var idOrder []string
	var anonymous []any

	for _, branch := range branches {
		records, _ := branch["records"].([]any)
		for _, raw := range records {
			rec, ok := raw.(map[string]any)
			if !ok {
				anonymous = append(anonymous, raw)
				continue
			}
			id, ok := rec["id"].(string)
			if !ok || id == "" {
				anonymous = append(anonymous, rec)
				continue
			}
			existing, seen := byID[id]
			if !seen {
				byID[id] = rec
				idOrder = append(idOrder, id)
				continue
			}
			byID[id] = mergeRecords(existing, rec)
		}
	}

	sort.Strings(idOrder)
	sort.SliceStable(anonymous, func(i, j int) bool {
		return jsonKey(anonymous[i]) < jsonKey(anonymous[j])
	})

	out := make([]any, 0, len(idOrder)+len(anonymous))
	for _, id := range idOrder {
		out = append(out, byID[id])
	}
	out = append(out, anonymous...)
	return map[string]any{"records": out}
}

// mergeRecords keeps the more populated record and shallow-merges the
// other's fields into it without overwriting.
func mergeRecords(a, b map[string]any) map[string]any {
	survivor, loser := a, b
	if populated(b) > populated(a) {
		survivor, loser = b, a
	}
	merged := make(map[string]any, len(survivor))
	for k, v := range survivor {
		merged[k] = v
	}
	for k, v := range loser {
		if cur, ok := merged[k]; !ok || cur == nil || cur == "" {
			merged[k] = v
		}
	}
	return merged
}

// populated counts fields carrying a non-empty value.
func populated(m map[string]any) int {
	n := 0
	for _, v := range m {
		if v != nil && v != "" {
			n++
		}
	}
	return n
}

// jsonKey gives records without an id a deterministic sort key.
func jsonKey(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
