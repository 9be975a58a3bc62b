// Package payload merges loosely typed remote request bodies.
package payload

import (
	"encoding/json"
	"fmt"
)

// CategoriesKey names the object key whose list values merge as a set union.
const CategoriesKey = "Categories"

// Template is a partial remote payload as produced by an entity.
type Template = map[string]any

// Merge combines b into a and returns the result without modifying either
// argument.
//
// Objects merge key by key. Under CategoriesKey the two lists are unioned in
// first-seen order. Other lists take whichever side is non-empty; when both
// are, elements merge pairwise and the longer list's tail is kept. For any
// other pairing b wins, except that a nil b keeps a.
func Merge(a, b any) any {
	if b == nil {
		return clone(a)
	}
	if bm, ok := asMap(b); ok {
		am, ok := asMap(a)
		if !ok {
			return clone(bm)
		}
		out := clone(am).(map[string]any)
		for k, bv := range bm {
			if k == CategoriesKey {
				out[k] = Union(out[k], bv)
				continue
			}
			if av, exists := out[k]; exists {
				out[k] = Merge(av, bv)
			} else {
				out[k] = clone(bv)
			}
		}
		return out
	}
	if bl, ok := asList(b); ok {
		al, ok := asList(a)
		if !ok || len(al) == 0 {
			return clone(bl)
		}
		if len(bl) == 0 {
			return clone(al)
		}
		n := max(len(al), len(bl))
		out := make([]any, 0, n)
		for i := 0; i < n; i++ {
			switch {
			case i < len(al) && i < len(bl):
				out = append(out, Merge(al[i], bl[i]))
			case i < len(al):
				out = append(out, clone(al[i]))
			default:
				out = append(out, clone(bl[i]))
			}
		}
		return out
	}
	return b
}

// MergeTemplates merges b into a at the top level.
func MergeTemplates(a, b Template) Template {
	if a == nil && b == nil {
		return nil
	}
	if a == nil {
		a = Template{}
	}
	merged, _ := Merge(a, b).(map[string]any)
	return merged
}

// MergeJSON decodes two JSON objects, merges them and re-encodes the result.
func MergeJSON(a, b json.RawMessage) (json.RawMessage, error) {
	var left, right Template
	if len(a) > 0 {
		if err := json.Unmarshal(a, &left); err != nil {
			return nil, fmt.Errorf("decode queued payload: %w", err)
		}
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &right); err != nil {
			return nil, fmt.Errorf("decode patch payload: %w", err)
		}
	}
	out, err := json.Marshal(MergeTemplates(left, right))
	if err != nil {
		return nil, fmt.Errorf("encode merged payload: %w", err)
	}
	return out, nil
}

// Union returns the elements of a followed by those of b that were not yet
// seen. Non-list arguments count as empty.
func Union(a, b any) []any {
	seen := make(map[string]bool)
	out := []any{}
	for _, side := range []any{a, b} {
		list, _ := asList(side)
		for _, v := range list {
			key := fmt.Sprintf("%T:%v", v, v)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, clone(v))
		}
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}

func clone(v any) any {
	if m, ok := asMap(v); ok {
		out := make(map[string]any, len(m))
		for k, item := range m {
			out[k] = clone(item)
		}
		return out
	}
	if l, ok := asList(v); ok {
		out := make([]any, len(l))
		for i, item := range l {
			out[i] = clone(item)
		}
		return out
	}
	return v
}
