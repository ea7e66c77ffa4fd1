package wire

import "sort"

// Fields maps top-level document field names to values.
// A value of Undefined means the field is absent or being removed.
type Fields map[string]any

type undefined struct{}

// Undefined marks a removed field in a Fields map.
var Undefined any = undefined{}

// IsUndefined reports whether v is the Undefined marker.
func IsUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

// SplitFields separates set fields from cleared ones. cleared is sorted.
// Both results are nil when empty.
func SplitFields(fields Fields) (set map[string]any, cleared []string) {
	for k, v := range fields {
		if IsUndefined(v) {
			cleared = append(cleared, k)
			continue
		}
		if set == nil {
			set = make(map[string]any, len(fields))
		}
		set[k] = v
	}
	sort.Strings(cleared)
	return set, cleared
}

// FieldsFrom builds Fields from a decoded fields object and a cleared list.
func FieldsFrom(set map[string]any, cleared []string) Fields {
	out := make(Fields, len(set)+len(cleared))
	for k, v := range set {
		out[k] = v
	}
	for _, k := range cleared {
		out[k] = Undefined
	}
	return out
}
