package sheet

import (
	"math"
	"regexp"
	"sort"
)

// ExtrasField is the reserved free-form map field name.
const ExtrasField = "extras"

var defaultExtrasKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)

// ExtrasPolicy constrains the caller-opaque extras map.
type ExtrasPolicy struct {
	KeyPattern         *regexp.Regexp
	MaxKeyLength       int
	MaxStringLength    int
	MaxArrayLength     int
	MaxNestingDepth    int
	AllowArrays        bool
	AllowNestedObjects bool
}

func DefaultExtrasPolicy() ExtrasPolicy {
	return ExtrasPolicy{
		KeyPattern:      defaultExtrasKeyPattern,
		MaxKeyLength:    64,
		MaxStringLength: 512,
		MaxArrayLength:  20,
		MaxNestingDepth: 2,
	}
}

func (p ExtrasPolicy) keyPattern() *regexp.Regexp {
	if p.KeyPattern == nil {
		return defaultExtrasKeyPattern
	}
	return p.KeyPattern
}

// sanitizeExtras filters an extras candidate. A non-map value, or a map whose
// every key gets dropped, yields ok=false and the whole field is rejected as
// extras_invalid. A nil value passes through (the nullability rule applies
// downstream).
func sanitizeExtras(value any, policy Policy) (any, bool) {
	if value == nil {
		return nil, true
	}
	m, isMap := value.(map[string]any)
	if !isMap {
		return nil, false
	}

	ep := policy.Extras
	out := sanitizeExtrasMap(m, ep, policy, 0)
	if len(out) == 0 {
		return nil, false
	}

	if policy.ExtrasMaxKeys > 0 && len(out) > policy.ExtrasMaxKeys {
		keys := make([]string, 0, len(out))
		for k := range out {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys[policy.ExtrasMaxKeys:] {
			delete(out, k)
		}
	}
	return out, true
}

func sanitizeExtrasMap(m map[string]any, ep ExtrasPolicy, policy Policy, depth int) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if len(k) > ep.MaxKeyLength || !ep.keyPattern().MatchString(k) {
			continue
		}
		sv, keep := sanitizeExtrasValue(v, ep, policy, depth)
		if !keep {
			continue
		}
		out[k] = sv
	}
	return out
}

func sanitizeExtrasValue(v any, ep ExtrasPolicy, policy Policy, depth int) (any, bool) {
	switch x := v.(type) {
	case string:
		max := ep.MaxStringLength
		if policy.MaxFieldLength > 0 && policy.MaxFieldLength < max {
			max = policy.MaxFieldLength
		}
		if max > 0 && len(x) > max {
			return x[:max], true
		}
		return x, true
	case bool:
		return x, true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, false
		}
		return x, true
	case float32:
		return sanitizeExtrasValue(float64(x), ep, policy, depth)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return x, true
	case []any:
		if !ep.AllowArrays || depth >= ep.MaxNestingDepth {
			return nil, false
		}
		arr := x
		if ep.MaxArrayLength > 0 && len(arr) > ep.MaxArrayLength {
			arr = arr[:ep.MaxArrayLength]
		}
		out := make([]any, 0, len(arr))
		for _, e := range arr {
			se, keep := sanitizeExtrasValue(e, ep, policy, depth+1)
			if keep {
				out = append(out, se)
			}
		}
		return out, true
	case map[string]any:
		if !ep.AllowNestedObjects || depth >= ep.MaxNestingDepth {
			return nil, false
		}
		return sanitizeExtrasMap(x, ep, policy, depth+1), true
	default:
		return nil, false
	}
}
