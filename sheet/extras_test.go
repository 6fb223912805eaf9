package sheet

import (
	"math"
	"strings"
	"testing"
)

func TestExtrasRejectsNonMap(t *testing.T) {
	if _, ok := sanitizeExtras("not a map", testPolicy()); ok {
		t.Fatalf("non-map extras must be invalid")
	}
}

func TestExtrasNullPassesThrough(t *testing.T) {
	v, ok := sanitizeExtras(nil, testPolicy())
	if !ok || v != nil {
		t.Fatalf("null extras must pass through, got %v ok=%v", v, ok)
	}
}

func TestExtrasInvalidKeysDropped(t *testing.T) {
	if _, ok := sanitizeExtras(map[string]any{"invalid-key@x": "y"}, testPolicy()); ok {
		t.Fatalf("map with only invalid keys must be extras_invalid")
	}

	v, ok := sanitizeExtras(map[string]any{
		"good_key":              "a",
		"support.ticket.id":     "b",
		"bad key":               "c",
		strings.Repeat("k", 65): "d",
	}, testPolicy())
	if !ok {
		t.Fatalf("expected valid extras")
	}
	m := v.(map[string]any)
	if len(m) != 2 || m["good_key"] != "a" || m["support.ticket.id"] != "b" {
		t.Fatalf("unexpected surviving keys: %v", m)
	}
}

func TestExtrasStringTruncation(t *testing.T) {
	long := strings.Repeat("p", 600)
	v, ok := sanitizeExtras(map[string]any{"support.ticket.priority": long}, testPolicy())
	if !ok {
		t.Fatalf("expected valid extras")
	}
	got := v.(map[string]any)["support.ticket.priority"].(string)
	if len(got) != 512 {
		t.Fatalf("expected truncation to 512, got %d", len(got))
	}
}

func TestExtrasValueRules(t *testing.T) {
	v, ok := sanitizeExtras(map[string]any{
		"str":    "ok",
		"num":    1.5,
		"nan":    math.NaN(),
		"inf":    math.Inf(1),
		"flag":   true,
		"arr":    []any{"a"},
		"nested": map[string]any{"x": "y"},
		"other":  struct{}{},
	}, testPolicy())
	if !ok {
		t.Fatalf("expected valid extras")
	}
	m := v.(map[string]any)
	for _, dropped := range []string{"nan", "inf", "arr", "nested", "other"} {
		if _, present := m[dropped]; present {
			t.Fatalf("%q must be dropped under the default policy: %v", dropped, m)
		}
	}
	if m["str"] != "ok" || m["num"] != 1.5 || m["flag"] != true {
		t.Fatalf("scalar values must survive: %v", m)
	}
}

func TestExtrasArraysAndNestingWhenAllowed(t *testing.T) {
	pol := testPolicy()
	pol.Extras.AllowArrays = true
	pol.Extras.AllowNestedObjects = true
	pol.Extras.MaxArrayLength = 2

	v, ok := sanitizeExtras(map[string]any{
		"arr":    []any{"a", "b", "c"},
		"nested": map[string]any{"inner": "v", "bad key": "x"},
	}, pol)
	if !ok {
		t.Fatalf("expected valid extras")
	}
	m := v.(map[string]any)
	arr := m["arr"].([]any)
	if len(arr) != 2 {
		t.Fatalf("array must be truncated to max length, got %v", arr)
	}
	nested := m["nested"].(map[string]any)
	if nested["inner"] != "v" {
		t.Fatalf("nested object recursion failed: %v", nested)
	}
	if _, present := nested["bad key"]; present {
		t.Fatalf("key rules must apply inside nested objects: %v", nested)
	}
}

func TestExtrasNestingDepthLimit(t *testing.T) {
	pol := testPolicy()
	pol.Extras.AllowNestedObjects = true
	pol.Extras.MaxNestingDepth = 1

	v, ok := sanitizeExtras(map[string]any{
		"l1": map[string]any{"l2": map[string]any{"l3": "deep"}},
	}, pol)
	if !ok {
		t.Fatalf("expected valid extras")
	}
	l1 := v.(map[string]any)["l1"].(map[string]any)
	if _, present := l1["l2"]; present {
		t.Fatalf("nesting past the depth limit must be dropped: %v", l1)
	}
}

func TestExtrasKeyCountCap(t *testing.T) {
	pol := testPolicy()
	pol.ExtrasMaxKeys = 2

	v, ok := sanitizeExtras(map[string]any{"a": "1", "b": "2", "c": "3", "d": "4"}, pol)
	if !ok {
		t.Fatalf("expected valid extras")
	}
	m := v.(map[string]any)
	if len(m) != 2 {
		t.Fatalf("expected cap at 2 keys, got %v", m)
	}
	// Deterministic survival order: first keys in sorted order win.
	if m["a"] != "1" || m["b"] != "2" {
		t.Fatalf("expected a and b to survive, got %v", m)
	}
}
