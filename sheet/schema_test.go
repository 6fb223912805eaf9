package sheet

import (
	"testing"
)

func TestSchemaValidation(t *testing.T) {
	if err := (&Schema{}).validate(); err == nil {
		t.Fatalf("schema without fields must be invalid")
	}
	if err := NewSchema(map[string]*FieldType{"e": Enum()}).validate(); err == nil {
		t.Fatalf("empty enum must be invalid")
	}
	if err := NewSchema(map[string]*FieldType{"a": ArrayOf(nil)}).validate(); err == nil {
		t.Fatalf("array without element type must be invalid")
	}
	ok := NewSchema(map[string]*FieldType{
		"name":   String(),
		"role":   Enum("founder", "engineer"),
		"tags":   ArrayOf(String()).Nullable(),
		"org":    ObjectOf(map[string]*FieldType{"size": Number().Optional()}),
		"extras": MapOf(Any()),
	})
	if err := ok.validate(); err != nil {
		t.Fatalf("valid schema rejected: %v", err)
	}
}

func TestNullabilityDetection(t *testing.T) {
	cases := []struct {
		name string
		t    *FieldType
		want bool
	}{
		{"string", String(), false},
		{"null", Null(), true},
		{"any", Any(), true},
		{"nullable string", String().Nullable(), true},
		{"optional string", String().Optional(), false},
		{"optional nullable", String().Nullable().Optional(), true},
		{"default wraps nullable", String().Nullable().Default("x"), true},
		{"union with null", Union(String(), Null()), true},
		{"union without null", Union(String(), Number()), false},
	}
	for _, c := range cases {
		if got := c.t.IsNullable(); got != c.want {
			t.Fatalf("%s: nullable=%v, want %v", c.name, got, c.want)
		}
	}
}

func TestEnumCaseFolding(t *testing.T) {
	role := Enum("founder", "engineer")
	if got := role.FoldEnums("ENGINEER"); got != "engineer" {
		t.Fatalf("expected engineer, got %v", got)
	}
	if got := role.FoldEnums("Founder"); got != "founder" {
		t.Fatalf("expected founder, got %v", got)
	}
	if got := role.FoldEnums("ceo"); got != "ceo" {
		t.Fatalf("non-variant must pass through, got %v", got)
	}
}

func TestEnumFoldingRecursesThroughWrappersAndContainers(t *testing.T) {
	wrapped := Enum("a", "b").Nullable().Optional()
	if got := wrapped.FoldEnums("A"); got != "a" {
		t.Fatalf("wrapper recursion failed, got %v", got)
	}

	arr := ArrayOf(Enum("x", "y"))
	folded := arr.FoldEnums([]any{"X", "Y", "z"})
	got, ok := folded.([]any)
	if !ok || got[0] != "x" || got[1] != "y" || got[2] != "z" {
		t.Fatalf("array recursion failed, got %v", folded)
	}

	obj := ObjectOf(map[string]*FieldType{"role": Enum("founder", "engineer")})
	foldedObj := obj.FoldEnums(map[string]any{"role": "FOUNDER", "unknown": "KEEP"})
	m := foldedObj.(map[string]any)
	if m["role"] != "founder" {
		t.Fatalf("object recursion failed, got %v", m)
	}
	if m["unknown"] != "KEEP" {
		t.Fatalf("unknown keys must pass through unchanged, got %v", m)
	}

	uni := Union(Number(), Enum("p", "q"))
	if got := uni.FoldEnums("Q"); got != "q" {
		t.Fatalf("union recursion failed, got %v", got)
	}
}

func TestTypeChecks(t *testing.T) {
	if err := String().check("hi"); err != nil {
		t.Fatalf("string: %v", err)
	}
	if err := String().check(42.0); err == nil {
		t.Fatalf("number into string must fail")
	}
	if err := Number().check(3.5); err != nil {
		t.Fatalf("number: %v", err)
	}
	if err := Number().check(7); err != nil {
		t.Fatalf("int into number: %v", err)
	}
	if err := Bool().check(true); err != nil {
		t.Fatalf("bool: %v", err)
	}
	if err := Enum("a", "b").check("c"); err == nil {
		t.Fatalf("non-variant enum value must fail")
	}
	if err := ArrayOf(String()).check([]any{"a", 1.0}); err == nil {
		t.Fatalf("mixed array must fail")
	}
	if err := String().check(nil); err == nil {
		t.Fatalf("null into non-nullable must fail")
	}
	if err := String().Nullable().check(nil); err != nil {
		t.Fatalf("null into nullable: %v", err)
	}

	obj := ObjectOf(map[string]*FieldType{
		"size": Number(),
		"note": String().Optional(),
	})
	if err := obj.check(map[string]any{"size": 3.0}); err != nil {
		t.Fatalf("optional field may be absent: %v", err)
	}
	if err := obj.check(map[string]any{"note": "x"}); err == nil {
		t.Fatalf("missing required field must fail")
	}

	if err := Union(String(), Number()).check(true); err == nil {
		t.Fatalf("no matching union branch must fail")
	}
	if err := Union(String(), Number()).check(1.0); err != nil {
		t.Fatalf("union number branch: %v", err)
	}
}

func TestDescribeProjection(t *testing.T) {
	cases := []struct {
		t    *FieldType
		want string
	}{
		{String(), "string"},
		{Enum("founder", "engineer"), "enum(founder|engineer)"},
		{ArrayOf(String()), "array<string>"},
		{MapOf(Number()), "record<string,number>"},
		{String().Nullable(), "string|null"},
		{Union(String(), Number()), "string|number"},
		{ObjectOf(map[string]*FieldType{"b": Bool(), "a": String()}), "object{a:string,b:boolean}"},
	}
	for _, c := range cases {
		if got := c.t.Describe(); got != c.want {
			t.Fatalf("Describe() = %q, want %q", got, c.want)
		}
	}

	s := NewSchema(map[string]*FieldType{"b": Bool(), "a": String()})
	want := "- a: string\n- b: boolean"
	if got := s.Describe(); got != want {
		t.Fatalf("schema describe = %q, want %q", got, want)
	}
}
