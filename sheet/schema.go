package sheet

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Kind tags a schema type term.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindEnum
	KindArray
	KindObject
	KindMap
	KindAny
	KindNull
	KindUnion
	KindOptional
	KindDefault
	KindNullable
)

// FieldType is one node of a schema term. Wrapper kinds (optional, default,
// nullable) point at Inner; the gate treats them as transparent.
type FieldType struct {
	Kind         Kind
	Variants     []string
	Elem         *FieldType
	Fields       map[string]*FieldType
	Branches     []*FieldType
	Inner        *FieldType
	DefaultValue any
}

func String() *FieldType { return &FieldType{Kind: KindString} }
func Number() *FieldType { return &FieldType{Kind: KindNumber} }
func Bool() *FieldType   { return &FieldType{Kind: KindBool} }
func Any() *FieldType    { return &FieldType{Kind: KindAny} }
func Null() *FieldType   { return &FieldType{Kind: KindNull} }

func Enum(variants ...string) *FieldType {
	return &FieldType{Kind: KindEnum, Variants: variants}
}

func ArrayOf(elem *FieldType) *FieldType {
	return &FieldType{Kind: KindArray, Elem: elem}
}

func ObjectOf(fields map[string]*FieldType) *FieldType {
	return &FieldType{Kind: KindObject, Fields: fields}
}

// MapOf declares an open key-value record with a uniform value type.
func MapOf(value *FieldType) *FieldType {
	return &FieldType{Kind: KindMap, Elem: value}
}

func Union(branches ...*FieldType) *FieldType {
	return &FieldType{Kind: KindUnion, Branches: branches}
}

func (t *FieldType) Optional() *FieldType {
	return &FieldType{Kind: KindOptional, Inner: t}
}

func (t *FieldType) Default(v any) *FieldType {
	return &FieldType{Kind: KindDefault, Inner: t, DefaultValue: v}
}

func (t *FieldType) Nullable() *FieldType {
	return &FieldType{Kind: KindNullable, Inner: t}
}

// Schema declares the profile's field set. The optional free-form "extras"
// field is routed through the sanitizer instead of plain validation.
type Schema struct {
	Fields map[string]*FieldType
}

func NewSchema(fields map[string]*FieldType) *Schema {
	return &Schema{Fields: fields}
}

var ErrInvalidSchema = errors.New("invalid schema")

func (s *Schema) validate() error {
	if s == nil || s.Fields == nil {
		return fmt.Errorf("%w: schema must declare an object of fields", ErrInvalidSchema)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: schema declares no fields", ErrInvalidSchema)
	}
	for name, t := range s.Fields {
		if err := validateType(t); err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrInvalidSchema, name, err)
		}
	}
	return nil
}

func validateType(t *FieldType) error {
	if t == nil {
		return errors.New("nil type")
	}
	switch t.Kind {
	case KindString, KindNumber, KindBool, KindAny, KindNull:
		return nil
	case KindEnum:
		if len(t.Variants) == 0 {
			return errors.New("enum with no variants")
		}
		return nil
	case KindArray, KindMap:
		if t.Elem == nil {
			return errors.New("missing element type")
		}
		return validateType(t.Elem)
	case KindObject:
		for name, f := range t.Fields {
			if err := validateType(f); err != nil {
				return fmt.Errorf("field %q: %v", name, err)
			}
		}
		return nil
	case KindUnion:
		if len(t.Branches) == 0 {
			return errors.New("union with no branches")
		}
		for _, b := range t.Branches {
			if err := validateType(b); err != nil {
				return err
			}
		}
		return nil
	case KindOptional, KindDefault, KindNullable:
		if t.Inner == nil {
			return errors.New("wrapper with no inner type")
		}
		return validateType(t.Inner)
	default:
		return fmt.Errorf("unknown kind %d", t.Kind)
	}
}

// IsNullable reports whether null is an acceptable value for the type.
// Optional and default wrappers are transparent.
func (t *FieldType) IsNullable() bool {
	if t == nil {
		return false
	}
	switch t.Kind {
	case KindNull, KindAny, KindNullable:
		return true
	case KindOptional, KindDefault:
		return t.Inner.IsNullable()
	case KindUnion:
		for _, b := range t.Branches {
			if b.IsNullable() {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// FoldEnums matches candidate strings case-insensitively against declared
// enum variants and rewrites them to the declared spelling. Unknown object
// keys pass through unchanged.
func (t *FieldType) FoldEnums(value any) any {
	if t == nil || value == nil {
		return value
	}
	switch t.Kind {
	case KindEnum:
		s, ok := value.(string)
		if !ok {
			return value
		}
		for _, v := range t.Variants {
			if strings.EqualFold(s, v) {
				return v
			}
		}
		return value
	case KindOptional, KindDefault, KindNullable:
		return t.Inner.FoldEnums(value)
	case KindUnion:
		for _, b := range t.Branches {
			folded := b.FoldEnums(value)
			if b.check(folded) == nil {
				return folded
			}
		}
		return value
	case KindArray:
		arr, ok := value.([]any)
		if !ok {
			return value
		}
		out := make([]any, len(arr))
		for i, v := range arr {
			out[i] = t.Elem.FoldEnums(v)
		}
		return out
	case KindObject:
		m, ok := value.(map[string]any)
		if !ok {
			return value
		}
		out := make(map[string]any, len(m))
		for k, v := range m {
			if f, declared := t.Fields[k]; declared {
				out[k] = f.FoldEnums(v)
			} else {
				out[k] = v
			}
		}
		return out
	case KindMap:
		m, ok := value.(map[string]any)
		if !ok {
			return value
		}
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = t.Elem.FoldEnums(v)
		}
		return out
	default:
		return value
	}
}

// check validates a value against the type. The returned error carries the
// structured diagnostic surfaced as schema_invalid detail.
func (t *FieldType) check(value any) error {
	if value == nil {
		if t.IsNullable() {
			return nil
		}
		return errors.New("null not allowed")
	}
	switch t.Kind {
	case KindAny:
		return nil
	case KindNull:
		return errors.New("expected null")
	case KindString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		return nil
	case KindNumber:
		if !isNumeric(value) {
			return fmt.Errorf("expected number, got %T", value)
		}
		return nil
	case KindBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
		return nil
	case KindEnum:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected enum string, got %T", value)
		}
		for _, v := range t.Variants {
			if s == v {
				return nil
			}
		}
		return fmt.Errorf("%q is not one of %s", s, strings.Join(t.Variants, "|"))
	case KindArray:
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
		for i, v := range arr {
			if err := t.Elem.check(v); err != nil {
				return fmt.Errorf("index %d: %v", i, err)
			}
		}
		return nil
	case KindObject:
		m, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
		for name, f := range t.Fields {
			v, present := m[name]
			if !present {
				if f.isOptional() {
					continue
				}
				return fmt.Errorf("missing field %q", name)
			}
			if err := f.check(v); err != nil {
				return fmt.Errorf("field %q: %v", name, err)
			}
		}
		return nil
	case KindMap:
		m, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("expected map, got %T", value)
		}
		for k, v := range m {
			if err := t.Elem.check(v); err != nil {
				return fmt.Errorf("key %q: %v", k, err)
			}
		}
		return nil
	case KindUnion:
		var firstErr error
		for _, b := range t.Branches {
			if err := b.check(value); err == nil {
				return nil
			} else if firstErr == nil {
				firstErr = err
			}
		}
		return fmt.Errorf("no union branch matched: %v", firstErr)
	case KindOptional, KindDefault, KindNullable:
		return t.Inner.check(value)
	default:
		return fmt.Errorf("unknown kind %d", t.Kind)
	}
}

func (t *FieldType) isOptional() bool {
	switch t.Kind {
	case KindOptional, KindDefault:
		return true
	case KindNullable:
		return t.Inner.isOptional()
	default:
		return false
	}
}

func isNumeric(v any) bool {
	switch n := v.(type) {
	case float64:
		return !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		f := float64(n)
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	default:
		return false
	}
}

// Describe projects the type to the compact structural description embedded
// in the extractor prompt.
func (t *FieldType) Describe() string {
	if t == nil {
		return "any"
	}
	switch t.Kind {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindAny:
		return "any"
	case KindNull:
		return "null"
	case KindEnum:
		return "enum(" + strings.Join(t.Variants, "|") + ")"
	case KindArray:
		return "array<" + t.Elem.Describe() + ">"
	case KindMap:
		return "record<string," + t.Elem.Describe() + ">"
	case KindObject:
		names := make([]string, 0, len(t.Fields))
		for name := range t.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, name+":"+t.Fields[name].Describe())
		}
		return "object{" + strings.Join(parts, ",") + "}"
	case KindUnion:
		parts := make([]string, 0, len(t.Branches))
		for _, b := range t.Branches {
			parts = append(parts, b.Describe())
		}
		return strings.Join(parts, "|")
	case KindOptional:
		return t.Inner.Describe() + "?"
	case KindDefault:
		return t.Inner.Describe() + "?"
	case KindNullable:
		return t.Inner.Describe() + "|null"
	default:
		return "any"
	}
}

// Describe renders the whole schema for the extractor prompt, keys sorted.
func (s *Schema) Describe() string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- " + name + ": " + s.Fields[name].Describe())
	}
	return b.String()
}
