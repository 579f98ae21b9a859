package flamingo

import (
	"fmt"
	"reflect"
	"strings"
)

// Fact is the fundamental unit of data in the store.
// A fact is an immutable, comparable struct value that belongs to exactly one
// relation. Relations that model a sum type declare several struct types
// (variants) that all report the same relation name.
type Fact interface {
	Relation() string
}

// Value represents any field value of a fact.
// Valid value types:
// - int, int64
// - float64
// - string (including string-kinded enums such as an axis)
// - bool
type Value interface{}

// Tuple is the ordered list of a fact's exported field values
type Tuple []Value

// Fields returns the exported field values of a fact in declaration order.
func Fields(f Fact) Tuple {
	if f == nil {
		return nil
	}
	v := reflect.ValueOf(f)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return Tuple{v.Interface()}
	}

	t := v.Type()
	tuple := make(Tuple, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			continue
		}
		tuple = append(tuple, v.Field(i).Interface())
	}
	return tuple
}

// FieldNames returns the exported field names of a fact, matching Fields.
func FieldNames(f Fact) []string {
	t := reflect.TypeOf(f)
	if t == nil {
		return nil
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).IsExported() {
			names = append(names, t.Field(i).Name)
		}
	}
	return names
}

// Variant returns the name of the fact's concrete type, e.g. "Width" for an
// Attribute fact of variant Width.
func Variant(f Fact) string {
	t := reflect.TypeOf(f)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// IsComparable reports whether f can be used as a map key.
// Facts are stored in hash maps keyed by value, so payloads holding slices,
// maps or funcs are rejected before they reach the store.
func IsComparable(f Fact) bool {
	t := reflect.TypeOf(f)
	return t != nil && t.Comparable() && t.Kind() == reflect.Struct
}

// As extracts a specific variant from a fact.
// A mismatch returns an *UnexpectedVariantError instead of panicking.
func As[T Fact](f Fact) (T, error) {
	v, ok := f.(T)
	if !ok {
		var want T
		return want, &UnexpectedVariantError{
			Relation: relationOf(f),
			Want:     reflect.TypeOf(want).Name(),
			Got:      Variant(f),
		}
	}
	return v, nil
}

func relationOf(f Fact) string {
	if f == nil {
		return ""
	}
	return f.Relation()
}

// FormatFact renders a fact as Variant{Field=value ...}
func FormatFact(f Fact) string {
	if f == nil {
		return "<nil>"
	}
	names := FieldNames(f)
	values := Fields(f)
	parts := make([]string, len(values))
	for i, v := range values {
		if i < len(names) {
			parts[i] = fmt.Sprintf("%s=%v", names[i], v)
		} else {
			parts[i] = fmt.Sprintf("%v", v)
		}
	}
	return fmt.Sprintf("%s{%s}", Variant(f), strings.Join(parts, " "))
}
