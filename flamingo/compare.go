package flamingo

import (
	"fmt"
	"reflect"
	"strings"
)

// CompareValues compares two values and returns:
//
//	-1 if left < right
//	 0 if left == right
//	 1 if left > right
//
// This function handles all fact field types including:
// - Basic types: int, int64, float64, string, bool
// - Named types whose kind is one of the above (enums such as an axis)
// - Nil values (nil is less than any non-nil value)
// - Type conversions between numeric types
func CompareValues(left, right interface{}) int {
	// Handle nil
	if left == nil && right == nil {
		return 0
	}
	if left == nil {
		return -1
	}
	if right == nil {
		return 1
	}

	switch l := left.(type) {
	case int:
		return compareNumeric(int64(l), right)
	case int64:
		return compareNumeric(l, right)
	case float64:
		return compareFloat(l, right)
	case string:
		if r, ok := right.(string); ok {
			return strings.Compare(l, r)
		}
	case bool:
		if r, ok := right.(bool); ok {
			if !l && r {
				return -1
			} else if l && !r {
				return 1
			}
			return 0
		}
	}

	// Named types: compare by underlying kind
	lv, rv := reflect.ValueOf(left), reflect.ValueOf(right)
	if lv.Kind() == rv.Kind() {
		switch lv.Kind() {
		case reflect.String:
			return strings.Compare(lv.String(), rv.String())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return compareInt64s(lv.Int(), rv.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return compareUint64s(lv.Uint(), rv.Uint())
		case reflect.Float32, reflect.Float64:
			return compareFloats(lv.Float(), rv.Float())
		case reflect.Bool:
			return CompareValues(lv.Bool(), rv.Bool())
		}
	}

	// Fall back to string comparison for unknown types
	return strings.Compare(stringValue(left), stringValue(right))
}

// CompareFacts orders facts by relation, variant and field values.
// Every delta the engine emits is sorted with this order.
func CompareFacts(a, b Fact) int {
	if c := strings.Compare(relationOf(a), relationOf(b)); c != 0 {
		return c
	}
	if c := strings.Compare(Variant(a), Variant(b)); c != 0 {
		return c
	}
	return CompareTuples(Fields(a), Fields(b))
}

// CompareTuples compares two tuples element-wise; shorter tuples sort first.
func CompareTuples(a, b Tuple) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return compareInt64s(int64(len(a)), int64(len(b)))
}

// compareNumeric compares an int64 with another numeric value
func compareNumeric(left int64, right interface{}) int {
	switch r := right.(type) {
	case int:
		return compareInt64s(left, int64(r))
	case int64:
		return compareInt64s(left, r)
	case float64:
		return compareFloats(float64(left), r)
	}
	// Non-numeric: type mismatch
	return -1
}

// compareFloat compares a float64 with another numeric value
func compareFloat(left float64, right interface{}) int {
	switch r := right.(type) {
	case int:
		return compareFloats(left, float64(r))
	case int64:
		return compareFloats(left, float64(r))
	case float64:
		return compareFloats(left, r)
	}
	return -1
}

func compareInt64s(a, b int64) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

func compareUint64s(a, b uint64) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

func compareFloats(a, b float64) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

// stringValue converts any value to a string for comparison
func stringValue(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
