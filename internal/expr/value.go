package expr

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// valueKind buckets runtime values for operator and method dispatch.
type valueKind int

const (
	kindNull valueKind = iota
	kindBool
	kindInt
	kindFloat
	kindString
	kindTime
	kindList
	kindMap
	kindOther
)

func (k valueKind) String() string {
	switch k {
	case kindNull:
		return "null"
	case kindBool:
		return "boolean"
	case kindInt:
		return "integer"
	case kindFloat:
		return "float"
	case kindString:
		return "string"
	case kindTime:
		return "instant"
	case kindList:
		return "list"
	case kindMap:
		return "record"
	default:
		return "value"
	}
}

// normalize folds Go's integer and float widths into int64/float64 and
// recognizes the record and list shapes. Values arrive from YAML decoding,
// JSON decoding, and SQL scans with mixed concrete types.
func normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	case float64:
		// Floats keep their kind even when integral: 10.0 / 4 is float
		// division. Consumers that need an index accept integral floats via
		// asIndex.
		return t
	default:
		return v
	}
}

// asIndex coerces a value where an integer is required. Integral floats are
// accepted because JSON decodes every number as float64.
func asIndex(v any) (int64, bool) {
	switch t := normalize(v).(type) {
	case int64:
		return t, true
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) && math.Abs(t) < 1e15 {
			return int64(t), true
		}
	}
	return 0, false
}

func kindOf(v any) valueKind {
	switch normalize(v).(type) {
	case nil:
		return kindNull
	case bool:
		return kindBool
	case int64:
		return kindInt
	case float64:
		return kindFloat
	case string:
		return kindString
	case time.Time:
		return kindTime
	case []any:
		return kindList
	case map[string]any:
		return kindMap
	default:
		return kindOther
	}
}

// truthy interprets a value as a boolean operand. Only booleans and null are
// acceptable inside logical operators; everything else is a type mismatch.
func truthy(v any) (bool, bool) {
	switch t := normalize(v).(type) {
	case nil:
		return false, true
	case bool:
		return t, true
	default:
		return false, false
	}
}

// equalValues implements ==. Nulls compare equal only to each other; numbers
// compare with promotion; remaining kinds require matching kinds.
func equalValues(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ka, kb := kindOf(a), kindOf(b)
	if (ka == kindInt || ka == kindFloat) && (kb == kindInt || kb == kindFloat) {
		return toFloat(a) == toFloat(b)
	}
	if ka != kb {
		return false
	}
	switch ka {
	case kindTime:
		return a.(time.Time).Equal(b.(time.Time))
	case kindString, kindBool:
		return a == b
	default:
		return false
	}
}

// compareValues implements the relational operators for numbers, strings, and
// instants. ok is false for incomparable operand kinds.
func compareValues(a, b any) (int, bool) {
	a, b = normalize(a), normalize(b)
	ka, kb := kindOf(a), kindOf(b)
	if (ka == kindInt || ka == kindFloat) && (kb == kindInt || kb == kindFloat) {
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	if ka == kindString && kb == kindString {
		sa, sb := a.(string), b.(string)
		switch {
		case sa < sb:
			return -1, true
		case sa > sb:
			return 1, true
		default:
			return 0, true
		}
	}
	if ka == kindTime && kb == kindTime {
		ta, tb := a.(time.Time), b.(time.Time)
		switch {
		case ta.Before(tb):
			return -1, true
		case ta.After(tb):
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case float64:
		return t
	default:
		return 0
	}
}

// FormatValue renders a value the way string concatenation and lookup-key
// stringification see it: integers without an exponent, floats in compact
// form, nil as the empty string.
func FormatValue(v any) string {
	switch t := normalize(v).(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", t)
	}
}
