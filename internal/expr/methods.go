package expr

import (
	"math"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// methodFunc implements one entry of the method capability table. src is the
// offending sub-expression for error reporting.
type methodFunc func(src string, recv any, args []any) (any, error)

type methodKey struct {
	kind  valueKind
	name  string
	arity int
}

// methodTable is the static capability table: method dispatch is by
// (value kind, method name, arity). Unknown methods raise an EvaluationError.
var methodTable = map[methodKey]methodFunc{
	// string methods
	{kindString, "toUpperCase", 0}: func(_ string, recv any, _ []any) (any, error) {
		return strings.ToUpper(recv.(string)), nil
	},
	{kindString, "toLowerCase", 0}: func(_ string, recv any, _ []any) (any, error) {
		return strings.ToLower(recv.(string)), nil
	},
	{kindString, "trim", 0}: func(_ string, recv any, _ []any) (any, error) {
		return strings.TrimSpace(recv.(string)), nil
	},
	{kindString, "length", 0}: func(_ string, recv any, _ []any) (any, error) {
		return int64(len(recv.(string))), nil
	},
	{kindString, "isEmpty", 0}: func(_ string, recv any, _ []any) (any, error) {
		return recv.(string) == "", nil
	},
	{kindString, "substring", 1}: func(src string, recv any, args []any) (any, error) {
		s := recv.(string)
		i, err := intArg(src, "substring", args[0])
		if err != nil {
			return nil, err
		}
		if i < 0 || i > int64(len(s)) {
			return nil, evalErr(src, "substring index %d out of range for length %d", i, len(s))
		}
		return s[i:], nil
	},
	{kindString, "substring", 2}: func(src string, recv any, args []any) (any, error) {
		s := recv.(string)
		i, err := intArg(src, "substring", args[0])
		if err != nil {
			return nil, err
		}
		j, err := intArg(src, "substring", args[1])
		if err != nil {
			return nil, err
		}
		if i < 0 || j > int64(len(s)) || i > j {
			return nil, evalErr(src, "substring range [%d,%d) out of range for length %d", i, j, len(s))
		}
		return s[i:j], nil
	},
	{kindString, "contains", 1}: func(src string, recv any, args []any) (any, error) {
		needle, err := stringArg(src, "contains", args[0])
		if err != nil {
			return nil, err
		}
		return strings.Contains(recv.(string), needle), nil
	},
	{kindString, "startsWith", 1}: func(src string, recv any, args []any) (any, error) {
		prefix, err := stringArg(src, "startsWith", args[0])
		if err != nil {
			return nil, err
		}
		return strings.HasPrefix(recv.(string), prefix), nil
	},
	{kindString, "endsWith", 1}: func(src string, recv any, args []any) (any, error) {
		suffix, err := stringArg(src, "endsWith", args[0])
		if err != nil {
			return nil, err
		}
		return strings.HasSuffix(recv.(string), suffix), nil
	},
	{kindString, "replace", 2}: func(src string, recv any, args []any) (any, error) {
		old, err := stringArg(src, "replace", args[0])
		if err != nil {
			return nil, err
		}
		nw, err := stringArg(src, "replace", args[1])
		if err != nil {
			return nil, err
		}
		return strings.ReplaceAll(recv.(string), old, nw), nil
	},
	{kindString, "split", 1}: func(src string, recv any, args []any) (any, error) {
		sep, err := stringArg(src, "split", args[0])
		if err != nil {
			return nil, err
		}
		parts := strings.Split(recv.(string), sep)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	},
	{kindString, "indexOf", 1}: func(src string, recv any, args []any) (any, error) {
		needle, err := stringArg(src, "indexOf", args[0])
		if err != nil {
			return nil, err
		}
		return int64(strings.Index(recv.(string), needle)), nil
	},
	{kindString, "toDate", 0}: func(src string, recv any, _ []any) (any, error) {
		t, err := dateparse.ParseAny(recv.(string))
		if err != nil {
			return nil, evalErr(src, "toDate: cannot parse %q as instant", recv.(string))
		}
		return t, nil
	},

	// list methods
	{kindList, "size", 0}: func(_ string, recv any, _ []any) (any, error) {
		return int64(len(recv.([]any))), nil
	},
	{kindList, "isEmpty", 0}: func(_ string, recv any, _ []any) (any, error) {
		return len(recv.([]any)) == 0, nil
	},
	{kindList, "contains", 1}: func(_ string, recv any, args []any) (any, error) {
		for _, v := range recv.([]any) {
			if equalValues(v, args[0]) {
				return true, nil
			}
		}
		return false, nil
	},
	{kindList, "get", 1}: func(src string, recv any, args []any) (any, error) {
		list := recv.([]any)
		i, err := intArg(src, "get", args[0])
		if err != nil {
			return nil, err
		}
		if i < 0 || i >= int64(len(list)) {
			return nil, evalErr(src, "list index %d out of range for size %d", i, len(list))
		}
		return list[i], nil
	},
	{kindList, "first", 0}: func(src string, recv any, _ []any) (any, error) {
		list := recv.([]any)
		if len(list) == 0 {
			return nil, nil
		}
		return list[0], nil
	},
	{kindList, "last", 0}: func(src string, recv any, _ []any) (any, error) {
		list := recv.([]any)
		if len(list) == 0 {
			return nil, nil
		}
		return list[len(list)-1], nil
	},

	// record methods
	{kindMap, "size", 0}: func(_ string, recv any, _ []any) (any, error) {
		return int64(len(recv.(map[string]any))), nil
	},
	{kindMap, "isEmpty", 0}: func(_ string, recv any, _ []any) (any, error) {
		return len(recv.(map[string]any)) == 0, nil
	},
	{kindMap, "containsKey", 1}: func(src string, recv any, args []any) (any, error) {
		key, err := stringArg(src, "containsKey", args[0])
		if err != nil {
			return nil, err
		}
		_, ok := recv.(map[string]any)[key]
		return ok, nil
	},
	{kindMap, "get", 1}: func(src string, recv any, args []any) (any, error) {
		key, err := stringArg(src, "get", args[0])
		if err != nil {
			return nil, err
		}
		return recv.(map[string]any)[key], nil
	},

	// numeric methods
	{kindInt, "intValue", 0}: func(_ string, recv any, _ []any) (any, error) {
		return recv.(int64), nil
	},
	{kindInt, "doubleValue", 0}: func(_ string, recv any, _ []any) (any, error) {
		return float64(recv.(int64)), nil
	},
	{kindInt, "abs", 0}: func(_ string, recv any, _ []any) (any, error) {
		v := recv.(int64)
		if v < 0 {
			return -v, nil
		}
		return v, nil
	},
	{kindFloat, "intValue", 0}: func(_ string, recv any, _ []any) (any, error) {
		return int64(recv.(float64)), nil
	},
	{kindFloat, "doubleValue", 0}: func(_ string, recv any, _ []any) (any, error) {
		return recv.(float64), nil
	},
	{kindFloat, "abs", 0}: func(_ string, recv any, _ []any) (any, error) {
		return math.Abs(recv.(float64)), nil
	},

	// instant methods
	{kindTime, "before", 1}: func(src string, recv any, args []any) (any, error) {
		other, ok := normalize(args[0]).(time.Time)
		if !ok {
			return nil, evalErr(src, "before expects an instant argument, got %s", kindOf(args[0]))
		}
		return recv.(time.Time).Before(other), nil
	},
	{kindTime, "after", 1}: func(src string, recv any, args []any) (any, error) {
		other, ok := normalize(args[0]).(time.Time)
		if !ok {
			return nil, evalErr(src, "after expects an instant argument, got %s", kindOf(args[0]))
		}
		return recv.(time.Time).After(other), nil
	},
	{kindTime, "format", 1}: func(src string, recv any, args []any) (any, error) {
		layout, err := stringArg(src, "format", args[0])
		if err != nil {
			return nil, err
		}
		return recv.(time.Time).Format(layout), nil
	},
}

func intArg(src, method string, v any) (int64, error) {
	if i, ok := asIndex(v); ok {
		return i, nil
	}
	return 0, evalErr(src, "%s expects an integer argument, got %s", method, kindOf(v))
}

func stringArg(src, method string, v any) (string, error) {
	if s, ok := normalize(v).(string); ok {
		return s, nil
	}
	return "", evalErr(src, "%s expects a string argument, got %s", method, kindOf(v))
}

// staticFunc implements one allow-listed T(Type).method entry.
type staticFunc func(src string, args []any) (any, error)

// staticAllowList is the sandbox boundary for static resolution: anything not
// listed here fails, whatever qualified name the expression carries. Keys are
// the short type name (last segment of the qualified name) plus the method.
var staticAllowList = map[string]staticFunc{
	"String.valueOf": func(_ string, args []any) (any, error) {
		if len(args) != 1 {
			return nil, evalErr("String.valueOf", "expects exactly one argument")
		}
		return FormatValue(args[0]), nil
	},
	"Math.abs": func(src string, args []any) (any, error) {
		if len(args) != 1 {
			return nil, evalErr(src, "Math.abs expects exactly one argument")
		}
		switch v := normalize(args[0]).(type) {
		case int64:
			if v < 0 {
				return -v, nil
			}
			return v, nil
		case float64:
			return math.Abs(v), nil
		default:
			return nil, evalErr(src, "Math.abs expects a number, got %s", kindOf(args[0]))
		}
	},
	"Math.max": staticMinMax(true),
	"Math.min": staticMinMax(false),
}

func staticMinMax(wantMax bool) staticFunc {
	return func(src string, args []any) (any, error) {
		if len(args) != 2 {
			return nil, evalErr(src, "expects exactly two arguments")
		}
		cmp, ok := compareValues(args[0], args[1])
		if !ok {
			return nil, evalErr(src, "arguments are not comparable")
		}
		if (wantMax && cmp >= 0) || (!wantMax && cmp <= 0) {
			return normalize(args[0]), nil
		}
		return normalize(args[1]), nil
	}
}
