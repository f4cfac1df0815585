package expr

import (
	"strings"
)

// Expression is a compiled expression ready for evaluation. Expressions are
// immutable and safe for concurrent use with distinct contexts.
type Expression struct {
	source string
	root   node
}

// Parse compiles an expression source into its AST form.
func Parse(source string) (*Expression, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, &ParseError{Source: source, Detail: "expression required"}
	}
	root, err := parse(trimmed)
	if err != nil {
		return nil, err
	}
	return &Expression{source: trimmed, root: root}, nil
}

// Source returns the original expression text.
func (e *Expression) Source() string { return e.source }

// Eval evaluates the expression against the context. Identical (expression,
// context) pairs produce identical results; evaluation has no ambient state.
func (e *Expression) Eval(ctx *Context) (any, error) {
	return eval(e.root, ctx)
}

// EvalBool evaluates and coerces the result the way rule conditions do:
// null is false, a boolean is itself, any other non-null value is true.
func (e *Expression) EvalBool(ctx *Context) (bool, error) {
	v, err := e.Eval(ctx)
	if err != nil {
		return false, err
	}
	switch t := normalize(v).(type) {
	case nil:
		return false, nil
	case bool:
		return t, nil
	default:
		return true, nil
	}
}

func eval(n node, ctx *Context) (any, error) {
	switch t := n.(type) {
	case *literalNode:
		return t.value, nil

	case *varNode:
		// Unbound variables read as null so conditions can probe for ambient
		// bindings such as #ruleResults without failing.
		v, _ := ctx.Variable(t.name)
		return normalize(v), nil

	case *identNode:
		// A bare identifier prefers a variable of the same name over the root
		// object's property.
		if v, ok := ctx.Variable(t.name); ok {
			return normalize(v), nil
		}
		if ctx.Root() == nil {
			return nil, nil
		}
		v, handled := ctx.readProperty(ctx.Root(), t.name)
		if !handled {
			return nil, evalErr(t.src, "cannot read property %q on %s root", t.name, kindOf(ctx.Root()))
		}
		return normalize(v), nil

	case *fieldNode:
		target, err := eval(t.target, ctx)
		if err != nil {
			return nil, err
		}
		if target == nil {
			if t.safe {
				return nil, nil
			}
			return nil, evalErr(t.src, "null dereference reading property %q", t.name)
		}
		v, handled := ctx.readProperty(target, t.name)
		if !handled {
			return nil, evalErr(t.src, "cannot read property %q on %s", t.name, kindOf(target))
		}
		return normalize(v), nil

	case *indexNode:
		return evalIndex(t, ctx)

	case *unaryNode:
		return evalUnary(t, ctx)

	case *binaryNode:
		return evalBinary(t, ctx)

	case *ternaryNode:
		cond, err := eval(t.cond, ctx)
		if err != nil {
			return nil, err
		}
		b, ok := truthy(cond)
		if !ok {
			return nil, evalErr(t.src, "condition is %s, not boolean", kindOf(cond))
		}
		if b {
			return eval(t.then, ctx)
		}
		return eval(t.other, ctx)

	case *methodNode:
		return evalMethod(t, ctx)

	case *staticNode:
		return evalStatic(t, ctx)
	}
	return nil, evalErr(n.span(), "unsupported expression node")
}

func evalIndex(n *indexNode, ctx *Context) (any, error) {
	target, err := eval(n.target, ctx)
	if err != nil {
		return nil, err
	}
	key, err := eval(n.key, ctx)
	if err != nil {
		return nil, err
	}
	switch t := normalize(target).(type) {
	case nil:
		return nil, evalErr(n.src, "null dereference indexing")
	case map[string]any:
		// a['name'] and a.name are equivalent; missing keys read as null.
		return normalize(t[FormatValue(key)]), nil
	case []any:
		i, ok := asIndex(key)
		if !ok {
			return nil, evalErr(n.src, "list index must be an integer, got %s", kindOf(key))
		}
		if i < 0 || i >= int64(len(t)) {
			return nil, evalErr(n.src, "list index %d out of range for size %d", i, len(t))
		}
		return normalize(t[i]), nil
	default:
		return nil, evalErr(n.src, "cannot index %s", kindOf(target))
	}
}

func evalUnary(n *unaryNode, ctx *Context) (any, error) {
	v, err := eval(n.operand, ctx)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokBang:
		b, ok := truthy(v)
		if !ok {
			return nil, evalErr(n.src, "operand of ! is %s, not boolean", kindOf(v))
		}
		return !b, nil
	case tokMinus:
		switch t := normalize(v).(type) {
		case int64:
			return -t, nil
		case float64:
			return -t, nil
		default:
			return nil, evalErr(n.src, "operand of unary - is %s, not numeric", kindOf(v))
		}
	}
	return nil, evalErr(n.src, "unsupported unary operator")
}

func evalBinary(n *binaryNode, ctx *Context) (any, error) {
	// Logical operators short-circuit; evaluate the left side first and bail
	// out before touching the right side.
	if n.op == tokAnd || n.op == tokOr {
		left, err := eval(n.left, ctx)
		if err != nil {
			return nil, err
		}
		lb, ok := truthy(left)
		if !ok {
			return nil, evalErr(n.src, "left operand is %s, not boolean", kindOf(left))
		}
		if n.op == tokAnd && !lb {
			return false, nil
		}
		if n.op == tokOr && lb {
			return true, nil
		}
		right, err := eval(n.right, ctx)
		if err != nil {
			return nil, err
		}
		rb, ok := truthy(right)
		if !ok {
			return nil, evalErr(n.src, "right operand is %s, not boolean", kindOf(right))
		}
		return rb, nil
	}

	left, err := eval(n.left, ctx)
	if err != nil {
		return nil, err
	}
	right, err := eval(n.right, ctx)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokEq:
		return equalValues(left, right), nil
	case tokNe:
		return !equalValues(left, right), nil
	case tokLt, tokLe, tokGt, tokGe:
		cmp, ok := compareValues(left, right)
		if !ok {
			return nil, evalErr(n.src, "cannot compare %s with %s", kindOf(left), kindOf(right))
		}
		switch n.op {
		case tokLt:
			return cmp < 0, nil
		case tokLe:
			return cmp <= 0, nil
		case tokGt:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case tokPlus, tokMinus, tokStar, tokSlash:
		return evalArithmetic(n, left, right)
	}
	return nil, evalErr(n.src, "unsupported binary operator")
}

func evalArithmetic(n *binaryNode, left, right any) (any, error) {
	left, right = normalize(left), normalize(right)

	// String + concatenates; the non-string side is stringified.
	if n.op == tokPlus {
		if _, ok := left.(string); ok {
			return left.(string) + FormatValue(right), nil
		}
		if _, ok := right.(string); ok {
			return FormatValue(left) + right.(string), nil
		}
	}

	ka, kb := kindOf(left), kindOf(right)
	if (ka != kindInt && ka != kindFloat) || (kb != kindInt && kb != kindFloat) {
		return nil, evalErr(n.src, "cannot apply %q to %s and %s", n.opText(), ka, kb)
	}

	// Numeric promotion: any float makes the operation float.
	if ka == kindFloat || kb == kindFloat {
		fa, fb := toFloat(left), toFloat(right)
		switch n.op {
		case tokPlus:
			return fa + fb, nil
		case tokMinus:
			return fa - fb, nil
		case tokStar:
			return fa * fb, nil
		default:
			if fb == 0 {
				return nil, evalErr(n.src, "division by zero")
			}
			return fa / fb, nil
		}
	}

	ia, ib := left.(int64), right.(int64)
	switch n.op {
	case tokPlus:
		return ia + ib, nil
	case tokMinus:
		return ia - ib, nil
	case tokStar:
		return ia * ib, nil
	default:
		if ib == 0 {
			return nil, evalErr(n.src, "division by zero")
		}
		return ia / ib, nil
	}
}

func (n *binaryNode) opText() string {
	switch n.op {
	case tokPlus:
		return "+"
	case tokMinus:
		return "-"
	case tokStar:
		return "*"
	case tokSlash:
		return "/"
	default:
		return "?"
	}
}

func evalMethod(n *methodNode, ctx *Context) (any, error) {
	recv, err := eval(n.target, ctx)
	if err != nil {
		return nil, err
	}
	if recv == nil {
		if n.safe {
			return nil, nil
		}
		return nil, evalErr(n.src, "null dereference calling method %q", n.name)
	}
	args := make([]any, len(n.args))
	for i, argNode := range n.args {
		v, err := eval(argNode, ctx)
		if err != nil {
			return nil, err
		}
		args[i] = normalize(v)
	}
	recv = normalize(recv)
	fn, ok := methodTable[methodKey{kind: kindOf(recv), name: n.name, arity: len(args)}]
	if !ok {
		return nil, evalErr(n.src, "unknown method %q with %d argument(s) on %s", n.name, len(args), kindOf(recv))
	}
	out, err := fn(n.src, recv, args)
	if err != nil {
		return nil, err
	}
	return normalize(out), nil
}

func evalStatic(n *staticNode, ctx *Context) (any, error) {
	// Sandbox boundary: only the literal allow-list resolves; the qualified
	// prefix is ignored beyond its final segment.
	short := n.typeName
	if i := strings.LastIndex(short, "."); i >= 0 {
		short = short[i+1:]
	}
	fn, ok := staticAllowList[short+"."+n.method]
	if !ok {
		return nil, evalErr(n.src, "static call %s.%s is not permitted", n.typeName, n.method)
	}
	args := make([]any, len(n.args))
	for i, argNode := range n.args {
		v, err := eval(argNode, ctx)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	out, err := fn(n.src, args)
	if err != nil {
		return nil, err
	}
	return normalize(out), nil
}
