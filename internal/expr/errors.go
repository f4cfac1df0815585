package expr

import "fmt"

// ParseError reports an expression that failed to compile. It is raised at
// first use (expressions parse lazily) and is fatal to the operation that
// requested the expression.
type ParseError struct {
	Source   string
	Position int
	Detail   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("expr: parse %q at offset %d: %s", e.Source, e.Position, e.Detail)
}

// EvaluationError reports a valid-syntax expression that failed against the
// supplied data: null dereference, type mismatch, divide-by-zero, unknown
// method, or a sandbox violation. It carries the offending sub-expression.
type EvaluationError struct {
	Source string
	Detail string
	Cause  error
}

func (e *EvaluationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("expr: evaluate %q: %s: %v", e.Source, e.Detail, e.Cause)
	}
	return fmt.Sprintf("expr: evaluate %q: %s", e.Source, e.Detail)
}

func (e *EvaluationError) Unwrap() error { return e.Cause }

func evalErr(source, format string, args ...any) *EvaluationError {
	return &EvaluationError{Source: source, Detail: fmt.Sprintf(format, args...)}
}
