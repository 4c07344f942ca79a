// Package expr evaluates the boolean conditions attached to routine edges.
//
// Grammar, loosest binding first:
//
//	expr    := term { " or " term }
//	term    := factor { " and " factor }
//	factor  := "not " factor | "!" factor | "(" expr ")" | compare | value
//	compare := value op value          (op: == != >= <= > < contains)
//
// Values are quoted strings, numbers, true/false/null, or variable paths.
// Paths use dot notation ("order.total", "items.0.sku") and are resolved
// against the run variables.
package expr

import (
	"fmt"
	"strings"
)

// BinaryOp compares two resolved values.
type BinaryOp func(left, right any) bool

// Evaluator evaluates conditions with optional custom operators.
type Evaluator struct {
	customOps map[string]BinaryOp
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithOperator registers a custom word operator such as "startswith".
// Custom operators are matched with surrounding spaces.
func WithOperator(name string, fn BinaryOp) Option {
	return func(e *Evaluator) {
		if e.customOps == nil {
			e.customOps = make(map[string]BinaryOp)
		}
		e.customOps[name] = fn
	}
}

// New creates an Evaluator.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Eval evaluates expr with the default evaluator.
func Eval(expr string, vars map[string]any) (bool, error) {
	return New().Evaluate(expr, vars)
}

// Evaluate evaluates expr against vars. An empty expression is true so that
// unconditional edges can carry an empty condition.
func (e *Evaluator) Evaluate(expr string, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	if depth := parenBalance(expr); depth != 0 {
		return false, fmt.Errorf("%w: %q", ErrUnbalanced, expr)
	}
	return e.eval(expr, newScope(vars))
}

func (e *Evaluator) eval(expr string, s *scope) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("%w: empty operand", ErrSyntax)
	}

	if parts := splitTopLevel(expr, " or "); len(parts) > 1 {
		for _, p := range parts {
			ok, err := e.eval(p, s)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	if parts := splitTopLevel(expr, " and "); len(parts) > 1 {
		for _, p := range parts {
			ok, err := e.eval(p, s)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}

	switch {
	case strings.HasPrefix(expr, "not "):
		ok, err := e.eval(expr[len("not "):], s)
		return !ok, err
	case strings.HasPrefix(expr, "!") && !strings.HasPrefix(expr, "!="):
		ok, err := e.eval(expr[1:], s)
		return !ok, err
	case isWrapped(expr):
		return e.eval(expr[1:len(expr)-1], s)
	}

	for _, op := range builtinOps {
		if left, right, found := cutTopLevel(expr, op.token); found {
			return op.fn(s.resolve(left), s.resolve(right)), nil
		}
	}
	for name, fn := range e.customOps {
		if left, right, found := cutTopLevel(expr, " "+name+" "); found {
			return fn(s.resolve(left), s.resolve(right)), nil
		}
	}

	if v, ok := literal(expr); ok {
		return IsTruthy(v), nil
	}
	v, _ := s.lookup(expr)
	return IsTruthy(v), nil
}

// splitTopLevel splits expr on sep, ignoring separators inside parentheses
// or quotes.
func splitTopLevel(expr, sep string) []string {
	var parts []string
	start := 0
	depth := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			continue
		case c == '\'' || c == '"':
			quote = c
			continue
		case c == '(':
			depth++
			continue
		case c == ')':
			depth--
			continue
		}
		if depth == 0 && strings.HasPrefix(expr[i:], sep) {
			parts = append(parts, expr[start:i])
			start = i + len(sep)
			i += len(sep) - 1
		}
	}
	return append(parts, expr[start:])
}

// cutTopLevel splits expr around the first top-level occurrence of sep.
func cutTopLevel(expr, sep string) (string, string, bool) {
	parts := splitTopLevel(expr, sep)
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], strings.Join(parts[1:], sep), true
}

// isWrapped reports whether expr is fully enclosed by one pair of parentheses.
func isWrapped(expr string) bool {
	if !strings.HasPrefix(expr, "(") || !strings.HasSuffix(expr, ")") {
		return false
	}
	depth := 0
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(expr)-1 {
				return false
			}
		}
	}
	return true
}

func parenBalance(expr string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		}
	}
	return depth
}
