package expr

import (
	"fmt"
	"strings"
)

// builtinOps are tried in order; two-character operators come before their
// one-character prefixes.
var builtinOps = []struct {
	token string
	fn    BinaryOp
}{
	{"==", equals},
	{"!=", func(l, r any) bool { return !equals(l, r) }},
	{">=", func(l, r any) bool { return compareNumbers(l, r) >= 0 }},
	{"<=", func(l, r any) bool { return compareNumbers(l, r) <= 0 }},
	{">", func(l, r any) bool { return compareNumbers(l, r) > 0 }},
	{"<", func(l, r any) bool { return compareNumbers(l, r) < 0 }},
	{" contains ", contains},
}

// Compare applies a named operator to two values.
func Compare(left, right any, op string) (bool, error) {
	token := op
	if op == "contains" {
		token = " contains "
	}
	for _, b := range builtinOps {
		if b.token == token {
			return b.fn(left, right), nil
		}
	}
	return false, fmt.Errorf("unknown operator: %s", op)
}

// equals compares numerically when both sides are numbers, otherwise by
// string form.
func equals(l, r any) bool {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		return lf == rf
	}
	return toString(l) == toString(r)
}

func compareNumbers(l, r any) int {
	lf, rf := ToFloat64(l), ToFloat64(r)
	switch {
	case lf < rf:
		return -1
	case lf > rf:
		return 1
	default:
		return 0
	}
}

// contains checks list membership for slices and substring containment
// otherwise.
func contains(l, r any) bool {
	if list, ok := l.([]any); ok {
		for _, item := range list {
			if equals(item, r) {
				return true
			}
		}
		return false
	}
	return strings.Contains(toString(l), toString(r))
}
