package expr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Sentinel errors for malformed expressions.
var (
	// ErrSyntax indicates an expression could not be parsed.
	ErrSyntax = errors.New("expression syntax error")

	// ErrUnbalanced indicates mismatched parentheses.
	ErrUnbalanced = errors.New("unbalanced parentheses")
)

// scope resolves identifiers against run variables. Nested paths are served
// by gjson over a lazily encoded copy of the variables.
type scope struct {
	vars    map[string]any
	encoded []byte
	encErr  error
}

func newScope(vars map[string]any) *scope {
	return &scope{vars: vars}
}

func (s *scope) resolve(token string) any {
	token = strings.TrimSpace(token)
	if v, ok := literal(token); ok {
		return v
	}
	if v, ok := s.lookup(token); ok {
		return v
	}
	// A missing field under a known variable is null.
	if head, _, found := strings.Cut(token, "."); found && s.vars != nil {
		if _, known := s.vars[head]; known {
			return nil
		}
	}
	// Unknown bare identifiers compare as their own text.
	return token
}

func (s *scope) lookup(path string) (any, bool) {
	if s.vars == nil {
		return nil, false
	}
	if v, ok := s.vars[path]; ok {
		return v, true
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}
	if s.encoded == nil && s.encErr == nil {
		s.encoded, s.encErr = json.Marshal(s.vars)
	}
	if s.encErr != nil {
		return nil, false
	}
	res := gjson.GetBytes(s.encoded, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// Lookup resolves a dotted variable path such as "order.items.0.sku".
func Lookup(vars map[string]any, path string) (any, bool) {
	return newScope(vars).lookup(path)
}

// Resolver returns a Lookup bound to vars. Nested paths encode vars once
// for every lookup made through it.
func Resolver(vars map[string]any) func(path string) (any, bool) {
	return newScope(vars).lookup
}

// Resolve turns a token into a value: a literal if it parses as one,
// otherwise the variable it names, otherwise the token text.
func Resolve(token string, vars map[string]any) any {
	return newScope(vars).resolve(token)
}

func literal(token string) (any, bool) {
	if token == "" {
		return "", true
	}
	if len(token) >= 2 {
		first, last := token[0], token[len(token)-1]
		if (first == '\'' || first == '"') && first == last {
			return token[1 : len(token)-1], true
		}
	}
	switch strings.ToLower(token) {
	case "true":
		return true, true
	case "false":
		return false, true
	case "null", "nil":
		return nil, true
	}
	if i, err := strconv.ParseInt(token, 10, 64); err == nil {
		return i, true
	}
	if f, err := strconv.ParseFloat(token, 64); err == nil {
		return f, true
	}
	return nil, false
}

// IsTruthy reports whether v counts as true in a condition.
func IsTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

// ToFloat64 converts numeric values (and numeric strings) to float64,
// returning 0 for anything else.
func ToFloat64(v any) float64 {
	f, _ := toFloat(v)
	return f
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	if v == nil {
		return "null"
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
