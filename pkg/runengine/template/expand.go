package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/randalmurphal/runengine/pkg/runengine/expr"
)

var (
	// bracePattern matches ${path} where path is dot separated, e.g.
	// ${order.items.0.sku}.
	bracePattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z0-9_]+)*)\}`)

	// dollarPattern matches $name up to the next non-word character, so $port
	// never matches inside $portNumber.
	dollarPattern = regexp.MustCompile(`\$([a-zA-Z_][a-zA-Z0-9_]*)\b`)
)

type lookupFunc func(path string) (any, bool)

// Expander fills placeholders from a variable map.
type Expander struct {
	missingAction MissingAction
	braceStyle    bool
	dollarStyle   bool
}

// NewExpander creates an Expander. Defaults: MissingKeep, ${path} enabled,
// $name disabled.
func NewExpander(opts ...Option) *Expander {
	e := &Expander{
		missingAction: MissingKeep,
		braceStyle:    true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Expand fills every placeholder in s with the text form of its value.
func (e *Expander) Expand(s string, vars map[string]any) (string, error) {
	var missing []string
	out := e.text(s, expr.Resolver(vars), &missing)
	return out, undefined(missing)
}

// ExpandValue expands strings in v, walking into maps and lists. Other
// values are returned unchanged.
func (e *Expander) ExpandValue(v any, vars map[string]any) (any, error) {
	var missing []string
	out := e.value(v, expr.Resolver(vars), &missing)
	if err := undefined(missing); err != nil {
		return nil, err
	}
	return out, nil
}

// ExpandMap returns a copy of m with every string value expanded. A nil map
// stays nil.
func (e *Expander) ExpandMap(m map[string]any, vars map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	var missing []string
	out := e.object(m, expr.Resolver(vars), &missing)
	if err := undefined(missing); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Expander) value(v any, lookup lookupFunc, missing *[]string) any {
	switch val := v.(type) {
	case string:
		return e.whole(val, lookup, missing)
	case map[string]any:
		return e.object(val, lookup, missing)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = e.value(item, lookup, missing)
		}
		return out
	}
	return v
}

func (e *Expander) object(m map[string]any, lookup lookupFunc, missing *[]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = e.value(v, lookup, missing)
	}
	return out
}

// whole returns the raw value when s is a single ${path} placeholder and
// the expanded text otherwise.
func (e *Expander) whole(s string, lookup lookupFunc, missing *[]string) any {
	if e.braceStyle {
		if m := bracePattern.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
			path := s[m[2]:m[3]]
			if v, ok := lookup(path); ok {
				return v
			}
			switch e.missingAction {
			case MissingEmpty:
				return nil
			case MissingError:
				*missing = append(*missing, path)
			}
			return s
		}
	}
	return e.text(s, lookup, missing)
}

func (e *Expander) text(s string, lookup lookupFunc, missing *[]string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	replace := func(match, path string) string {
		if v, ok := lookup(path); ok {
			return render(v)
		}
		switch e.missingAction {
		case MissingEmpty:
			return ""
		case MissingError:
			*missing = append(*missing, path)
		}
		return match
	}
	if e.braceStyle {
		s = bracePattern.ReplaceAllStringFunc(s, func(m string) string {
			return replace(m, m[2:len(m)-1])
		})
	}
	if e.dollarStyle {
		s = dollarPattern.ReplaceAllStringFunc(s, func(m string) string {
			return replace(m, m[1:])
		})
	}
	return s
}

func render(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		if b, err := json.Marshal(val); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

// UndefinedVariableError is returned under MissingError when placeholders
// name unknown paths.
type UndefinedVariableError struct {
	Names []string
}

// Error implements the error interface.
func (e *UndefinedVariableError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("undefined variable: %s", e.Names[0])
	}
	return fmt.Sprintf("undefined variables: %s", strings.Join(e.Names, ", "))
}

func undefined(names []string) error {
	if len(names) == 0 {
		return nil
	}
	slices.Sort(names)
	return &UndefinedVariableError{Names: slices.Compact(names)}
}

var defaultExpander = NewExpander()

// Expand fills placeholders in s with the default expander. Unknown paths
// are left as written.
func Expand(s string, vars map[string]any) string {
	out, _ := defaultExpander.Expand(s, vars)
	return out
}

// ExpandMap expands m with the default expander. Unknown paths are left as
// written.
func ExpandMap(m map[string]any, vars map[string]any) map[string]any {
	out, _ := defaultExpander.ExpandMap(m, vars)
	return out
}
