package graphnav

import (
	"fmt"

	"github.com/randalmurphal/runengine/pkg/runengine/expr"
	"github.com/randalmurphal/runengine/pkg/runengine/navigator"
)

// Navigator interprets *Graph definitions.
type Navigator struct {
	eval *expr.Evaluator
}

var (
	_ navigator.Navigator    = (*Navigator)(nil)
	_ navigator.JoinResolver = (*Navigator)(nil)
)

// New returns a graph navigator. Options configure the condition evaluator.
func New(opts ...expr.Option) *Navigator {
	return &Navigator{eval: expr.New(opts...)}
}

// Register adds the navigator to reg under Type.
func Register(reg *navigator.Registry, opts ...expr.Option) *Navigator {
	nav := New(opts...)
	reg.Register(Type, nav)
	return nav
}

// CanNavigate reports whether def is a valid *Graph.
func (n *Navigator) CanNavigate(def navigator.Definition) bool {
	g, ok := def.(*Graph)
	return ok && g != nil && g.Validate() == nil
}

// StartLocation returns the position before the start node.
func (n *Navigator) StartLocation(def navigator.Definition) (navigator.Location, error) {
	if _, _, err := resolve(def); err != nil {
		return navigator.Location{}, err
	}
	return navigator.At(startID), nil
}

// IsEndLocation reports whether loc is End or a node without outgoing edges.
func (n *Navigator) IsEndLocation(def navigator.Definition, loc navigator.Location) bool {
	if loc.ID == End {
		return true
	}
	_, idx, err := resolve(def)
	if err != nil || loc.ID == startID {
		return false
	}
	return idx.nodes[loc.ID] != nil && len(idx.out[loc.ID]) == 0
}

// NextLocations follows every edge out of loc whose condition holds. Edges
// to End are not returned; when they are all that matched the routine is
// finished.
func (n *Navigator) NextLocations(def navigator.Definition, loc navigator.Location, vars map[string]any) ([]navigator.Location, error) {
	g, idx, err := resolve(def)
	if err != nil {
		return nil, err
	}
	if loc.ID == startID {
		return []navigator.Location{navigator.At(g.Start)}, nil
	}
	if loc.ID == End {
		return nil, nil
	}
	if idx.nodes[loc.ID] == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, loc.ID)
	}

	var matched []string
	var fallback []string
	for _, e := range idx.out[loc.ID] {
		if e.When == Else {
			fallback = append(fallback, e.To)
			continue
		}
		ok, err := n.eval.Evaluate(e.When, vars)
		if err != nil {
			return nil, fmt.Errorf("edge %s -> %s: %w", e.From, e.To, err)
		}
		if ok {
			matched = append(matched, e.To)
		}
	}
	if len(matched) == 0 {
		matched = fallback
	}

	var out []navigator.Location
	seen := make(map[string]bool, len(matched))
	for _, to := range matched {
		if to == End || seen[to] {
			continue
		}
		seen[to] = true
		out = append(out, navigator.At(to))
	}
	return out, nil
}

// StepInfo describes the node at loc.
func (n *Navigator) StepInfo(def navigator.Definition, loc navigator.Location) (navigator.StepInfo, error) {
	_, idx, err := resolve(def)
	if err != nil {
		return navigator.StepInfo{}, err
	}
	node := idx.nodes[loc.ID]
	if node == nil {
		return navigator.StepInfo{}, fmt.Errorf("%w: %s", ErrUnknownNode, loc.ID)
	}
	return navigator.StepInfo{
		ID:       node.ID,
		Name:     node.Name,
		Kind:     node.Kind,
		Inputs:   node.Inputs,
		Metadata: node.Metadata,
	}, nil
}

// ConvergenceLocation returns the declared join for fork, or the closest
// node every branch reaches.
func (n *Navigator) ConvergenceLocation(def navigator.Definition, fork navigator.Location, branches []navigator.Location) (navigator.Location, bool) {
	g, idx, err := resolve(def)
	if err != nil {
		return navigator.Location{}, false
	}
	if join, ok := g.Joins[fork.ID]; ok {
		return navigator.At(join), true
	}

	ids := make([]string, len(branches))
	for i, b := range branches {
		ids[i] = b.ID
	}
	join := findJoin(ids, idx.succ)
	if join == "" {
		return navigator.Location{}, false
	}
	return navigator.At(join), true
}

// Decode is a loader decoder for graph routines.
func Decode(data []byte) (navigator.Definition, error) {
	return ParseJSON(data)
}

func resolve(def navigator.Definition) (*Graph, *index, error) {
	g, ok := def.(*Graph)
	if !ok || g == nil {
		return nil, nil, fmt.Errorf("%w: %T", ErrUnknownDialect, def)
	}
	idx, err := g.index()
	if err != nil {
		return nil, nil, err
	}
	return g, idx, nil
}
