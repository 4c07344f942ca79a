// Package graphnav is a small adjacency-list routine dialect ("graph") with
// conditional edges and fork/join convergence.
//
// A graph lists nodes and the edges between them. Every edge whose condition
// holds is followed, so two unconditional edges out of a node fork the run
// into branches. An edge with the condition "else" is followed only when no
// other edge out of the same node matched. Edges may target End to finish
// the routine.
//
//	id: review
//	start: draft
//	nodes:
//	  - id: draft
//	  - id: legal
//	  - id: finance
//	  - id: publish
//	edges:
//	  - {from: draft, to: legal}
//	  - {from: draft, to: finance}
//	  - {from: legal, to: publish}
//	  - {from: finance, to: publish}
//	  - {from: publish, to: END, when: "approved == true"}
//
// Branches forked at draft converge at publish. Convergence is inferred as
// the closest node every branch reaches, or declared explicitly in joins.
package graphnav

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// Type is the routine type this dialect is registered under.
const Type = "graph"

// End is the edge target that finishes a routine.
const End = "END"

// Else is the edge condition taken when no sibling condition matched.
const Else = "else"

// startID is the position before the first node. The engine executes the
// locations that follow the current one, so a run starts here and its first
// step is the graph's start node.
const startID = "__start__"

// Validation errors.
var (
	ErrNoStart        = errors.New("graph has no start node")
	ErrDuplicateNode  = errors.New("duplicate node")
	ErrReservedNodeID = errors.New("reserved node id")
	ErrUnknownNode    = errors.New("unknown node")
	ErrUnknownDialect = errors.New("definition is not a graph")
)

// Graph is a routine definition in the graph dialect.
type Graph struct {
	ID    string `json:"id" yaml:"id"`
	Start string `json:"start" yaml:"start"`
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
	// Joins maps a fork node to the node where its branches converge,
	// overriding inference.
	Joins map[string]string `json:"joins,omitempty" yaml:"joins,omitempty"`

	once   sync.Once
	idx    *index
	idxErr error
}

// Node is one step.
type Node struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Kind     string         `json:"kind,omitempty" yaml:"kind,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Edge connects two nodes, optionally under a condition.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
	When string `json:"when,omitempty" yaml:"when,omitempty"`
}

type index struct {
	nodes map[string]*Node
	out   map[string][]Edge
	// succ holds the static successors of each node, End excluded.
	succ map[string][]string
}

// ParseJSON decodes and validates a JSON graph.
func ParseJSON(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse graph json: %w", err)
	}
	return &g, g.Validate()
}

// ParseYAML decodes and validates a YAML graph.
func ParseYAML(data []byte) (*Graph, error) {
	var g Graph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse graph yaml: %w", err)
	}
	return &g, g.Validate()
}

// Validate checks the graph and builds its lookup index. The graph must not
// be modified afterwards.
func (g *Graph) Validate() error {
	_, err := g.index()
	return err
}

func (g *Graph) index() (*index, error) {
	g.once.Do(func() {
		g.idx, g.idxErr = g.build()
	})
	return g.idx, g.idxErr
}

func (g *Graph) build() (*index, error) {
	idx := &index{
		nodes: make(map[string]*Node, len(g.Nodes)),
		out:   make(map[string][]Edge),
		succ:  make(map[string][]string),
	}

	var errs []error
	for i := range g.Nodes {
		n := &g.Nodes[i]
		switch {
		case n.ID == "":
			errs = append(errs, fmt.Errorf("%w: node %d has no id", ErrUnknownNode, i))
			continue
		case n.ID == End || n.ID == startID:
			errs = append(errs, fmt.Errorf("%w: %s", ErrReservedNodeID, n.ID))
			continue
		case idx.nodes[n.ID] != nil:
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID))
			continue
		}
		idx.nodes[n.ID] = n
	}

	if g.Start == "" {
		errs = append(errs, ErrNoStart)
	} else if idx.nodes[g.Start] == nil {
		errs = append(errs, fmt.Errorf("%w: start %s", ErrUnknownNode, g.Start))
	}

	for _, e := range g.Edges {
		if idx.nodes[e.From] == nil {
			errs = append(errs, fmt.Errorf("%w: edge from %s", ErrUnknownNode, e.From))
			continue
		}
		if e.To != End && idx.nodes[e.To] == nil {
			errs = append(errs, fmt.Errorf("%w: edge %s -> %s", ErrUnknownNode, e.From, e.To))
			continue
		}
		idx.out[e.From] = append(idx.out[e.From], e)
		if e.To != End {
			idx.succ[e.From] = append(idx.succ[e.From], e.To)
		}
	}

	for fork, join := range g.Joins {
		if idx.nodes[fork] == nil || idx.nodes[join] == nil {
			errs = append(errs, fmt.Errorf("%w: join %s -> %s", ErrUnknownNode, fork, join))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return idx, nil
}

// findJoin returns the closest node reachable from every branch, found by
// intersecting the branches' reachable sets and searching breadth-first
// from the first branch.
func findJoin(branches []string, succ map[string][]string) string {
	if len(branches) == 0 {
		return ""
	}

	common := reachable(branches[0], succ)
	for _, b := range branches[1:] {
		other := reachable(b, succ)
		for n := range common {
			if !other[n] {
				delete(common, n)
			}
		}
	}
	if len(common) == 0 {
		return ""
	}
	return closest(branches[0], common, succ)
}

func reachable(start string, succ map[string][]string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range succ[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

func closest(start string, targets map[string]bool, succ map[string][]string) string {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if targets[cur] {
			return cur
		}
		for _, next := range succ[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return ""
}
