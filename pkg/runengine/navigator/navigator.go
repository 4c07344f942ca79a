// Package navigator defines the capability interface the run engine uses to
// walk a routine definition without knowing its authoring format.
//
// A Navigator is a pure query object: it never mutates a run, never executes
// steps, and only hands out Locations that it can later interpret again.
package navigator

import (
	"strings"
)

// Definition is a routine definition in whatever shape its dialect uses.
// Only the Navigator registered for the routine's type inspects it.
type Definition any

// Location is an opaque pointer to a position inside a routine definition.
// The engine stores and compares Locations but never constructs them; only
// the issuing Navigator gives them meaning.
type Location struct {
	// ID identifies the position (usually a node or step identifier).
	ID string `json:"id"`
	// Path holds the enclosing positions for nested definitions, outermost first.
	Path []string `json:"path,omitempty"`
}

// At returns a Location for id nested under path.
func At(id string, path ...string) Location {
	loc := Location{ID: id}
	if len(path) > 0 {
		loc.Path = append([]string(nil), path...)
	}
	return loc
}

// Key returns a stable string form of the location, suitable for map keys.
func (l Location) Key() string {
	if len(l.Path) == 0 {
		return l.ID
	}
	return strings.Join(l.Path, "/") + "/" + l.ID
}

// IsZero reports whether the location was never assigned.
func (l Location) IsZero() bool {
	return l.ID == "" && len(l.Path) == 0
}

// Equal reports whether two locations point at the same position.
func (l Location) Equal(other Location) bool {
	return l.Key() == other.Key()
}

// String implements fmt.Stringer.
func (l Location) String() string {
	return l.Key()
}

// Clone returns a copy that shares no memory with l.
func (l Location) Clone() Location {
	return At(l.ID, l.Path...)
}

// StepInfo describes the step found at a Location.
type StepInfo struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Kind     string         `json:"kind,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Navigator interprets one routine dialect.
//
// Implementations must be safe for concurrent use: branches of a run query
// the same Navigator from several goroutines.
type Navigator interface {
	// CanNavigate reports whether the navigator understands def.
	CanNavigate(def Definition) bool

	// StartLocation returns the position a new run starts at.
	StartLocation(def Definition) (Location, error)

	// IsEndLocation reports whether loc terminates the routine.
	IsEndLocation(def Definition, loc Location) bool

	// NextLocations returns the positions reachable from loc given the
	// current variables. An empty result means the routine is finished;
	// more than one result means execution diverges into branches.
	NextLocations(def Definition, loc Location, vars map[string]any) ([]Location, error)

	// StepInfo describes the step at loc.
	StepInfo(def Definition, loc Location) (StepInfo, error)
}

// JoinResolver is implemented by navigators whose dialect declares where
// parallel branches converge. Navigators without it make every divergence
// terminal: branches run to their ends and the run completes once they merge.
type JoinResolver interface {
	// ConvergenceLocation returns the location where branches started from
	// fork meet again. ok is false when they never converge.
	ConvergenceLocation(def Definition, fork Location, branches []Location) (join Location, ok bool)
}

// Bound pairs a Navigator with the definition it was resolved for so callers
// do not have to thread the definition through every query.
type Bound struct {
	Navigator  Navigator
	Definition Definition
}

// Bind returns nav bound to def.
func Bind(nav Navigator, def Definition) Bound {
	return Bound{Navigator: nav, Definition: def}
}

// Start returns the start location of the bound definition.
func (b Bound) Start() (Location, error) {
	return b.Navigator.StartLocation(b.Definition)
}

// IsEnd reports whether loc terminates the bound definition.
func (b Bound) IsEnd(loc Location) bool {
	return b.Navigator.IsEndLocation(b.Definition, loc)
}

// Next returns the locations following loc.
func (b Bound) Next(loc Location, vars map[string]any) ([]Location, error) {
	return b.Navigator.NextLocations(b.Definition, loc, vars)
}

// Step describes the step at loc.
func (b Bound) Step(loc Location) (StepInfo, error) {
	return b.Navigator.StepInfo(b.Definition, loc)
}

// Join returns the convergence location for a divergence at fork, if the
// navigator declares one.
func (b Bound) Join(fork Location, branches []Location) (Location, bool) {
	jr, ok := b.Navigator.(JoinResolver)
	if !ok {
		return Location{}, false
	}
	return jr.ConvergenceLocation(b.Definition, fork, branches)
}
