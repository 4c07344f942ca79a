package perf

import (
	"slices"

	"github.com/randalmurphal/runengine/pkg/runengine/navigator"
)

// PathOptimizer orders candidate locations using the latencies a Monitor
// has observed. It only ranks; callers decide whether to follow the order.
type PathOptimizer struct {
	monitor *Monitor
}

// NewPathOptimizer returns an optimizer reading from monitor. A nil monitor
// leaves every order unchanged.
func NewPathOptimizer(monitor *Monitor) *PathOptimizer {
	return &PathOptimizer{monitor: monitor}
}

// Order returns locs sorted by ascending mean latency. Locations without
// samples sort first, ties keep their input order.
func (o *PathOptimizer) Order(locs []navigator.Location) []navigator.Location {
	out := slices.Clone(locs)
	if o == nil || o.monitor == nil || len(out) < 2 {
		return out
	}
	stats := o.monitor.Snapshot()
	slices.SortStableFunc(out, func(a, b navigator.Location) int {
		ma, mb := stats[a.Key()].MeanMs(), stats[b.Key()].MeanMs()
		switch {
		case ma < mb:
			return -1
		case ma > mb:
			return 1
		}
		return 0
	})
	return out
}

// Fastest returns the location with the lowest observed mean latency.
func (o *PathOptimizer) Fastest(locs []navigator.Location) (navigator.Location, bool) {
	ordered := o.Order(locs)
	if len(ordered) == 0 {
		return navigator.Location{}, false
	}
	return ordered[0], true
}
