package registry

import (
	"fmt"
	"sort"

	"github.com/rotisserie/eris"
)

// ErrUnknownFeature is returned when no resolver is registered for a
// requested feature name.
var ErrUnknownFeature = eris.New("registry: unknown feature")

// DuplicatePriorityError reports two definitions for the same feature
// sharing a priority rank.
type DuplicatePriorityError struct {
	Feature  string
	Priority int
}

func (e *DuplicatePriorityError) Error() string {
	return fmt.Sprintf("registry: duplicate priority %d for feature %q", e.Priority, e.Feature)
}

// CyclicDependencyError reports a cycle in the feature dependency graph.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("registry: cyclic feature dependency: %v", e.Cycle)
}

type featureEntry struct {
	defs       []Definition // ascending priority
	defaultVal any
	hasDefault bool
	dependsOn  []string
}

// Registry is the immutable set of resolver definitions, keyed by feature.
type Registry struct {
	features map[string]*featureEntry
}

// New validates and freezes a set of definitions. It fails on duplicate
// (feature, priority) pairs, on a feature without a priority-0 primary,
// and on cycles in the cross-feature dependency graph.
func New(defs []Definition) (*Registry, error) {
	features := make(map[string]*featureEntry)

	for _, d := range defs {
		if d.Feature == "" {
			return nil, eris.New("registry: definition with empty feature name")
		}
		if d.SourceID == "" {
			return nil, eris.Errorf("registry: feature %q: definition with empty source id", d.Feature)
		}
		if d.Statement == "" {
			return nil, eris.Errorf("registry: feature %q: definition with empty statement", d.Feature)
		}
		if d.ValueColumn == "" {
			return nil, eris.Errorf("registry: feature %q: definition with empty value column", d.Feature)
		}
		if d.Cardinality == "" {
			d.Cardinality = CardinalityOne
		}

		entry := features[d.Feature]
		if entry == nil {
			entry = &featureEntry{}
			features[d.Feature] = entry
		}
		for _, existing := range entry.defs {
			if existing.Priority == d.Priority {
				return nil, &DuplicatePriorityError{Feature: d.Feature, Priority: d.Priority}
			}
		}
		entry.defs = append(entry.defs, d)
	}

	for name, entry := range features {
		sort.Slice(entry.defs, func(i, j int) bool {
			return entry.defs[i].Priority < entry.defs[j].Priority
		})
		if entry.defs[0].Priority != 0 {
			return nil, eris.Errorf("registry: feature %q has no priority-0 primary resolver", name)
		}
		if entry.defs[0].DefaultValue != nil {
			entry.defaultVal = entry.defs[0].DefaultValue
			entry.hasDefault = true
		}

		seen := make(map[string]bool)
		for _, d := range entry.defs {
			for _, dep := range d.DependsOn() {
				if !seen[dep] {
					seen[dep] = true
					entry.dependsOn = append(entry.dependsOn, dep)
				}
			}
		}
		sort.Strings(entry.dependsOn)
	}

	// Every upstream feature reference must itself be registered.
	for name, entry := range features {
		for _, dep := range entry.dependsOn {
			if _, ok := features[dep]; !ok {
				return nil, eris.Errorf("registry: feature %q depends on unregistered feature %q", name, dep)
			}
		}
	}

	r := &Registry{features: features}
	if cycle := r.findCycle(); cycle != nil {
		return nil, &CyclicDependencyError{Cycle: cycle}
	}
	return r, nil
}

// Lookup returns the resolver definitions for a feature in strictly
// ascending priority order.
func (r *Registry) Lookup(feature string) ([]Definition, error) {
	entry, ok := r.features[feature]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownFeature, "%q", feature)
	}
	return entry.defs, nil
}

// Default returns the declared default value for a feature, if any.
func (r *Registry) Default(feature string) (any, bool) {
	entry, ok := r.features[feature]
	if !ok {
		return nil, false
	}
	return entry.defaultVal, entry.hasDefault
}

// Dependencies returns the upstream features a feature binds from, sorted.
func (r *Registry) Dependencies(feature string) []string {
	entry, ok := r.features[feature]
	if !ok {
		return nil
	}
	return entry.dependsOn
}

// Features returns all registered feature names, sorted.
func (r *Registry) Features() []string {
	names := make([]string, 0, len(r.features))
	for name := range r.features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a feature is registered.
func (r *Registry) Has(feature string) bool {
	_, ok := r.features[feature]
	return ok
}

// findCycle runs a three-color DFS over the dependency graph and returns
// the first cycle found, or nil.
func (r *Registry) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(r.features))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = gray
		stack = append(stack, name)
		for _, dep := range r.features[name].dependsOn {
			switch color[dep] {
			case gray:
				// Found a back edge; slice the stack from the repeat.
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
				cycle = []string{dep, dep}
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return false
	}

	names := r.Features()
	for _, name := range names {
		if color[name] == white && visit(name) {
			return cycle
		}
	}
	return nil
}
