// Package derive post-processes source results into final feature values:
// data-quality filtering, first-match-wins classification, threshold
// tiering, default substitution, and derived business metrics. All rule
// tables are immutable configuration passed in at construction.
package derive

import (
	"regexp"
)

// ClassRule maps a pattern to a category. Rules are evaluated
// top-to-bottom and the first match wins, so order is part of the contract.
type ClassRule struct {
	Pattern  *regexp.Regexp
	Category string
}

// Classifier turns a string column into a category via an ordered rule
// ladder. Input is lowercased before matching. No match falls through to
// the declared default category.
type Classifier struct {
	Column  string
	Rules   []ClassRule
	Default string
	// Output names the component the category is written to. Empty means
	// the category becomes the feature's value.
	Output string
}

// TierMode selects which side of a boundary is inclusive.
type TierMode int

const (
	// TierGTE matches the first boundary the value is >= to; boundaries
	// are declared in descending threshold order.
	TierGTE TierMode = iota
	// TierLTE matches the first boundary the value is <= to; boundaries
	// are declared in ascending threshold order.
	TierLTE
)

// TierBoundary is one threshold → label step.
type TierBoundary struct {
	Threshold float64
	Label     string
}

// Tiering buckets a numeric column into an ordinal label. Boundary
// inclusivity follows Mode exactly as declared per feature.
type Tiering struct {
	Column     string
	Mode       TierMode
	Boundaries []TierBoundary
	Default    string
	// Output names the component the label is written to. Empty means the
	// label becomes the feature's value.
	Output string
}

// Label buckets a value through the boundaries.
func (t Tiering) Label(v float64) string {
	for _, b := range t.Boundaries {
		switch t.Mode {
		case TierLTE:
			if v <= b.Threshold {
				return b.Label
			}
		default:
			if v >= b.Threshold {
				return b.Label
			}
		}
	}
	return t.Default
}

// MetricRule computes a derived business metric from resolved or defaulted
// component values. Metrics run last, after all substitutions, so they
// never consume a raw null.
type MetricRule struct {
	Output string
	Inputs []string
	// Compute receives the named inputs as floats.
	Compute func(inputs map[string]float64) float64
	// AsValue promotes the metric to the feature's value.
	AsValue bool
}

// RuleSet is the post-processing configuration for one feature.
type RuleSet struct {
	Classifier *Classifier
	Tiering    *Tiering
	// Defaults substitutes still-null components after classification and
	// tiering, downgrading the quality status.
	Defaults map[string]any
	Metrics  []MetricRule
}

// Rules maps feature name to its rule set. Built once at startup.
type Rules map[string]RuleSet
