// Package registry holds declared resolver definitions and answers ordered
// lookups by feature name. A Registry is built once at startup and is
// read-only for the serving lifetime; reloading definitions means building
// a new Registry instance.
package registry

import (
	"time"
)

// ParamSource says where a statement placeholder's value comes from.
type ParamSource string

const (
	// FromRequest binds the placeholder from the inbound request
	// (entity id or a named request parameter).
	FromRequest ParamSource = "request"
	// FromFeature binds the placeholder from another feature resolved
	// earlier in the same request's dependency chain.
	FromFeature ParamSource = "feature"
)

// ParamType declares the coercion applied to a bound value.
type ParamType string

const (
	TypeString    ParamType = "string"
	TypeInt       ParamType = "int"
	TypeFloat     ParamType = "float"
	TypeTimestamp ParamType = "timestamp"
)

// ParamSpec declares one named placeholder of a resolver statement.
type ParamSpec struct {
	Name string      `yaml:"name"`
	Type ParamType   `yaml:"type"`
	From ParamSource `yaml:"from"`
	// Feature names the upstream feature when From is FromFeature.
	Feature string `yaml:"feature,omitempty"`
}

// PredicateOp is a data-quality check applied to a result column.
type PredicateOp string

const (
	OpNotNull    PredicateOp = "not_null"
	OpNotEmpty   PredicateOp = "not_empty"
	OpNotDeleted PredicateOp = "not_deleted"
	OpPositive   PredicateOp = "positive"
)

// Predicate is one declared data-quality condition. Rows failing any
// predicate are excluded before derivation.
type Predicate struct {
	Column string      `yaml:"column"`
	Op     PredicateOp `yaml:"op"`
}

// Cardinality declares how many rows a resolver is expected to return.
type Cardinality string

const (
	CardinalityOne  Cardinality = "one"
	CardinalityMany Cardinality = "many"
)

// Definition is one declared way of producing a feature's value from one
// backing store. Definitions are loaded at startup and never mutated.
type Definition struct {
	Feature  string `yaml:"feature"`
	SourceID string `yaml:"source_id"`

	// Priority ranks this definition among resolvers for the same feature.
	// Priority 0 is the primary; fallbacks strictly increase.
	Priority int `yaml:"priority"`

	// Statement is the parameterized template with :name placeholders.
	// It is never executed without going through the binder.
	Statement string      `yaml:"statement"`
	Params    []ParamSpec `yaml:"params,omitempty"`

	OutputColumns []string `yaml:"output_columns"`
	// ValueColumn names the column holding the feature's primary value.
	ValueColumn string `yaml:"value_column"`

	QualityPredicates []Predicate `yaml:"quality_predicates,omitempty"`
	Cardinality       Cardinality `yaml:"cardinality,omitempty"`

	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// DefaultValue is the feature's declared fallback-of-last-resort.
	// Only the priority-0 definition's default is honored.
	DefaultValue any `yaml:"default_value,omitempty"`
}

// ParamSpecFor returns the declared spec for a placeholder name.
func (d Definition) ParamSpecFor(name string) (ParamSpec, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// DependsOn lists the upstream features this definition binds from.
func (d Definition) DependsOn() []string {
	var deps []string
	for _, p := range d.Params {
		if p.From == FromFeature && p.Feature != "" {
			deps = append(deps, p.Feature)
		}
	}
	return deps
}
