// Package binder resolves named placeholders in a resolver statement
// template against values carried on the request or produced by upstream
// features. It emits a statement plus an ordered argument list using the
// target store's native parameter markers; it never inlines values into
// the statement text.
package binder

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/swiftmile/featureserve/internal/model"
	"github.com/swiftmile/featureserve/internal/registry"
)

// Style selects the parameter marker dialect of the target store.
type Style int

const (
	// StyleDollar emits $1, $2, ... (Postgres wire protocol).
	StyleDollar Style = iota
	// StyleQuestion emits ? (database/sql drivers: SQLite, BigQuery).
	StyleQuestion
)

// UnboundParameterError reports a placeholder with no declared binding.
type UnboundParameterError struct {
	Feature string
	Param   string
}

func (e *UnboundParameterError) Error() string {
	return fmt.Sprintf("binder: feature %q: no binding for parameter %q", e.Feature, e.Param)
}

// MissingKeyError reports a nil or empty identifier value. A feature
// cannot be resolved for a caller who supplies no entity key.
type MissingKeyError struct {
	Feature string
	Param   string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("binder: feature %q: parameter %q has no value", e.Feature, e.Param)
}

// Bind substitutes every :name placeholder in the definition's statement,
// producing a BoundQuery for the given style. Placeholder values come from
// the request (entity id, named params) or from upstream resolved features.
func Bind(def registry.Definition, req *model.FeatureRequest, upstream map[string]model.ResolvedFeature, style Style) (*model.BoundQuery, error) {
	stmt, names, err := rewrite(def.Statement, style)
	if err != nil {
		return nil, err
	}

	args := make([]any, 0, len(names))
	for _, name := range names {
		spec, ok := def.ParamSpecFor(name)
		if !ok {
			return nil, &UnboundParameterError{Feature: def.Feature, Param: name}
		}

		raw, found := lookupValue(spec, req, upstream)
		if !found {
			return nil, &UnboundParameterError{Feature: def.Feature, Param: name}
		}
		if isEmpty(raw) {
			return nil, &MissingKeyError{Feature: def.Feature, Param: name}
		}

		coerced, err := coerce(raw, spec.Type)
		if err != nil {
			return nil, fmt.Errorf("binder: feature %q: parameter %q: %w", def.Feature, name, err)
		}
		args = append(args, coerced)
	}

	return &model.BoundQuery{
		SourceID:  def.SourceID,
		Feature:   def.Feature,
		Statement: stmt,
		Args:      args,
	}, nil
}

// lookupValue finds the raw value for a placeholder. Request-sourced
// parameters resolve "entity_id" to the request's entity key and anything
// else via the request's named params.
func lookupValue(spec registry.ParamSpec, req *model.FeatureRequest, upstream map[string]model.ResolvedFeature) (any, bool) {
	switch spec.From {
	case registry.FromFeature:
		rf, ok := upstream[spec.Feature]
		if !ok {
			return nil, false
		}
		return rf.Value, true
	default:
		if spec.Name == "entity_id" {
			return req.EntityID, true
		}
		v, ok := req.Params[spec.Name]
		return v, ok
	}
}

// rewrite scans the template once, replacing each :name placeholder with
// the style's marker and recording names in order of appearance. A "::"
// sequence is left untouched so Postgres casts survive.
func rewrite(template string, style Style) (string, []string, error) {
	var sb strings.Builder
	var names []string
	ordinal := 0

	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != ':' {
			sb.WriteByte(c)
			continue
		}
		// "::" is a cast, not a placeholder.
		if i+1 < len(template) && template[i+1] == ':' {
			sb.WriteString("::")
			i++
			continue
		}
		start := i + 1
		end := start
		for end < len(template) && isIdentChar(template[end]) {
			end++
		}
		if end == start {
			sb.WriteByte(c)
			continue
		}
		names = append(names, template[start:end])
		ordinal++
		switch style {
		case StyleQuestion:
			sb.WriteByte('?')
		default:
			sb.WriteString("$")
			sb.WriteString(strconv.Itoa(ordinal))
		}
		i = end - 1
	}

	return sb.String(), names, nil
}

func isIdentChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// coerce converts a raw value to the declared parameter type.
func coerce(v any, t registry.ParamType) (any, error) {
	switch t {
	case registry.TypeInt:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int64:
			return x, nil
		case float64:
			return int64(x), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("coerce %q to int: %w", x, err)
			}
			return n, nil
		}
	case registry.TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("coerce %q to float: %w", x, err)
			}
			return f, nil
		}
	case registry.TypeTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case string:
			ts, err := time.Parse(time.RFC3339, x)
			if err != nil {
				return nil, fmt.Errorf("coerce %q to timestamp: %w", x, err)
			}
			return ts, nil
		}
	default: // TypeString and unspecified
		switch x := v.(type) {
		case string:
			return x, nil
		default:
			return fmt.Sprintf("%v", x), nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", v, t)
}
