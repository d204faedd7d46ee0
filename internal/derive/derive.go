package derive

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/swiftmile/featureserve/internal/model"
	"github.com/swiftmile/featureserve/internal/registry"
	"github.com/swiftmile/featureserve/internal/source"
)

// Processor applies post-processing rules to source results. It holds no
// mutable state; one instance serves all requests.
type Processor struct {
	rules   Rules
	nowFunc func() time.Time
}

// NewProcessor creates a processor with an immutable rule configuration.
func NewProcessor(rules Rules) *Processor {
	if rules == nil {
		rules = Rules{}
	}
	return &Processor{rules: rules, nowFunc: time.Now}
}

// WithNow sets a fixed clock for testing.
func (p *Processor) WithNow(now func() time.Time) *Processor {
	p.nowFunc = now
	return p
}

// QualifyRows excludes rows failing the definition's data-quality
// predicates. The router treats an emptied result as "zero qualifying
// rows" and moves to the next priority rather than returning null.
func QualifyRows(rows []source.Row, preds []registry.Predicate) []source.Row {
	if len(preds) == 0 {
		return rows
	}
	var out []source.Row
	for _, row := range rows {
		if rowQualifies(row, preds) {
			out = append(out, row)
		}
	}
	return out
}

func rowQualifies(row source.Row, preds []registry.Predicate) bool {
	for _, pred := range preds {
		v := row[pred.Column]
		switch pred.Op {
		case registry.OpNotNull:
			if v == nil {
				return false
			}
		case registry.OpNotEmpty:
			s, ok := v.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return false
			}
		case registry.OpNotDeleted:
			// Passes when the marker column is null or false.
			if v == nil {
				continue
			}
			if b, ok := v.(bool); ok && !b {
				continue
			}
			return false
		case registry.OpPositive:
			f, ok := toFloat(v)
			if !ok || f <= 0 {
				return false
			}
		}
	}
	return true
}

// Derive produces the final ResolvedFeature from a source result. Rows are
// assumed already qualified by the router; the declared predicates are
// applied again here so the function stands alone.
func (p *Processor) Derive(res *source.Result, def registry.Definition) (*model.ResolvedFeature, error) {
	rows := QualifyRows(res.Rows, def.QualityPredicates)
	if len(rows) == 0 {
		return nil, eris.Errorf("derive: feature %q: no qualifying rows from source %s", def.Feature, res.SourceID)
	}
	row := rows[0]

	components := make(map[string]any, len(def.OutputColumns))
	if len(def.OutputColumns) > 0 {
		for _, col := range def.OutputColumns {
			components[col] = row[col]
		}
	} else {
		for col, v := range row {
			components[col] = v
		}
	}

	value := row[def.ValueColumn]
	if def.Cardinality == registry.CardinalityMany {
		// A many-cardinality resolver yields the value column across every
		// qualifying row; components still come from the first row.
		vals := make([]any, 0, len(rows))
		for _, r := range rows {
			vals = append(vals, r[def.ValueColumn])
		}
		value = vals
	}
	quality := model.QualityComplete
	rs := p.rules[def.Feature]

	// Classification: ordered ladder, first match wins.
	if c := rs.Classifier; c != nil {
		category := c.Default
		if raw, ok := components[c.Column]; ok && raw != nil {
			input := strings.ToLower(strings.TrimSpace(toString(raw)))
			for _, rule := range c.Rules {
				if rule.Pattern.MatchString(input) {
					category = rule.Category
					break
				}
			}
		}
		if c.Output == "" {
			value = category
		} else {
			components[c.Output] = category
		}
	}

	// Tiering: threshold boundaries with declared inclusivity.
	if t := rs.Tiering; t != nil {
		label := t.Default
		if f, ok := toFloat(components[t.Column]); ok {
			label = t.Label(f)
		}
		if t.Output == "" {
			value = label
		} else {
			components[t.Output] = label
		}
	}

	// Default substitution for components still null. The quality status is
	// a first-class output: defaulting the primary value downgrades to
	// "defaulted", defaulting anything else to "missing_component".
	for col, dflt := range rs.Defaults {
		if components[col] != nil {
			continue
		}
		components[col] = dflt
		if col == def.ValueColumn && value == nil {
			value = dflt
			quality = model.QualityDefaulted
		} else if quality == model.QualityComplete {
			quality = model.QualityMissingComponent
		}
	}
	if value == nil {
		// Primary value null with no declared substitution: the row
		// qualified but the target column is unusable.
		return nil, eris.Errorf("derive: feature %q: null value column %q", def.Feature, def.ValueColumn)
	}

	// Derived metrics run last so they never consume a raw null.
	for _, m := range rs.Metrics {
		inputs := make(map[string]float64, len(m.Inputs))
		complete := true
		for _, in := range m.Inputs {
			f, ok := toFloat(components[in])
			if !ok {
				complete = false
				break
			}
			inputs[in] = f
		}
		if !complete {
			continue
		}
		derived := m.Compute(inputs)
		components[m.Output] = derived
		if m.AsValue {
			value = derived
		}
	}

	now := p.nowFunc()
	return &model.ResolvedFeature{
		Feature:    def.Feature,
		Value:      value,
		Components: components,
		Provenance: res.SourceID,
		Quality:    quality,
		ResolvedAt: now,
		ExpiresAt:  now.Add(def.CacheTTL),
	}, nil
}

// DefaultFeature builds the ResolvedFeature emitted when every resolver is
// exhausted and the feature declares a default.
func (p *Processor) DefaultFeature(def registry.Definition, dflt any) *model.ResolvedFeature {
	now := p.nowFunc()
	return &model.ResolvedFeature{
		Feature:    def.Feature,
		Value:      dflt,
		Provenance: model.ProvenanceDefault,
		Quality:    model.QualityDefaulted,
		ResolvedAt: now,
		ExpiresAt:  now.Add(def.CacheTTL),
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return stringify(x)
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
