package derive

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftmile/featureserve/internal/model"
	"github.com/swiftmile/featureserve/internal/registry"
	"github.com/swiftmile/featureserve/internal/source"
)

var testNow = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func densityResult(rows ...source.Row) *source.Result {
	return &source.Result{SourceID: "operational_store", Rows: rows}
}

func TestQualifyRows(t *testing.T) {
	preds := []registry.Predicate{
		{Column: "outcode", Op: registry.OpNotEmpty},
		{Column: "density", Op: registry.OpPositive},
		{Column: "deleted", Op: registry.OpNotDeleted},
	}
	rows := []source.Row{
		{"outcode": "EC1", "density": 5100.0, "deleted": nil},    // keep
		{"outcode": " ", "density": 5100.0, "deleted": nil},      // empty outcode
		{"outcode": "EC2", "density": 0.0, "deleted": nil},       // non-positive
		{"outcode": "EC3", "density": 1200.0, "deleted": true},   // deleted
		{"outcode": "EC4", "density": 1200.0, "deleted": false},  // keep
		{"outcode": nil, "density": 1200.0, "deleted": nil},      // nil outcode
	}

	kept := QualifyRows(rows, preds)
	require.Len(t, kept, 2)
	assert.Equal(t, "EC1", kept[0]["outcode"])
	assert.Equal(t, "EC4", kept[1]["outcode"])
}

func TestQualifyRows_NoPredicates(t *testing.T) {
	rows := []source.Row{{"v": nil}}
	assert.Equal(t, rows, QualifyRows(rows, nil))
}

func TestDerive_Complete(t *testing.T) {
	def := registry.Definition{
		Feature:       "avg_population_density",
		SourceID:      "operational_store",
		OutputColumns: []string{"density_per_sq_km"},
		ValueColumn:   "density_per_sq_km",
		CacheTTL:      24 * time.Hour,
	}
	p := NewProcessor(nil).WithNow(fixedNow)

	rf, err := p.Derive(densityResult(source.Row{"density_per_sq_km": 3200.0}), def)
	require.NoError(t, err)
	assert.Equal(t, 3200.0, rf.Value)
	assert.Equal(t, model.QualityComplete, rf.Quality)
	assert.Equal(t, "operational_store", rf.Provenance)
	assert.Equal(t, testNow, rf.ResolvedAt)
	assert.Equal(t, testNow.Add(24*time.Hour), rf.ExpiresAt)
}

func TestDerive_ManyCardinalityCollectsValues(t *testing.T) {
	def := registry.Definition{
		Feature:       "route_outcodes",
		SourceID:      "operational_store",
		OutputColumns: []string{"outcode"},
		ValueColumn:   "outcode",
		Cardinality:   registry.CardinalityMany,
		CacheTTL:      time.Hour,
	}
	p := NewProcessor(nil).WithNow(fixedNow)

	rf, err := p.Derive(densityResult(
		source.Row{"outcode": "EC1"},
		source.Row{"outcode": "N7"},
		source.Row{"outcode": "SE5"},
	), def)
	require.NoError(t, err)
	assert.Equal(t, []any{"EC1", "N7", "SE5"}, rf.Value)
	assert.Equal(t, model.QualityComplete, rf.Quality)
}

func TestDerive_ClassifierFirstMatchWins(t *testing.T) {
	def := registry.Definition{
		Feature:       "building_type",
		SourceID:      "operational_store",
		OutputColumns: []string{"address_line"},
		ValueColumn:   "address_line",
		CacheTTL:      time.Hour,
	}
	rules := Rules{
		"building_type": {
			Classifier: &Classifier{
				Column: "address_line",
				Rules: []ClassRule{
					{Pattern: regexp.MustCompile(`\b(flat|apartment)\b`), Category: "flat"},
					{Pattern: regexp.MustCompile(`\bhouse\b`), Category: "house"},
				},
				Default: "house",
			},
		},
	}
	p := NewProcessor(rules).WithNow(fixedNow)

	// Matches both ladder rules; the earlier one wins.
	rf, err := p.Derive(densityResult(source.Row{"address_line": "Flat 3, Rose House"}), def)
	require.NoError(t, err)
	assert.Equal(t, "flat", rf.Value)

	rf, err = p.Derive(densityResult(source.Row{"address_line": "12 Acacia Avenue"}), def)
	require.NoError(t, err)
	assert.Equal(t, "house", rf.Value)
}

func TestDerive_TieringBoundaries(t *testing.T) {
	def := registry.Definition{
		Feature:       "density_tier",
		SourceID:      "operational_store",
		OutputColumns: []string{"density_per_sq_km"},
		ValueColumn:   "density_per_sq_km",
		CacheTTL:      time.Hour,
	}
	rules := Rules{
		"density_tier": {
			Tiering: &Tiering{
				Column: "density_per_sq_km",
				Mode:   TierGTE,
				Boundaries: []TierBoundary{
					{Threshold: 5000, Label: "high"},
					{Threshold: 1000, Label: "medium"},
				},
				Default: "low",
			},
		},
	}
	p := NewProcessor(rules).WithNow(fixedNow)

	cases := map[float64]string{
		5000.0:  "high", // boundary is inclusive
		4999.99: "medium",
		1000.0:  "medium",
		999.99:  "low",
		0.0:     "low",
	}
	for density, want := range cases {
		rf, err := p.Derive(densityResult(source.Row{"density_per_sq_km": density}), def)
		require.NoError(t, err)
		assert.Equal(t, want, rf.Value, "density %v", density)
	}
}

func TestDerive_DefaultSubstitution(t *testing.T) {
	def := registry.Definition{
		Feature:       "delay",
		SourceID:      "operational_store",
		OutputColumns: []string{"density", "floor"},
		ValueColumn:   "density",
		CacheTTL:      time.Hour,
	}
	rules := Rules{
		"delay": {Defaults: map[string]any{"density": 2500.0, "floor": 0}},
	}
	p := NewProcessor(rules).WithNow(fixedNow)

	// Primary value null → defaulted quality.
	rf, err := p.Derive(densityResult(source.Row{"density": nil, "floor": 2}), def)
	require.NoError(t, err)
	assert.Equal(t, 2500.0, rf.Value)
	assert.Equal(t, model.QualityDefaulted, rf.Quality)

	// Secondary component null → missing_component, value untouched.
	rf, err = p.Derive(densityResult(source.Row{"density": 3100.0, "floor": nil}), def)
	require.NoError(t, err)
	assert.Equal(t, 3100.0, rf.Value)
	assert.Equal(t, model.QualityMissingComponent, rf.Quality)
	assert.Equal(t, 0, rf.Components["floor"])
}

func TestDerive_NullValueWithoutDefault(t *testing.T) {
	def := registry.Definition{
		Feature:       "density",
		SourceID:      "operational_store",
		OutputColumns: []string{"density"},
		ValueColumn:   "density",
		CacheTTL:      time.Hour,
	}
	p := NewProcessor(nil).WithNow(fixedNow)

	_, err := p.Derive(densityResult(source.Row{"density": nil}), def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "null value column")
}

func TestDerive_MetricsRunLast(t *testing.T) {
	def := registry.Definition{
		Feature:       "estimated_handover_delay_seconds",
		SourceID:      "operational_store",
		OutputColumns: []string{"density"},
		ValueColumn:   "density",
		CacheTTL:      time.Hour,
	}
	rules := Rules{
		"estimated_handover_delay_seconds": {
			Defaults: map[string]any{"density": 2500.0},
			Metrics: []MetricRule{
				{
					Output:  "estimated_delay_seconds",
					Inputs:  []string{"density"},
					Compute: func(in map[string]float64) float64 { return 90 + in["density"]*0.018 },
					AsValue: true,
				},
			},
		},
	}
	p := NewProcessor(rules).WithNow(fixedNow)

	// Metric computes from the substituted default, never a raw null.
	rf, err := p.Derive(densityResult(source.Row{"density": nil}), def)
	require.NoError(t, err)
	assert.InDelta(t, 90+2500.0*0.018, rf.Value, 1e-9)
	assert.Equal(t, model.QualityDefaulted, rf.Quality)
}

func TestDerive_MetricCapped(t *testing.T) {
	def := registry.Definition{
		Feature:       "courier_route_index",
		SourceID:      "operational_store",
		OutputColumns: []string{"completed_routes"},
		ValueColumn:   "completed_routes",
		CacheTTL:      time.Hour,
	}
	rules := Rules{
		"courier_route_index": {
			Metrics: []MetricRule{
				{
					Output: "route_index",
					Inputs: []string{"completed_routes"},
					Compute: func(in map[string]float64) float64 {
						if in["completed_routes"] > 100 {
							return 100
						}
						return in["completed_routes"]
					},
					AsValue: true,
				},
			},
		},
	}
	p := NewProcessor(rules).WithNow(fixedNow)

	rf, err := p.Derive(densityResult(source.Row{"completed_routes": int64(250)}), def)
	require.NoError(t, err)
	assert.Equal(t, 100.0, rf.Value)

	rf, err = p.Derive(densityResult(source.Row{"completed_routes": int64(7)}), def)
	require.NoError(t, err)
	assert.Equal(t, 7.0, rf.Value)
}

func TestDefaultFeature(t *testing.T) {
	def := registry.Definition{
		Feature:  "avg_population_density",
		SourceID: "operational_store",
		CacheTTL: 24 * time.Hour,
	}
	p := NewProcessor(nil).WithNow(fixedNow)

	rf := p.DefaultFeature(def, 2500.0)
	assert.Equal(t, 2500.0, rf.Value)
	assert.Equal(t, model.ProvenanceDefault, rf.Provenance)
	assert.Equal(t, model.QualityDefaulted, rf.Quality)
	assert.Equal(t, testNow.Add(24*time.Hour), rf.ExpiresAt)
}

func TestTieringLTE(t *testing.T) {
	ti := &Tiering{
		Mode: TierLTE,
		Boundaries: []TierBoundary{
			{Threshold: 10, Label: "near"},
			{Threshold: 50, Label: "medium"},
		},
		Default: "far",
	}
	assert.Equal(t, "near", ti.Label(10))
	assert.Equal(t, "medium", ti.Label(10.01))
	assert.Equal(t, "far", ti.Label(51))
}
