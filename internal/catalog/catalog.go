// Package catalog declares the built-in last-mile delivery feature set:
// resolver definitions against the operational store, the analytical
// warehouse, and the embedded reference store, plus the derivation rules
// for classification, tiering, and business-impact estimates.
package catalog

import (
	"regexp"
	"time"

	"github.com/swiftmile/featureserve/internal/derive"
	"github.com/swiftmile/featureserve/internal/registry"
)

// Source identifiers the catalog resolves against.
const (
	SourceOperational = "operational_store"
	SourceAnalytical  = "analytical_warehouse"
	SourceEmbedded    = "embedded_reference"
)

// Feature names.
const (
	FeaturePitstopOutcode    = "collection_pitstop_outcode"
	FeaturePopulationDensity = "avg_population_density"
	FeatureDensityTier       = "density_tier"
	FeatureBuildingType      = "building_type_handover_complexity"
	FeatureVehicleType       = "courier_transport_vehicle_type"
	FeatureExperienceLevel   = "courier_experience_level"
	FeatureRouteIndex        = "courier_route_index"
	FeatureTotalShipments    = "composition_total_shipments"
	FeatureRemainingBurden   = "remaining_parcels_burden"
	FeatureTimeOfDay         = "time_of_day"
	FeatureFloorNumber       = "estimated_floor_number"
	FeatureHandoverDelayEst  = "estimated_handover_delay_seconds"
)

// DefaultPopulationDensity substitutes for areas with no census coverage.
const DefaultPopulationDensity = 2500.0

// RouteIndexCap bounds the courier route count fed to the model.
const RouteIndexCap = 100.0

// Definitions returns the built-in resolver definitions.
func Definitions() []registry.Definition {
	return []registry.Definition{
		// Pitstop postcode → outcode, from the operational store with an
		// embedded reference fallback for pitstops not yet synced.
		{
			Feature:  FeaturePitstopOutcode,
			SourceID: SourceOperational,
			Priority: 0,
			Statement: `SELECT split_part(p.postcode, ' ', 1) AS outcode
FROM routes r
JOIN pitstops p ON p.pitstop_uid = r.collection_pitstop_uid
WHERE r.route_uid = :entity_id`,
			Params: []registry.ParamSpec{
				{Name: "entity_id", Type: registry.TypeString, From: registry.FromRequest},
			},
			OutputColumns:     []string{"outcode"},
			ValueColumn:       "outcode",
			QualityPredicates: []registry.Predicate{{Column: "outcode", Op: registry.OpNotEmpty}},
			Timeout:           150 * time.Millisecond,
			CacheTTL:          6 * time.Hour,
		},
		{
			Feature:  FeaturePitstopOutcode,
			SourceID: SourceEmbedded,
			Priority: 1,
			Statement: `SELECT outcode FROM pitstop_outcodes WHERE route_uid = :entity_id`,
			Params: []registry.ParamSpec{
				{Name: "entity_id", Type: registry.TypeString, From: registry.FromRequest},
			},
			OutputColumns:     []string{"outcode"},
			ValueColumn:       "outcode",
			QualityPredicates: []registry.Predicate{{Column: "outcode", Op: registry.OpNotEmpty}},
			Timeout:           50 * time.Millisecond,
			CacheTTL:          6 * time.Hour,
		},

		// Population density per outcode. The nightly snapshot in the
		// operational store is the low-latency primary; the warehouse is
		// the fallback when the snapshot is missing the outcode or the
		// primary has operational issues.
		{
			Feature:  FeaturePopulationDensity,
			SourceID: SourceOperational,
			Priority: 0,
			Statement: `SELECT density_per_sq_km FROM outcode_density_snapshot
WHERE outcode = :outcode AND NOT stale`,
			Params: []registry.ParamSpec{
				{Name: "outcode", Type: registry.TypeString, From: registry.FromFeature, Feature: FeaturePitstopOutcode},
			},
			OutputColumns:     []string{"density_per_sq_km"},
			ValueColumn:       "density_per_sq_km",
			QualityPredicates: []registry.Predicate{{Column: "density_per_sq_km", Op: registry.OpPositive}},
			Timeout:           150 * time.Millisecond,
			CacheTTL:          24 * time.Hour,
			DefaultValue:      DefaultPopulationDensity,
		},
		{
			Feature:  FeaturePopulationDensity,
			SourceID: SourceAnalytical,
			Priority: 1,
			Statement: `SELECT density_per_sq_km FROM census.area_population
WHERE outcode = :outcode`,
			Params: []registry.ParamSpec{
				{Name: "outcode", Type: registry.TypeString, From: registry.FromFeature, Feature: FeaturePitstopOutcode},
			},
			OutputColumns:     []string{"density_per_sq_km"},
			ValueColumn:       "density_per_sq_km",
			QualityPredicates: []registry.Predicate{{Column: "density_per_sq_km", Op: registry.OpPositive}},
			Timeout:           800 * time.Millisecond,
			CacheTTL:          24 * time.Hour,
		},

		// Density tier shares the density lookup chain; tiering rules turn
		// the numeric value into the ordinal label.
		{
			Feature:  FeatureDensityTier,
			SourceID: SourceOperational,
			Priority: 0,
			Statement: `SELECT density_per_sq_km FROM outcode_density_snapshot
WHERE outcode = :outcode AND NOT stale`,
			Params: []registry.ParamSpec{
				{Name: "outcode", Type: registry.TypeString, From: registry.FromFeature, Feature: FeaturePitstopOutcode},
			},
			OutputColumns:     []string{"density_per_sq_km"},
			ValueColumn:       "density_per_sq_km",
			QualityPredicates: []registry.Predicate{{Column: "density_per_sq_km", Op: registry.OpPositive}},
			Timeout:           150 * time.Millisecond,
			CacheTTL:          24 * time.Hour,
			DefaultValue:      "medium",
		},
		{
			Feature:  FeatureDensityTier,
			SourceID: SourceAnalytical,
			Priority: 1,
			Statement: `SELECT density_per_sq_km FROM census.area_population
WHERE outcode = :outcode`,
			Params: []registry.ParamSpec{
				{Name: "outcode", Type: registry.TypeString, From: registry.FromFeature, Feature: FeaturePitstopOutcode},
			},
			OutputColumns:     []string{"density_per_sq_km"},
			ValueColumn:       "density_per_sq_km",
			QualityPredicates: []registry.Predicate{{Column: "density_per_sq_km", Op: registry.OpPositive}},
			Timeout:           800 * time.Millisecond,
			CacheTTL:          24 * time.Hour,
		},

		// Building handover complexity from the destination address line.
		{
			Feature:  FeatureBuildingType,
			SourceID: SourceOperational,
			Priority: 0,
			Statement: `SELECT destination_address_line1 AS address_line
FROM shipments
WHERE shipment_uid = :entity_id AND deleted_at IS NULL`,
			Params: []registry.ParamSpec{
				{Name: "entity_id", Type: registry.TypeString, From: registry.FromRequest},
			},
			OutputColumns:     []string{"address_line"},
			ValueColumn:       "address_line",
			QualityPredicates: []registry.Predicate{{Column: "address_line", Op: registry.OpNotEmpty}},
			Timeout:           150 * time.Millisecond,
			CacheTTL:          12 * time.Hour,
		},

		// Courier vehicle type, normalized to the model's enum.
		{
			Feature:  FeatureVehicleType,
			SourceID: SourceOperational,
			Priority: 0,
			Statement: `SELECT transport_vehicle_type AS vehicle
FROM couriers
WHERE courier_uid = :entity_id`,
			Params: []registry.ParamSpec{
				{Name: "entity_id", Type: registry.TypeString, From: registry.FromRequest},
			},
			OutputColumns:     []string{"vehicle"},
			ValueColumn:       "vehicle",
			QualityPredicates: []registry.Predicate{{Column: "vehicle", Op: registry.OpNotEmpty}},
			Timeout:           150 * time.Millisecond,
			CacheTTL:          12 * time.Hour,
			DefaultValue:      "car",
		},

		// Courier experience, tiered from completed route count.
		{
			Feature:  FeatureExperienceLevel,
			SourceID: SourceOperational,
			Priority: 0,
			Statement: `SELECT COUNT(*) AS completed_routes
FROM routes
WHERE courier_uid = :entity_id AND completed_at IS NOT NULL`,
			Params: []registry.ParamSpec{
				{Name: "entity_id", Type: registry.TypeString, From: registry.FromRequest},
			},
			OutputColumns: []string{"completed_routes"},
			ValueColumn:   "completed_routes",
			Timeout:       200 * time.Millisecond,
			CacheTTL:      6 * time.Hour,
		},

		// Route count capped for the model.
		{
			Feature:  FeatureRouteIndex,
			SourceID: SourceOperational,
			Priority: 0,
			Statement: `SELECT COUNT(*) AS completed_routes
FROM routes
WHERE courier_uid = :entity_id AND completed_at IS NOT NULL`,
			Params: []registry.ParamSpec{
				{Name: "entity_id", Type: registry.TypeString, From: registry.FromRequest},
			},
			OutputColumns: []string{"completed_routes"},
			ValueColumn:   "completed_routes",
			Timeout:       200 * time.Millisecond,
			CacheTTL:      6 * time.Hour,
		},

		// Route composition.
		{
			Feature:  FeatureTotalShipments,
			SourceID: SourceOperational,
			Priority: 0,
			Statement: `SELECT COUNT(*) AS total_shipments
FROM shipments
WHERE route_uid = :entity_id AND deleted_at IS NULL`,
			Params: []registry.ParamSpec{
				{Name: "entity_id", Type: registry.TypeString, From: registry.FromRequest},
			},
			OutputColumns: []string{"total_shipments"},
			ValueColumn:   "total_shipments",
			Timeout:       200 * time.Millisecond,
			CacheTTL:      time.Hour,
		},

		// Parcels left on the route after this shipment's stop.
		{
			Feature:  FeatureRemainingBurden,
			SourceID: SourceOperational,
			Priority: 0,
			Statement: `SELECT COUNT(*) AS remaining
FROM shipments s
JOIN shipments target ON target.route_uid = s.route_uid
WHERE target.shipment_uid = :entity_id
  AND s.deleted_at IS NULL
  AND s.sequence_number > target.sequence_number`,
			Params: []registry.ParamSpec{
				{Name: "entity_id", Type: registry.TypeString, From: registry.FromRequest},
			},
			OutputColumns: []string{"remaining"},
			ValueColumn:   "remaining",
			Timeout:       200 * time.Millisecond,
			CacheTTL:      5 * time.Minute,
		},

		// Destination floor, defaulting to ground level when the address
		// parser produced nothing.
		{
			Feature:  FeatureFloorNumber,
			SourceID: SourceOperational,
			Priority: 0,
			Statement: `SELECT estimated_floor_number AS floor
FROM shipments
WHERE shipment_uid = :entity_id AND deleted_at IS NULL`,
			Params: []registry.ParamSpec{
				{Name: "entity_id", Type: registry.TypeString, From: registry.FromRequest},
			},
			OutputColumns: []string{"floor"},
			ValueColumn:   "floor",
			Timeout:       150 * time.Millisecond,
			CacheTTL:      12 * time.Hour,
			DefaultValue:  0,
		},

		// Hour of day from the route's planned start.
		{
			Feature:  FeatureTimeOfDay,
			SourceID: SourceOperational,
			Priority: 0,
			Statement: `SELECT EXTRACT(HOUR FROM target_start_at_local)::int AS hour_of_day
FROM routes
WHERE route_uid = :entity_id`,
			Params: []registry.ParamSpec{
				{Name: "entity_id", Type: registry.TypeString, From: registry.FromRequest},
			},
			OutputColumns:     []string{"hour_of_day"},
			ValueColumn:       "hour_of_day",
			QualityPredicates: []registry.Predicate{{Column: "hour_of_day", Op: registry.OpNotNull}},
			Timeout:           150 * time.Millisecond,
			CacheTTL:          6 * time.Hour,
		},

		// Handover delay estimate derived from population density. The
		// statement echoes the upstream value so the metric rules run on a
		// qualified row; density falls back to its declared default first.
		{
			Feature:  FeatureHandoverDelayEst,
			SourceID: SourceOperational,
			Priority: 0,
			Statement: `SELECT :density::float8 AS density`,
			Params: []registry.ParamSpec{
				{Name: "density", Type: registry.TypeFloat, From: registry.FromFeature, Feature: FeaturePopulationDensity},
			},
			OutputColumns:     []string{"density"},
			ValueColumn:       "density",
			QualityPredicates: []registry.Predicate{{Column: "density", Op: registry.OpPositive}},
			Timeout:           100 * time.Millisecond,
			CacheTTL:          time.Hour,
		},
	}
}

// Rules returns the built-in post-processing configuration.
func Rules() derive.Rules {
	return derive.Rules{
		FeatureDensityTier: {
			Tiering: &derive.Tiering{
				Column: "density_per_sq_km",
				Mode:   derive.TierGTE,
				Boundaries: []derive.TierBoundary{
					{Threshold: 5000, Label: "high"},
					{Threshold: 1000, Label: "medium"},
				},
				Default: "low",
			},
		},
		FeatureBuildingType: {
			// Order matters: an address mentioning both a flat marker and
			// "house" classifies by the earlier rule.
			Classifier: &derive.Classifier{
				Column: "address_line",
				Rules: []derive.ClassRule{
					{Pattern: regexp.MustCompile(`\b(flat|apartment|apt\.?|unit|suite)\b`), Category: "flat"},
					{Pattern: regexp.MustCompile(`\b(floor|level|block|tower)\b`), Category: "flat"},
					{Pattern: regexp.MustCompile(`\b(house|bungalow|cottage|villa)\b`), Category: "house"},
				},
				Default: "house",
			},
		},
		FeatureVehicleType: {
			Classifier: &derive.Classifier{
				Column: "vehicle",
				Rules: []derive.ClassRule{
					{Pattern: regexp.MustCompile(`^car$|automobile`), Category: "car"},
					{Pattern: regexp.MustCompile(`moped|scooter`), Category: "moped"},
					{Pattern: regexp.MustCompile(`e.?bike|electric`), Category: "ebike"},
					{Pattern: regexp.MustCompile(`van|truck`), Category: "van"},
				},
				Default: "car",
			},
		},
		FeatureExperienceLevel: {
			Tiering: &derive.Tiering{
				Column: "completed_routes",
				Mode:   derive.TierGTE,
				Boundaries: []derive.TierBoundary{
					{Threshold: 50, Label: "experienced"},
					{Threshold: 10, Label: "intermediate"},
				},
				Default: "novice",
			},
		},
		FeatureRouteIndex: {
			Metrics: []derive.MetricRule{
				{
					Output: "route_index",
					Inputs: []string{"completed_routes"},
					Compute: func(in map[string]float64) float64 {
						if in["completed_routes"] > RouteIndexCap {
							return RouteIndexCap
						}
						return in["completed_routes"]
					},
					AsValue: true,
				},
			},
		},
		FeatureFloorNumber: {
			Defaults: map[string]any{"floor": 0},
		},
		FeatureHandoverDelayEst: {
			Defaults: map[string]any{"density": DefaultPopulationDensity},
			Metrics: []derive.MetricRule{
				{
					Output: "estimated_delay_seconds",
					Inputs: []string{"density"},
					// Denser areas mean harder parking and more shared
					// entrances; scale calibrated on historical handover
					// durations.
					Compute: func(in map[string]float64) float64 {
						return 90 + in["density"]*0.018
					},
					AsValue: true,
				},
			},
		},
	}
}
