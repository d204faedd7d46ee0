// Package model holds the shared types exchanged between the resolution
// engine's components: requests, bound queries, and resolved feature values.
package model

import "time"

// EntityType identifies the kind of entity a feature is resolved for.
type EntityType string

const (
	EntityShipment EntityType = "shipment"
	EntityRoute    EntityType = "route"
	EntityCourier  EntityType = "courier"
	EntityAddress  EntityType = "address"
)

// QualityStatus classifies the completeness of a resolved value.
type QualityStatus string

const (
	// QualityComplete means every declared component resolved from source data.
	QualityComplete QualityStatus = "complete"
	// QualityMissingComponent means a secondary component was substituted
	// with its declared default while the primary value came from a source.
	QualityMissingComponent QualityStatus = "missing_component"
	// QualityDefaulted means the primary value itself is a declared default.
	QualityDefaulted QualityStatus = "defaulted"
)

// ProvenanceDefault marks a value produced by a declared default rather
// than a resolver attempt.
const ProvenanceDefault = "default"

// FeatureRequest is a single inbound resolution request. It is immutable
// for the duration of the request.
type FeatureRequest struct {
	RequestID  string         `json:"request_id"`
	EntityType EntityType     `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Features   []string       `json:"features"`
	Params     map[string]any `json:"params,omitempty"`

	// StalenessTolerance caps the acceptable age of a cached value.
	// Zero means the resolver's own TTL governs freshness.
	StalenessTolerance time.Duration `json:"staleness_tolerance,omitempty"`

	// Timeout bounds the whole request end to end. Zero uses the engine default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// BoundQuery is a resolver statement with all placeholders substituted by
// an ordered argument list. It is built per execution attempt and never
// persisted. The statement uses the target store's native parameter markers,
// never inlined values.
type BoundQuery struct {
	SourceID  string
	Feature   string
	Statement string
	Args      []any
}

// ResolvedFeature is the final value for one (feature, entity) pair.
// A fresher value supersedes it in the cache; it is never mutated in place.
type ResolvedFeature struct {
	Feature    string         `json:"feature"`
	EntityID   string         `json:"entity_id"`
	Value      any            `json:"value"`
	Components map[string]any `json:"components,omitempty"`

	// Provenance names the source that produced the value, or "default".
	Provenance string        `json:"provenance"`
	Quality    QualityStatus `json:"quality_status"`
	FromCache  bool          `json:"from_cache,omitempty"`

	ResolvedAt time.Time `json:"resolved_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Age reports how old the value is relative to now.
func (rf *ResolvedFeature) Age(now time.Time) time.Duration {
	return now.Sub(rf.ResolvedAt)
}

// FeatureError describes a per-feature failure inside an otherwise
// successful request.
type FeatureError struct {
	Feature string `json:"feature"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes surfaced to callers.
const (
	CodeUnknownFeature   = "unknown_feature"
	CodeBinding          = "binding_error"
	CodeUnresolvable     = "unresolvable"
	CodeRequestTimeout   = "request_timeout"
	CodeDependencyFailed = "dependency_failed"
	CodeInternal         = "internal"
)

// Response maps requested feature names to resolved values, with failures
// isolated per feature rather than failing the request atomically.
type Response struct {
	RequestID  string                     `json:"request_id"`
	EntityType EntityType                 `json:"entity_type"`
	EntityID   string                     `json:"entity_id"`
	Features   map[string]ResolvedFeature `json:"features"`
	Errors     []FeatureError             `json:"errors,omitempty"`
}
