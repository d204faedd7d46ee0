// Package router executes a feature's resolvers in strict priority order,
// falling over to the next priority on failure, timeout, or zero qualifying
// rows, and to the declared default once every resolver is exhausted.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/swiftmile/featureserve/internal/binder"
	"github.com/swiftmile/featureserve/internal/derive"
	"github.com/swiftmile/featureserve/internal/model"
	"github.com/swiftmile/featureserve/internal/registry"
	"github.com/swiftmile/featureserve/internal/resilience"
	"github.com/swiftmile/featureserve/internal/source"
)

// State is the router's position in the resolution state machine for one
// feature. Transitions: Pending → Trying(i) → {Succeeded, Fallback(i+1),
// Exhausted}.
type State int

const (
	StatePending State = iota
	StateTrying
	StateSucceeded
	StateFallback
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateTrying:
		return "trying"
	case StateSucceeded:
		return "succeeded"
	case StateFallback:
		return "fallback"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// UnresolvableFeatureError means every resolver failed or returned no
// qualifying data and the feature declares no default.
type UnresolvableFeatureError struct {
	Feature  string
	Attempts int
}

func (e *UnresolvableFeatureError) Error() string {
	return fmt.Sprintf("router: feature %q unresolvable after %d attempts", e.Feature, e.Attempts)
}

// Attempt records one resolver execution for provenance and telemetry.
type Attempt struct {
	SourceID  string        `json:"source_id"`
	Priority  int           `json:"priority"`
	Latency   time.Duration `json:"latency"`
	Rows      int           `json:"rows"`
	Qualified int           `json:"qualified"`
	Skipped   bool          `json:"skipped,omitempty"`
	Err       error         `json:"-"`
}

// Outcome is the result of routing one feature. Exactly one of the
// following holds: Result is set (a resolver succeeded), or Defaulted is
// true (exhausted with a declared default).
type Outcome struct {
	Feature    string
	State      State
	Definition registry.Definition
	Result     *source.Result
	Defaulted  bool
	Default    any
	Attempts   []Attempt
}

// Router drives the priority fallback state machine. Resolver attempts for
// one feature are strictly sequential; speculative dual-issue against a
// lower-priority source is deliberately not done, to avoid doubling load
// on the backing stores.
type Router struct {
	reg      *registry.Registry
	clients  map[string]source.Client
	breakers *resilience.SourceBreakers
}

// New creates a router over the given source clients. It fails if any
// registered definition names a source with no client, so misconfiguration
// surfaces at startup rather than at request time.
func New(reg *registry.Registry, clients map[string]source.Client, breakers *resilience.SourceBreakers) (*Router, error) {
	for _, feature := range reg.Features() {
		defs, err := reg.Lookup(feature)
		if err != nil {
			return nil, err
		}
		for _, d := range defs {
			if _, ok := clients[d.SourceID]; !ok {
				return nil, fmt.Errorf("router: feature %q: no client for source %q", feature, d.SourceID)
			}
		}
	}
	if breakers == nil {
		breakers = resilience.NewSourceBreakers(resilience.DefaultBreakerConfig())
	}
	return &Router{reg: reg, clients: clients, breakers: breakers}, nil
}

// Breakers exposes the per-source circuit breakers for health reporting.
func (r *Router) Breakers() *resilience.SourceBreakers { return r.breakers }

// Route resolves one feature for the request, walking definitions in
// ascending priority. Rows failing the definition's quality predicates
// count as zero qualifying rows and trigger the fallback transition, as
// does a multi-row result from a declared single-row resolver.
func (r *Router) Route(ctx context.Context, req *model.FeatureRequest, feature string, upstream map[string]model.ResolvedFeature) (*Outcome, error) {
	defs, err := r.reg.Lookup(feature)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Feature: feature, State: StatePending}
	var firstBindErr error
	bindFailures := 0

	for _, def := range defs {
		out.State = StateTrying
		attempt := Attempt{SourceID: def.SourceID, Priority: def.Priority}

		client := r.clients[def.SourceID]
		breaker := r.breakers.Get(def.SourceID)
		if berr := breaker.Allow(); berr != nil {
			attempt.Skipped = true
			attempt.Err = berr
			out.Attempts = append(out.Attempts, attempt)
			out.State = StateFallback
			zap.L().Debug("router: source skipped, circuit open",
				zap.String("feature", feature),
				zap.String("source", def.SourceID),
			)
			continue
		}

		q, berr := binder.Bind(def, req, upstream, client.PlaceholderStyle())
		if berr != nil {
			// A fallback with different parameters may still bind; only if
			// every definition fails to bind is the binding error surfaced.
			attempt.Err = berr
			out.Attempts = append(out.Attempts, attempt)
			bindFailures++
			if firstBindErr == nil {
				firstBindErr = berr
			}
			out.State = StateFallback
			continue
		}

		execCtx, cancel := context.WithTimeout(ctx, def.Timeout)
		res, execErr := client.Execute(execCtx, *q)
		cancel()
		breaker.Record(execErr)

		if execErr != nil {
			attempt.Err = execErr
			if res != nil {
				attempt.Latency = res.Latency
			}
			out.Attempts = append(out.Attempts, attempt)
			out.State = StateFallback
			zap.L().Warn("router: resolver attempt failed",
				zap.String("feature", feature),
				zap.String("source", def.SourceID),
				zap.Int("priority", def.Priority),
				zap.Error(execErr),
			)
			continue
		}

		attempt.Latency = res.Latency
		attempt.Rows = len(res.Rows)
		qualified := derive.QualifyRows(res.Rows, def.QualityPredicates)
		attempt.Qualified = len(qualified)
		out.Attempts = append(out.Attempts, attempt)

		if len(qualified) == 0 {
			out.State = StateFallback
			zap.L().Debug("router: zero qualifying rows",
				zap.String("feature", feature),
				zap.String("source", def.SourceID),
				zap.Int("raw_rows", len(res.Rows)),
			)
			continue
		}

		// A single-row resolver returning several qualified rows is
		// ambiguous data, treated like no data at all.
		if def.Cardinality != registry.CardinalityMany && len(qualified) > 1 {
			out.State = StateFallback
			zap.L().Debug("router: ambiguous result for single-row resolver",
				zap.String("feature", feature),
				zap.String("source", def.SourceID),
				zap.Int("qualified", len(qualified)),
			)
			continue
		}

		out.State = StateSucceeded
		out.Definition = def
		out.Result = &source.Result{SourceID: res.SourceID, Rows: qualified, Latency: res.Latency}
		return out, nil
	}

	out.State = StateExhausted

	// Every definition failed to bind: this is a caller problem, not a
	// data gap, so the declared default does not apply.
	if bindFailures == len(defs) && firstBindErr != nil {
		return nil, firstBindErr
	}

	if dflt, ok := r.reg.Default(feature); ok {
		out.Defaulted = true
		out.Default = dflt
		out.Definition = defs[0]
		zap.L().Info("router: feature defaulted after exhaustion",
			zap.String("feature", feature),
			zap.Int("attempts", len(out.Attempts)),
		)
		return out, nil
	}

	// Propagate a request-level timeout distinctly so the engine can
	// report RequestTimeoutError instead of unresolvable.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, &UnresolvableFeatureError{Feature: feature, Attempts: len(out.Attempts)}
}

// IsBindingError reports whether err is a parameter binding failure.
func IsBindingError(err error) bool {
	var ub *binder.UnboundParameterError
	var mk *binder.MissingKeyError
	return errors.As(err, &ub) || errors.As(err, &mk)
}
