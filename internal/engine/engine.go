// Package engine orchestrates feature resolution: cache check, dependency
// ordering, routing, post-processing, and cache write-back. Each request is
// handled independently; failures are isolated per feature so a
// multi-feature request returns a partial success map rather than failing
// atomically.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/swiftmile/featureserve/internal/cache"
	"github.com/swiftmile/featureserve/internal/derive"
	"github.com/swiftmile/featureserve/internal/model"
	"github.com/swiftmile/featureserve/internal/monitoring"
	"github.com/swiftmile/featureserve/internal/registry"
	"github.com/swiftmile/featureserve/internal/router"
)

// ErrMissingEntityID is returned when a request carries no entity key.
var ErrMissingEntityID = eris.New("engine: request has no entity id")

const defaultRequestTimeout = 2 * time.Second

// Engine is the request-scoped resolution orchestrator. It is safe for
// concurrent use; the registry and rule tables are read-only and the cache
// is the only shared mutable structure.
type Engine struct {
	reg       *registry.Registry
	router    *router.Router
	proc      *derive.Processor
	cache     cache.Cache
	collector *monitoring.Collector

	// flight coalesces concurrent resolutions of the same (feature,
	// entity) key into a single router execution.
	flight singleflight.Group

	requestTimeout time.Duration
	nowFunc        func() time.Time
}

// New assembles an engine. collector may be nil.
func New(reg *registry.Registry, rt *router.Router, proc *derive.Processor, c cache.Cache, collector *monitoring.Collector, requestTimeout time.Duration) *Engine {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &Engine{
		reg:            reg,
		router:         rt,
		proc:           proc,
		cache:          c,
		collector:      collector,
		requestTimeout: requestTimeout,
		nowFunc:        time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.nowFunc = now
	return e
}

// Resolve computes every requested feature for the entity. Features with
// independent dependency chains resolve concurrently; a feature whose
// binder consumes another feature's value waits for that upstream value.
func (e *Engine) Resolve(ctx context.Context, req model.FeatureRequest) (*model.Response, error) {
	if req.EntityID == "" {
		return nil, ErrMissingEntityID
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.requestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp := &model.Response{
		RequestID:  req.RequestID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Features:   make(map[string]model.ResolvedFeature, len(req.Features)),
	}

	requested := make(map[string]bool, len(req.Features))
	var known []string
	for _, f := range req.Features {
		if requested[f] {
			continue
		}
		requested[f] = true
		if !e.reg.Has(f) {
			resp.Errors = append(resp.Errors, model.FeatureError{
				Feature: f,
				Code:    model.CodeUnknownFeature,
				Message: "no resolver registered",
			})
			continue
		}
		known = append(known, f)
	}

	layers := e.layer(known)

	var mu sync.Mutex
	resolved := make(map[string]model.ResolvedFeature)
	failed := make(map[string]model.FeatureError)

	for _, layer := range layers {
		g, gCtx := errgroup.WithContext(ctx)
		for _, feature := range layer {
			g.Go(func() error {
				mu.Lock()
				// Fail fast when an upstream dependency already failed.
				var depErr *model.FeatureError
				for _, dep := range e.reg.Dependencies(feature) {
					if fe, ok := failed[dep]; ok {
						depErr = &fe
						break
					}
				}
				upstream := make(map[string]model.ResolvedFeature, len(resolved))
				for k, v := range resolved {
					upstream[k] = v
				}
				mu.Unlock()

				if depErr != nil {
					mu.Lock()
					failed[feature] = model.FeatureError{
						Feature: feature,
						Code:    model.CodeDependencyFailed,
						Message: "upstream feature " + depErr.Feature + " failed: " + depErr.Message,
					}
					mu.Unlock()
					return nil
				}

				rf, ferr := e.resolveOne(gCtx, &req, feature, upstream)
				mu.Lock()
				if ferr != nil {
					failed[feature] = *ferr
				} else {
					resolved[feature] = *rf
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	for feature := range requested {
		if rf, ok := resolved[feature]; ok {
			resp.Features[feature] = rf
			continue
		}
		if fe, ok := failed[feature]; ok {
			resp.Errors = append(resp.Errors, fe)
		}
	}
	return resp, nil
}

// resolveOne serves one feature from cache or a coalesced resolution.
func (e *Engine) resolveOne(ctx context.Context, req *model.FeatureRequest, feature string, upstream map[string]model.ResolvedFeature) (*model.ResolvedFeature, *model.FeatureError) {
	key := cache.Key{Feature: feature, EntityID: req.EntityID}

	if rf, ok := e.cacheGet(ctx, key, req.StalenessTolerance); ok {
		return rf, nil
	}

	v, err, shared := e.flight.Do(key.String(), func() (any, error) {
		// A waiter that queued behind the winner may find the value cached.
		if rf, ok := e.cacheGet(ctx, key, req.StalenessTolerance); ok {
			return rf, nil
		}
		return e.resolveUncached(ctx, req, feature, upstream)
	})
	if shared && e.collector != nil {
		e.collector.ObserveCoalesced()
	}
	if err != nil {
		if e.collector != nil {
			e.collector.ObserveResolution(false, false, true)
		}
		return nil, e.featureError(ctx, feature, err)
	}
	return v.(*model.ResolvedFeature), nil
}

func (e *Engine) resolveUncached(ctx context.Context, req *model.FeatureRequest, feature string, upstream map[string]model.ResolvedFeature) (*model.ResolvedFeature, error) {
	outcome, err := e.router.Route(ctx, req, feature, upstream)
	if err != nil {
		return nil, err
	}

	var rf *model.ResolvedFeature
	if outcome.Defaulted {
		rf = e.proc.DefaultFeature(outcome.Definition, outcome.Default)
	} else {
		rf, err = e.proc.Derive(outcome.Result, outcome.Definition)
		if err != nil {
			return nil, err
		}
	}
	rf.EntityID = req.EntityID

	if e.collector != nil {
		e.collector.ObserveResolution(outcome.Definition.Priority > 0, outcome.Defaulted, false)
	}

	// Cache write survives request cancellation: a value resolved under a
	// dying request is still valid for the next caller.
	key := cache.Key{Feature: feature, EntityID: req.EntityID}
	if err := e.cache.Set(context.WithoutCancel(ctx), key, rf, outcome.Definition.CacheTTL); err != nil {
		zap.L().Warn("engine: cache write failed",
			zap.String("feature", feature),
			zap.String("entity_id", req.EntityID),
			zap.Error(err),
		)
	}
	return rf, nil
}

// cacheGet returns a cached value honoring the request's staleness
// tolerance: a tolerance tighter than the resolver TTL rejects values
// older than the tolerance even if unexpired.
func (e *Engine) cacheGet(ctx context.Context, key cache.Key, tolerance time.Duration) (*model.ResolvedFeature, bool) {
	rf, ok, err := e.cache.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	if tolerance > 0 && rf.Age(e.nowFunc()) > tolerance {
		return nil, false
	}
	out := *rf
	out.FromCache = true
	return &out, true
}

// layer topologically orders features into waves: everything in one wave
// has all dependencies satisfied by earlier waves. Dependencies of
// requested features are pulled in even when not themselves requested.
func (e *Engine) layer(features []string) [][]string {
	needed := make(map[string]bool)
	var expand func(f string)
	expand = func(f string) {
		if needed[f] {
			return
		}
		needed[f] = true
		for _, dep := range e.reg.Dependencies(f) {
			expand(dep)
		}
	}
	for _, f := range features {
		expand(f)
	}

	remaining := make(map[string]int, len(needed))
	for f := range needed {
		count := 0
		for _, dep := range e.reg.Dependencies(f) {
			if needed[dep] {
				count++
			}
		}
		remaining[f] = count
	}

	var layers [][]string
	done := make(map[string]bool, len(needed))
	for len(done) < len(needed) {
		var layer []string
		for f, count := range remaining {
			if count == 0 && !done[f] {
				layer = append(layer, f)
			}
		}
		if len(layer) == 0 {
			// Unreachable for a validated registry; guards against loops.
			break
		}
		for _, f := range layer {
			done[f] = true
			for g := range needed {
				for _, dep := range e.reg.Dependencies(g) {
					if dep == f {
						remaining[g]--
					}
				}
			}
		}
		layers = append(layers, layer)
	}
	return layers
}

// featureError maps an internal failure to the caller-facing taxonomy.
func (e *Engine) featureError(ctx context.Context, feature string, err error) *model.FeatureError {
	code := model.CodeInternal
	switch {
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		code = model.CodeRequestTimeout
	case errors.Is(err, registry.ErrUnknownFeature):
		code = model.CodeUnknownFeature
	case router.IsBindingError(err):
		code = model.CodeBinding
	default:
		var unres *router.UnresolvableFeatureError
		if errors.As(err, &unres) {
			code = model.CodeUnresolvable
		}
	}
	return &model.FeatureError{
		Feature: feature,
		Code:    code,
		Message: err.Error(),
	}
}
