package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftmile/featureserve/internal/binder"
	"github.com/swiftmile/featureserve/internal/model"
	"github.com/swiftmile/featureserve/internal/registry"
	"github.com/swiftmile/featureserve/internal/resilience"
	"github.com/swiftmile/featureserve/internal/source"
)

// fakeClient scripts one source's responses for routing tests.
type fakeClient struct {
	id       string
	rows     []source.Row
	err      error
	calls    int
	lastStmt string
	lastArg  []any
}

func (f *fakeClient) ID() string                     { return f.id }
func (f *fakeClient) PlaceholderStyle() binder.Style { return binder.StyleDollar }
func (f *fakeClient) Ping(context.Context) error     { return nil }
func (f *fakeClient) Close() error                   { return nil }
func (f *fakeClient) Execute(ctx context.Context, q model.BoundQuery) (*source.Result, error) {
	f.calls++
	f.lastStmt = q.Statement
	f.lastArg = q.Args
	if f.err != nil {
		return nil, f.err
	}
	return &source.Result{SourceID: f.id, Rows: f.rows, Latency: time.Millisecond}, nil
}

func densityDefs(dflt any) []registry.Definition {
	primary := registry.Definition{
		Feature:           "avg_population_density",
		SourceID:          "operational_store",
		Priority:          0,
		Statement:         "SELECT density FROM snapshot WHERE id = :entity_id",
		Params:            []registry.ParamSpec{{Name: "entity_id", Type: registry.TypeString, From: registry.FromRequest}},
		OutputColumns:     []string{"density"},
		ValueColumn:       "density",
		QualityPredicates: []registry.Predicate{{Column: "density", Op: registry.OpPositive}},
		Timeout:           50 * time.Millisecond,
		CacheTTL:          time.Hour,
		DefaultValue:      dflt,
	}
	fallback := primary
	fallback.SourceID = "analytical_warehouse"
	fallback.Priority = 1
	fallback.DefaultValue = nil
	return []registry.Definition{primary, fallback}
}

func newTestRouter(t *testing.T, defs []registry.Definition, clients map[string]source.Client) *Router {
	t.Helper()
	reg, err := registry.New(defs)
	require.NoError(t, err)
	rt, err := New(reg, clients, resilience.NewSourceBreakers(resilience.BreakerConfig{}))
	require.NoError(t, err)
	return rt
}

func TestRoute_PrimarySucceeds(t *testing.T) {
	primary := &fakeClient{id: "operational_store", rows: []source.Row{{"density": 3200.0}}}
	fallback := &fakeClient{id: "analytical_warehouse"}
	rt := newTestRouter(t, densityDefs(nil), map[string]source.Client{
		"operational_store":    primary,
		"analytical_warehouse": fallback,
	})

	out, err := rt.Route(context.Background(), &model.FeatureRequest{EntityID: "r1"}, "avg_population_density", nil)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, "operational_store", out.Definition.SourceID)
	assert.Equal(t, 0, fallback.calls)
	require.Len(t, out.Attempts, 1)
	assert.Equal(t, 1, out.Attempts[0].Qualified)
}

func TestRoute_BoundQueryReachesClient(t *testing.T) {
	primary := &fakeClient{id: "operational_store", rows: []source.Row{{"density": 3200.0}}}
	rt := newTestRouter(t, densityDefs(nil)[:1], map[string]source.Client{"operational_store": primary})

	_, err := rt.Route(context.Background(), &model.FeatureRequest{EntityID: "r1"}, "avg_population_density", nil)
	require.NoError(t, err)

	// The client receives the rewritten statement and ordered args.
	assert.Equal(t, "SELECT density FROM snapshot WHERE id = $1", primary.lastStmt)
	assert.Equal(t, []any{"r1"}, primary.lastArg)
}

func TestRoute_FallbackOnError(t *testing.T) {
	primary := &fakeClient{id: "operational_store", err: &source.ExecError{
		SourceID: "operational_store", Kind: source.KindTimeout, Err: context.DeadlineExceeded,
	}}
	fallback := &fakeClient{id: "analytical_warehouse", rows: []source.Row{{"density": 4100.0}}}
	rt := newTestRouter(t, densityDefs(nil), map[string]source.Client{
		"operational_store":    primary,
		"analytical_warehouse": fallback,
	})

	out, err := rt.Route(context.Background(), &model.FeatureRequest{EntityID: "r1"}, "avg_population_density", nil)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, "analytical_warehouse", out.Definition.SourceID)
	require.Len(t, out.Attempts, 2)
	assert.Error(t, out.Attempts[0].Err)
}

func TestRoute_FallbackOnZeroQualifyingRows(t *testing.T) {
	// The primary answers, but every row fails the positivity predicate.
	primary := &fakeClient{id: "operational_store", rows: []source.Row{{"density": 0.0}, {"density": -3.0}}}
	fallback := &fakeClient{id: "analytical_warehouse", rows: []source.Row{{"density": 4100.0}}}
	rt := newTestRouter(t, densityDefs(nil), map[string]source.Client{
		"operational_store":    primary,
		"analytical_warehouse": fallback,
	})

	out, err := rt.Route(context.Background(), &model.FeatureRequest{EntityID: "r1"}, "avg_population_density", nil)
	require.NoError(t, err)
	assert.Equal(t, "analytical_warehouse", out.Definition.SourceID)
	assert.Equal(t, 2, out.Attempts[0].Rows)
	assert.Equal(t, 0, out.Attempts[0].Qualified)
}

func TestRoute_FallbackOnAmbiguousRows(t *testing.T) {
	// Two rows pass the predicates but the resolver declares a single-row
	// result, so the primary's answer is ambiguous.
	primary := &fakeClient{id: "operational_store", rows: []source.Row{{"density": 3200.0}, {"density": 4800.0}}}
	fallback := &fakeClient{id: "analytical_warehouse", rows: []source.Row{{"density": 4100.0}}}
	rt := newTestRouter(t, densityDefs(nil), map[string]source.Client{
		"operational_store":    primary,
		"analytical_warehouse": fallback,
	})

	out, err := rt.Route(context.Background(), &model.FeatureRequest{EntityID: "r1"}, "avg_population_density", nil)
	require.NoError(t, err)
	assert.Equal(t, "analytical_warehouse", out.Definition.SourceID)
	assert.Equal(t, 2, out.Attempts[0].Qualified)
}

func TestRoute_ExhaustedWithDefault(t *testing.T) {
	boom := &source.ExecError{SourceID: "x", Kind: source.KindConnection, Err: errors.New("connection refused")}
	rt := newTestRouter(t, densityDefs(2500.0), map[string]source.Client{
		"operational_store":    &fakeClient{id: "operational_store", err: boom},
		"analytical_warehouse": &fakeClient{id: "analytical_warehouse", err: boom},
	})

	out, err := rt.Route(context.Background(), &model.FeatureRequest{EntityID: "r1"}, "avg_population_density", nil)
	require.NoError(t, err)
	assert.Equal(t, StateExhausted, out.State)
	assert.True(t, out.Defaulted)
	assert.Equal(t, 2500.0, out.Default)
	assert.Nil(t, out.Result)
}

func TestRoute_ExhaustedWithoutDefault(t *testing.T) {
	boom := &source.ExecError{SourceID: "x", Kind: source.KindConnection, Err: errors.New("connection refused")}
	rt := newTestRouter(t, densityDefs(nil), map[string]source.Client{
		"operational_store":    &fakeClient{id: "operational_store", err: boom},
		"analytical_warehouse": &fakeClient{id: "analytical_warehouse", err: boom},
	})

	_, err := rt.Route(context.Background(), &model.FeatureRequest{EntityID: "r1"}, "avg_population_density", nil)
	require.Error(t, err)

	var unres *UnresolvableFeatureError
	require.True(t, errors.As(err, &unres))
	assert.Equal(t, 2, unres.Attempts)
}

func TestRoute_CircuitOpenSkipsSource(t *testing.T) {
	breakers := resilience.NewSourceBreakers(resilience.BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	// Trip the primary's breaker ahead of routing.
	breakers.Get("operational_store").Record(&source.ExecError{
		SourceID: "operational_store", Kind: source.KindConnection, Err: errors.New("connection refused"),
	})

	primary := &fakeClient{id: "operational_store", rows: []source.Row{{"density": 3200.0}}}
	fallback := &fakeClient{id: "analytical_warehouse", rows: []source.Row{{"density": 4100.0}}}

	reg, err := registry.New(densityDefs(nil))
	require.NoError(t, err)
	rt, err := New(reg, map[string]source.Client{
		"operational_store":    primary,
		"analytical_warehouse": fallback,
	}, breakers)
	require.NoError(t, err)

	out, err := rt.Route(context.Background(), &model.FeatureRequest{EntityID: "r1"}, "avg_population_density", nil)
	require.NoError(t, err)
	assert.Equal(t, "analytical_warehouse", out.Definition.SourceID)
	assert.Equal(t, 0, primary.calls)
	assert.True(t, out.Attempts[0].Skipped)
}

func TestRoute_AllBindFailuresSurfaceBindingError(t *testing.T) {
	// Missing entity id fails binding on every definition: the declared
	// default must not mask a caller error.
	rt := newTestRouter(t, densityDefs(2500.0), map[string]source.Client{
		"operational_store":    &fakeClient{id: "operational_store"},
		"analytical_warehouse": &fakeClient{id: "analytical_warehouse"},
	})

	_, err := rt.Route(context.Background(), &model.FeatureRequest{EntityID: ""}, "avg_population_density", nil)
	require.Error(t, err)
	assert.True(t, IsBindingError(err))
}

func TestRoute_UpstreamValueBound(t *testing.T) {
	defs := []registry.Definition{
		{
			Feature:     "collection_pitstop_outcode",
			SourceID:    "operational_store",
			Priority:    0,
			Statement:   "SELECT outcode FROM pitstops WHERE id = :entity_id",
			Params:      []registry.ParamSpec{{Name: "entity_id", Type: registry.TypeString, From: registry.FromRequest}},
			ValueColumn: "outcode",
			Timeout:     50 * time.Millisecond,
			CacheTTL:    time.Hour,
		},
		{
			Feature:   "avg_population_density",
			SourceID:  "operational_store",
			Priority:  0,
			Statement: "SELECT density FROM snapshot WHERE outcode = :outcode",
			Params: []registry.ParamSpec{{
				Name: "outcode", Type: registry.TypeString,
				From: registry.FromFeature, Feature: "collection_pitstop_outcode",
			}},
			ValueColumn: "density",
			Timeout:     50 * time.Millisecond,
			CacheTTL:    time.Hour,
		},
	}
	client := &fakeClient{id: "operational_store", rows: []source.Row{{"density": 3200.0, "outcode": "EC1"}}}
	rt := newTestRouter(t, defs, map[string]source.Client{"operational_store": client})

	upstream := map[string]model.ResolvedFeature{
		"collection_pitstop_outcode": {Value: "EC1"},
	}
	_, err := rt.Route(context.Background(), &model.FeatureRequest{EntityID: "r1"}, "avg_population_density", upstream)
	require.NoError(t, err)
	assert.Equal(t, []any{"EC1"}, client.lastArg)
}

func TestNew_RejectsMissingClient(t *testing.T) {
	reg, err := registry.New(densityDefs(nil))
	require.NoError(t, err)

	_, err = New(reg, map[string]source.Client{
		"operational_store": &fakeClient{id: "operational_store"},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no client for source")
}
