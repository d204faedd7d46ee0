package source

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "github.com/viant/bigquery" // registers the "bigquery" database/sql driver
	"golang.org/x/time/rate"

	"github.com/swiftmile/featureserve/internal/binder"
	"github.com/swiftmile/featureserve/internal/model"
)

// AnalyticalClient serves resolver queries from the BigQuery warehouse.
// It is the slower fallback when the operational store has no data or is
// having operational issues.
type AnalyticalClient struct {
	id        string
	db        *sql.DB
	limiter   *rate.Limiter
	telemetry Telemetry
}

// AnalyticalConfig configures the warehouse connection.
type AnalyticalConfig struct {
	// DSN is the bigquery driver connection string,
	// e.g. "bigquery://project/dataset".
	DSN string `yaml:"dsn" mapstructure:"dsn"`
	// QueriesPerSecond caps the warehouse query rate. Zero disables limiting.
	QueriesPerSecond float64 `yaml:"queries_per_second" mapstructure:"queries_per_second"`
}

// NewAnalytical opens a BigQuery-backed client.
func NewAnalytical(id string, cfg AnalyticalConfig, telemetry Telemetry) (*AnalyticalClient, error) {
	db, err := sql.Open("bigquery", cfg.DSN)
	if err != nil {
		return nil, eris.Wrap(err, "analytical: open")
	}
	return NewAnalyticalWithDB(id, db, cfg.QueriesPerSecond, telemetry), nil
}

// NewAnalyticalWithDB wraps an existing handle. Used by tests.
func NewAnalyticalWithDB(id string, db *sql.DB, qps float64, telemetry Telemetry) *AnalyticalClient {
	if telemetry == nil {
		telemetry = LogTelemetry{}
	}
	var limiter *rate.Limiter
	if qps > 0 {
		limiter = rate.NewLimiter(rate.Limit(qps), 1)
	}
	return &AnalyticalClient{id: id, db: db, limiter: limiter, telemetry: telemetry}
}

// ID returns the source identifier.
func (c *AnalyticalClient) ID() string { return c.id }

// PlaceholderStyle reports the database/sql question-mark dialect.
func (c *AnalyticalClient) PlaceholderStyle() binder.Style { return binder.StyleQuestion }

// Execute runs a bound query against the warehouse under the rate limit.
func (c *AnalyticalClient) Execute(ctx context.Context, q model.BoundQuery) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, wrapExec(c.id, err)
		}
	}

	start := time.Now()
	rows, err := c.db.QueryContext(ctx, q.Statement, q.Args...)
	if err != nil {
		c.telemetry.ObserveQuery(c.id, time.Since(start), 0, err)
		return nil, wrapExec(c.id, err)
	}
	defer rows.Close()

	out, err := collectRows(rows)
	latency := time.Since(start)
	if err != nil {
		c.telemetry.ObserveQuery(c.id, latency, len(out), err)
		return nil, wrapExec(c.id, err)
	}
	c.telemetry.ObserveQuery(c.id, latency, len(out), nil)
	return &Result{SourceID: c.id, Rows: out, Latency: latency}, nil
}

// Ping verifies warehouse connectivity.
func (c *AnalyticalClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close releases the handle.
func (c *AnalyticalClient) Close() error {
	return c.db.Close()
}
