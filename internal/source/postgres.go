package source

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/swiftmile/featureserve/internal/binder"
	"github.com/swiftmile/featureserve/internal/model"
)

// PgxPool is the subset of pgxpool.Pool the client uses, extracted so
// tests can substitute pgxmock.
type PgxPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresClient serves resolver queries from the operational store. It is
// the low-latency primary for most features.
type PostgresClient struct {
	id        string
	pool      PgxPool
	telemetry Telemetry
}

// PostgresConfig tunes the operational store connection pool.
type PostgresConfig struct {
	URL      string `yaml:"url" mapstructure:"url"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres connects a PostgresClient with a tuned pgx pool.
func NewPostgres(ctx context.Context, id string, cfg PostgresConfig, telemetry Telemetry) (*PostgresClient, error) {
	pgxCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if cfg.MaxConns > 0 {
		maxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		minConns = cfg.MinConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return NewPostgresWithPool(id, pool, telemetry), nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(id string, pool PgxPool, telemetry Telemetry) *PostgresClient {
	if telemetry == nil {
		telemetry = LogTelemetry{}
	}
	return &PostgresClient{id: id, pool: pool, telemetry: telemetry}
}

// ID returns the source identifier.
func (c *PostgresClient) ID() string { return c.id }

// PlaceholderStyle reports the pgx positional marker dialect.
func (c *PostgresClient) PlaceholderStyle() binder.Style { return binder.StyleDollar }

// Execute runs a bound query and collects rows keyed by column name.
func (c *PostgresClient) Execute(ctx context.Context, q model.BoundQuery) (*Result, error) {
	start := time.Now()
	rows, err := c.pool.Query(ctx, q.Statement, q.Args...)
	if err != nil {
		latency := time.Since(start)
		c.telemetry.ObserveQuery(c.id, latency, 0, err)
		return nil, wrapExec(c.id, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			c.telemetry.ObserveQuery(c.id, time.Since(start), len(out), err)
			return nil, wrapExec(c.id, err)
		}
		row := make(Row, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		c.telemetry.ObserveQuery(c.id, time.Since(start), len(out), err)
		return nil, wrapExec(c.id, err)
	}

	latency := time.Since(start)
	c.telemetry.ObserveQuery(c.id, latency, len(out), nil)
	return &Result{SourceID: c.id, Rows: out, Latency: latency}, nil
}

// Ping verifies connectivity to the operational store.
func (c *PostgresClient) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close releases the pool.
func (c *PostgresClient) Close() error {
	c.pool.Close()
	return nil
}
