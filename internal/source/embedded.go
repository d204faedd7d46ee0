package source

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/swiftmile/featureserve/internal/binder"
	"github.com/swiftmile/featureserve/internal/model"
)

// EmbeddedClient serves resolver queries from a local SQLite database.
// Used for development fixtures and for small reference tables (outcode
// lookups, vehicle capabilities) shipped with the binary.
type EmbeddedClient struct {
	id        string
	db        *sql.DB
	telemetry Telemetry
}

// NewEmbedded opens a SQLite database at the given path ("" or ":memory:"
// for an in-memory store) and configures WAL mode for file-backed stores.
func NewEmbedded(id, dsn string, telemetry Telemetry) (*EmbeddedClient, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "embedded: open")
	}
	if dsn != ":memory:" {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, eris.Wrapf(err, "embedded: exec %s", pragma)
			}
		}
	}
	if telemetry == nil {
		telemetry = LogTelemetry{}
	}
	return &EmbeddedClient{id: id, db: db, telemetry: telemetry}, nil
}

// DB exposes the handle for fixture loading.
func (c *EmbeddedClient) DB() *sql.DB { return c.db }

// ID returns the source identifier.
func (c *EmbeddedClient) ID() string { return c.id }

// PlaceholderStyle reports the database/sql question-mark dialect.
func (c *EmbeddedClient) PlaceholderStyle() binder.Style { return binder.StyleQuestion }

// Execute runs a bound query against the embedded store.
func (c *EmbeddedClient) Execute(ctx context.Context, q model.BoundQuery) (*Result, error) {
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

// Ping verifies the embedded store is reachable.
func (c *EmbeddedClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close releases the handle.
func (c *EmbeddedClient) Close() error {
	return c.db.Close()
}
