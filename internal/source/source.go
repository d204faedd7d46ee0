// Package source provides a uniform client interface over the heterogeneous
// backing stores a resolver can target: the operational Postgres store, the
// analytical BigQuery warehouse, and an embedded SQLite fixture store. The
// router is agnostic to which concrete store answers.
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/swiftmile/featureserve/internal/binder"
	"github.com/swiftmile/featureserve/internal/model"
)

// Row is one result row keyed by output column name.
type Row map[string]any

// Result is the transient output of executing a BoundQuery.
type Result struct {
	SourceID string
	Rows     []Row
	Latency  time.Duration
}

// Client executes bound queries against one backing store. The caller
// bounds each call with a context deadline; implementations must honor it.
type Client interface {
	ID() string
	PlaceholderStyle() binder.Style
	Execute(ctx context.Context, q model.BoundQuery) (*Result, error)
	Ping(ctx context.Context) error
	Close() error
}

// ErrorKind classifies a source execution failure for routing decisions.
type ErrorKind int

const (
	KindQuery ErrorKind = iota
	KindTimeout
	KindConnection
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	default:
		return "query"
	}
}

// ExecError wraps a backing-store failure with its classification.
type ExecError struct {
	SourceID string
	Kind     ErrorKind
	Err      error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("source %s: %s: %v", e.SourceID, e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Classify maps a raw driver error to an ErrorKind. Deadline and
// cancellation map to timeout; network-level failures to connection;
// everything else is a query error.
func Classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"closed pool",
		"conn closed",
	} {
		if strings.Contains(msg, p) {
			return KindConnection
		}
	}
	return KindQuery
}

// wrapExec classifies and wraps a driver error for a source.
func wrapExec(sourceID string, err error) error {
	return &ExecError{SourceID: sourceID, Kind: Classify(err), Err: err}
}

// Telemetry receives per-call latency and row-count observations. The
// default implementation logs; the monitoring collector provides another.
type Telemetry interface {
	ObserveQuery(sourceID string, latency time.Duration, rows int, err error)
}

// LogTelemetry emits query observations to the global logger.
type LogTelemetry struct{}

// ObserveQuery logs one source call.
func (LogTelemetry) ObserveQuery(sourceID string, latency time.Duration, rows int, err error) {
	if err != nil {
		zap.L().Warn("source query failed",
			zap.String("source", sourceID),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		return
	}
	zap.L().Debug("source query",
		zap.String("source", sourceID),
		zap.Duration("latency", latency),
		zap.Int("rows", rows),
	)
}
