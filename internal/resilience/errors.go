// Package resilience provides the circuit breaker and retry patterns
// wrapped around backing-store and cache calls.
package resilience

import (
	"errors"

	"github.com/swiftmile/featureserve/internal/source"
)

// IsTransient reports whether an error is safe to retry or should count
// toward a source's circuit breaker. Timeouts and connection failures are
// transient; query errors (bad statement, missing table) are not — retrying
// those only repeats the failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var execErr *source.ExecError
	if errors.As(err, &execErr) {
		return execErr.Kind == source.KindTimeout || execErr.Kind == source.KindConnection
	}
	// Unwrapped driver errors: fall back to kind classification.
	return source.Classify(err) != source.KindQuery
}
