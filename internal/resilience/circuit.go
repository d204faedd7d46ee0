package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state — requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures — requests are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen allows a single probe request to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the source's
// circuit is open. The router treats it like a connection failure and moves
// to the next priority.
var ErrCircuitOpen = eris.New("resilience: circuit breaker is open")

// BreakerConfig controls circuit breaker behavior for a source.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures
	// before opening the circuit. Default: 5.
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`

	// ResetTimeout is how long the circuit stays open before a probe is
	// allowed. Default: 15s.
	ResetTimeout time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
}

// DefaultBreakerConfig returns defaults tuned for request-path source calls.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     15 * time.Second,
	}
}

// Breaker is a circuit breaker for one backing store.
type Breaker struct {
	cfg BreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time

	nowFunc func() time.Time
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 15 * time.Second
	}
	return &Breaker{cfg: cfg, state: CircuitClosed, nowFunc: time.Now}
}

// WithNow sets a fixed clock for testing.
func (b *Breaker) WithNow(now func() time.Time) *Breaker {
	b.nowFunc = now
	return b
}

// Allow reports whether a call may proceed, transitioning open → half-open
// once the reset timeout has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.nowFunc().Sub(b.lastFailureTime) >= b.cfg.ResetTimeout {
			b.state = CircuitHalfOpen
			return nil // probe
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

// Record feeds a call outcome into the breaker. Only transient errors count
// toward the failure threshold.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !IsTransient(err) {
		if b.state != CircuitClosed {
			b.state = CircuitClosed
		}
		b.consecutiveFailures = 0
		return
	}

	b.consecutiveFailures++
	b.lastFailureTime = b.nowFunc()

	switch b.state {
	case CircuitClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = CircuitOpen
			zap.L().Warn("circuit opened",
				zap.Int("consecutive_failures", b.consecutiveFailures),
			)
		}
	case CircuitHalfOpen:
		// A failed probe reopens the circuit.
		b.state = CircuitOpen
	}
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.nowFunc().Sub(b.lastFailureTime) >= b.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return b.state
}

// SourceBreakers manages one breaker per backing store.
type SourceBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
}

// NewSourceBreakers creates a per-source breaker registry.
func NewSourceBreakers(cfg BreakerConfig) *SourceBreakers {
	return &SourceBreakers{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for the named source, creating one if needed.
func (sb *SourceBreakers) Get(sourceID string) *Breaker {
	sb.mu.RLock()
	b, ok := sb.breakers[sourceID]
	sb.mu.RUnlock()
	if ok {
		return b
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if b, ok = sb.breakers[sourceID]; ok {
		return b
	}
	b = NewBreaker(sb.cfg)
	sb.breakers[sourceID] = b
	return b
}

// States returns a snapshot of all breaker states.
func (sb *SourceBreakers) States() map[string]CircuitState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	states := make(map[string]CircuitState, len(sb.breakers))
	for id, b := range sb.breakers {
		states[id] = b.State()
	}
	return states
}
