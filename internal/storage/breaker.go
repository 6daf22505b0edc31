package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the object store breaker is open and rejects
// calls without reaching the backend.
var ErrCircuitOpen = errors.New("object store circuit breaker is open")

// BreakerConfig holds the configuration for BreakerObjectStore.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip the circuit.
	// Default: 5
	MaxFailures uint32

	// Timeout is how long the circuit stays open before allowing trial calls.
	// Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of successes in half-open state
	// required to close the circuit again.
	// Default: 2
	HalfOpenMaxSuccesses uint32
}

// BreakerMetrics counts calls routed through the breaker.
type BreakerMetrics struct {
	TotalRequests        uint64
	TotalSuccesses       uint64
	TotalFailures        uint64
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// BreakerObjectStore wraps an ObjectStore with a circuit breaker so a failing
// remote backend is not hammered by a maintenance sweep.
//
// ErrNotFound is an answer, not a failure: it does not count towards tripping
// the circuit.
type BreakerObjectStore struct {
	inner   ObjectStore
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	mu      sync.RWMutex
	metrics BreakerMetrics
}

// NewBreakerObjectStore wraps inner. Zero config fields take their defaults.
func NewBreakerObjectStore(inner ObjectStore, config BreakerConfig, logger *slog.Logger) *BreakerObjectStore {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HalfOpenMaxSuccesses == 0 {
		config.HalfOpenMaxSuccesses = 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &BreakerObjectStore{inner: inner, logger: logger}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ObjectStore",
		MaxRequests: config.HalfOpenMaxSuccesses,
		Interval:    0,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

func (b *BreakerObjectStore) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.Put(ctx, key, data, metadata)
	})
	return err
}

func (b *BreakerObjectStore) Get(ctx context.Context, key string) (*Object, error) {
	res, err := b.execute(func() (interface{}, error) {
		return b.inner.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Object), nil
}

func (b *BreakerObjectStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	res, err := b.execute(func() (interface{}, error) {
		return b.inner.Stat(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return res.(*ObjectInfo), nil
}

func (b *BreakerObjectStore) Delete(ctx context.Context, key string) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.inner.Delete(ctx, key)
	})
	return err
}

func (b *BreakerObjectStore) List(ctx context.Context, opts ObjectListOptions) (*ObjectListResult, error) {
	res, err := b.execute(func() (interface{}, error) {
		return b.inner.List(ctx, opts)
	})
	if err != nil {
		return nil, err
	}
	return res.(*ObjectListResult), nil
}

// State returns "closed", "open" or "half-open".
func (b *BreakerObjectStore) State() string {
	switch b.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Metrics returns a snapshot of the breaker counters.
func (b *BreakerObjectStore) Metrics() BreakerMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := b.breaker.Counts()
	m := b.metrics
	m.ConsecutiveSuccesses = counts.ConsecutiveSuccesses
	m.ConsecutiveFailures = counts.ConsecutiveFailures
	return m
}

func (b *BreakerObjectStore) execute(fn func() (interface{}, error)) (interface{}, error) {
	res, err := b.breaker.Execute(fn)

	b.mu.Lock()
	b.metrics.TotalRequests++
	if err != nil && !errors.Is(err, ErrNotFound) {
		b.metrics.TotalFailures++
	} else {
		b.metrics.TotalSuccesses++
	}
	b.mu.Unlock()

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return res, err
}
