package valuestore

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Backend is the durable source of latest values
type Backend interface {
	LatestValue(ctx context.Context, deviceID string) (float64, bool, error)
}

// Cache holds recent values in front of the backend
type Cache interface {
	Get(ctx context.Context, deviceID string) (float64, bool, error)
	Set(ctx context.Context, deviceID string, value float64) error
	// SetIfAbsent stores value only when deviceID has no cached value
	SetIfAbsent(ctx context.Context, deviceID string, value float64) (bool, error)
}

// Settings tunes the backend circuit breaker
type Settings struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultSettings trips after five consecutive backend failures
func DefaultSettings(name string) Settings {
	return Settings{
		Name:             name,
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// Store resolves latest values from the cache, then the backend
type Store struct {
	cache   Cache
	backend Backend
	cb      *gobreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

// New creates a store; cache may be nil
func New(cache Cache, backend Backend, settings Settings, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.With("component", "valuestore")
	threshold := settings.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("Value backend breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Store{cache: cache, backend: backend, cb: cb, logger: logger}
}

type lookup struct {
	value float64
	ok    bool
}

// LatestValue returns the most recent value of deviceID; ok is false when
// the device has no value.
func (s *Store) LatestValue(ctx context.Context, deviceID string) (float64, bool, error) {
	if s.cache != nil {
		v, ok, err := s.cache.Get(ctx, deviceID)
		if err != nil {
			s.logger.Debugw("Cache read failed", "device_id", deviceID, "error", err)
		} else if ok {
			return v, true, nil
		}
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		v, ok, err := s.backend.LatestValue(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		return lookup{value: v, ok: ok}, nil
	})
	if err != nil {
		return 0, false, err
	}

	l := res.(lookup)
	if l.ok && s.cache != nil {
		// a reading remembered while the backend was queried is newer
		stored, err := s.cache.SetIfAbsent(ctx, deviceID, l.value)
		if err != nil {
			s.logger.Debugw("Cache write failed", "device_id", deviceID, "error", err)
		} else if !stored {
			if v, ok, err := s.cache.Get(ctx, deviceID); err == nil && ok {
				return v, true, nil
			}
		}
	}
	return l.value, l.ok, nil
}

// Remember caches value as the latest of deviceID
func (s *Store) Remember(ctx context.Context, deviceID string, value float64) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Set(ctx, deviceID, value)
}

// State reports the breaker state, for health output
func (s *Store) State() string {
	return s.cb.State().String()
}
