package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"multirubro/internal/automation"
	"multirubro/internal/models"

	"go.uber.org/zap"
)

var ErrInvalidReading = errors.New("invalid reading")

// Recorder persists readings; it fails with models.ErrDeviceNotFound for
// unregistered devices
type Recorder interface {
	RecordReading(ctx context.Context, r models.Reading) error
}

// SeriesWriter mirrors readings into a time-series store
type SeriesWriter interface {
	WriteReading(ctx context.Context, r models.Reading) error
}

// ValueCache keeps the latest value per device
type ValueCache interface {
	Remember(ctx context.Context, deviceID string, value float64) error
}

// RuleEvaluator runs the rule pass for a reading
type RuleEvaluator interface {
	EvaluateAllRules(ctx context.Context, deviceID string, value float64) ([]automation.ActionResult, error)
}

// Result is what a caller gets back for an accepted reading
type Result struct {
	Message          string                    `json:"message"`
	ActionsTriggered int                       `json:"actions_triggered"`
	Actions          []automation.ActionResult `json:"actions"`
}

// Service records readings and evaluates rules against them
type Service struct {
	recorder  Recorder
	series    SeriesWriter
	cache     ValueCache
	evaluator RuleEvaluator
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithSeries mirrors readings into w
func WithSeries(w SeriesWriter) Option {
	return func(s *Service) { s.series = w }
}

// WithCache refreshes c with each accepted reading
func WithCache(c ValueCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithClock sets the clock used for readings without a timestamp
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an ingestion service
func NewService(recorder Recorder, evaluator RuleEvaluator, logger *zap.SugaredLogger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Service{
		recorder:  recorder,
		evaluator: evaluator,
		logger:    logger.With("component", "ingest"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks a reading and fills its defaults
func (s *Service) Validate(r *models.Reading) error {
	if r.DeviceID == "" {
		return fmt.Errorf("%w: device_id is required", ErrInvalidReading)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return fmt.Errorf("%w: value must be finite", ErrInvalidReading)
	}
	if r.Quality < 0 || r.Quality > 1 {
		return fmt.Errorf("%w: quality must be within [0, 1]", ErrInvalidReading)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}
	return nil
}

// Ingest stores r and then evaluates every rule against it. The reading is
// committed before any rule sees it.
func (s *Service) Ingest(ctx context.Context, r models.Reading) (Result, error) {
	if err := s.Validate(&r); err != nil {
		return Result{}, err
	}
	log := s.logger.With("device_id", r.DeviceID)

	if err := s.recorder.RecordReading(ctx, r); err != nil {
		return Result{}, fmt.Errorf("record reading: %w", err)
	}

	if s.series != nil {
		if err := s.series.WriteReading(ctx, r); err != nil {
			log.Warnw("Time-series write failed", "error", err)
		}
	}
	if s.cache != nil {
		if err := s.cache.Remember(ctx, r.DeviceID, r.Value); err != nil {
			log.Warnw("Latest value cache update failed", "error", err)
		}
	}

	actions, err := s.evaluator.EvaluateAllRules(ctx, r.DeviceID, r.Value)
	if err != nil {
		return Result{}, fmt.Errorf("evaluate rules: %w", err)
	}
	if actions == nil {
		actions = []automation.ActionResult{}
	}
	log.Debugw("Reading processed", "value", r.Value, "actions", len(actions))

	return Result{Message: "Data received", ActionsTriggered: len(actions), Actions: actions}, nil
}

// Handle adapts Ingest to reading consumers that only need the error
func (s *Service) Handle(ctx context.Context, r models.Reading) error {
	_, err := s.Ingest(ctx, r)
	return err
}
