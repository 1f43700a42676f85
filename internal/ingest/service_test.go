package ingest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"multirubro/internal/automation"
	"multirubro/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct{ log *[]string }

type fakeRecorder struct {
	step
	known map[string]bool
	err   error
}

func (f *fakeRecorder) RecordReading(_ context.Context, r models.Reading) error {
	*f.log = append(*f.log, "record")
	if f.err != nil {
		return f.err
	}
	if !f.known[r.DeviceID] {
		return models.ErrDeviceNotFound
	}
	return nil
}

type fakeSeries struct {
	step
	err error
}

func (f *fakeSeries) WriteReading(context.Context, models.Reading) error {
	*f.log = append(*f.log, "series")
	return f.err
}

type fakeCache struct {
	step
	values map[string]float64
}

func (f *fakeCache) Remember(_ context.Context, id string, v float64) error {
	*f.log = append(*f.log, "cache")
	f.values[id] = v
	return nil
}

type fakeEvaluator struct {
	step
	results []automation.ActionResult
	err     error
}

func (f *fakeEvaluator) EvaluateAllRules(context.Context, string, float64) ([]automation.ActionResult, error) {
	*f.log = append(*f.log, "evaluate")
	return f.results, f.err
}

type harness struct {
	log      []string
	recorder *fakeRecorder
	series   *fakeSeries
	cache    *fakeCache
	eval     *fakeEvaluator
	svc      *Service
}

var fixedNow = time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

func newHarness() *harness {
	h := &harness{}
	h.recorder = &fakeRecorder{step: step{&h.log}, known: map[string]bool{"TEMP-001": true}}
	h.series = &fakeSeries{step: step{&h.log}}
	h.cache = &fakeCache{step: step{&h.log}, values: map[string]float64{}}
	h.eval = &fakeEvaluator{step: step{&h.log}}
	h.svc = NewService(h.recorder, h.eval, nil,
		WithSeries(h.series), WithCache(h.cache), WithClock(func() time.Time { return fixedNow }))
	return h
}

func TestIngest_StoresBeforeEvaluating(t *testing.T) {
	h := newHarness()
	h.eval.results = []automation.ActionResult{{Type: automation.KindAlert, RuleID: 1}}

	res, err := h.svc.Ingest(context.Background(), models.Reading{DeviceID: "TEMP-001", Value: 9, Quality: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{"record", "series", "cache", "evaluate"}, h.log)
	assert.Equal(t, "Data received", res.Message)
	assert.Equal(t, 1, res.ActionsTriggered)
	assert.Equal(t, 9.0, h.cache.values["TEMP-001"])
}

func TestIngest_NoActionsIsEmptyList(t *testing.T) {
	h := newHarness()
	res, err := h.svc.Ingest(context.Background(), models.Reading{DeviceID: "TEMP-001", Value: 1})
	require.NoError(t, err)
	assert.NotNil(t, res.Actions)
	assert.Zero(t, res.ActionsTriggered)
}

func TestIngest_UnknownDevice(t *testing.T) {
	h := newHarness()
	_, err := h.svc.Ingest(context.Background(), models.Reading{DeviceID: "GHOST", Value: 1})
	assert.ErrorIs(t, err, models.ErrDeviceNotFound)
	assert.Equal(t, []string{"record"}, h.log)
}

func TestIngest_SeriesFailureIsNotFatal(t *testing.T) {
	h := newHarness()
	h.series.err = errors.New("influx down")
	_, err := h.svc.Ingest(context.Background(), models.Reading{DeviceID: "TEMP-001", Value: 1})
	require.NoError(t, err)
	assert.Contains(t, h.log, "evaluate")
}

func TestIngest_EvaluationFailure(t *testing.T) {
	h := newHarness()
	h.eval.err = errors.New("catalog unavailable")
	_, err := h.svc.Ingest(context.Background(), models.Reading{DeviceID: "TEMP-001", Value: 1})
	assert.ErrorContains(t, err, "catalog unavailable")
}

func TestValidate(t *testing.T) {
	svc := newHarness().svc

	tests := []struct {
		name    string
		reading models.Reading
	}{
		{"missing device", models.Reading{Value: 1}},
		{"nan", models.Reading{DeviceID: "A", Value: math.NaN()}},
		{"inf", models.Reading{DeviceID: "A", Value: math.Inf(1)}},
		{"quality above one", models.Reading{DeviceID: "A", Quality: 1.5}},
		{"negative quality", models.Reading{DeviceID: "A", Quality: -0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.reading
			assert.ErrorIs(t, svc.Validate(&r), ErrInvalidReading)
		})
	}

	r := models.Reading{DeviceID: "A", Value: -3}
	require.NoError(t, svc.Validate(&r))
	assert.Equal(t, fixedNow, r.Timestamp)
}
