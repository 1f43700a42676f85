package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"multirubro/internal/automation"
	"multirubro/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

type memCatalog struct {
	mu    sync.Mutex
	rules map[int64]*models.Rule
	err   error
}

func newMemCatalog(rules ...models.Rule) *memCatalog {
	c := &memCatalog{rules: make(map[int64]*models.Rule)}
	for i := range rules {
		r := rules[i]
		c.rules[r.ID] = &r
	}
	return c
}

func (c *memCatalog) ActiveRules(context.Context) ([]models.Rule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	out := make([]models.Rule, 0, len(c.rules))
	for _, r := range c.rules {
		if r.IsActive {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

func (c *memCatalog) TriggerState(_ context.Context, id int64) (models.TriggerState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rules[id]
	if !ok {
		return models.TriggerState{}, models.ErrRuleNotFound
	}
	return models.TriggerState{LastTriggered: r.LastTriggered, TriggerCount: r.TriggerCount}, nil
}

func (c *memCatalog) MarkTriggered(_ context.Context, id int64, prev *time.Time, at time.Time) (models.TriggerState, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rules[id]
	if !ok {
		return models.TriggerState{}, false, models.ErrRuleNotFound
	}
	if !sameTime(r.LastTriggered, prev) {
		return models.TriggerState{LastTriggered: r.LastTriggered, TriggerCount: r.TriggerCount}, false, nil
	}
	r.LastTriggered = &at
	r.TriggerCount++
	return models.TriggerState{LastTriggered: r.LastTriggered, TriggerCount: r.TriggerCount}, true, nil
}

func (c *memCatalog) UnmarkTriggered(_ context.Context, id int64, prev *time.Time, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rules[id]
	if !ok {
		return models.ErrRuleNotFound
	}
	if sameTime(r.LastTriggered, &at) {
		r.LastTriggered = prev
		r.TriggerCount--
	}
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (c *memCatalog) get(id int64) models.Rule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.rules[id]
}

type memValues struct {
	mu     sync.Mutex
	values map[string]float64
	calls  map[string]int
	block  bool
	err    error
}

func newMemValues(values map[string]float64) *memValues {
	return &memValues{values: values, calls: map[string]int{}}
}

func (v *memValues) LatestValue(ctx context.Context, deviceID string) (float64, bool, error) {
	v.mu.Lock()
	v.calls[deviceID]++
	block, err := v.block, v.err
	val, ok := v.values[deviceID]
	v.mu.Unlock()

	if block {
		<-ctx.Done()
		return 0, false, ctx.Err()
	}
	if err != nil {
		return 0, false, err
	}
	return val, ok, nil
}

type memAlerts struct {
	mu      sync.Mutex
	created []models.Alert
}

func (a *memAlerts) CreateAlert(_ context.Context, alert models.Alert) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = append(a.created, alert)
	return int64(len(a.created)), nil
}

type devices map[string]string

func (d devices) DeviceName(_ context.Context, id string) (string, error) {
	if n, ok := d[id]; ok {
		return n, nil
	}
	return "", models.ErrDeviceNotFound
}

type failingNotifier struct{}

func (failingNotifier) EnqueueNotification(context.Context, automation.Notification) (string, error) {
	return "", errors.New("redis unavailable")
}

type harness struct {
	engine  *Engine
	catalog *memCatalog
	values  *memValues
	alerts  *memAlerts
	now     time.Time
}

func newHarness(t *testing.T, rules ...models.Rule) *harness {
	t.Helper()
	h := &harness{
		catalog: newMemCatalog(rules...),
		values:  newMemValues(map[string]float64{}),
		alerts:  &memAlerts{},
		now:     baseTime,
	}
	clock := func() time.Time { return h.now }
	d := automation.NewDispatcher(h.alerts, devices{"A": "Freezer", "B": "Door"}, nil, failingNotifier{}, nil, nil)
	d.SetClock(clock)
	h.engine = NewEngine(h.catalog, h.values, d, nil, WithClock(clock), WithResolverTimeout(50*time.Millisecond))
	return h
}

func rule(id int64, priority int, cond, action string) models.Rule {
	return models.Rule{
		ID:              id,
		Name:            "rule",
		Condition:       json.RawMessage(cond),
		Action:          json.RawMessage(action),
		IsActive:        true,
		Priority:        priority,
		CooldownSeconds: 300,
		CreatedAt:       baseTime.Add(time.Duration(id) * time.Second),
		UpdatedAt:       baseTime,
	}
}

const (
	condAGt10 = `{"device_id":"A","operator":">","value":10}`
	logAction = `{"type":"log","level":"INFO","message":"A is {value}"}`
)

func ids(results []automation.ActionResult) []int64 {
	out := make([]int64, len(results))
	for i, r := range results {
		out[i] = r.RuleID
	}
	return out
}

func TestEvaluateAllRules_SimpleThreshold(t *testing.T) {
	h := newHarness(t, rule(1, 0, condAGt10, logAction))
	ctx := context.Background()

	results, err := h.engine.EvaluateAllRules(ctx, "A", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.NotNil(t, results)

	results, err = h.engine.EvaluateAllRules(ctx, "B", 15)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = h.engine.EvaluateAllRules(ctx, "A", 15)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, automation.KindLog, results[0].Type)
	assert.Equal(t, "A is 15", results[0].Message)
	assert.Equal(t, automation.StatusLogged, results[0].Status)
}

func TestEvaluateAllRules_InactiveNeverFires(t *testing.T) {
	r := rule(1, 0, condAGt10, logAction)
	r.IsActive = false
	h := newHarness(t, r)

	results, err := h.engine.EvaluateAllRules(context.Background(), "A", 100)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, h.catalog.get(1).TriggerCount)
}

func TestEvaluateAllRules_Bookkeeping(t *testing.T) {
	h := newHarness(t, rule(1, 0, condAGt10, logAction))
	ctx := context.Background()

	_, err := h.engine.EvaluateAllRules(ctx, "A", 15)
	require.NoError(t, err)
	stored := h.catalog.get(1)
	assert.Equal(t, int64(1), stored.TriggerCount)
	require.NotNil(t, stored.LastTriggered)
	assert.Equal(t, baseTime, *stored.LastTriggered)

	h.now = baseTime.Add(299 * time.Second)
	results, err := h.engine.EvaluateAllRules(ctx, "A", 15)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, int64(1), h.catalog.get(1).TriggerCount)

	h.now = baseTime.Add(300 * time.Second)
	results, err = h.engine.EvaluateAllRules(ctx, "A", 15)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int64(2), h.catalog.get(1).TriggerCount)
}

func TestEvaluateAllRules_CooldownFromStoredState(t *testing.T) {
	r := rule(1, 0, condAGt10, logAction)
	last := baseTime.Add(-time.Minute)
	r.LastTriggered = &last
	r.TriggerCount = 4
	h := newHarness(t, r)

	results, err := h.engine.EvaluateAllRules(context.Background(), "A", 50)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, int64(4), h.catalog.get(1).TriggerCount)
}

func TestEvaluateAllRules_CompositeAnd(t *testing.T) {
	cond := `{"and":[{"device_id":"A","operator":">","value":10},{"device_id":"B","operator":"==","value":1}]}`
	h := newHarness(t, rule(1, 0, cond, logAction))
	ctx := context.Background()

	results, err := h.engine.EvaluateAllRules(ctx, "A", 15)
	require.NoError(t, err)
	assert.Empty(t, results, "B has no recorded value")

	h.values.values["B"] = 1
	results, err = h.engine.EvaluateAllRules(ctx, "A", 15)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestEvaluateAllRules_CompositeOr(t *testing.T) {
	cond := `{"or":[{"device_id":"A","operator":">","value":10},{"device_id":"B","operator":"==","value":1}]}`
	h := newHarness(t, rule(1, 0, cond, logAction))
	h.values.values["A"] = 0

	results, err := h.engine.EvaluateAllRules(context.Background(), "B", 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestEvaluateAllRules_PriorityOrder(t *testing.T) {
	h := newHarness(t,
		rule(1, 5, condAGt10, logAction),
		rule(2, 10, condAGt10, logAction),
		rule(3, 5, condAGt10, logAction),
	)

	results, err := h.engine.EvaluateAllRules(context.Background(), "A", 11)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1, 3}, ids(results))
}

func TestEvaluateAllRules_AlertTemplate(t *testing.T) {
	h := newHarness(t, rule(1, 0, condAGt10, `{"type":"alert","severity":"critical","message":"Temp {value} at {device}"}`))

	results, err := h.engine.EvaluateAllRules(context.Background(), "A", 23.5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Temp 23.5 at Freezer", results[0].Message)
	require.Len(t, h.alerts.created, 1)
	assert.Equal(t, models.SeverityCritical, h.alerts.created[0].Severity)
}

func TestEvaluateAllRules_MalformedRuleIsIsolated(t *testing.T) {
	h := newHarness(t,
		rule(1, 10, `{"device_id":"A","operator":"~=","value":10}`, logAction),
		rule(2, 5, condAGt10, `{"type":"teleport"}`),
		rule(3, 0, condAGt10, logAction),
	)

	results, err := h.engine.EvaluateAllRules(context.Background(), "A", 15)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids(results))
}

func TestEvaluateAllRules_DispatchErrorNotCounted(t *testing.T) {
	// alert for a device without a name record fails to dispatch
	h := newHarness(t,
		rule(1, 10, `{"device_id":"GHOST","operator":">","value":0}`, `{"type":"alert"}`),
		rule(2, 0, `{"device_id":"GHOST","operator":">","value":0}`, logAction),
	)

	results, err := h.engine.EvaluateAllRules(context.Background(), "GHOST", 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids(results))
	assert.Zero(t, h.catalog.get(1).TriggerCount)
	assert.Nil(t, h.catalog.get(1).LastTriggered)
}

func TestEvaluateAllRules_DeliveryFailureStillCounted(t *testing.T) {
	h := newHarness(t, rule(1, 0, condAGt10, `{"type":"notify","channel":"sms","recipients":["x"],"message":"m"}`))

	results, err := h.engine.EvaluateAllRules(context.Background(), "A", 15)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed())
	assert.Equal(t, int64(1), h.catalog.get(1).TriggerCount)
}

func TestEvaluateAllRules_CatalogFailureIsFatal(t *testing.T) {
	h := newHarness(t, rule(1, 0, condAGt10, logAction))
	h.catalog.err = errors.New("connection refused")

	results, err := h.engine.EvaluateAllRules(context.Background(), "A", 15)
	assert.Error(t, err)
	assert.Nil(t, results)
}

func TestEvaluateAllRules_ResolverTimeoutFailsClosed(t *testing.T) {
	cond := `{"and":[{"device_id":"A","operator":">","value":10},{"device_id":"B","operator":"==","value":1}]}`
	h := newHarness(t, rule(1, 0, cond, logAction))
	h.values.values["B"] = 1
	h.values.block = true

	start := time.Now()
	results, err := h.engine.EvaluateAllRules(context.Background(), "A", 15)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEvaluateAllRules_ResolverErrorFailsClosed(t *testing.T) {
	cond := `{"or":[{"device_id":"B","operator":"==","value":1},{"device_id":"A","operator":"<","value":0}]}`
	h := newHarness(t, rule(1, 0, cond, logAction))
	h.values.err = errors.New("influx down")

	results, err := h.engine.EvaluateAllRules(context.Background(), "A", 15)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEvaluateAllRules_LookupsMemoisedPerPass(t *testing.T) {
	condB := `{"and":[{"device_id":"A","operator":">","value":10},{"device_id":"B","operator":"==","value":1}]}`
	h := newHarness(t, rule(1, 1, condB, logAction), rule(2, 0, condB, logAction))
	h.values.values["B"] = 1

	results, err := h.engine.EvaluateAllRules(context.Background(), "A", 15)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 1, h.values.calls["B"])
	assert.Zero(t, h.values.calls["A"])
}

func TestEvaluateAllRules_ConcurrentReadingsFireOnce(t *testing.T) {
	h := newHarness(t, rule(1, 0, condAGt10, logAction))

	var wg sync.WaitGroup
	var mu sync.Mutex
	fired := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := h.engine.EvaluateAllRules(context.Background(), "A", 20)
			assert.NoError(t, err)
			mu.Lock()
			fired += len(results)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fired)
	assert.Equal(t, int64(1), h.catalog.get(1).TriggerCount)
}

// expiredLocker grants every request, as a lease that ran out would
type expiredLocker struct{}

func (expiredLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

// slowDispatcher holds the rule until every pass has read the trigger state
type slowDispatcher struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (d *slowDispatcher) Dispatch(_ context.Context, r *automation.Rule, _ string, _ float64) (automation.ActionResult, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	time.Sleep(d.delay)
	return automation.ActionResult{Type: automation.KindLog, RuleID: r.ID, Status: automation.StatusLogged}, nil
}

func TestEvaluateAllRules_ExpiredLockStillFiresOnce(t *testing.T) {
	catalog := newMemCatalog(rule(1, 0, condAGt10, logAction))
	dispatcher := &slowDispatcher{delay: 50 * time.Millisecond}
	clock := func() time.Time { return baseTime }
	engines := []*Engine{
		NewEngine(catalog, nil, dispatcher, nil, WithLocker(expiredLocker{}), WithClock(clock)),
		NewEngine(catalog, nil, dispatcher, nil, WithLocker(expiredLocker{}), WithClock(clock)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	fired := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			results, err := e.EvaluateAllRules(context.Background(), "A", 20)
			assert.NoError(t, err)
			mu.Lock()
			fired += len(results)
			mu.Unlock()
		}(engines[i%2])
	}
	wg.Wait()

	assert.Equal(t, 1, fired)
	assert.Equal(t, 1, dispatcher.calls)
	assert.Equal(t, int64(1), catalog.get(1).TriggerCount)
}

type panickingDispatcher struct{}

func (panickingDispatcher) Dispatch(context.Context, *automation.Rule, string, float64) (automation.ActionResult, error) {
	panic("gateway exploded")
}

func TestEvaluateAllRules_PanicIsIsolated(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	catalog := newMemCatalog(rule(1, 0, condAGt10, logAction))
	e := NewEngine(catalog, nil, panickingDispatcher{}, nil, WithClock(func() time.Time { return baseTime }), WithMetrics(m))

	var results []automation.ActionResult
	var err error
	require.NotPanics(t, func() {
		results, err = e.EvaluateAllRules(context.Background(), "A", 20)
	})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues("panic")))
	assert.Zero(t, catalog.get(1).TriggerCount)

	// the lock was released
	unlock, err := e.locker.Lock(context.Background(), lockKey(1))
	require.NoError(t, err)
	unlock()
}

func TestEvaluateAllRules_RecompilesEditedRule(t *testing.T) {
	h := newHarness(t, rule(1, 0, condAGt10, logAction))
	ctx := context.Background()

	results, err := h.engine.EvaluateAllRules(ctx, "A", 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	h.catalog.mu.Lock()
	h.catalog.rules[1].Condition = json.RawMessage(`{"device_id":"A","operator":"<","value":10}`)
	h.catalog.rules[1].UpdatedAt = baseTime.Add(time.Minute)
	h.catalog.mu.Unlock()

	results, err = h.engine.EvaluateAllRules(ctx, "A", 5)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestDryRun_NoSideEffects(t *testing.T) {
	h := newHarness(t,
		rule(1, 10, condAGt10, `{"type":"alert","severity":"info","message":"x"}`),
		rule(2, 0, `{"device_id":"A","operator":"<","value":0}`, logAction),
		rule(3, 0, `{"device_id":"B","operator":">","value":0}`, logAction),
	)

	out, err := h.engine.DryRun(context.Background(), "A", 15)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].RuleID)
	assert.True(t, out[0].WouldFire)
	assert.Equal(t, automation.KindAlert, out[0].Action)
	assert.False(t, out[1].Matched)

	assert.Empty(t, h.alerts.created)
	assert.Zero(t, h.catalog.get(1).TriggerCount)
}

func TestRefreshRules(t *testing.T) {
	h := newHarness(t,
		rule(1, 0, condAGt10, logAction),
		rule(2, 0, `{"and":[]}`, logAction),
	)

	n, err := h.engine.RefreshRules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.catalog.err = errors.New("down")
	_, err = h.engine.RefreshRules(context.Background())
	assert.Error(t, err)
}

func TestRefreshRules_ForgetsInactiveInvalidRules(t *testing.T) {
	h := newHarness(t,
		rule(1, 0, condAGt10, logAction),
		rule(2, 0, `{"and":[]}`, logAction),
	)
	cached := func(id int64) bool {
		h.engine.mu.Lock()
		defer h.engine.mu.Unlock()
		_, ok := h.engine.compiled[id]
		return ok
	}

	_, err := h.engine.RefreshRules(context.Background())
	require.NoError(t, err)
	assert.True(t, cached(2))

	h.catalog.mu.Lock()
	h.catalog.rules[2].IsActive = false
	h.catalog.mu.Unlock()

	_, err = h.engine.RefreshRules(context.Background())
	require.NoError(t, err)
	assert.False(t, cached(2))
	assert.True(t, cached(1))
}

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := newHarness(t, rule(1, 0, condAGt10, logAction))
	h.engine.metrics = m

	_, err := h.engine.EvaluateAllRules(context.Background(), "A", 15)
	require.NoError(t, err)
	_, err = h.engine.EvaluateAllRules(context.Background(), "A", 15)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.triggersTotal.WithLabelValues("log")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cooldownSkips))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.passesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeRules))
}

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()

	unlock, err := k.Lock(context.Background(), "rule:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "rule:1")
	assert.ErrorIs(t, err, ErrLockHeld)

	other, err := k.Lock(context.Background(), "rule:2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	assert.Zero(t, k.size())

	again, err := k.Lock(context.Background(), "rule:1")
	require.NoError(t, err)
	again()
}
