package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"

	"multirubro/internal/automation"
	"multirubro/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Catalog is the rule store consumed by the engine
type Catalog interface {
	// ActiveRules returns active rules, highest priority first
	ActiveRules(ctx context.Context) ([]models.Rule, error)
	TriggerState(ctx context.Context, ruleID int64) (models.TriggerState, error)
	// MarkTriggered sets last_triggered to at and increments trigger_count in
	// one step, only while last_triggered still equals prev. ok is false when
	// another firing got there first.
	MarkTriggered(ctx context.Context, ruleID int64, prev *time.Time, at time.Time) (state models.TriggerState, ok bool, err error)
	// UnmarkTriggered reverts a MarkTriggered of at that was not followed by
	// a successful dispatch.
	UnmarkTriggered(ctx context.Context, ruleID int64, prev *time.Time, at time.Time) error
}

// ValueStore resolves the latest value of a device
type ValueStore interface {
	LatestValue(ctx context.Context, deviceID string) (value float64, ok bool, err error)
}

// Dispatcher executes the action of a fired rule
type Dispatcher interface {
	Dispatch(ctx context.Context, rule *automation.Rule, deviceID string, value float64) (automation.ActionResult, error)
}

const (
	defaultResolverTimeout = 2 * time.Second
	defaultLockTimeout     = 5 * time.Second
)

// Engine evaluates every active rule against incoming readings
type Engine struct {
	catalog    Catalog
	values     ValueStore
	dispatcher Dispatcher
	evaluator  *automation.Evaluator
	cooldown   *automation.CooldownTracker
	locker     Locker
	metrics    *Metrics
	logger     *zap.SugaredLogger
	now        func() time.Time

	resolverTimeout time.Duration
	lockTimeout     time.Duration
	lockLease       time.Duration

	mu       sync.Mutex
	compiled map[int64]compiledEntry
}

type compiledEntry struct {
	version time.Time
	rule    *automation.Rule
	err     error
}

// Option configures an Engine
type Option func(*Engine)

// WithLocker replaces the in-process rule lock
func WithLocker(l Locker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithResolverTimeout bounds each cross-device value lookup
func WithResolverTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.resolverTimeout = d
		}
	}
}

// WithLockTimeout bounds the wait for a rule lock
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lockTimeout = d
		}
	}
}

// WithLockLease bounds the work done while a rule lock is held, for locks
// that expire on their own
func WithLockLease(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lockLease = d
		}
	}
}

// WithMetrics records engine metrics
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a new engine instance
func NewEngine(catalog Catalog, values ValueStore, dispatcher Dispatcher, logger *zap.SugaredLogger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := &Engine{
		catalog:         catalog,
		values:          values,
		dispatcher:      dispatcher,
		evaluator:       automation.NewEvaluator(logger),
		locker:          NewKeyedMutex(),
		logger:          logger.With("component", "engine"),
		now:             time.Now,
		resolverTimeout: defaultResolverTimeout,
		lockTimeout:     defaultLockTimeout,
		compiled:        make(map[int64]compiledEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cooldown = automation.NewCooldownTracker(e.now)
	return e
}

// EvaluateAllRules runs every active rule referencing deviceID against a
// reading of value and returns the results of the rules that fired, in
// priority order. Failures of a single rule are logged and skipped; only a
// failure to load the rule catalog is returned.
func (e *Engine) EvaluateAllRules(ctx context.Context, deviceID string, value float64) ([]automation.ActionResult, error) {
	start := time.Now()
	log := e.logger.With("pass_id", uuid.NewString(), "device_id", deviceID)

	rules, err := e.loadRules(ctx)
	if err != nil {
		e.metrics.pass("error", time.Since(start))
		return nil, err
	}

	resolve := e.resolver(log)
	results := make([]automation.ActionResult, 0)
	for _, rule := range rules {
		if !rule.IsActive || !rule.Condition.References(deviceID) {
			continue
		}
		if e.cooldown.InCooldown(rule) {
			e.metrics.cooldown()
			log.Debugw("Rule in cooldown", "rule_id", rule.ID, "remaining", e.cooldown.Remaining(rule))
			continue
		}

		result, fired := e.fire(ctx, log, rule, deviceID, value, resolve)
		if fired {
			results = append(results, result)
		}
	}

	e.metrics.pass("ok", time.Since(start))
	if len(results) > 0 {
		log.Infow("Rules fired", "count", len(results), "value", value)
	}
	return results, nil
}

// fire runs the critical section of one rule: recheck cooldown against the
// stored trigger state, evaluate, claim the trigger and dispatch. The claim
// is conditional on the state read under the lock, so a lock that expired
// mid-section cannot let two passes fire within one cooldown window.
func (e *Engine) fire(ctx context.Context, log *zap.SugaredLogger, rule *automation.Rule, deviceID string, value float64, resolve automation.ValueResolver) (result automation.ActionResult, fired bool) {
	log = log.With("rule_id", rule.ID)
	var unclaim func()
	defer func() {
		if p := recover(); p != nil {
			e.metrics.failure("panic")
			log.Errorw("Rule evaluation panicked", "panic", p, "stack", string(debug.Stack()))
			if unclaim != nil {
				unclaim()
			}
			result, fired = automation.ActionResult{}, false
		}
	}()

	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	unlock, err := e.locker.Lock(lockCtx, lockKey(rule.ID))
	cancel()
	if err != nil {
		e.metrics.failure("lock")
		log.Warnw("Could not lock rule", "error", err)
		return automation.ActionResult{}, false
	}
	defer unlock()

	if e.lockLease > 0 {
		var cancelLease context.CancelFunc
		ctx, cancelLease = context.WithTimeout(ctx, e.lockLease)
		defer cancelLease()
	}

	state, err := e.catalog.TriggerState(ctx, rule.ID)
	if err != nil {
		e.metrics.failure("trigger_state")
		log.Errorw("Could not read trigger state", "error", err)
		return automation.ActionResult{}, false
	}
	current := rule.Clone()
	current.ApplyState(state)
	if e.cooldown.InCooldown(current) {
		e.metrics.cooldown()
		log.Debugw("Rule entered cooldown concurrently")
		return automation.ActionResult{}, false
	}

	matched := e.evaluator.Evaluate(ctx, current.Condition, deviceID, value, resolve)
	e.metrics.evaluation(matched)
	if !matched {
		return automation.ActionResult{}, false
	}

	at := e.now()
	_, claimed, err := e.catalog.MarkTriggered(ctx, rule.ID, state.LastTriggered, at)
	if err != nil {
		e.metrics.failure("mark_triggered")
		log.Errorw("Could not record trigger", "error", err)
		return automation.ActionResult{}, false
	}
	if !claimed {
		e.metrics.cooldown()
		log.Debugw("Rule fired concurrently elsewhere")
		return automation.ActionResult{}, false
	}
	unclaim = func() {
		if err := e.catalog.UnmarkTriggered(context.WithoutCancel(ctx), rule.ID, state.LastTriggered, at); err != nil {
			log.Errorw("Could not revert trigger", "error", err)
		}
	}

	result, err = e.dispatcher.Dispatch(ctx, current, deviceID, value)
	if err != nil {
		e.metrics.failure("dispatch")
		log.Errorw("Action dispatch failed", "error", err)
		unclaim()
		return automation.ActionResult{}, false
	}

	result.TriggeredAt = at
	e.metrics.trigger(string(result.Type))
	log.Infow("Rule fired", "rule_name", rule.Name, "action", result.Type, "status", result.Status)
	return result, true
}

// resolver returns a ValueResolver for one pass. Lookups are bounded by the
// resolver timeout and memoised, so each device is read at most once.
func (e *Engine) resolver(log *zap.SugaredLogger) automation.ValueResolver {
	type cached struct {
		value float64
		ok    bool
	}
	var mu sync.Mutex
	memo := make(map[string]cached)

	return func(ctx context.Context, deviceID string) (float64, bool) {
		mu.Lock()
		if c, hit := memo[deviceID]; hit {
			mu.Unlock()
			return c.value, c.ok
		}
		mu.Unlock()

		if e.values == nil {
			return 0, false
		}
		lookupCtx, cancel := context.WithTimeout(ctx, e.resolverTimeout)
		v, ok, err := e.values.LatestValue(lookupCtx, deviceID)
		cancel()

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			e.metrics.lookup("timeout")
			log.Warnw("Value lookup timed out", "referenced_device", deviceID)
			ok = false
		case err != nil:
			e.metrics.lookup("error")
			log.Warnw("Value lookup failed", "referenced_device", deviceID, "error", err)
			ok = false
		case !ok:
			e.metrics.lookup("miss")
		default:
			e.metrics.lookup("hit")
		}

		mu.Lock()
		memo[deviceID] = cached{value: v, ok: ok}
		mu.Unlock()
		return v, ok
	}
}

// loadRules fetches active rules and returns their compiled form in
// evaluation order. Rules that fail to compile are skipped.
func (e *Engine) loadRules(ctx context.Context) ([]*automation.Rule, error) {
	rules, _, err := e.loadActive(ctx)
	return rules, err
}

// loadActive is loadRules plus the ids of every active row, valid or not
func (e *Engine) loadActive(ctx context.Context) ([]*automation.Rule, map[int64]bool, error) {
	rows, err := e.catalog.ActiveRules(ctx)
	if err != nil {
		e.metrics.failure("catalog")
		return nil, nil, fmt.Errorf("load active rules: %w", err)
	}

	active := make(map[int64]bool, len(rows))
	rules := make([]*automation.Rule, 0, len(rows))
	for _, row := range rows {
		active[row.ID] = true
		if r := e.compile(row); r != nil {
			rules = append(rules, r)
		}
	}
	sortRules(rules)
	e.metrics.setActiveRules(len(rules))
	return rules, active, nil
}

// compile returns a fresh copy of the compiled rule for row, reusing the
// parsed definition while the row's updated_at is unchanged.
func (e *Engine) compile(row models.Rule) *automation.Rule {
	e.mu.Lock()
	entry, ok := e.compiled[row.ID]
	e.mu.Unlock()

	if !ok || !entry.version.Equal(row.UpdatedAt) {
		r, err := automation.CompileRule(row)
		entry = compiledEntry{version: row.UpdatedAt, rule: r, err: err}
		e.mu.Lock()
		e.compiled[row.ID] = entry
		e.mu.Unlock()
		if err != nil {
			e.metrics.failure("invalid_rule")
			e.logger.Errorw("Skipping invalid rule", "rule_id", row.ID, "rule_name", row.Name, "error", err)
		}
	}
	if entry.err != nil {
		return nil
	}

	r := entry.rule.Clone()
	r.Refresh(row)
	return r
}

// RefreshRules recompiles the active rule set and forgets rules that are
// no longer active. It returns the number of valid active rules.
func (e *Engine) RefreshRules(ctx context.Context) (int, error) {
	rules, active, err := e.loadActive(ctx)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	for id := range e.compiled {
		if !active[id] {
			delete(e.compiled, id)
		}
	}
	e.mu.Unlock()

	e.logger.Debugw("Rules refreshed", "active", len(rules))
	return len(rules), nil
}

// Invalidate drops the compiled form of a rule after it was edited or removed
func (e *Engine) Invalidate(ruleID int64) {
	e.mu.Lock()
	delete(e.compiled, ruleID)
	e.mu.Unlock()
}

// DryRunResult describes what a rule would do for a reading
type DryRunResult struct {
	RuleID     int64                 `json:"rule_id"`
	RuleName   string                `json:"rule_name"`
	Priority   int                   `json:"priority"`
	Action     automation.ActionKind `json:"action"`
	InCooldown bool                  `json:"in_cooldown"`
	Matched    bool                  `json:"matched"`
	WouldFire  bool                  `json:"would_fire"`
}

// DryRun evaluates every applicable active rule without dispatching actions
// or touching trigger bookkeeping.
func (e *Engine) DryRun(ctx context.Context, deviceID string, value float64) ([]DryRunResult, error) {
	rules, err := e.loadRules(ctx)
	if err != nil {
		return nil, err
	}

	resolve := e.resolver(e.logger.With("dry_run", true, "device_id", deviceID))
	out := make([]DryRunResult, 0)
	for _, rule := range rules {
		if !rule.IsActive || !rule.Condition.References(deviceID) {
			continue
		}
		res := DryRunResult{
			RuleID:     rule.ID,
			RuleName:   rule.Name,
			Priority:   rule.Priority,
			Action:     rule.Action.Kind(),
			InCooldown: e.cooldown.InCooldown(rule),
			Matched:    e.evaluator.Evaluate(ctx, rule.Condition, deviceID, value, resolve),
		}
		res.WouldFire = res.Matched && !res.InCooldown
		out = append(out, res)
	}
	return out, nil
}

// sortRules orders by priority descending, then creation, then id
func sortRules(rules []*automation.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func lockKey(ruleID int64) string {
	return "rule:" + strconv.FormatInt(ruleID, 10)
}
