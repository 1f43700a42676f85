package automation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"multirubro/internal/models"
)

// Defaults for rules created without explicit values
const (
	DefaultCooldownSeconds = 300
	DefaultPriority        = 0
)

// Rule is a validated rule ready for evaluation
type Rule struct {
	ID            int64
	Name          string
	Description   string
	Condition     Condition
	Action        Action
	IsActive      bool
	Priority      int
	Cooldown      time.Duration
	LastTriggered *time.Time
	TriggerCount  int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CompileRule parses the stored condition and action of r. A rule that fails
// here is a configuration error and must not be evaluated.
func CompileRule(r models.Rule) (*Rule, error) {
	cond, err := ParseCondition(r.Condition)
	if err != nil {
		return nil, fmt.Errorf("rule %d condition: %w", r.ID, err)
	}
	action, err := ParseAction(r.Action)
	if err != nil {
		return nil, fmt.Errorf("rule %d action: %w", r.ID, err)
	}
	if r.CooldownSeconds < 0 {
		return nil, fmt.Errorf("rule %d: negative cooldown_seconds", r.ID)
	}

	compiled := &Rule{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Condition:   cond,
		Action:      action,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	compiled.Refresh(r)
	return compiled, nil
}

// Refresh copies the fields of r that change without a new version of the
// rule's definition.
func (r *Rule) Refresh(row models.Rule) {
	r.IsActive = row.IsActive
	r.Priority = row.Priority
	r.Cooldown = time.Duration(row.CooldownSeconds) * time.Second
	r.LastTriggered = row.LastTriggered
	r.TriggerCount = row.TriggerCount
}

// Clone returns a shallow copy; Condition and Action are immutable after
// compilation and are shared.
func (r *Rule) Clone() *Rule {
	c := *r
	return &c
}

// ApplyState overwrites the firing bookkeeping with st
func (r *Rule) ApplyState(st models.TriggerState) {
	r.LastTriggered = st.LastTriggered
	r.TriggerCount = st.TriggerCount
}

// ValidateDefinition checks a condition/action pair without a stored rule
func ValidateDefinition(condition, action json.RawMessage) error {
	if _, err := ParseCondition(condition); err != nil {
		return fmt.Errorf("condition: %w", err)
	}
	if _, err := ParseAction(action); err != nil {
		return fmt.Errorf("action: %w", err)
	}
	return nil
}

// SimpleRule builds a stored rule with a single-device condition
func SimpleRule(name, deviceID string, op Operator, threshold float64, action Action) (models.Rule, error) {
	if !op.Valid() {
		return models.Rule{}, fmt.Errorf("%w: %q", ErrUnknownOperator, string(op))
	}
	s := &Simple{DeviceID: deviceID, Parameter: DefaultParameter, Operator: op, Threshold: threshold}
	return buildRule(name, s, action)
}

// CompositeRule builds a stored rule joining conditions with "and" or "or"
func CompositeRule(name, logic string, conditions []Condition, action Action) (models.Rule, error) {
	if len(conditions) == 0 {
		return models.Rule{}, ErrEmptyComposite
	}
	var cond Condition
	switch logic {
	case "and":
		cond = &And{Children: conditions}
	case "or":
		cond = &Or{Children: conditions}
	default:
		return models.Rule{}, fmt.Errorf("%w: logic %q", ErrMalformedTree, logic)
	}
	return buildRule(name, cond, action)
}

func buildRule(name string, cond Condition, action Action) (models.Rule, error) {
	condRaw, err := json.Marshal(cond)
	if err != nil {
		return models.Rule{}, err
	}
	actionRaw, err := MarshalAction(action)
	if err != nil {
		return models.Rule{}, err
	}
	return models.Rule{
		Name:            name,
		Condition:       condRaw,
		Action:          actionRaw,
		IsActive:        true,
		Priority:        DefaultPriority,
		CooldownSeconds: DefaultCooldownSeconds,
	}, nil
}

// Result statuses
const (
	StatusCreated  = "created"
	StatusExecuted = "executed"
	StatusSent     = "sent"
	StatusLogged   = "logged"

	failedPrefix = "failed: "
)

// FailedStatus formats a delivery failure for ActionResult.Status
func FailedStatus(err error) string {
	return failedPrefix + err.Error()
}

// ActionResult records one fired rule. Fields not used by the action kind
// are left empty.
type ActionResult struct {
	Type        ActionKind `json:"type"`
	RuleID      int64      `json:"rule_id"`
	RuleName    string     `json:"rule_name"`
	DeviceID    string     `json:"device_id"`
	Status      string     `json:"status"`
	TriggeredAt time.Time  `json:"triggered_at"`

	// alert
	AlertID  int64  `json:"alert_id,omitempty"`
	Severity string `json:"severity,omitempty"`

	// alert, notify, log
	Message string `json:"message,omitempty"`

	// actuate
	Target   string `json:"target,omitempty"`
	Command  string `json:"command,omitempty"`
	Duration *int   `json:"duration,omitempty"`

	// notify
	Channel        string   `json:"channel,omitempty"`
	Recipients     []string `json:"recipients,omitempty"`
	NotificationID string   `json:"notification_id,omitempty"`

	// log
	Level string `json:"level,omitempty"`
}

// Failed reports whether downstream delivery failed
func (r ActionResult) Failed() bool {
	return strings.HasPrefix(r.Status, failedPrefix)
}
