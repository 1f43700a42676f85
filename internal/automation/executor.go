package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"multirubro/internal/models"

	"go.uber.org/zap"
)

var ErrNoAlertStore = errors.New("no alert store configured")

// AlertStore persists alerts created by alert actions
type AlertStore interface {
	CreateAlert(ctx context.Context, alert models.Alert) (int64, error)
}

// DeviceDirectory resolves device display names
type DeviceDirectory interface {
	DeviceName(ctx context.Context, deviceID string) (string, error)
}

// ActuatorChannel delivers command intents to actuators
type ActuatorChannel interface {
	SendCommand(ctx context.Context, cmd Command) error
}

// NotificationGateway accepts notification intents for delivery
type NotificationGateway interface {
	EnqueueNotification(ctx context.Context, n Notification) (string, error)
}

// Command is an actuation intent
type Command struct {
	Target   string    `json:"target"`
	Command  string    `json:"command"`
	Duration *int      `json:"duration,omitempty"`
	RuleID   int64     `json:"rule_id"`
	DeviceID string    `json:"device_id"`
	IssuedAt time.Time `json:"issued_at"`
}

// Notification is a notification intent
type Notification struct {
	Channel    string    `json:"channel"`
	Recipients []string  `json:"recipients"`
	Message    string    `json:"message"`
	RuleID     int64     `json:"rule_id"`
	DeviceID   string    `json:"device_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Dispatcher executes the action of a fired rule
type Dispatcher struct {
	alerts    AlertStore
	devices   DeviceDirectory
	actuators ActuatorChannel
	notifier  NotificationGateway
	events    *zap.SugaredLogger
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher. actuators and notifier may be nil, in
// which case intents are only logged. events receives log actions; when nil
// logger is used.
func NewDispatcher(alerts AlertStore, devices DeviceDirectory, actuators ActuatorChannel, notifier NotificationGateway, events, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if events == nil {
		events = logger
	}
	return &Dispatcher{
		alerts:    alerts,
		devices:   devices,
		actuators: actuators,
		notifier:  notifier,
		events:    events.With("component", "rule_events"),
		logger:    logger.With("component", "dispatcher"),
		now:       time.Now,
	}
}

// SetClock replaces the clock used for result timestamps
func (d *Dispatcher) SetClock(now func() time.Time) {
	if now != nil {
		d.now = now
	}
}

// Dispatch runs rule's action for a reading of value from deviceID. An error
// means nothing was fired; delivery failures of actuate and notify are
// reported in the result status instead.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *Rule, deviceID string, value float64) (ActionResult, error) {
	result := ActionResult{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		DeviceID:    deviceID,
		TriggeredAt: d.now(),
	}

	switch a := rule.Action.(type) {
	case *AlertAction:
		return d.alert(ctx, rule, a, deviceID, value, result)
	case *ActuateAction:
		return d.actuate(ctx, rule, a, deviceID, result), nil
	case *NotifyAction:
		return d.notify(ctx, rule, a, deviceID, value, result), nil
	case *LogAction:
		return d.log(ctx, rule, a, deviceID, value, result), nil
	default:
		d.logger.Errorw("Unknown action kind", "rule_id", rule.ID, "type", fmt.Sprintf("%T", rule.Action))
		return ActionResult{}, fmt.Errorf("rule %d: %w", rule.ID, ErrUnknownActionKind)
	}
}

func (d *Dispatcher) alert(ctx context.Context, rule *Rule, a *AlertAction, deviceID string, value float64, result ActionResult) (ActionResult, error) {
	if d.alerts == nil {
		return ActionResult{}, ErrNoAlertStore
	}
	name, err := d.deviceName(ctx, deviceID)
	if err != nil {
		return ActionResult{}, fmt.Errorf("alert for rule %d: %w", rule.ID, err)
	}

	severity := SeverityOf(a.Severity)
	message := RenderMessage(a.MessageTemplate, value, name)
	id, err := d.alerts.CreateAlert(ctx, models.Alert{
		DeviceID: deviceID,
		RuleID:   rule.ID,
		Severity: severity,
		Title:    rule.Name,
		Message:  message,
	})
	if err != nil {
		return ActionResult{}, fmt.Errorf("alert for rule %d: %w", rule.ID, err)
	}

	d.logger.Infow("Alert created", "rule_id", rule.ID, "alert_id", id, "device_id", deviceID, "severity", severity)
	result.Type = KindAlert
	result.AlertID = id
	result.Severity = string(severity)
	result.Message = message
	result.Status = StatusCreated
	return result, nil
}

func (d *Dispatcher) actuate(ctx context.Context, rule *Rule, a *ActuateAction, deviceID string, result ActionResult) ActionResult {
	result.Type = KindActuate
	result.Target = a.Target
	result.Command = a.Command
	result.Duration = a.Duration
	result.Status = StatusExecuted

	d.logger.Infow("Actuating", "rule_id", rule.ID, "target", a.Target, "command", a.Command)
	if d.actuators == nil {
		return result
	}
	err := d.actuators.SendCommand(ctx, Command{
		Target:   a.Target,
		Command:  a.Command,
		Duration: a.Duration,
		RuleID:   rule.ID,
		DeviceID: deviceID,
		IssuedAt: result.TriggeredAt,
	})
	if err != nil {
		d.logger.Warnw("Actuator command failed", "rule_id", rule.ID, "target", a.Target, "error", err)
		result.Status = FailedStatus(err)
	}
	return result
}

func (d *Dispatcher) notify(ctx context.Context, rule *Rule, a *NotifyAction, deviceID string, value float64, result ActionResult) ActionResult {
	message := RenderMessage(a.Message, value, d.displayName(ctx, deviceID))
	result.Type = KindNotify
	result.Channel = a.Channel
	result.Recipients = append([]string(nil), a.Recipients...)
	result.Message = message
	result.Status = StatusSent

	d.logger.Infow("Sending notification", "rule_id", rule.ID, "channel", a.Channel, "recipients", len(a.Recipients))
	if d.notifier == nil {
		return result
	}
	id, err := d.notifier.EnqueueNotification(ctx, Notification{
		Channel:    a.Channel,
		Recipients: result.Recipients,
		Message:    message,
		RuleID:     rule.ID,
		DeviceID:   deviceID,
		CreatedAt:  result.TriggeredAt,
	})
	if err != nil {
		d.logger.Warnw("Notification enqueue failed", "rule_id", rule.ID, "channel", a.Channel, "error", err)
		result.Status = FailedStatus(err)
		return result
	}
	result.NotificationID = id
	return result
}

func (d *Dispatcher) log(ctx context.Context, rule *Rule, a *LogAction, deviceID string, value float64, result ActionResult) ActionResult {
	message := RenderMessage(a.Message, value, d.displayName(ctx, deviceID))
	fields := []interface{}{"rule_id", rule.ID, "rule_name", rule.Name, "device_id", deviceID, "value", value}

	switch strings.ToUpper(a.Level) {
	case "DEBUG":
		d.events.Debugw(message, fields...)
	case "WARNING", "WARN":
		d.events.Warnw(message, fields...)
	case "ERROR", "CRITICAL":
		d.events.Errorw(message, fields...)
	default:
		d.events.Infow(message, fields...)
	}

	result.Type = KindLog
	result.Level = a.Level
	result.Message = message
	result.Status = StatusLogged
	return result
}

func (d *Dispatcher) deviceName(ctx context.Context, deviceID string) (string, error) {
	if d.devices == nil {
		return deviceID, nil
	}
	name, err := d.devices.DeviceName(ctx, deviceID)
	if err != nil {
		return "", err
	}
	if name == "" {
		return deviceID, nil
	}
	return name, nil
}

// displayName falls back to the device id when the name cannot be resolved
func (d *Dispatcher) displayName(ctx context.Context, deviceID string) string {
	name, err := d.deviceName(ctx, deviceID)
	if err != nil {
		d.logger.Debugw("Device name lookup failed", "device_id", deviceID, "error", err)
		return deviceID
	}
	return name
}
