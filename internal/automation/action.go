package automation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"multirubro/internal/models"
)

var (
	ErrUnknownActionKind = errors.New("unknown action kind")
	ErrInvalidAction     = errors.New("invalid action")
)

// ActionKind names the variant of an Action
type ActionKind string

const (
	KindAlert   ActionKind = "alert"
	KindActuate ActionKind = "actuate"
	KindNotify  ActionKind = "notify"
	KindLog     ActionKind = "log"
)

// Defaults applied when a stored action omits a field
const (
	DefaultAlertMessage  = "Rule triggered"
	DefaultNotifyChannel = "email"
	DefaultNotifyMessage = "Notification from IoT system"
	DefaultLogLevel      = "INFO"
)

// Action is what a rule does when it fires: *AlertAction, *ActuateAction,
// *NotifyAction or *LogAction.
type Action interface {
	Kind() ActionKind
}

// AlertAction creates an alert for the triggering device
type AlertAction struct {
	Severity        string `json:"severity"`
	MessageTemplate string `json:"message"`
}

// ActuateAction sends a command to an actuator
type ActuateAction struct {
	Target   string `json:"target"`
	Command  string `json:"command"`
	Duration *int   `json:"duration,omitempty"` // seconds
}

// NotifyAction sends a message through a notification channel
type NotifyAction struct {
	Channel    string   `json:"channel"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
}

// LogAction writes to the rule event log
type LogAction struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (*AlertAction) Kind() ActionKind   { return KindAlert }
func (*ActuateAction) Kind() ActionKind { return KindActuate }
func (*NotifyAction) Kind() ActionKind  { return KindNotify }
func (*LogAction) Kind() ActionKind     { return KindLog }

// SeverityOf maps a severity string to an alert severity; anything
// unrecognised is a warning.
func SeverityOf(s string) models.AlertSeverity {
	switch models.AlertSeverity(s) {
	case models.SeverityInfo, models.SeverityWarning, models.SeverityError, models.SeverityCritical:
		return models.AlertSeverity(s)
	}
	return models.SeverityWarning
}

// ParseAction validates a stored action and builds its typed form
func ParseAction(raw json.RawMessage) (Action, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: empty action", ErrInvalidAction)
	}

	var head struct {
		Type ActionKind `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}

	var action Action
	switch head.Type {
	case KindAlert:
		a := &AlertAction{}
		if err := json.Unmarshal(raw, a); err != nil {
			return nil, fmt.Errorf("%w: alert: %v", ErrInvalidAction, err)
		}
		if a.Severity == "" {
			a.Severity = string(models.SeverityWarning)
		}
		if a.MessageTemplate == "" {
			a.MessageTemplate = DefaultAlertMessage
		}
		action = a
	case KindActuate:
		a := &ActuateAction{}
		if err := json.Unmarshal(raw, a); err != nil {
			return nil, fmt.Errorf("%w: actuate: %v", ErrInvalidAction, err)
		}
		if a.Target == "" || a.Command == "" {
			return nil, fmt.Errorf("%w: actuate needs target and command", ErrInvalidAction)
		}
		if a.Duration != nil && *a.Duration < 0 {
			return nil, fmt.Errorf("%w: negative actuate duration", ErrInvalidAction)
		}
		action = a
	case KindNotify:
		a := &NotifyAction{}
		if err := json.Unmarshal(raw, a); err != nil {
			return nil, fmt.Errorf("%w: notify: %v", ErrInvalidAction, err)
		}
		if a.Channel == "" {
			a.Channel = DefaultNotifyChannel
		}
		if a.Message == "" {
			a.Message = DefaultNotifyMessage
		}
		if a.Recipients == nil {
			a.Recipients = []string{}
		}
		action = a
	case KindLog:
		a := &LogAction{}
		if err := json.Unmarshal(raw, a); err != nil {
			return nil, fmt.Errorf("%w: log: %v", ErrInvalidAction, err)
		}
		if a.Level == "" {
			a.Level = DefaultLogLevel
		}
		action = a
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionKind, string(head.Type))
	}
	return action, nil
}

// MarshalAction writes the stored shape of an action, including its type tag
func MarshalAction(a Action) (json.RawMessage, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"] = a.Kind()
	return json.Marshal(fields)
}
