package models

import (
	"encoding/json"
	"time"
)

// DeviceStatus is the connection state of a device
type DeviceStatus string

const (
	DeviceOnline      DeviceStatus = "online"
	DeviceOffline     DeviceStatus = "offline"
	DeviceError       DeviceStatus = "error"
	DeviceMaintenance DeviceStatus = "maintenance"
)

// Device represents a sensor or actuator node
type Device struct {
	ID         int64        `json:"id"`
	DeviceID   string       `json:"device_id"`
	Name       string       `json:"name"`
	DeviceType string       `json:"device_type"`
	Rubro      string       `json:"rubro"`
	Location   string       `json:"location"`
	Status     DeviceStatus `json:"status"`
	LastSeen   *time.Time   `json:"last_seen"`
}

// DeviceFilter narrows device listings; empty fields match everything
type DeviceFilter struct {
	Rubro  string
	Status DeviceStatus
}

// Reading is a single sensor measurement
type Reading struct {
	DeviceID  string    `json:"device_id"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Quality   float64   `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}

// Rule is an automation rule as stored; Condition and Action are raw JSON
// and must go through automation.CompileRule before evaluation.
type Rule struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Condition       json.RawMessage `json:"condition"`
	Action          json.RawMessage `json:"action"`
	IsActive        bool            `json:"is_active"`
	Priority        int             `json:"priority"`
	CooldownSeconds int             `json:"cooldown_seconds"`
	LastTriggered   *time.Time      `json:"last_triggered"`
	TriggerCount    int64           `json:"trigger_count"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TriggerState is the mutable firing bookkeeping of a rule
type TriggerState struct {
	LastTriggered *time.Time
	TriggerCount  int64
}

// AlertSeverity levels
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is created by alert actions
type Alert struct {
	ID             int64         `json:"id"`
	DeviceID       string        `json:"device_id"`
	RuleID         int64         `json:"rule_id"`
	Severity       AlertSeverity `json:"severity"`
	Title          string        `json:"title"`
	Message        string        `json:"message"`
	IsAcknowledged bool          `json:"is_acknowledged"`
	IsResolved     bool          `json:"is_resolved"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// AlertFilter narrows alert listings
type AlertFilter struct {
	UnresolvedOnly bool
	Severity       string
	Limit          int
}
