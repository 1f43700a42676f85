package models

import (
	"encoding/json"
	"time"
)

type SensorDataRequest struct {
	DeviceID  string     `json:"device_id" binding:"required"`
	Value     *float64   `json:"value" binding:"required"`
	Unit      string     `json:"unit"`
	Quality   *float64   `json:"quality"`
	Timestamp *time.Time `json:"timestamp"`
}

// AddRuleRequest is used for both create and full update
type AddRuleRequest struct {
	Name            string          `json:"name" binding:"required"`
	Description     string          `json:"description"`
	Condition       json.RawMessage `json:"condition" binding:"required"`
	Action          json.RawMessage `json:"action" binding:"required"`
	IsActive        *bool           `json:"is_active"`
	Priority        int             `json:"priority"`
	CooldownSeconds *int            `json:"cooldown_seconds"`
}

type TestRuleRequest struct {
	DeviceID string   `json:"device_id" binding:"required"`
	Value    *float64 `json:"value" binding:"required"`
}

type AddDeviceRequest struct {
	DeviceID   string `json:"device_id" binding:"required,max=50"`
	Name       string `json:"name" binding:"required,max=100"`
	DeviceType string `json:"device_type" binding:"required,max=50"`
	Rubro      string `json:"rubro" binding:"max=50"`
	Location   string `json:"location" binding:"max=100"`
}
