package models

import "errors"

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrRuleNotFound   = errors.New("rule not found")
	ErrAlertNotFound  = errors.New("alert not found")
	ErrDeviceExists   = errors.New("device already exists")
)
