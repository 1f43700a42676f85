package automation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownOperator  = errors.New("unknown operator")
	ErrEmptyComposite   = errors.New("composite condition has no children")
	ErrInvalidThreshold = errors.New("invalid threshold")
	ErrMissingDevice    = errors.New("condition has no device_id")
	ErrMalformedTree    = errors.New("malformed condition tree")
)

// maxConditionDepth bounds nesting of and/or nodes accepted by ParseCondition
const maxConditionDepth = 16

// DefaultParameter is the reading parameter compared when none is given
const DefaultParameter = "value"

// Operator is a comparison operator of a simple condition
type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpIn           Operator = "in"
	OpNotIn        Operator = "not_in"
)

// Valid reports whether o is one of the supported operators
func (o Operator) Valid() bool {
	switch o {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual, OpIn, OpNotIn:
		return true
	}
	return false
}

// IsMembership reports whether the threshold is a set rather than a number
func (o Operator) IsMembership() bool {
	return o == OpIn || o == OpNotIn
}

// Apply compares actual against the threshold (or set, for in/not_in).
// Comparisons are exact IEEE-754; no tolerance is applied to == and !=.
func (o Operator) Apply(actual, threshold float64, set []float64) (bool, error) {
	switch o {
	case OpGreater:
		return actual > threshold, nil
	case OpGreaterEqual:
		return actual >= threshold, nil
	case OpLess:
		return actual < threshold, nil
	case OpLessEqual:
		return actual <= threshold, nil
	case OpEqual:
		return actual == threshold, nil
	case OpNotEqual:
		return actual != threshold, nil
	case OpIn:
		return contains(set, actual), nil
	case OpNotIn:
		return !contains(set, actual), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, string(o))
	}
}

func contains(set []float64, v float64) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Condition is a node of a rule's condition tree: *Simple, *And or *Or.
type Condition interface {
	// References reports whether deviceID appears anywhere in the tree
	References(deviceID string) bool
	// Devices returns every referenced device id, in first-seen order, without duplicates
	Devices() []string

	appendDevices(seen map[string]bool, out []string) []string
}

// Simple compares one device's value against a threshold
type Simple struct {
	DeviceID  string
	Parameter string
	Operator  Operator
	Threshold float64
	Set       []float64
}

// And is true when every child is true
type And struct {
	Children []Condition
}

// Or is true when at least one child is true
type Or struct {
	Children []Condition
}

func (s *Simple) References(deviceID string) bool { return s.DeviceID == deviceID }
func (a *And) References(deviceID string) bool    { return anyReferences(a.Children, deviceID) }
func (o *Or) References(deviceID string) bool     { return anyReferences(o.Children, deviceID) }

func anyReferences(children []Condition, deviceID string) bool {
	for _, c := range children {
		if c.References(deviceID) {
			return true
		}
	}
	return false
}

func (s *Simple) Devices() []string { return s.appendDevices(map[string]bool{}, nil) }
func (a *And) Devices() []string    { return a.appendDevices(map[string]bool{}, nil) }
func (o *Or) Devices() []string     { return o.appendDevices(map[string]bool{}, nil) }

func (s *Simple) appendDevices(seen map[string]bool, out []string) []string {
	if !seen[s.DeviceID] {
		seen[s.DeviceID] = true
		out = append(out, s.DeviceID)
	}
	return out
}

func (a *And) appendDevices(seen map[string]bool, out []string) []string {
	for _, c := range a.Children {
		out = c.appendDevices(seen, out)
	}
	return out
}

func (o *Or) appendDevices(seen map[string]bool, out []string) []string {
	for _, c := range o.Children {
		out = c.appendDevices(seen, out)
	}
	return out
}

// conditionJSON is the stored shape of every node:
//
//	{"device_id": "TEMP-001", "operator": ">", "value": 25, "parameter": "value"}
//	{"and": [ ... ]}
//	{"or":  [ ... ]}
type conditionJSON struct {
	DeviceID  string            `json:"device_id,omitempty"`
	Parameter string            `json:"parameter,omitempty"`
	Operator  string            `json:"operator,omitempty"`
	Value     json.RawMessage   `json:"value,omitempty"`
	And       []json.RawMessage `json:"and,omitempty"`
	Or        []json.RawMessage `json:"or,omitempty"`
}

// ParseCondition validates a stored condition tree and builds its typed form
func ParseCondition(raw json.RawMessage) (Condition, error) {
	return parseCondition(raw, 0)
}

func parseCondition(raw json.RawMessage, depth int) (Condition, error) {
	if depth > maxConditionDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrMalformedTree, maxConditionDepth)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: empty condition", ErrMalformedTree)
	}

	var node conditionJSON
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTree, err)
	}

	switch {
	case node.And != nil && node.Or != nil:
		return nil, fmt.Errorf("%w: node has both and and or", ErrMalformedTree)
	case node.And != nil:
		children, err := parseChildren(node.And, depth)
		if err != nil {
			return nil, fmt.Errorf("and: %w", err)
		}
		return &And{Children: children}, nil
	case node.Or != nil:
		children, err := parseChildren(node.Or, depth)
		if err != nil {
			return nil, fmt.Errorf("or: %w", err)
		}
		return &Or{Children: children}, nil
	}

	return parseSimple(node)
}

func parseChildren(raws []json.RawMessage, depth int) ([]Condition, error) {
	if len(raws) == 0 {
		return nil, ErrEmptyComposite
	}
	children := make([]Condition, 0, len(raws))
	for i, r := range raws {
		c, err := parseCondition(r, depth+1)
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		children = append(children, c)
	}
	return children, nil
}

func parseSimple(node conditionJSON) (*Simple, error) {
	if node.DeviceID == "" {
		return nil, ErrMissingDevice
	}
	op := Operator(node.Operator)
	if !op.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, node.Operator)
	}
	s := &Simple{
		DeviceID:  node.DeviceID,
		Parameter: node.Parameter,
		Operator:  op,
	}
	if s.Parameter == "" {
		s.Parameter = DefaultParameter
	}
	if len(node.Value) == 0 || bytes.Equal(node.Value, []byte("null")) {
		return nil, fmt.Errorf("%w: missing value for device %s", ErrInvalidThreshold, node.DeviceID)
	}
	if op.IsMembership() {
		if err := json.Unmarshal(node.Value, &s.Set); err != nil || s.Set == nil {
			return nil, fmt.Errorf("%w: %s expects a list of numbers", ErrInvalidThreshold, op)
		}
		return s, nil
	}
	if err := json.Unmarshal(node.Value, &s.Threshold); err != nil {
		return nil, fmt.Errorf("%w: %s expects a number", ErrInvalidThreshold, op)
	}
	return s, nil
}

// MarshalJSON writes the stored shape of the node
func (s *Simple) MarshalJSON() ([]byte, error) {
	var value any = s.Threshold
	if s.Operator.IsMembership() {
		value = s.Set
	}
	return json.Marshal(struct {
		DeviceID  string   `json:"device_id"`
		Parameter string   `json:"parameter,omitempty"`
		Operator  Operator `json:"operator"`
		Value     any      `json:"value"`
	}{s.DeviceID, s.Parameter, s.Operator, value})
}

func (a *And) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string][]Condition{"and": a.Children})
}

func (o *Or) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string][]Condition{"or": o.Children})
}
