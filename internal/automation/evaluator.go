package automation

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ValueResolver returns the latest known value of a device. ok is false when
// no value is available, including lookup failures and timeouts.
type ValueResolver func(ctx context.Context, deviceID string) (value float64, ok bool)

// Evaluator decides whether a condition tree holds for a reading
type Evaluator struct {
	logger *zap.SugaredLogger
}

// NewEvaluator creates an evaluator; a nil logger disables logging
func NewEvaluator(logger *zap.SugaredLogger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Evaluator{logger: logger.With("component", "evaluator")}
}

// Evaluate evaluates cond for a reading of value from deviceID.
//
// Nodes referencing deviceID use value directly; other devices are looked up
// through resolve. Missing values and unsupported operators make the node
// false; Evaluate never fails open.
func (e *Evaluator) Evaluate(ctx context.Context, cond Condition, deviceID string, value float64, resolve ValueResolver) bool {
	switch c := cond.(type) {
	case *And:
		if len(c.Children) == 0 {
			e.logger.Errorw("Empty and condition", "device_id", deviceID)
			return false
		}
		for _, child := range c.Children {
			if !e.Evaluate(ctx, child, deviceID, value, resolve) {
				return false
			}
		}
		return true
	case *Or:
		for _, child := range c.Children {
			if e.Evaluate(ctx, child, deviceID, value, resolve) {
				return true
			}
		}
		return false
	case *Simple:
		return e.evaluateSimple(ctx, c, deviceID, value, resolve)
	default:
		e.logger.Errorw("Unsupported condition node", "type", fmt.Sprintf("%T", cond))
		return false
	}
}

func (e *Evaluator) evaluateSimple(ctx context.Context, s *Simple, deviceID string, value float64, resolve ValueResolver) bool {
	actual := value
	if s.DeviceID != deviceID {
		if resolve == nil {
			return false
		}
		v, ok := resolve(ctx, s.DeviceID)
		if !ok {
			e.logger.Debugw("No value for referenced device", "device_id", s.DeviceID)
			return false
		}
		actual = v
	}

	result, err := s.Operator.Apply(actual, s.Threshold, s.Set)
	if err != nil {
		e.logger.Errorw("Condition evaluation failed",
			"device_id", s.DeviceID,
			"operator", string(s.Operator),
			"error", err,
		)
		return false
	}

	e.logger.Debugw("Condition evaluated",
		"device_id", s.DeviceID,
		"actual", actual,
		"operator", string(s.Operator),
		"threshold", s.Threshold,
		"result", result,
	)
	return result
}
