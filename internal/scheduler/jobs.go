package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Job names
const (
	JobRuleRefresh  = "rule_refresh"
	JobOfflineSweep = "device_offline_sweep"
)

// RuleRefresher reloads the compiled rule set
type RuleRefresher interface {
	RefreshRules(ctx context.Context) (int, error)
}

// DeviceSweeper marks devices offline that were last seen before cutoff
type DeviceSweeper interface {
	MarkStaleDevicesOffline(ctx context.Context, cutoff time.Time) (int64, error)
}

// RuleRefreshJob recompiles edited rules ahead of the next reading
func RuleRefreshJob(r RuleRefresher, logger *zap.SugaredLogger) Job {
	return func(ctx context.Context) error {
		n, err := r.RefreshRules(ctx)
		if err != nil {
			return err
		}
		logger.Debugw("Rules refreshed", "active_rules", n)
		return nil
	}
}

// OfflineSweepJob flags devices silent for longer than after
func OfflineSweepJob(d DeviceSweeper, after time.Duration, now func() time.Time, logger *zap.SugaredLogger) Job {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		n, err := d.MarkStaleDevicesOffline(ctx, now().Add(-after))
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Infow("Devices marked offline", "count", n)
		}
		return nil
	}
}
