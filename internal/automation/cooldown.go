package automation

import "time"

// CooldownTracker decides whether a rule may fire again. The window is per
// rule: every device the rule references shares it.
type CooldownTracker struct {
	now func() time.Time
}

// NewCooldownTracker creates a tracker; a nil clock means time.Now
func NewCooldownTracker(now func() time.Time) *CooldownTracker {
	if now == nil {
		now = time.Now
	}
	return &CooldownTracker{now: now}
}

// InCooldown reports whether rule fired less than its cooldown ago
func (t *CooldownTracker) InCooldown(rule *Rule) bool {
	return t.Remaining(rule) > 0
}

// Remaining is how long rule still has to wait, zero when it may fire
func (t *CooldownTracker) Remaining(rule *Rule) time.Duration {
	if rule == nil || rule.LastTriggered == nil {
		return 0
	}
	end := rule.LastTriggered.Add(rule.Cooldown)
	now := t.now()
	if now.Before(end) {
		return end.Sub(now)
	}
	return 0
}
