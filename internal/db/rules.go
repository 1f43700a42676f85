package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"multirubro/internal/models"

	"github.com/jackc/pgx/v5"
)

const ruleColumns = `id, name, description, condition, action, is_active, priority,
	cooldown_seconds, last_triggered, trigger_count, created_at, updated_at`

func scanRule(row pgx.Row) (models.Rule, error) {
	var r models.Rule
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Condition, &r.Action, &r.IsActive, &r.Priority,
		&r.CooldownSeconds, &r.LastTriggered, &r.TriggerCount, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (d *DB) queryRules(ctx context.Context, sql string, args ...any) ([]models.Rule, error) {
	rows, err := d.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []models.Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// ActiveRules fetches active rules in evaluation order
func (d *DB) ActiveRules(ctx context.Context) ([]models.Rule, error) {
	return d.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules
		WHERE is_active ORDER BY priority DESC, created_at ASC, id ASC`)
}

// ListRules fetches all rules, or only active ones
func (d *DB) ListRules(ctx context.Context, activeOnly bool) ([]models.Rule, error) {
	return d.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules
		WHERE $1 = FALSE OR is_active ORDER BY priority DESC, created_at ASC, id ASC`, activeOnly)
}

// GetRule fetches a rule
func (d *DB) GetRule(ctx context.Context, id int64) (models.Rule, error) {
	r, err := scanRule(d.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Rule{}, models.ErrRuleNotFound
	}
	return r, err
}

// CreateRule inserts a rule and returns it as stored
func (d *DB) CreateRule(ctx context.Context, r models.Rule) (models.Rule, error) {
	return scanRule(d.pool.QueryRow(ctx, `INSERT INTO rules
		(name, description, condition, action, is_active, priority, cooldown_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+ruleColumns,
		r.Name, r.Description, r.Condition, r.Action, r.IsActive, r.Priority, r.CooldownSeconds))
}

// UpdateRule replaces the definition of a rule; trigger bookkeeping is kept
func (d *DB) UpdateRule(ctx context.Context, r models.Rule) (models.Rule, error) {
	updated, err := scanRule(d.pool.QueryRow(ctx, `UPDATE rules SET
		name = $2, description = $3, condition = $4, action = $5, is_active = $6,
		priority = $7, cooldown_seconds = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING `+ruleColumns,
		r.ID, r.Name, r.Description, r.Condition, r.Action, r.IsActive, r.Priority, r.CooldownSeconds))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Rule{}, models.ErrRuleNotFound
	}
	return updated, err
}

// SetRuleActive activates or deactivates a rule
func (d *DB) SetRuleActive(ctx context.Context, id int64, active bool) error {
	tag, err := d.pool.Exec(ctx, "UPDATE rules SET is_active = $2, updated_at = NOW() WHERE id = $1", id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrRuleNotFound
	}
	return nil
}

// DeleteRule removes a rule
func (d *DB) DeleteRule(ctx context.Context, id int64) error {
	tag, err := d.pool.Exec(ctx, "DELETE FROM rules WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrRuleNotFound
	}
	return nil
}

// CountRules returns the number of stored rules
func (d *DB) CountRules(ctx context.Context) (int, error) {
	var n int
	err := d.pool.QueryRow(ctx, "SELECT COUNT(*) FROM rules").Scan(&n)
	return n, err
}

// TriggerState reads the firing bookkeeping of a rule
func (d *DB) TriggerState(ctx context.Context, id int64) (models.TriggerState, error) {
	var st models.TriggerState
	err := d.pool.QueryRow(ctx, "SELECT last_triggered, trigger_count FROM rules WHERE id = $1", id).
		Scan(&st.LastTriggered, &st.TriggerCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, models.ErrRuleNotFound
	}
	return st, err
}

// MarkTriggered records a firing: last_triggered and trigger_count change in
// the same statement, and only while last_triggered still equals prev.
func (d *DB) MarkTriggered(ctx context.Context, id int64, prev *time.Time, at time.Time) (models.TriggerState, bool, error) {
	var st models.TriggerState
	err := d.pool.QueryRow(ctx, `UPDATE rules
		SET last_triggered = $3, trigger_count = trigger_count + 1
		WHERE id = $1 AND last_triggered IS NOT DISTINCT FROM $2
		RETURNING last_triggered, trigger_count`, id, prev, at.Truncate(time.Microsecond)).
		Scan(&st.LastTriggered, &st.TriggerCount)
	if errors.Is(err, pgx.ErrNoRows) {
		st, err = d.TriggerState(ctx, id)
		if err != nil {
			return st, false, fmt.Errorf("mark rule %d triggered: %w", id, err)
		}
		return st, false, nil
	}
	if err != nil {
		return st, false, err
	}
	return st, true, nil
}

// UnmarkTriggered restores prev if the rule's last firing is still at
func (d *DB) UnmarkTriggered(ctx context.Context, id int64, prev *time.Time, at time.Time) error {
	_, err := d.pool.Exec(ctx, `UPDATE rules
		SET last_triggered = $2, trigger_count = GREATEST(trigger_count - 1, 0)
		WHERE id = $1 AND last_triggered = $3`, id, prev, at.Truncate(time.Microsecond))
	return err
}
