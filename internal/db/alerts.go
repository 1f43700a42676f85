package db

import (
	"context"
	"errors"

	"multirubro/internal/models"

	"github.com/jackc/pgx/v5"
)

const defaultAlertLimit = 50

// CreateAlert stores an alert for a device given by its external id
func (d *DB) CreateAlert(ctx context.Context, a models.Alert) (int64, error) {
	var id int64
	err := d.pool.QueryRow(ctx, `INSERT INTO alerts (device_id, rule_id, severity, title, message)
		SELECT d.id, $2, $3, $4, $5 FROM devices d WHERE d.device_id = $1
		RETURNING id`, a.DeviceID, a.RuleID, a.Severity, a.Title, a.Message).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, models.ErrDeviceNotFound
	}
	return id, err
}

// ListAlerts fetches alerts, newest first
func (d *DB) ListAlerts(ctx context.Context, f models.AlertFilter) ([]models.Alert, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultAlertLimit
	}

	rows, err := d.pool.Query(ctx, `SELECT a.id, d.device_id, COALESCE(a.rule_id, 0), a.severity, a.title, a.message,
			a.is_acknowledged, a.is_resolved, a.acknowledged_at, a.resolved_at, a.created_at
		FROM alerts a JOIN devices d ON d.id = a.device_id
		WHERE ($1 = FALSE OR NOT a.is_resolved) AND ($2 = '' OR a.severity = $2)
		ORDER BY a.created_at DESC, a.id DESC LIMIT $3`, f.UnresolvedOnly, f.Severity, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := []models.Alert{}
	for rows.Next() {
		var a models.Alert
		if err := rows.Scan(&a.ID, &a.DeviceID, &a.RuleID, &a.Severity, &a.Title, &a.Message,
			&a.IsAcknowledged, &a.IsResolved, &a.AcknowledgedAt, &a.ResolvedAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// AcknowledgeAlert marks an alert acknowledged
func (d *DB) AcknowledgeAlert(ctx context.Context, id int64) error {
	return d.updateAlert(ctx, "UPDATE alerts SET is_acknowledged = TRUE, acknowledged_at = NOW() WHERE id = $1", id)
}

// ResolveAlert marks an alert resolved
func (d *DB) ResolveAlert(ctx context.Context, id int64) error {
	return d.updateAlert(ctx, "UPDATE alerts SET is_resolved = TRUE, resolved_at = NOW() WHERE id = $1", id)
}

func (d *DB) updateAlert(ctx context.Context, sql string, id int64) error {
	tag, err := d.pool.Exec(ctx, sql, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrAlertNotFound
	}
	return nil
}
