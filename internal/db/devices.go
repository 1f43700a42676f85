package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"multirubro/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultHistoryLimit = 100
	uniqueViolation     = "23505"
)

// GetDevice fetches a device by its external id
func (d *DB) GetDevice(ctx context.Context, deviceID string) (models.Device, error) {
	var dev models.Device
	err := d.pool.QueryRow(ctx, `SELECT id, device_id, name, device_type, rubro, location, status, last_seen
		FROM devices WHERE device_id = $1`, deviceID).
		Scan(&dev.ID, &dev.DeviceID, &dev.Name, &dev.DeviceType, &dev.Rubro, &dev.Location, &dev.Status, &dev.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Device{}, models.ErrDeviceNotFound
	}
	return dev, err
}

// ListDevices returns devices ordered by device id
func (d *DB) ListDevices(ctx context.Context, f models.DeviceFilter) ([]models.Device, error) {
	rows, err := d.pool.Query(ctx, `SELECT id, device_id, name, device_type, rubro, location, status, last_seen
		FROM devices
		WHERE ($1 = '' OR rubro = $1) AND ($2 = '' OR status = $2)
		ORDER BY device_id`, f.Rubro, string(f.Status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		var dev models.Device
		if err := rows.Scan(&dev.ID, &dev.DeviceID, &dev.Name, &dev.DeviceType, &dev.Rubro, &dev.Location, &dev.Status, &dev.LastSeen); err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, rows.Err()
}

// CreateDevice registers a new device; it fails with ErrDeviceExists when
// the device id is taken.
func (d *DB) CreateDevice(ctx context.Context, dev models.Device) (models.Device, error) {
	err := d.pool.QueryRow(ctx, `INSERT INTO devices (device_id, name, device_type, rubro, location)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, status, last_seen`,
		dev.DeviceID, dev.Name, dev.DeviceType, dev.Rubro, dev.Location).
		Scan(&dev.ID, &dev.Status, &dev.LastSeen)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return models.Device{}, fmt.Errorf("%s: %w", dev.DeviceID, models.ErrDeviceExists)
	}
	return dev, err
}

// DeleteDevice removes a device with its readings and alerts
func (d *DB) DeleteDevice(ctx context.Context, deviceID string) error {
	tag, err := d.pool.Exec(ctx, "DELETE FROM devices WHERE device_id = $1", deviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrDeviceNotFound
	}
	return nil
}

// ReadingHistory returns up to limit readings of a device taken at or after
// since, oldest first. A zero since means no lower bound.
func (d *DB) ReadingHistory(ctx context.Context, deviceID string, since time.Time, limit int) ([]models.Reading, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	var lower *time.Time
	if !since.IsZero() {
		lower = &since
	}

	rows, err := d.pool.Query(ctx, `SELECT * FROM (
			SELECT s.timestamp, s.value, s.unit, s.quality, s.id FROM sensor_data s
			JOIN devices d ON d.id = s.device_id
			WHERE d.device_id = $1 AND ($2::timestamptz IS NULL OR s.timestamp >= $2)
			ORDER BY s.timestamp DESC, s.id DESC LIMIT $3
		) recent ORDER BY timestamp, id`, deviceID, lower, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	readings := []models.Reading{}
	for rows.Next() {
		r := models.Reading{DeviceID: deviceID}
		var id int64
		if err := rows.Scan(&r.Timestamp, &r.Value, &r.Unit, &r.Quality, &id); err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// DeviceName returns the display name of a device
func (d *DB) DeviceName(ctx context.Context, deviceID string) (string, error) {
	var name string
	err := d.pool.QueryRow(ctx, "SELECT name FROM devices WHERE device_id = $1", deviceID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", models.ErrDeviceNotFound
	}
	return name, err
}

// UpsertDevice creates a device or updates its descriptive fields
func (d *DB) UpsertDevice(ctx context.Context, dev models.Device) error {
	_, err := d.pool.Exec(ctx, `INSERT INTO devices (device_id, name, device_type, rubro, location)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id) DO UPDATE SET
			name = EXCLUDED.name, device_type = EXCLUDED.device_type,
			rubro = EXCLUDED.rubro, location = EXCLUDED.location, updated_at = NOW()`,
		dev.DeviceID, dev.Name, dev.DeviceType, dev.Rubro, dev.Location)
	return err
}

// RecordReading stores a reading and marks its device online
func (d *DB) RecordReading(ctx context.Context, r models.Reading) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `UPDATE devices SET last_seen = $2, status = $3
		WHERE device_id = $1 RETURNING id`, r.DeviceID, r.Timestamp, models.DeviceOnline).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrDeviceNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `INSERT INTO sensor_data (device_id, timestamp, value, unit, quality)
		VALUES ($1, $2, $3, $4, $5)`, id, r.Timestamp, r.Value, r.Unit, r.Quality); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LatestValue returns the most recent reading value of a device
func (d *DB) LatestValue(ctx context.Context, deviceID string) (float64, bool, error) {
	var v float64
	err := d.pool.QueryRow(ctx, `SELECT s.value FROM sensor_data s
		JOIN devices d ON d.id = s.device_id
		WHERE d.device_id = $1
		ORDER BY s.timestamp DESC, s.id DESC LIMIT 1`, deviceID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// MarkStaleDevicesOffline sets devices not seen since cutoff offline
func (d *DB) MarkStaleDevicesOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := d.pool.Exec(ctx, `UPDATE devices SET status = $2
		WHERE status = $3 AND (last_seen IS NULL OR last_seen < $1)`,
		cutoff, models.DeviceOffline, models.DeviceOnline)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
