package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"smartbus-ledger/internal/transit"
)

// The WHERE on the conflict branch applies only strictly newer reports, so a
// late or repeated report never moves a stored position.
const upsertVehiclePositionSQL = `
INSERT INTO vehicles (id, lat, lon, speed, heading, last_seen, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  lat = excluded.lat,
  lon = excluded.lon,
  speed = excluded.speed,
  heading = excluded.heading,
  last_seen = excluded.last_seen,
  updated_at = excluded.updated_at
WHERE vehicles.last_seen IS NULL OR vehicles.last_seen < excluded.last_seen`

// UpsertVehiclePosition writes p as the vehicle's last-known position. It
// reports false when a position at or after p.At is already stored.
func UpsertVehiclePosition(ctx context.Context, g *gorm.DB, p transit.Position, now time.Time) (bool, error) {
	res := g.WithContext(ctx).Exec(upsertVehiclePositionSQL,
		p.VehicleID, p.Lat, p.Lon, p.Speed, p.Heading, p.At, now)
	if res.Error != nil {
		return false, fmt.Errorf("upsert vehicle: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func AppendTelemetry(ctx context.Context, g *gorm.DB, rec *transit.TelemetryRecord) error {
	if err := g.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}
	return nil
}

// SetVehicleStopLabel stores the resolved stop as the vehicle's current
// location label and the "At <stop>" status text.
func SetVehicleStopLabel(ctx context.Context, g *gorm.DB, vehicleID, stopName string, now time.Time) error {
	err := g.WithContext(ctx).
		Model(&transit.Vehicle{}).
		Where("id = ?", vehicleID).
		Updates(map[string]any{
			"current_location_name": stopName,
			"status_message":        "At " + stopName,
			"updated_at":            now,
		}).Error
	if err != nil {
		return fmt.Errorf("update vehicle label: %w", err)
	}
	return nil
}

// BackfillStartStop fills start_stop_name on the vehicle's ongoing trips that
// still lack one. Filled values are never overwritten.
func BackfillStartStop(ctx context.Context, g *gorm.DB, vehicleID, stopName string) (int64, error) {
	res := g.WithContext(ctx).
		Model(&transit.Trip{}).
		Where("vehicle_id = ? AND status = ? AND start_stop_name IS NULL", vehicleID, transit.TripOngoing).
		Update("start_stop_name", stopName)
	if res.Error != nil {
		return 0, fmt.Errorf("backfill start stop: %w", res.Error)
	}
	return res.RowsAffected, nil
}
