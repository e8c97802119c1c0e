package db

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"smartbus-ledger/internal/transit"
)

// Route, stop and schedule rows belong to the route editor; the core only
// reads them.

func FetchVehicle(ctx context.Context, g *gorm.DB, id string) (*transit.Vehicle, error) {
	var v transit.Vehicle
	err := g.WithContext(ctx).First(&v, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query vehicle: %w", err)
	}
	return &v, nil
}

// FetchActiveSchedule returns the vehicle's active schedule, or nil.
func FetchActiveSchedule(ctx context.Context, g *gorm.DB, vehicleID string) (*transit.Schedule, error) {
	var rows []transit.Schedule
	err := g.WithContext(ctx).
		Where("vehicle_id = ? AND status = ?", vehicleID, "active").
		Order("id").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func FetchRoute(ctx context.Context, g *gorm.DB, id string) (*transit.Route, error) {
	var r transit.Route
	err := g.WithContext(ctx).First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query route: %w", err)
	}
	return &r, nil
}

// FetchRouteStops returns the route's stops in route order. Equal positions
// fall back to id so the order is stable.
func FetchRouteStops(ctx context.Context, g *gorm.DB, routeID string) ([]transit.Stop, error) {
	var stops []transit.Stop
	err := g.WithContext(ctx).
		Where("route_id = ?", routeID).
		Order("position").
		Order("id").
		Find(&stops).Error
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	return stops, nil
}

func FetchStop(ctx context.Context, g *gorm.DB, id string) (*transit.Stop, error) {
	var s transit.Stop
	err := g.WithContext(ctx).First(&s, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query stop: %w", err)
	}
	return &s, nil
}
