// Package testdb opens an in-memory SQLite store with the service schema for
// package tests.
package testdb

import (
	"testing"

	gsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"smartbus-ledger/internal/db"
	"smartbus-ledger/internal/transit"
)

// Same partial index as the Postgres migration.
const ongoingTripIndexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS idx_trips_card_ongoing ON trips (card_id) WHERE status = 'ongoing'`

// Open returns a fresh in-memory store closed at test cleanup. The pool is
// capped at one connection so every query sees the same memory database.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	g, err := gorm.Open(gsqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         db.Logger(),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite memory DB: %v", err)
	}
	sqlDB, err := g.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := g.AutoMigrate(
		&transit.Vehicle{},
		&transit.Route{},
		&transit.Stop{},
		&transit.Schedule{},
		&transit.Card{},
		&transit.Trip{},
		&transit.Transaction{},
		&transit.TelemetryRecord{},
		&transit.ScanLog{},
	); err != nil {
		t.Fatalf("automigrate failed: %v", err)
	}
	if err := g.Exec(ongoingTripIndexSQL).Error; err != nil {
		t.Fatalf("create ongoing trip index: %v", err)
	}
	return g
}

// SeedRoute stores route with its stops and makes it the active schedule of
// vehicleID. Stops without a RouteID get route.ID.
func SeedRoute(t testing.TB, g *gorm.DB, vehicleID string, route transit.Route, stops []transit.Stop) {
	t.Helper()
	if err := g.Create(&route).Error; err != nil {
		t.Fatalf("create route: %v", err)
	}
	for i := range stops {
		if stops[i].RouteID == "" {
			stops[i].RouteID = route.ID
		}
		if err := g.Create(&stops[i]).Error; err != nil {
			t.Fatalf("create stop %s: %v", stops[i].ID, err)
		}
	}
	sched := transit.Schedule{ID: "sched-" + vehicleID + "-" + route.ID, VehicleID: vehicleID, RouteID: route.ID, Status: "active"}
	if err := g.Create(&sched).Error; err != nil {
		t.Fatalf("create schedule: %v", err)
	}
}

// SeedVehicle stores v as-is.
func SeedVehicle(t testing.TB, g *gorm.DB, v transit.Vehicle) {
	t.Helper()
	if err := g.Create(&v).Error; err != nil {
		t.Fatalf("create vehicle: %v", err)
	}
}

// ParkRoute is the three-stop route used across package tests:
// Park Rd (10) -> Oak Ave (15) -> Mall Junction (12), roughly 2 km apart.
func ParkRoute() (transit.Route, []transit.Stop) {
	route := transit.Route{ID: "R1", Name: "Park - Mall", Source: "Park Rd", Destination: "Mall Junction"}
	stops := []transit.Stop{
		{ID: "park", Name: "Park Rd", Lat: 12.9700, Lon: 77.5900, Price: 10, Position: 0},
		{ID: "oak", Name: "Oak Ave", Lat: 12.9880, Lon: 77.5900, Price: 15, Position: 1},
		{ID: "mall", Name: "Mall Junction", Lat: 13.0060, Lon: 77.5900, Price: 12, Position: 2},
	}
	return route, stops
}

// Count returns the number of rows of model matching the optional condition.
func Count(t testing.TB, g *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	q := g.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
