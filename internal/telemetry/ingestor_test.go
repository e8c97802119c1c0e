package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"smartbus-ledger/internal/db"
	"smartbus-ledger/internal/resolver"
	"smartbus-ledger/internal/testdb"
	"smartbus-ledger/internal/transit"
)

func f64Ptr(f float64) *float64 { return &f }

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Ingestor, *gorm.DB) {
	t.Helper()
	g := testdb.Open(t)
	route, stops := testdb.ParkRoute()
	testdb.SeedRoute(t, g, "V1", route, stops)
	in := NewIngestor(g, resolver.New(g, 0.5, 0), nil, nil)
	in.now = func() time.Time { return t0.Add(time.Hour) }
	return in, g
}

func report(lat, lon float64, at time.Time) Report {
	return Report{VehicleID: "V1", Lat: f64Ptr(lat), Lon: f64Ptr(lon), Speed: f64Ptr(22.5), At: at}
}

func TestIngest_UpdatesPositionAndLabel(t *testing.T) {
	in, g := setup(t)
	ctx := context.Background()

	res, err := in.Ingest(ctx, report(13.0059, 77.5901, t0))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !res.Applied || res.Stop != "Mall Junction" {
		t.Fatalf("expected applied report at Mall Junction, got %+v", res)
	}

	v, err := db.FetchVehicle(ctx, g, "V1")
	if err != nil || v == nil {
		t.Fatalf("fetch vehicle: %v %v", v, err)
	}
	if v.Lat == nil || *v.Lat != 13.0059 || v.LastSeen == nil || !v.LastSeen.Equal(t0) {
		t.Errorf("unexpected vehicle position %+v", v)
	}
	if v.CurrentLocationName == nil || *v.CurrentLocationName != "Mall Junction" {
		t.Errorf("expected location label, got %v", v.CurrentLocationName)
	}
	if v.StatusMessage == nil || *v.StatusMessage != "At Mall Junction" {
		t.Errorf("expected status message, got %v", v.StatusMessage)
	}
	if n := testdb.Count(t, g, &transit.TelemetryRecord{}, "vehicle_id = ?", "V1"); n != 1 {
		t.Errorf("expected 1 telemetry record, got %d", n)
	}
}

func TestIngest_StaleReportKeepsPosition(t *testing.T) {
	in, g := setup(t)
	ctx := context.Background()

	if _, err := in.Ingest(ctx, report(13.0060, 77.5900, t0)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	res, err := in.Ingest(ctx, report(12.9700, 77.5900, t0.Add(-time.Minute)))
	if err != nil {
		t.Fatalf("stale ingest: %v", err)
	}
	if res.Applied {
		t.Error("older report should not be applied")
	}

	v, _ := db.FetchVehicle(ctx, g, "V1")
	if *v.Lat != 13.0060 || !v.LastSeen.Equal(t0) {
		t.Errorf("position regressed: lat=%v last_seen=%v", *v.Lat, v.LastSeen)
	}
	if *v.CurrentLocationName != "Mall Junction" {
		t.Errorf("label regressed to %q", *v.CurrentLocationName)
	}
	if n := testdb.Count(t, g, &transit.TelemetryRecord{}, "vehicle_id = ?", "V1"); n != 2 {
		t.Errorf("stale report must still be logged, got %d records", n)
	}

	// a repeated timestamp is stale as well
	res, err = in.Ingest(ctx, report(12.9700, 77.5900, t0))
	if err != nil || res.Applied {
		t.Errorf("expected same-timestamp report ignored, got %+v %v", res, err)
	}
	v, _ = db.FetchVehicle(ctx, g, "V1")
	if *v.Lat != 13.0060 || *v.CurrentLocationName != "Mall Junction" {
		t.Errorf("same-timestamp report moved vehicle: lat=%v label=%q", *v.Lat, *v.CurrentLocationName)
	}
	if n := testdb.Count(t, g, &transit.TelemetryRecord{}, "vehicle_id = ?", "V1"); n != 3 {
		t.Errorf("expected 3 telemetry records, got %d", n)
	}
}

func TestIngest_BackfillsStartStopOnce(t *testing.T) {
	in, g := setup(t)
	ctx := context.Background()

	open := &transit.Trip{ID: "T1", CardID: "C1", VehicleID: "V1", StartTime: t0, Status: transit.TripOngoing}
	if err := db.InsertTrip(ctx, g, open); err != nil {
		t.Fatalf("insert trip: %v", err)
	}
	done := &transit.Trip{ID: "T2", CardID: "C2", VehicleID: "V1", StartTime: t0, Status: transit.TripFinished}
	if err := db.InsertTrip(ctx, g, done); err != nil {
		t.Fatalf("insert trip: %v", err)
	}

	res, err := in.Ingest(ctx, report(12.9701, 77.5900, t0.Add(time.Minute)))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Backfilled != 1 {
		t.Errorf("expected one backfilled trip, got %d", res.Backfilled)
	}

	res, err = in.Ingest(ctx, report(12.9880, 77.5900, t0.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Stop != "Oak Ave" || res.Backfilled != 0 {
		t.Errorf("expected Oak Ave without backfill, got %+v", res)
	}

	trip, _ := db.FetchTrip(ctx, g, "T1")
	if trip.StartStopName == nil || *trip.StartStopName != "Park Rd" {
		t.Errorf("start stop should stay Park Rd, got %v", trip.StartStopName)
	}
	finished, _ := db.FetchTrip(ctx, g, "T2")
	if finished.StartStopName != nil {
		t.Errorf("finished trip must not be backfilled, got %q", *finished.StartStopName)
	}
}

func TestIngest_OutsideGeofenceLeavesLabel(t *testing.T) {
	in, g := setup(t)
	ctx := context.Background()

	if _, err := in.Ingest(ctx, report(12.9700, 77.5900, t0)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	res, err := in.Ingest(ctx, report(12.9790, 77.5900, t0.Add(time.Minute)))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !res.Applied || res.Stop != "" {
		t.Errorf("expected applied report with no stop, got %+v", res)
	}
	v, _ := db.FetchVehicle(ctx, g, "V1")
	if *v.CurrentLocationName != "Park Rd" {
		t.Errorf("label should keep last resolved stop, got %q", *v.CurrentLocationName)
	}
}

func TestIngest_DefaultsTimestamp(t *testing.T) {
	in, g := setup(t)
	ctx := context.Background()

	if _, err := in.Ingest(ctx, report(12.9700, 77.5900, time.Time{})); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	v, _ := db.FetchVehicle(ctx, g, "V1")
	if v.LastSeen == nil || !v.LastSeen.Equal(t0.Add(time.Hour)) {
		t.Errorf("expected last_seen defaulted to now, got %v", v.LastSeen)
	}
}

func TestIngest_Validation(t *testing.T) {
	in, g := setup(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		r     Report
		field string
	}{
		{"missing vehicle", Report{Lat: f64Ptr(1), Lon: f64Ptr(1)}, "vehicleId"},
		{"blank vehicle", Report{VehicleID: "  ", Lat: f64Ptr(1), Lon: f64Ptr(1)}, "vehicleId"},
		{"missing lat", Report{VehicleID: "V1", Lon: f64Ptr(1)}, "lat/lon"},
		{"lat out of range", Report{VehicleID: "V1", Lat: f64Ptr(91), Lon: f64Ptr(1)}, "lat/lon"},
		{"lon out of range", Report{VehicleID: "V1", Lat: f64Ptr(1), Lon: f64Ptr(-181)}, "lat/lon"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := in.Ingest(ctx, tc.r)
			var verr *transit.ValidationError
			if !errors.As(err, &verr) || verr.Field != tc.field {
				t.Errorf("expected validation error on %s, got %v", tc.field, err)
			}
		})
	}
	if n := testdb.Count(t, g, &transit.TelemetryRecord{}, ""); n != 0 {
		t.Errorf("invalid reports must not be logged, got %d", n)
	}
}

func TestIngest_GivesUpWaitingForVehicle(t *testing.T) {
	in, g := setup(t)
	unlock := in.vehicles.Lock("V1")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := in.Ingest(ctx, report(12.9700, 77.5900, t0))
	var serr *transit.StoreError
	if !errors.As(err, &serr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected store error wrapping deadline, got %v", err)
	}
	if n := testdb.Count(t, g, &transit.TelemetryRecord{}, ""); n != 0 {
		t.Errorf("expected nothing logged, got %d", n)
	}
}
