package resolver

import (
	"context"
	"math"
	"testing"
	"time"

	"smartbus-ledger/internal/geo"
	"smartbus-ledger/internal/testdb"
	"smartbus-ledger/internal/transit"
)

func strPtr(s string) *string { return &s }

func f64Ptr(f float64) *float64 { return &f }

func pt(lat, lon float64) *geo.Point { return &geo.Point{Lat: lat, Lon: lon} }

func TestResolve_Geofence(t *testing.T) {
	g := testdb.Open(t)
	route, stops := testdb.ParkRoute()
	testdb.SeedRoute(t, g, "V1", route, stops)
	r := New(g, 0.5, 0)
	ctx := context.Background()

	// ~100 m north of Park Rd
	res, err := r.Resolve(ctx, "V1", pt(12.9709, 77.5900))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.StopName != "Park Rd" || res.Source != SourceGeofence {
		t.Fatalf("expected Park Rd via geofence, got %q via %s", res.StopName, res.Source)
	}
	if len(res.RouteStops) != 3 || res.RouteStops[0].Name != "Park Rd" || res.RouteStops[2].Name != "Mall Junction" {
		t.Errorf("expected ordered route stops, got %+v", res.RouteStops)
	}
	if res.DistanceKm <= 0 || res.DistanceKm >= 0.5 {
		t.Errorf("expected distance within radius, got %f", res.DistanceKm)
	}

	// halfway between Park Rd and Oak Ave is ~1 km from both
	res, err = r.Resolve(ctx, "V1", pt(12.9790, 77.5900))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Resolved() || res.Stop != nil {
		t.Errorf("expected no stop outside geofence, got %q", res.StopName)
	}
	if len(res.RouteStops) != 3 {
		t.Errorf("route stops should still be returned, got %d", len(res.RouteStops))
	}
}

func TestResolve_UsesLastKnownPosition(t *testing.T) {
	g := testdb.Open(t)
	route, stops := testdb.ParkRoute()
	testdb.SeedRoute(t, g, "V1", route, stops)
	now := time.Now().UTC()
	testdb.SeedVehicle(t, g, transit.Vehicle{ID: "V1", Lat: f64Ptr(13.0061), Lon: f64Ptr(77.5901), LastSeen: &now})

	res, err := New(g, 0.5, 0).Resolve(context.Background(), "V1", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.StopName != "Mall Junction" {
		t.Fatalf("expected Mall Junction from last-known position, got %q", res.StopName)
	}
	if res.Point == nil || math.Abs(res.Point.Lat-13.0061) > 1e-9 {
		t.Errorf("expected last-known point to be reported, got %+v", res.Point)
	}
}

func TestResolve_MalformedCoordinatesSkipGeofence(t *testing.T) {
	g := testdb.Open(t)
	route, stops := testdb.ParkRoute()
	testdb.SeedRoute(t, g, "V1", route, stops)

	res, err := New(g, 0.5, 0).Resolve(context.Background(), "V1", pt(math.NaN(), 77.59))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Resolved() || res.Point != nil {
		t.Errorf("expected no stop and no point for NaN latitude, got %q %+v", res.StopName, res.Point)
	}
}

func TestResolve_ManualStopOverrideWins(t *testing.T) {
	g := testdb.Open(t)
	route, stops := testdb.ParkRoute()
	testdb.SeedRoute(t, g, "V1", route, stops)
	testdb.SeedVehicle(t, g, transit.Vehicle{ID: "V1", ManualStopID: strPtr("oak"), ManualStopName: strPtr("Mall Junction")})

	// position is at Park Rd, override says Oak Ave
	res, err := New(g, 0.5, 0).Resolve(context.Background(), "V1", pt(12.9700, 77.5900))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.StopName != "Oak Ave" || res.Source != SourceManualStop {
		t.Fatalf("expected Oak Ave via manual stop, got %q via %s", res.StopName, res.Source)
	}
}

func TestResolve_ManualStopOffRoute(t *testing.T) {
	g := testdb.Open(t)
	route, stops := testdb.ParkRoute()
	testdb.SeedRoute(t, g, "V1", route, stops)
	other := transit.Stop{ID: "far", RouteID: "R9", Name: "Airport", Lat: 13.2, Lon: 77.7}
	if err := g.Create(&other).Error; err != nil {
		t.Fatalf("create stop: %v", err)
	}
	testdb.SeedVehicle(t, g, transit.Vehicle{ID: "V1", ManualStopID: strPtr("far")})

	res, err := New(g, 0.5, 0).Resolve(context.Background(), "V1", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.StopName != "Airport" || res.Source != SourceManualStop {
		t.Errorf("expected Airport loaded directly, got %q via %s", res.StopName, res.Source)
	}
}

func TestResolve_UnknownManualStopFallsThrough(t *testing.T) {
	g := testdb.Open(t)
	route, stops := testdb.ParkRoute()
	testdb.SeedRoute(t, g, "V1", route, stops)
	testdb.SeedVehicle(t, g, transit.Vehicle{ID: "V1", ManualStopID: strPtr("gone"), ManualStopName: strPtr("Oak Ave")})

	res, err := New(g, 0.5, 0).Resolve(context.Background(), "V1", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.StopName != "Oak Ave" || res.Source != SourceManualName {
		t.Errorf("expected Oak Ave via name override, got %q via %s", res.StopName, res.Source)
	}
}

func TestResolve_NameOverrideMustMatchRoute(t *testing.T) {
	g := testdb.Open(t)
	route, stops := testdb.ParkRoute()
	testdb.SeedRoute(t, g, "V1", route, stops)
	testdb.SeedVehicle(t, g, transit.Vehicle{ID: "V1", ManualStopName: strPtr("Nowhere")})

	res, err := New(g, 0.5, 0).Resolve(context.Background(), "V1", pt(13.0060, 77.5900))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.StopName != "Mall Junction" || res.Source != SourceGeofence {
		t.Errorf("expected fallthrough to geofence, got %q via %s", res.StopName, res.Source)
	}
}

func TestResolve_RouteEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		ref      string
		source   string
		wantName string
		wantStop bool
	}{
		{name: "source matches first stop", ref: "source-node", source: "Park Rd", wantName: "Park Rd", wantStop: true},
		{name: "destination matches last stop", ref: "dest-node", source: "Park Rd", wantName: "Mall Junction", wantStop: true},
		{name: "source label not a stop", ref: "source-node", source: "Central Depot", wantName: "Central Depot", wantStop: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testdb.Open(t)
			route, stops := testdb.ParkRoute()
			route.Source = tt.source
			testdb.SeedRoute(t, g, "V1", route, stops)
			testdb.SeedVehicle(t, g, transit.Vehicle{ID: "V1", ManualStopID: strPtr(tt.ref)})

			res, err := New(g, 0.5, 0).Resolve(context.Background(), "V1", pt(12.9790, 77.5900))
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if res.StopName != tt.wantName || res.Source != SourceEndpoint {
				t.Fatalf("expected %q via endpoint, got %q via %s", tt.wantName, res.StopName, res.Source)
			}
			if (res.Stop != nil) != tt.wantStop {
				t.Errorf("expected stop present=%v, got %+v", tt.wantStop, res.Stop)
			}
		})
	}
}

func TestResolve_NoActiveSchedule(t *testing.T) {
	g := testdb.Open(t)
	route, stops := testdb.ParkRoute()
	testdb.SeedRoute(t, g, "V1", route, stops)
	if err := g.Model(&transit.Schedule{}).Where("vehicle_id = ?", "V1").Update("status", "inactive").Error; err != nil {
		t.Fatalf("deactivate schedule: %v", err)
	}

	res, err := New(g, 0.5, 0).Resolve(context.Background(), "V1", pt(12.9700, 77.5900))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Resolved() || len(res.RouteStops) != 0 || res.Route != nil {
		t.Errorf("expected empty resolution, got %+v", res)
	}
}

func TestResolve_UnknownVehicle(t *testing.T) {
	g := testdb.Open(t)
	res, err := New(g, 0.5, 0).Resolve(context.Background(), "ghost", pt(12.97, 77.59))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Resolved() || res.Source != SourceNone {
		t.Errorf("expected no stop, got %+v", res)
	}
}

func TestResolve_CachesRouteStops(t *testing.T) {
	g := testdb.Open(t)
	route, stops := testdb.ParkRoute()
	testdb.SeedRoute(t, g, "V1", route, stops)
	r := New(g, 0.5, time.Minute)
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "V1", nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := g.Where("route_id = ?", "R1").Delete(&transit.Stop{}).Error; err != nil {
		t.Fatalf("delete stops: %v", err)
	}
	res, err := r.Resolve(ctx, "V1", pt(12.9700, 77.5900))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.StopName != "Park Rd" {
		t.Errorf("expected cached stop list to resolve Park Rd, got %q", res.StopName)
	}
}

func TestNearest_TieBreaksOnRouteOrder(t *testing.T) {
	stops := []transit.Stop{
		{ID: "b", Name: "Later", Lat: 0, Lon: 0.001, Position: 5},
		{ID: "a", Name: "Earlier", Lat: 0, Lon: -0.001, Position: 2},
	}
	for i := 0; i < 3; i++ {
		s, _, ok := Nearest(geo.Point{Lat: 0, Lon: 0}, stops)
		if !ok || s.Name != "Earlier" {
			t.Fatalf("expected the earlier stop on a tie, got %+v", s)
		}
	}
	if _, _, ok := Nearest(geo.Point{}, nil); ok {
		t.Error("expected ok=false for empty stop list")
	}
}
