package resolver

import (
	"context"
	"log"
	"time"

	"github.com/bluele/gcache"
	"gorm.io/gorm"

	"smartbus-ledger/internal/db"
	"smartbus-ledger/internal/geo"
	"smartbus-ledger/internal/transit"
)

const DefaultGeofenceRadiusKm = 0.5

// Source says which rule produced a resolution.
type Source string

const (
	SourceNone         Source = "none"
	SourceManualStop   Source = "manual_stop"
	SourceManualName   Source = "manual_name"
	SourceEndpoint     Source = "route_endpoint"
	SourceGeofence     Source = "geofence"
	SourceUnresolvable Source = "unavailable"
)

// Resolution is the best-known current stop of a vehicle. Stop is nil when
// nothing matched; RouteStops is the active route's ordered stop list and is
// empty when the vehicle has no active schedule. Point is the coordinate the
// geofence step used, if any.
type Resolution struct {
	Stop       *transit.Stop
	StopName   string
	Source     Source
	Route      *transit.Route
	RouteStops []transit.Stop
	Point      *geo.Point
	DistanceKm float64
}

// Resolved reports whether a stop name is known.
func (r Resolution) Resolved() bool { return r.StopName != "" }

type Resolver struct {
	db       *gorm.DB
	radiusKm float64
	stops    gcache.Cache // route id -> []transit.Stop
}

// New builds a resolver. A positive cacheTTL keeps route stop lists for
// that long; zero reads them on every call.
func New(g *gorm.DB, radiusKm float64, cacheTTL time.Duration) *Resolver {
	if radiusKm <= 0 {
		radiusKm = DefaultGeofenceRadiusKm
	}
	r := &Resolver{db: g, radiusKm: radiusKm}
	if cacheTTL > 0 {
		r.stops = gcache.New(256).LRU().Expiration(cacheTTL).Build()
	}
	return r
}

// Resolve returns the vehicle's current stop using, in order: a manual stop
// override, a manual name override (or route endpoint override) matched on
// the active route, and the nearest stop within the geofence radius of
// observed, or of the last-known position when observed is nil.
//
// Store errors are returned together with whatever was resolved before the
// failure; callers treat them as "no stop".
func (r *Resolver) Resolve(ctx context.Context, vehicleID string, observed *geo.Point) (Resolution, error) {
	res := Resolution{Source: SourceNone}

	v, err := db.FetchVehicle(ctx, r.db, vehicleID)
	if err != nil {
		res.Source = SourceUnresolvable
		return res, err
	}

	if err := r.loadRoute(ctx, vehicleID, &res); err != nil {
		res.Source = SourceUnresolvable
		return res, err
	}

	var ref transit.StopRef
	if v != nil {
		ref = transit.ParseStopRef(v.ManualStopID)
	}

	// 1. manual stop override
	if ref.Kind == transit.StopRefReal {
		s, err := r.findStop(ctx, ref.StopID, res.RouteStops)
		if err != nil {
			res.Source = SourceUnresolvable
			return res, err
		}
		if s != nil {
			res.Stop = s
			res.StopName = s.Name
			res.Source = SourceManualStop
			return res, nil
		}
	}

	// 2. route endpoint, then free-text name override. An endpoint whose
	// label is not a listed stop still names the vehicle's location.
	if label := ref.Label(res.Route); label != "" {
		r.matchName(&res, label, SourceEndpoint)
		if !res.Resolved() {
			res.StopName = label
			res.Source = SourceEndpoint
		}
		return res, nil
	}
	if v != nil && v.ManualStopName != nil && *v.ManualStopName != "" {
		r.matchName(&res, *v.ManualStopName, SourceManualName)
		if res.Resolved() {
			return res, nil
		}
	}

	// 3. geofence
	pt := observed
	if pt != nil && !pt.Valid() {
		pt = nil
	}
	if pt == nil && v != nil {
		pt = geo.FromPtrs(v.Lat, v.Lon)
	}
	res.Point = pt
	if pt == nil {
		return res, nil
	}
	if s, d, ok := Nearest(*pt, res.RouteStops); ok && d < r.radiusKm {
		res.Stop = s
		res.StopName = s.Name
		res.Source = SourceGeofence
		res.DistanceKm = d
	}
	return res, nil
}

func (r *Resolver) loadRoute(ctx context.Context, vehicleID string, res *Resolution) error {
	sched, err := db.FetchActiveSchedule(ctx, r.db, vehicleID)
	if err != nil || sched == nil {
		return err
	}
	route, err := db.FetchRoute(ctx, r.db, sched.RouteID)
	if err != nil {
		return err
	}
	res.Route = route
	stops, err := r.routeStops(ctx, sched.RouteID)
	if err != nil {
		return err
	}
	res.RouteStops = stops
	return nil
}

func (r *Resolver) routeStops(ctx context.Context, routeID string) ([]transit.Stop, error) {
	if r.stops != nil {
		if cached, err := r.stops.Get(routeID); err == nil {
			return cached.([]transit.Stop), nil
		}
	}
	stops, err := db.FetchRouteStops(ctx, r.db, routeID)
	if err != nil {
		return nil, err
	}
	if r.stops != nil {
		if err := r.stops.Set(routeID, stops); err != nil {
			log.Printf("route stop cache set route=%s: %v", routeID, err)
		}
	}
	return stops, nil
}

// findStop prefers the already loaded route list and falls back to a direct
// lookup, so an override pointing off-route still resolves.
func (r *Resolver) findStop(ctx context.Context, id string, stops []transit.Stop) (*transit.Stop, error) {
	for i := range stops {
		if stops[i].ID == id {
			s := stops[i]
			return &s, nil
		}
	}
	return db.FetchStop(ctx, r.db, id)
}

func (r *Resolver) matchName(res *Resolution, name string, src Source) {
	for i := range res.RouteStops {
		if res.RouteStops[i].Name == name {
			s := res.RouteStops[i]
			res.Stop = &s
			res.StopName = s.Name
			res.Source = src
			return
		}
	}
}

// Nearest returns the stop closest to p. Equal distances keep the earlier
// stop in route order. ok is false for an empty list.
func Nearest(p geo.Point, stops []transit.Stop) (stop *transit.Stop, distanceKm float64, ok bool) {
	best := -1
	bestDist := 0.0
	for i := range stops {
		d := geo.HaversineKm(p, geo.Point{Lat: stops[i].Lat, Lon: stops[i].Lon})
		if best < 0 || d < bestDist || (d == bestDist && stops[i].Position < stops[best].Position) {
			best = i
			bestDist = d
		}
	}
	if best < 0 {
		return nil, 0, false
	}
	s := stops[best]
	return &s, bestDist, true
}
