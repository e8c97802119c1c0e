package telemetry

import (
	"context"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"smartbus-ledger/internal/db"
	"smartbus-ledger/internal/events"
	"smartbus-ledger/internal/geo"
	"smartbus-ledger/internal/ledger"
	mmetrics "smartbus-ledger/internal/metrics"
	"smartbus-ledger/internal/serial"
	"smartbus-ledger/internal/transit"
)

// Report is one position report from a vehicle. Lat and Lon are required;
// a zero At means "now".
type Report struct {
	VehicleID string
	Lat       *float64
	Lon       *float64
	Speed     *float64
	Heading   *float64
	At        time.Time
}

// Result tells the caller what the report changed.
type Result struct {
	Applied    bool
	Stop       string
	Backfilled int64
}

type Ingestor struct {
	db       *gorm.DB
	resolver ledger.StopResolver
	pub      events.Publisher
	metrics  *mmetrics.Collector
	vehicles *serial.KeyedMutex
	now      func() time.Time
}

func NewIngestor(g *gorm.DB, res ledger.StopResolver, pub events.Publisher, metrics *mmetrics.Collector) *Ingestor {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Ingestor{
		db:       g,
		resolver: res,
		pub:      pub,
		metrics:  metrics,
		vehicles: serial.NewKeyedMutex(),
		now:      time.Now,
	}
}

func (r Report) position() (transit.Position, error) {
	id := strings.TrimSpace(r.VehicleID)
	if id == "" {
		return transit.Position{}, transit.Invalid("vehicleId", "required")
	}
	if r.Lat == nil || r.Lon == nil {
		return transit.Position{}, transit.Invalid("lat/lon", "required")
	}
	p := geo.Point{Lat: *r.Lat, Lon: *r.Lon}
	if !p.Valid() {
		return transit.Position{}, transit.Invalid("lat/lon", "out of range")
	}
	return transit.Position{VehicleID: id, Lat: p.Lat, Lon: p.Lon, Speed: r.Speed, Heading: r.Heading, At: r.At}, nil
}

// Ingest records the report and, unless a newer one is already stored,
// refreshes the vehicle's position and stop label. Every accepted report is
// appended to the telemetry log, stale or not.
func (in *Ingestor) Ingest(ctx context.Context, r Report) (Result, error) {
	p, err := r.position()
	if err != nil {
		return Result{}, err
	}
	now := in.now().UTC().Truncate(time.Microsecond)
	if p.At.IsZero() {
		p.At = now
	}
	p.At = p.At.UTC().Truncate(time.Microsecond)

	unlock, err := in.vehicles.LockContext(ctx, p.VehicleID)
	if err != nil {
		return Result{}, transit.Store("wait for vehicle", err)
	}
	defer unlock()

	var applied bool
	err = in.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if applied, err = db.UpsertVehiclePosition(ctx, tx, p, now); err != nil {
			return transit.Store("upsert vehicle", err)
		}
		return transit.Store("append telemetry", db.AppendTelemetry(ctx, tx, &transit.TelemetryRecord{
			VehicleID:  p.VehicleID,
			Lat:        p.Lat,
			Lon:        p.Lon,
			Speed:      p.Speed,
			Heading:    p.Heading,
			ReportedAt: p.At,
			ReceivedAt: now,
		}))
	})
	if err != nil {
		return Result{}, err
	}
	if in.metrics != nil {
		in.metrics.TelemetryReceived.Inc()
	}
	if !applied {
		if in.metrics != nil {
			in.metrics.TelemetryStale.Inc()
		}
		log.Printf("stale telemetry vehicle=%s at=%s", p.VehicleID, p.At.Format(time.RFC3339Nano))
		return Result{}, nil
	}

	out := Result{Applied: true}
	res, err := in.resolver.Resolve(ctx, p.VehicleID, &geo.Point{Lat: p.Lat, Lon: p.Lon})
	if err != nil {
		log.Printf("stop resolution vehicle=%s: %v", p.VehicleID, err)
	}
	if in.metrics != nil {
		in.metrics.StopResolutions.WithLabelValues(string(res.Source)).Inc()
	}
	if err == nil && res.Resolved() {
		out.Stop = res.StopName
		err = in.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := db.SetVehicleStopLabel(ctx, tx, p.VehicleID, res.StopName, now); err != nil {
				return transit.Store("set stop label", err)
			}
			n, err := db.BackfillStartStop(ctx, tx, p.VehicleID, res.StopName)
			if err != nil {
				return transit.Store("backfill start stop", err)
			}
			out.Backfilled = n
			return nil
		})
		if err != nil {
			return out, err
		}
		if out.Backfilled > 0 {
			log.Printf("backfilled start stop %q on %d trip(s) vehicle=%s", res.StopName, out.Backfilled, p.VehicleID)
			if in.metrics != nil {
				in.metrics.StartStopBackfill.Add(float64(out.Backfilled))
			}
		}
	}

	if err := in.pub.Publish(ctx, events.Subject(events.SubjectVehiclePosition, p.VehicleID), events.VehiclePosition{
		VehicleID: p.VehicleID,
		Lat:       p.Lat,
		Lon:       p.Lon,
		Speed:     p.Speed,
		Heading:   p.Heading,
		Stop:      out.Stop,
		Timestamp: p.At,
	}); err != nil {
		log.Printf("publish position vehicle=%s: %v", p.VehicleID, err)
	}
	return out, nil
}
