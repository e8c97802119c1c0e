package ledger

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"smartbus-ledger/internal/db"
	"smartbus-ledger/internal/events"
	"smartbus-ledger/internal/fare"
	"smartbus-ledger/internal/geo"
	mmetrics "smartbus-ledger/internal/metrics"
	"smartbus-ledger/internal/resolver"
	"smartbus-ledger/internal/serial"
	"smartbus-ledger/internal/transit"
)

type StopResolver interface {
	Resolve(ctx context.Context, vehicleID string, observed *geo.Point) (resolver.Resolution, error)
}

// Ledger owns the none -> ongoing -> finished trip state machine. Scans for
// the same card run one at a time in this process; the partial unique index
// on trips(card_id) covers other processes.
type Ledger struct {
	db       *gorm.DB
	resolver StopResolver
	fares    fare.Calculator
	pub      events.Publisher
	metrics  *mmetrics.Collector
	cards    *serial.KeyedMutex
	now      func() time.Time
}

// New builds a ledger. pub and metrics may be nil.
func New(g *gorm.DB, res StopResolver, fares fare.Calculator, pub events.Publisher, metrics *mmetrics.Collector) *Ledger {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Ledger{
		db:       g,
		resolver: res,
		fares:    fares,
		pub:      pub,
		metrics:  metrics,
		cards:    serial.NewKeyedMutex(),
		now:      time.Now,
	}
}

// OnEntry opens a trip for the card. It fails with transit.ErrDuplicateTrip
// when the card already has one open.
func (l *Ledger) OnEntry(ctx context.Context, ev EntryScan) (EntryResult, error) {
	if err := ev.validate(); err != nil {
		l.rejected("invalid")
		return EntryResult{}, err
	}
	at := l.eventTime(ev.At)
	unlock, err := l.cards.LockContext(ctx, ev.CardID)
	if err != nil {
		return EntryResult{}, transit.Store("wait for card", err)
	}
	defer unlock()

	open, err := db.FindOngoingTrip(ctx, l.db, ev.CardID)
	if err != nil {
		return EntryResult{}, transit.Store("find ongoing trip", err)
	}
	if open != nil {
		l.rejected("duplicate_trip")
		return EntryResult{}, transit.ErrDuplicateTrip
	}

	res := l.resolve(ctx, ev.VehicleID, geo.FromPtrs(ev.Lat, ev.Lon))
	trip := transit.Trip{
		ID:        uuid.NewString(),
		CardID:    ev.CardID,
		VehicleID: ev.VehicleID,
		StartTime: at,
		Status:    transit.TripOngoing,
	}
	if res.Point != nil {
		lat, lon := res.Point.Lat, res.Point.Lon
		trip.StartLat, trip.StartLon = &lat, &lon
	}
	if res.Resolved() {
		name := res.StopName
		trip.StartStopName = &name
	}
	if res.Route != nil {
		id := res.Route.ID
		trip.RouteID = &id
	}

	now := l.clock()
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.InsertTrip(ctx, tx, &trip); err != nil {
			if db.IsUniqueViolation(err) {
				return transit.ErrDuplicateTrip
			}
			return transit.Store("insert trip", err)
		}
		if err := db.SetCardActiveTrip(ctx, tx, ev.CardID, &trip.ID, now); err != nil {
			return transit.Store("set card trip", err)
		}
		return transit.Store("write scan log", db.InsertScanLog(ctx, tx, scanLog(ev.Scan, transit.ScanEntry, trip.ID, now, datatypes.JSONMap{
			"startStop": trip.StartStopName,
			"lat":       ev.Lat,
			"lon":       ev.Lon,
		})))
	})
	if errors.Is(err, transit.ErrDuplicateTrip) {
		l.rejected("duplicate_trip")
		return EntryResult{}, err
	}
	if err != nil {
		return EntryResult{}, err
	}

	log.Printf("trip started trip=%s card=%s vehicle=%s stop=%q", trip.ID, trip.CardID, trip.VehicleID, res.StopName)
	if l.metrics != nil {
		l.metrics.TripsStarted.Inc()
	}
	l.publish(ctx, events.Subject(events.SubjectTripStarted, trip.VehicleID), events.TripStarted{
		TripID:    trip.ID,
		CardID:    trip.CardID,
		VehicleID: trip.VehicleID,
		StartStop: trip.StartStopName,
		Timestamp: at,
	})
	return EntryResult{TripID: trip.ID, StartStop: trip.StartStopName}, nil
}

// OnExit closes the card's open trip, charges the fare and records exactly
// one fare transaction. Without an open trip it fails with
// transit.ErrNoActiveTrip and changes nothing, so a retried exit never
// charges twice.
func (l *Ledger) OnExit(ctx context.Context, ev ExitScan) (ExitResult, error) {
	if err := ev.validate(); err != nil {
		l.rejected("invalid")
		return ExitResult{}, err
	}
	at := l.eventTime(ev.At)
	unlock, err := l.cards.LockContext(ctx, ev.CardID)
	if err != nil {
		return ExitResult{}, transit.Store("wait for card", err)
	}
	defer unlock()

	trip, err := db.FindOngoingTrip(ctx, l.db, ev.CardID)
	if err != nil {
		return ExitResult{}, transit.Store("find ongoing trip", err)
	}
	if trip == nil {
		l.rejected("no_active_trip")
		return ExitResult{}, transit.ErrNoActiveTrip
	}

	res := l.resolve(ctx, ev.VehicleID, geo.FromPtrs(ev.Lat, ev.Lon))
	stops := res.RouteStops
	if len(stops) == 0 && trip.RouteID != nil {
		// schedule ended mid-ride; price on the route the trip started on
		if stops, err = db.FetchRouteStops(ctx, l.db, *trip.RouteID); err != nil {
			log.Printf("exit route stops trip=%s route=%s: %v", trip.ID, *trip.RouteID, err)
			stops = nil
		}
	}
	var startName string
	if trip.StartStopName != nil {
		startName = *trip.StartStopName
	}
	amount := l.fares.Compute(startName, res.StopName, stops)

	trip.EndTime = &at
	if res.Point != nil {
		lat, lon := res.Point.Lat, res.Point.Lon
		trip.EndLat, trip.EndLon = &lat, &lon
	}
	if res.Resolved() {
		name := res.StopName
		trip.EndStopName = &name
	}
	trip.Fare = amount

	now := l.clock()
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		closed, err := db.FinishTrip(ctx, tx, trip)
		if err != nil {
			return transit.Store("finish trip", err)
		}
		if !closed {
			return transit.ErrNoActiveTrip
		}
		if err := db.SetCardActiveTrip(ctx, tx, ev.CardID, nil, now); err != nil {
			return transit.Store("clear card trip", err)
		}
		if err := db.DebitCard(ctx, tx, ev.CardID, amount); err != nil {
			return transit.Store("debit card", err)
		}
		tripID := trip.ID
		err = db.InsertTransaction(ctx, tx, &transit.Transaction{
			ID:        uuid.NewString(),
			CardID:    ev.CardID,
			TripID:    &tripID,
			VehicleID: ev.VehicleID,
			Amount:    amount,
			Kind:      transit.TransactionFare,
			Status:    "completed",
			Timestamp: at,
		})
		if err != nil {
			// a leftover fare row for an open trip is a store fault, not a
			// missing trip; rolling back keeps the trip open for a retry
			return transit.Store("insert transaction", err)
		}
		return transit.Store("write scan log", db.InsertScanLog(ctx, tx, scanLog(ev.Scan, transit.ScanExit, trip.ID, now, datatypes.JSONMap{
			"startStop": trip.StartStopName,
			"endStop":   trip.EndStopName,
			"fare":      amount,
			"lat":       ev.Lat,
			"lon":       ev.Lon,
		})))
	})
	if errors.Is(err, transit.ErrNoActiveTrip) {
		l.rejected("no_active_trip")
		return ExitResult{}, err
	}
	if err != nil {
		return ExitResult{}, err
	}

	log.Printf("trip finished trip=%s card=%s vehicle=%s from=%q to=%q fare=%.2f", trip.ID, trip.CardID, ev.VehicleID, startName, res.StopName, amount)
	if l.metrics != nil {
		l.metrics.TripsFinished.Inc()
		l.metrics.FareAmount.Observe(amount)
	}
	l.publish(ctx, events.Subject(events.SubjectTripFinished, ev.VehicleID), events.TripFinished{
		TripID:    trip.ID,
		CardID:    trip.CardID,
		VehicleID: ev.VehicleID,
		StartStop: trip.StartStopName,
		EndStop:   trip.EndStopName,
		Fare:      amount,
		Timestamp: at,
	})
	return ExitResult{TripID: trip.ID, Fare: amount, EndStop: trip.EndStopName}, nil
}

// resolve never fails: lookup errors degrade to "no stop".
func (l *Ledger) resolve(ctx context.Context, vehicleID string, observed *geo.Point) resolver.Resolution {
	res, err := l.resolver.Resolve(ctx, vehicleID, observed)
	if err != nil {
		log.Printf("stop resolution vehicle=%s: %v", vehicleID, err)
		res.Stop, res.StopName = nil, ""
		if res.Point == nil {
			res.Point = observed
		}
	}
	if l.metrics != nil {
		l.metrics.StopResolutions.WithLabelValues(string(res.Source)).Inc()
	}
	return res
}

func (l *Ledger) publish(ctx context.Context, subject string, payload any) {
	if err := l.pub.Publish(ctx, subject, payload); err != nil {
		log.Printf("publish %s: %v", subject, err)
	}
}

func (l *Ledger) rejected(reason string) {
	if l.metrics != nil {
		l.metrics.ScansRejected.WithLabelValues(reason).Inc()
	}
}

func (l *Ledger) clock() time.Time { return l.now().UTC().Truncate(time.Microsecond) }

func (l *Ledger) eventTime(at time.Time) time.Time {
	if at.IsZero() {
		return l.clock()
	}
	return at.UTC().Truncate(time.Microsecond)
}

func scanLog(s Scan, kind transit.ScanType, tripID string, at time.Time, payload datatypes.JSONMap) *transit.ScanLog {
	return &transit.ScanLog{
		VehicleID: s.VehicleID,
		CardID:    s.CardID,
		EventType: kind,
		TripID:    tripID,
		Payload:   payload,
		CreatedAt: at,
	}
}
