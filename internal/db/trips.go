package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"smartbus-ledger/internal/transit"
)

const upsertCardSQL = `
INSERT INTO cards (id, balance, active_trip_id, last_seen)
VALUES (?, 0, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  active_trip_id = excluded.active_trip_id,
  last_seen = excluded.last_seen`

// FindOngoingTrip returns the card's open trip, or nil.
func FindOngoingTrip(ctx context.Context, g *gorm.DB, cardID string) (*transit.Trip, error) {
	var trips []transit.Trip
	err := g.WithContext(ctx).
		Where("card_id = ? AND status = ?", cardID, transit.TripOngoing).
		Order("start_time DESC").
		Limit(1).
		Find(&trips).Error
	if err != nil {
		return nil, fmt.Errorf("query ongoing trip: %w", err)
	}
	if len(trips) == 0 {
		return nil, nil
	}
	return &trips[0], nil
}

func FetchTrip(ctx context.Context, g *gorm.DB, id string) (*transit.Trip, error) {
	var trips []transit.Trip
	if err := g.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&trips).Error; err != nil {
		return nil, fmt.Errorf("query trip: %w", err)
	}
	if len(trips) == 0 {
		return nil, nil
	}
	return &trips[0], nil
}

// InsertTrip returns the raw driver error so callers can detect the
// one-ongoing-trip-per-card index with IsUniqueViolation.
func InsertTrip(ctx context.Context, g *gorm.DB, t *transit.Trip) error {
	return g.WithContext(ctx).Create(t).Error
}

// FinishTrip closes t only if it is still ongoing and reports whether it did.
func FinishTrip(ctx context.Context, g *gorm.DB, t *transit.Trip) (bool, error) {
	res := g.WithContext(ctx).
		Model(&transit.Trip{}).
		Where("id = ? AND status = ?", t.ID, transit.TripOngoing).
		Updates(map[string]any{
			"end_time":      t.EndTime,
			"end_lat":       t.EndLat,
			"end_lon":       t.EndLon,
			"end_stop_name": t.EndStopName,
			"fare":          t.Fare,
			"status":        transit.TripFinished,
		})
	if res.Error != nil {
		return false, fmt.Errorf("finish trip: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SetCardActiveTrip points the card at tripID, or clears it when nil,
// creating the card on first sight.
func SetCardActiveTrip(ctx context.Context, g *gorm.DB, cardID string, tripID *string, now time.Time) error {
	if err := g.WithContext(ctx).Exec(upsertCardSQL, cardID, tripID, now).Error; err != nil {
		return fmt.Errorf("upsert card: %w", err)
	}
	return nil
}

func DebitCard(ctx context.Context, g *gorm.DB, cardID string, amount float64) error {
	err := g.WithContext(ctx).
		Model(&transit.Card{}).
		Where("id = ?", cardID).
		Update("balance", gorm.Expr("balance - ?", amount)).Error
	if err != nil {
		return fmt.Errorf("debit card: %w", err)
	}
	return nil
}

func FetchCard(ctx context.Context, g *gorm.DB, id string) (*transit.Card, error) {
	var cards []transit.Card
	if err := g.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&cards).Error; err != nil {
		return nil, fmt.Errorf("query card: %w", err)
	}
	if len(cards) == 0 {
		return nil, nil
	}
	return &cards[0], nil
}

func InsertTransaction(ctx context.Context, g *gorm.DB, tx *transit.Transaction) error {
	if err := g.WithContext(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func InsertScanLog(ctx context.Context, g *gorm.DB, l *transit.ScanLog) error {
	if err := g.WithContext(ctx).Create(l).Error; err != nil {
		return fmt.Errorf("insert scan log: %w", err)
	}
	return nil
}
