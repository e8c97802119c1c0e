package events

import (
	"context"
	"strings"
	"time"
)

// Publisher delivers domain events after the store has committed them.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close()
}

type PublisherMetrics interface {
	PublishedInc()
	PublishErrInc()
	PublishObserve(d time.Duration)
	SetConnected(connected bool)
}

const (
	SubjectTripStarted     = "trip.started"
	SubjectTripFinished    = "trip.finished"
	SubjectVehiclePosition = "vehicle.position"
)

type TripStarted struct {
	TripID    string    `json:"tripId"`
	CardID    string    `json:"cardId"`
	VehicleID string    `json:"vehicleId"`
	StartStop *string   `json:"startStop"`
	Timestamp time.Time `json:"timestamp"`
}

type TripFinished struct {
	TripID    string    `json:"tripId"`
	CardID    string    `json:"cardId"`
	VehicleID string    `json:"vehicleId"`
	StartStop *string   `json:"startStop"`
	EndStop   *string   `json:"endStop"`
	Fare      float64   `json:"fare"`
	Timestamp time.Time `json:"timestamp"`
}

type VehiclePosition struct {
	VehicleID string    `json:"vehicleId"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Stop      string    `json:"stop,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subject joins base with the sanitized vehicle id, e.g. trip.started.V1.
func Subject(base, vehicleID string) string {
	return base + "." + subjectToken(vehicleID)
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS tokens and AMQP topic words cannot contain spaces, '>', '*', '#' or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "#", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close() {}
