package transit

import (
	"time"

	"gorm.io/datatypes"
)

type TripStatus string

const (
	TripOngoing  TripStatus = "ongoing"
	TripFinished TripStatus = "finished"
)

const (
	TransactionFare     = "fare"
	TransactionRecharge = "recharge"
)

type ScanType string

const (
	ScanEntry ScanType = "entry"
	ScanExit  ScanType = "exit"
)

// Vehicle is the last-known state of a bus. Position fields are written by
// the telemetry ingestor; ManualStopID and ManualStopName belong to the
// operator override screen.
type Vehicle struct {
	ID                  string     `json:"id"                  gorm:"column:id;primaryKey"`
	Lat                 *float64   `json:"lat"                 gorm:"column:lat"`
	Lon                 *float64   `json:"lon"                 gorm:"column:lon"`
	Speed               *float64   `json:"speed"               gorm:"column:speed"`
	Heading             *float64   `json:"heading"             gorm:"column:heading"`
	LastSeen            *time.Time `json:"lastSeen"            gorm:"column:last_seen"`
	ManualStopID        *string    `json:"manualStopId"        gorm:"column:manual_stop_id"`
	ManualStopName      *string    `json:"manualStopName"      gorm:"column:manual_stop_name"`
	CurrentLocationName *string    `json:"currentLocationName" gorm:"column:current_location_name"`
	StatusMessage       *string    `json:"statusMessage"       gorm:"column:status_message"`
	UpdatedAt           time.Time  `json:"updatedAt"           gorm:"column:updated_at"`
}

func (Vehicle) TableName() string { return "vehicles" }

type Route struct {
	ID          string `json:"id"          gorm:"column:id;primaryKey"`
	Name        string `json:"name"        gorm:"column:name"`
	Source      string `json:"source"      gorm:"column:source"`
	Destination string `json:"destination" gorm:"column:destination"`
}

func (Route) TableName() string { return "routes" }

// Stop is a priced point on a route. Position orders stops along the route.
type Stop struct {
	ID       string  `json:"id"       gorm:"column:id;primaryKey"`
	RouteID  string  `json:"routeId"  gorm:"column:route_id;index"`
	Name     string  `json:"name"     gorm:"column:name"`
	Lat      float64 `json:"lat"      gorm:"column:lat"`
	Lon      float64 `json:"lon"      gorm:"column:lon"`
	Price    float64 `json:"price"    gorm:"column:price"`
	Position int     `json:"position" gorm:"column:position"`
}

func (Stop) TableName() string { return "stops" }

// Schedule assigns a route to a vehicle. Only rows with status "active" count.
type Schedule struct {
	ID        string `json:"id"        gorm:"column:id;primaryKey"`
	VehicleID string `json:"vehicleId" gorm:"column:vehicle_id;index"`
	RouteID   string `json:"routeId"   gorm:"column:route_id"`
	Status    string `json:"status"    gorm:"column:status"`
}

func (Schedule) TableName() string { return "schedules" }

type Card struct {
	ID           string     `json:"id"           gorm:"column:id;primaryKey"`
	Balance      float64    `json:"balance"      gorm:"column:balance"`
	ActiveTripID *string    `json:"activeTripId" gorm:"column:active_trip_id"`
	LastSeen     *time.Time `json:"lastSeen"     gorm:"column:last_seen"`
}

func (Card) TableName() string { return "cards" }

type Trip struct {
	ID            string     `json:"id"            gorm:"column:id;primaryKey"`
	CardID        string     `json:"cardId"        gorm:"column:card_id"`
	VehicleID     string     `json:"vehicleId"     gorm:"column:vehicle_id;index"`
	RouteID       *string    `json:"routeId"       gorm:"column:route_id"`
	StartTime     time.Time  `json:"startTime"     gorm:"column:start_time"`
	StartLat      *float64   `json:"startLat"      gorm:"column:start_lat"`
	StartLon      *float64   `json:"startLon"      gorm:"column:start_lon"`
	StartStopName *string    `json:"startStopName" gorm:"column:start_stop_name"`
	EndTime       *time.Time `json:"endTime"       gorm:"column:end_time"`
	EndLat        *float64   `json:"endLat"        gorm:"column:end_lat"`
	EndLon        *float64   `json:"endLon"        gorm:"column:end_lon"`
	EndStopName   *string    `json:"endStopName"   gorm:"column:end_stop_name"`
	Fare          float64    `json:"fare"          gorm:"column:fare"`
	Status        TripStatus `json:"status"        gorm:"column:status"`
}

func (Trip) TableName() string { return "trips" }

type Transaction struct {
	ID        string    `json:"id"        gorm:"column:id;primaryKey"`
	CardID    string    `json:"cardId"    gorm:"column:card_id"`
	TripID    *string   `json:"tripId"    gorm:"column:trip_id;uniqueIndex"`
	VehicleID string    `json:"vehicleId" gorm:"column:vehicle_id"`
	Amount    float64   `json:"amount"    gorm:"column:amount"`
	Kind      string    `json:"kind"      gorm:"column:kind"`
	Status    string    `json:"status"    gorm:"column:status"`
	Timestamp time.Time `json:"timestamp" gorm:"column:timestamp"`
}

func (Transaction) TableName() string { return "transactions" }

// TelemetryRecord is one row of the append-only position log.
type TelemetryRecord struct {
	ID         int64     `json:"id"         gorm:"column:id;primaryKey;autoIncrement"`
	VehicleID  string    `json:"vehicleId"  gorm:"column:vehicle_id;index"`
	Lat        float64   `json:"lat"        gorm:"column:lat"`
	Lon        float64   `json:"lon"        gorm:"column:lon"`
	Speed      *float64  `json:"speed"      gorm:"column:speed"`
	Heading    *float64  `json:"heading"    gorm:"column:heading"`
	ReportedAt time.Time `json:"reportedAt" gorm:"column:reported_at"`
	ReceivedAt time.Time `json:"receivedAt" gorm:"column:received_at"`
}

func (TelemetryRecord) TableName() string { return "telemetry_log" }

// ScanLog is the audit row written for every accepted card scan.
type ScanLog struct {
	ID        int64             `json:"id"        gorm:"column:id;primaryKey;autoIncrement"`
	VehicleID string            `json:"vehicleId" gorm:"column:vehicle_id;index"`
	CardID    string            `json:"cardId"    gorm:"column:card_id"`
	EventType ScanType          `json:"eventType" gorm:"column:event_type"`
	TripID    string            `json:"tripId"    gorm:"column:trip_id"`
	Payload   datatypes.JSONMap `json:"payload"   gorm:"column:payload"`
	CreatedAt time.Time         `json:"createdAt" gorm:"column:created_at"`
}

func (ScanLog) TableName() string { return "scan_log" }

// Position is a validated telemetry report ready to be applied.
type Position struct {
	VehicleID string
	Lat       float64
	Lon       float64
	Speed     *float64
	Heading   *float64
	At        time.Time
}
