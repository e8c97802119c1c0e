package ledger

import (
	"strings"
	"time"

	"smartbus-ledger/internal/transit"
)

// ScanEvent is a card scan: either EntryScan or ExitScan.
type ScanEvent interface {
	Type() transit.ScanType
	Base() Scan
}

// Scan holds the fields shared by both scan kinds. Lat/Lon are optional;
// a zero At means "now".
type Scan struct {
	VehicleID string
	CardID    string
	Lat       *float64
	Lon       *float64
	At        time.Time
}

type EntryScan struct{ Scan }

type ExitScan struct{ Scan }

func (EntryScan) Type() transit.ScanType { return transit.ScanEntry }
func (e EntryScan) Base() Scan           { return e.Scan }

func (ExitScan) Type() transit.ScanType { return transit.ScanExit }
func (e ExitScan) Base() Scan           { return e.Scan }

// NewScan builds the variant named by eventType.
func NewScan(eventType string, s Scan) (ScanEvent, error) {
	switch transit.ScanType(strings.ToLower(strings.TrimSpace(eventType))) {
	case transit.ScanEntry:
		return EntryScan{s}, nil
	case transit.ScanExit:
		return ExitScan{s}, nil
	default:
		return nil, transit.Invalid("eventType", "must be entry or exit")
	}
}

func (s Scan) validate() error {
	if strings.TrimSpace(s.VehicleID) == "" {
		return transit.Invalid("vehicleId", "required")
	}
	if strings.TrimSpace(s.CardID) == "" {
		return transit.Invalid("cardId", "required")
	}
	return nil
}

type EntryResult struct {
	TripID    string
	StartStop *string
}

type ExitResult struct {
	TripID  string
	Fare    float64
	EndStop *string
}
