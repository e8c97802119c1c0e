package api

import (
	"errors"
	"log"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"smartbus-ledger/internal/ledger"
	"smartbus-ledger/internal/telemetry"
	"smartbus-ledger/internal/transit"
)

type TelemetryRequest struct {
	VehicleID string   `json:"vehicleId" binding:"required"`
	Lat       *float64 `json:"lat"       binding:"required"`
	Lon       *float64 `json:"lon"       binding:"required"`
	Speed     *float64 `json:"speed"`
	Heading   *float64 `json:"heading"`
	Timestamp *string  `json:"timestamp"`
}

type RFIDRequest struct {
	VehicleID string   `json:"vehicleId" binding:"required"`
	CardID    string   `json:"cardId"    binding:"required"`
	EventType string   `json:"eventType" binding:"required"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Timestamp *string  `json:"timestamp"`
}

type EntryResponse struct {
	OK        bool    `json:"ok"`
	TripID    string  `json:"tripId"`
	StartStop *string `json:"startStop"`
}

type ExitResponse struct {
	OK      bool    `json:"ok"`
	TripID  string  `json:"tripId"`
	Fare    float64 `json:"fare"`
	EndStop *string `json:"endStop"`
}

func (s *Server) postTelemetry(c *gin.Context) {
	var req TelemetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, bindError(err), nil)
		return
	}
	at, err := parseTimestamp(req.Timestamp)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	_, err = s.telemetry.Ingest(c.Request.Context(), telemetry.Report{
		VehicleID: req.VehicleID,
		Lat:       req.Lat,
		Lon:       req.Lon,
		Speed:     req.Speed,
		Heading:   req.Heading,
		At:        at,
	})
	if err != nil {
		writeError(c, err, req)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) postRFID(c *gin.Context) {
	var req RFIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, bindError(err), nil)
		return
	}
	at, err := parseTimestamp(req.Timestamp)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	ev, err := ledger.NewScan(req.EventType, ledger.Scan{
		VehicleID: req.VehicleID,
		CardID:    req.CardID,
		Lat:       req.Lat,
		Lon:       req.Lon,
		At:        at,
	})
	if err != nil {
		writeError(c, err, nil)
		return
	}

	ctx := c.Request.Context()
	switch ev := ev.(type) {
	case ledger.EntryScan:
		res, err := s.ledger.OnEntry(ctx, ev)
		if err != nil {
			writeError(c, err, req)
			return
		}
		c.JSON(http.StatusOK, EntryResponse{OK: true, TripID: res.TripID, StartStop: res.StartStop})
	case ledger.ExitScan:
		res, err := s.ledger.OnExit(ctx, ev)
		if err != nil {
			writeError(c, err, req)
			return
		}
		c.JSON(http.StatusOK, ExitResponse{OK: true, TripID: res.TripID, Fare: res.Fare, EndStop: res.EndStop})
	}
}

var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"}

// parseTimestamp accepts RFC 3339 and zone-less ISO 8601 (read as UTC).
// Absent or empty means "now" and yields the zero time.
func parseTimestamp(raw *string) (time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(*raw)); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, transit.Invalid("timestamp", "must be ISO 8601")
}

// writeError maps domain errors onto status codes. payload is logged for
// store failures only; it never carries card balances.
func writeError(c *gin.Context, err error, payload any) {
	var verr *transit.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": verr.Error()})
	case errors.Is(err, transit.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, transit.ErrDuplicateTrip):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_trip", "message": err.Error()})
	case errors.Is(err, transit.ErrNoActiveTrip):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_active_trip", "message": err.Error()})
	default:
		log.Printf("%s %s failed: %v payload=%+v", c.Request.Method, c.Request.URL.Path, err, payload)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error", "message": "internal error, safe to retry"})
	}
}

func bindError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return transit.Invalid(fe.Field(), fe.Tag())
	}
	return transit.Invalid("body", err.Error())
}

var fieldNamesOnce sync.Once

// useJSONFieldNames makes validation errors name fields by their JSON key.
func useJSONFieldNames() {
	fieldNamesOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
}
