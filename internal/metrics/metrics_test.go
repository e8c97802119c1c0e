package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector(t *testing.T) {
	c := NewCollector(10, 10, 0.5, 30)
	c.TripsStarted.Inc()
	c.ScansRejected.WithLabelValues("duplicate_trip").Inc()

	if got := testutil.ToFloat64(c.MinFare); got != 10 {
		t.Errorf("expected min fare gauge 10, got %v", got)
	}
	if got := testutil.ToFloat64(c.ScansRejected.WithLabelValues("duplicate_trip")); got != 1 {
		t.Errorf("expected 1 rejected scan, got %v", got)
	}

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	for _, name := range []string{"ledger_trips_started_total 1", "ledger_geofence_radius_km 0.5"} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %q in metrics output", name)
		}
	}
}
