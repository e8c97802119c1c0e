package fare

import (
	"math"

	"smartbus-ledger/internal/transit"
)

const (
	DefaultMinFare   = 10.0
	DefaultStopPrice = 10.0
)

// Calculator prices a ride from the ordered stop list of a route.
type Calculator struct {
	MinFare          float64
	DefaultStopPrice float64
}

func NewCalculator(minFare, defaultStopPrice float64) Calculator {
	if minFare <= 0 {
		minFare = DefaultMinFare
	}
	if defaultStopPrice <= 0 {
		defaultStopPrice = DefaultStopPrice
	}
	return Calculator{MinFare: minFare, DefaultStopPrice: defaultStopPrice}
}

// Compute sums the per-stop prices between the start and end stops,
// inclusive, regardless of travel direction. Unknown stops, or a ride that
// starts and ends at the same stop, pay the minimum fare.
func (c Calculator) Compute(startStop, endStop string, stops []transit.Stop) float64 {
	start := indexOf(stops, startStop)
	end := indexOf(stops, endStop)
	if start < 0 || end < 0 || start == end {
		return c.MinFare
	}
	low, high := start, end
	if low > high {
		low, high = high, low
	}
	total := 0.0
	for i := low; i <= high; i++ {
		p := stops[i].Price
		if p <= 0 || math.IsNaN(p) {
			p = c.DefaultStopPrice
		}
		total += p
	}
	total = math.Round(total*100) / 100
	if total < c.MinFare {
		return c.MinFare
	}
	return total
}

// indexOf returns the slice index of the first stop named name, or -1.
func indexOf(stops []transit.Stop, name string) int {
	if name == "" {
		return -1
	}
	for i := range stops {
		if stops[i].Name == name {
			return i
		}
	}
	return -1
}
