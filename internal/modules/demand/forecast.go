// README: Route demand forecast: moving average over recent sweeps, boosted at rush hour.
package demand

import (
	"sync"

	"arkdispatch/internal/config"
)

type Confidence string

const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

// Forecast is the expected number of pending requests on a route at an hour.
type Forecast struct {
	RouteKey        string     `json:"routeKey"`
	Hour            int        `json:"hour"`
	PredictedDemand int        `json:"predictedDemand"`
	Confidence      Confidence `json:"confidence"`
	Samples         int        `json:"samples"`
}

// forecaster keeps the last window pending counts per route, one per sweep.
type forecaster struct {
	window     int
	minSamples int
	fallback   int
	peak       float64

	mu      sync.Mutex
	history map[string][]int
}

func newForecaster(cfg config.DemandConfig) *forecaster {
	f := &forecaster{
		window:     cfg.ForecastWindow,
		minSamples: cfg.ForecastMinSamples,
		fallback:   cfg.ForecastDefault,
		peak:       cfg.PeakMultiplier,
		history:    make(map[string][]int),
	}
	if f.window < 1 {
		f.window = 7
	}
	if f.minSamples > f.window {
		f.minSamples = f.window
	}
	if f.peak <= 0 {
		f.peak = 1
	}
	return f
}

// record appends one reading per route. Routes seen before but absent from
// counts read zero; a route whose whole window is zero is forgotten.
func (f *forecaster) record(counts map[string]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.history {
		if _, ok := counts[key]; !ok {
			f.push(key, 0)
		}
	}
	for key, n := range counts {
		f.push(key, n)
	}
	for key, readings := range f.history {
		if allZero(readings) {
			delete(f.history, key)
		}
	}
}

func (f *forecaster) push(key string, n int) {
	readings := append(f.history[key], n)
	if len(readings) > f.window {
		readings = readings[len(readings)-f.window:]
	}
	f.history[key] = readings
}

func (f *forecaster) predict(key string, hour int) Forecast {
	f.mu.Lock()
	readings := f.history[key]
	n := len(readings)
	sum := 0
	for _, r := range readings {
		sum += r
	}
	f.mu.Unlock()

	out := Forecast{RouteKey: key, Hour: hour, Samples: n}
	if n < f.minSamples || n == 0 {
		out.PredictedDemand = f.fallback
		out.Confidence = ConfidenceLow
		return out
	}
	avg := float64(sum) / float64(n)
	if peakHour(hour) {
		avg *= f.peak
	}
	out.PredictedDemand = int(avg)
	out.Confidence = ConfidenceMedium
	if n >= f.window {
		out.Confidence = ConfidenceHigh
	}
	return out
}

// peakHour covers the morning and evening commutes.
func peakHour(hour int) bool {
	return (hour >= 7 && hour <= 9) || (hour >= 17 && hour <= 19)
}

func allZero(readings []int) bool {
	for _, r := range readings {
		if r != 0 {
			return false
		}
	}
	return true
}
