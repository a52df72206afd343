// README: Forecast tests: fallback, confidence thresholds, rolling window and peak hours.
package demand

import (
	"context"
	"errors"
	"testing"

	"arkdispatch/internal/config"
	"arkdispatch/internal/modules/trip"
)

func TestForecastFallsBackBelowMinSamples(t *testing.T) {
	f := newForecaster(config.Defaults().Demand)
	for i := 0; i < 4; i++ {
		f.record(map[string]int{"r": 30})
	}
	got := f.predict("r", 12)
	if got.PredictedDemand != 10 || got.Confidence != ConfidenceLow || got.Samples != 4 {
		t.Fatalf("unexpected forecast with four readings: %+v", got)
	}
	if got := f.predict("unknown", 12); got.PredictedDemand != 10 || got.Confidence != ConfidenceLow {
		t.Fatalf("unexpected forecast for unknown route: %+v", got)
	}
}

func TestForecastConfidenceGrowsWithHistory(t *testing.T) {
	f := newForecaster(config.Defaults().Demand)
	readings := []int{2, 4, 6, 8, 10}
	for _, n := range readings {
		f.record(map[string]int{"r": n})
	}
	got := f.predict("r", 12)
	if got.PredictedDemand != 6 || got.Confidence != ConfidenceMedium {
		t.Fatalf("five readings: %+v", got)
	}

	f.record(map[string]int{"r": 3})
	f.record(map[string]int{"r": 3})
	got = f.predict("r", 12)
	if got.Confidence != ConfidenceHigh || got.Samples != 7 {
		t.Fatalf("seven readings: %+v", got)
	}
	// 36 / 7 truncates to 5.
	if got.PredictedDemand != 5 {
		t.Fatalf("predicted %d, want 5", got.PredictedDemand)
	}
}

func TestForecastKeepsOnlyLastWindow(t *testing.T) {
	f := newForecaster(config.Defaults().Demand)
	for i := 0; i < 3; i++ {
		f.record(map[string]int{"r": 100})
	}
	for i := 0; i < 7; i++ {
		f.record(map[string]int{"r": 4})
	}
	got := f.predict("r", 12)
	if got.PredictedDemand != 4 || got.Samples != 7 {
		t.Fatalf("older readings should have rolled off: %+v", got)
	}
}

func TestForecastPeakHoursMultiply(t *testing.T) {
	f := newForecaster(config.Defaults().Demand)
	for i := 0; i < 7; i++ {
		f.record(map[string]int{"r": 5})
	}
	cases := []struct {
		hour int
		want int
	}{
		{6, 5}, {7, 7}, {9, 7}, {10, 5},
		{16, 5}, {17, 7}, {19, 7}, {20, 5},
	}
	for _, tc := range cases {
		if got := f.predict("r", tc.hour); got.PredictedDemand != tc.want {
			t.Errorf("hour %d: predicted %d, want %d", tc.hour, got.PredictedDemand, tc.want)
		}
	}
}

func TestForecastRecordsZeroForQuietRoutes(t *testing.T) {
	f := newForecaster(config.Defaults().Demand)
	for i := 0; i < 5; i++ {
		f.record(map[string]int{"busy": 10})
	}
	f.record(map[string]int{})
	f.record(map[string]int{})
	got := f.predict("busy", 12)
	// Five tens and two zeros over seven sweeps.
	if got.PredictedDemand != 7 || got.Samples != 7 {
		t.Fatalf("quiet sweeps should count as zero: %+v", got)
	}

	for i := 0; i < 5; i++ {
		f.record(map[string]int{})
	}
	if got := f.predict("busy", 12); got.Samples != 0 || got.Confidence != ConfidenceLow {
		t.Fatalf("a route quiet for a whole window should be forgotten: %+v", got)
	}
}

func TestSweepFeedsForecast(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.request(t, origin, dest)
	h.request(t, origin, dest)
	h.request(t, origin, dest)

	for i := 0; i < 5; i++ {
		if err := h.svc.Sweep(ctx); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}
	key := RouteKey(origin, dest, 2)
	got, err := h.svc.Predict(key, 8)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	// Three pending per sweep, boosted to 4.5 in the morning peak.
	if got.PredictedDemand != 4 || got.Confidence != ConfidenceMedium {
		t.Fatalf("unexpected forecast: %+v", got)
	}

	for _, hour := range []int{-1, 24} {
		if _, err := h.svc.Predict(key, hour); !errors.Is(err, trip.ErrBadRequest) {
			t.Errorf("hour %d: expected bad request, got %v", hour, err)
		}
	}
	if _, err := h.svc.Predict("", 8); !errors.Is(err, trip.ErrBadRequest) {
		t.Errorf("empty route: expected bad request, got %v", err)
	}
}
