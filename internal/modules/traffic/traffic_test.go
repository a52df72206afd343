// README: Traffic aggregator tests: classification, decay, baselines, route slowdowns, snapshots.
package traffic

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"arkdispatch/internal/config"
	"arkdispatch/internal/types"
)

// ---------------------------------------------------------------------------
// Classification (pure)
// ---------------------------------------------------------------------------

func TestClassifyTable(t *testing.T) {
	cases := []struct {
		speed, baseline float64
		want            Level
	}{
		{40, 40, LevelFree},
		{32, 40, LevelFree},
		{31.9, 40, LevelSlow},
		{20, 40, LevelSlow},
		{19.9, 40, LevelHeavy},
		{10.1, 40, LevelHeavy},
		{10, 40, LevelJam},
		{0, 40, LevelJam},
		{10, 0, LevelJam},    // default baseline 40
		{35, -5, LevelFree},  // default baseline 40
		{45, 60, LevelSlow},  // 0.75
		{100, 60, LevelFree}, // faster than baseline
		{16, 60, LevelHeavy}, // 0.27
		{15, 60, LevelJam},   // exactly a quarter
	}
	for _, tc := range cases {
		if got := Classify(tc.speed, tc.baseline); got != tc.want {
			t.Errorf("Classify(%v, %v) = %s, want %s", tc.speed, tc.baseline, got, tc.want)
		}
	}
}

func TestClassifyMonotonicInSpeed(t *testing.T) {
	rank := map[Level]int{LevelJam: 0, LevelHeavy: 1, LevelSlow: 2, LevelFree: 3}
	for _, baseline := range []float64{0, 20, 40, 55.5, 120} {
		prev := -1
		for speed := 0.0; speed <= 150; speed += 0.5 {
			r := rank[Classify(speed, baseline)]
			if r < prev {
				t.Fatalf("baseline %v: level dropped at speed %v", baseline, speed)
			}
			prev = r
		}
	}
}

// A segment averaging 10 km/h against the default 40 km/h baseline is a jam.
func TestSegmentAtQuarterBaselineIsJam(t *testing.T) {
	a, _ := newTestAggregator()
	p := a.cellCenter(50066, 243130)
	for i := 0; i < 5; i++ {
		if !a.RecordSample(p.Lat, p.Lng, 10) {
			t.Fatal("sample rejected")
		}
	}
	st, ok := a.ClassifyAt(p.Lat, p.Lng)
	if !ok {
		t.Fatal("expected live segment")
	}
	if st.Level != LevelJam || math.Abs(st.SpeedKmh-10) > 1e-9 || st.BaselineKmh != 40 {
		t.Fatalf("unexpected reading: %+v", st)
	}
}

// ---------------------------------------------------------------------------
// Sampling
// ---------------------------------------------------------------------------

func TestImplausibleSamplesDropped(t *testing.T) {
	a, _ := newTestAggregator()
	p := a.cellCenter(1000, 2000)
	for _, speed := range []float64{-1, 200.1, 500, math.NaN()} {
		if a.RecordSample(p.Lat, p.Lng, speed) {
			t.Errorf("speed %v should be dropped", speed)
		}
	}
	if _, ok := a.ClassifyAt(p.Lat, p.Lng); ok {
		t.Fatal("dropped samples must not create a live segment")
	}
	if a.RecordSample(95, 0, 30) {
		t.Error("invalid coordinate should be dropped")
	}
	for _, speed := range []float64{0, 200} {
		if !a.RecordSample(p.Lat, p.Lng, speed) {
			t.Errorf("speed %v should be accepted", speed)
		}
	}
}

func TestDecayWeightedSpeed(t *testing.T) {
	a, clock := newTestAggregator()
	p := a.cellCenter(1000, 2000)

	a.RecordSample(p.Lat, p.Lng, 60)
	clock.advance(150 * time.Second)
	a.RecordSample(p.Lat, p.Lng, 30)
	// weights 0.5 and 1.0
	st, _ := a.ClassifyAt(p.Lat, p.Lng)
	if math.Abs(st.SpeedKmh-40) > 1e-6 {
		t.Fatalf("weighted speed = %v, want 40", st.SpeedKmh)
	}

	clock.advance(140 * time.Second)
	// ages 290s and 140s: weights floor 0.1 and 1-140/300
	w2 := 1 - 140.0/300.0
	want := (0.1*60 + w2*30) / (0.1 + w2)
	st, _ = a.ClassifyAt(p.Lat, p.Lng)
	if math.Abs(st.SpeedKmh-want) > 1e-6 {
		t.Fatalf("weighted speed = %v, want %v", st.SpeedKmh, want)
	}

	clock.advance(20 * time.Second)
	// the first sample is now outside the window
	st, _ = a.ClassifyAt(p.Lat, p.Lng)
	if math.Abs(st.SpeedKmh-30) > 1e-6 || st.Samples != 1 {
		t.Fatalf("expected only the recent sample, got %+v", st)
	}

	clock.advance(10 * time.Minute)
	if _, ok := a.ClassifyAt(p.Lat, p.Lng); ok {
		t.Fatal("segment without samples in the window should not be live")
	}
}

func TestSampleWeightFloor(t *testing.T) {
	window := 5 * time.Minute
	cases := []struct {
		age  time.Duration
		want float64
	}{
		{0, 1},
		{150 * time.Second, 0.5},
		{270 * time.Second, 0.1},
		{299 * time.Second, 0.1},
		{-time.Second, 1},
	}
	for _, tc := range cases {
		if got := sampleWeight(tc.age, window); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("sampleWeight(%v) = %v, want %v", tc.age, got, tc.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Baselines
// ---------------------------------------------------------------------------

func TestRecomputeBaselinesNeedsEnoughReadings(t *testing.T) {
	a, clock := newTestAggregator()
	p := a.cellCenter(1000, 2000)
	for i := 0; i < 9; i++ {
		a.RecordSample(p.Lat, p.Lng, 60)
	}
	if n := a.RecomputeBaselines(); n != 0 {
		t.Fatalf("baseline computed from %d readings", 9)
	}
	a.RecordSample(p.Lat, p.Lng, 60)
	if n := a.RecomputeBaselines(); n != 1 {
		t.Fatalf("expected 1 baseline update, got %d", n)
	}

	// Old readings leave the window; the live speed of 20 is now judged
	// against the learned 60 km/h rather than the default 40.
	clock.advance(6 * time.Minute)
	a.RecordSample(p.Lat, p.Lng, 20)
	st, _ := a.ClassifyAt(p.Lat, p.Lng)
	if st.BaselineKmh != 60 || st.Level != LevelHeavy {
		t.Fatalf("expected HEAVY against 60 km/h, got %+v", st)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := testTrafficConfig()
	cfg.HistoryLimit = 5
	cfg.MinBaselineCount = 5
	a, _ := newTestAggregatorWith(cfg, nil)
	p := a.cellCenter(1000, 2000)
	for i := 1; i <= 10; i++ {
		a.RecordSample(p.Lat, p.Lng, float64(i))
	}
	a.RecomputeBaselines()
	st, _ := a.ClassifyAt(p.Lat, p.Lng)
	if st.BaselineKmh != 8 {
		t.Fatalf("baseline over last 5 readings = %v, want 8", st.BaselineKmh)
	}
}

// ---------------------------------------------------------------------------
// Routes
// ---------------------------------------------------------------------------

func TestTrafficAlongRoute(t *testing.T) {
	a, _ := newTestAggregator()
	route := []types.Point{a.cellCenter(50000, 240000), a.cellCenter(50020, 240000)}
	if got := a.TrafficAlongRoute(route); len(got) != 0 {
		t.Fatalf("expected no live segments, got %d", len(got))
	}

	late := a.cellCenter(50015, 240000)
	early := a.cellCenter(50003, 240000)
	off := a.cellCenter(50010, 240050)
	a.RecordSample(late.Lat, late.Lng, 12)
	a.RecordSample(early.Lat, early.Lng, 35)
	a.RecordSample(early.Lat, early.Lng, 38)
	a.RecordSample(off.Lat, off.Lng, 5)

	got := a.TrafficAlongRoute(route)
	if len(got) != 2 {
		t.Fatalf("expected 2 live segments on the route, got %d", len(got))
	}
	if got[0].ID != "50003:240000" || got[1].ID != "50015:240000" {
		t.Fatalf("segments out of route order: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestRouteCellsHaveNoConsecutiveDuplicates(t *testing.T) {
	a, _ := newTestAggregator()
	route := []types.Point{
		a.cellCenter(50000, 240000),
		a.cellCenter(50000, 240000),
		a.cellCenter(50004, 240003),
		a.cellCenter(50001, 240010),
	}
	cells := a.routeCells(route)
	for i := 1; i < len(cells); i++ {
		if cells[i] == cells[i-1] {
			t.Fatalf("duplicate cell %s at %d", cells[i], i)
		}
	}
	if cells[0] != "50000:240000" || cells[len(cells)-1] != "50001:240010" {
		t.Fatalf("route endpoints not covered: %s .. %s", cells[0], cells[len(cells)-1])
	}
}

func TestDetectSlowdown(t *testing.T) {
	a, _ := newTestAggregator()
	route := []types.Point{a.cellCenter(50000, 240000), a.cellCenter(50020, 240000)}

	clear := a.DetectSlowdown(route)
	if clear.HasSlowdown || clear.Severity != SeverityNone || clear.DelayMin != 0 {
		t.Fatalf("expected clear route, got %+v", clear)
	}

	slow := a.cellCenter(50002, 240000)
	a.RecordSample(slow.Lat, slow.Lng, 25)
	got := a.DetectSlowdown(route)
	if got.Severity != SeverityMinor || got.SlowCount != 1 {
		t.Fatalf("expected MINOR, got %+v", got)
	}

	heavy := a.cellCenter(50010, 240000)
	a.RecordSample(heavy.Lat, heavy.Lng, 15)
	if got := a.DetectSlowdown(route); got.Severity != SeverityModerate || got.HeavyCount != 1 {
		t.Fatalf("expected MODERATE, got %+v", got)
	}

	jam := a.cellCenter(50015, 240000)
	a.RecordSample(jam.Lat, jam.Lng, 4)
	got = a.DetectSlowdown(route)
	if !got.HasSlowdown || got.Severity != SeveritySevere {
		t.Fatalf("expected SEVERE, got %+v", got)
	}
	if got.JamCount != 1 || got.HeavyCount != 1 || got.SlowCount != 1 || len(got.AffectedSegments) != 3 {
		t.Fatalf("unexpected counts: %+v", got)
	}
	cells := len(a.routeCells(route))
	want := (3 + 1.5 + 0.5) / float64(cells) * types.PathLengthKm(route)
	if math.Abs(got.DelayMin-want) > 1e-9 {
		t.Fatalf("delay = %v, want %v", got.DelayMin, want)
	}
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

func TestFlushSnapshotsWritesDirtySegments(t *testing.T) {
	store := &fakeSnapshotStore{baselines: map[SegmentID]float64{"1000:2000": 55}}
	a, _ := newTestAggregatorWith(testTrafficConfig(), store)
	ctx := context.Background()

	if err := a.LoadBaselines(ctx); err != nil {
		t.Fatalf("load baselines: %v", err)
	}
	p := a.cellCenter(1000, 2000)
	q := a.cellCenter(1000, 2001)
	a.RecordSample(p.Lat, p.Lng, 50)
	a.RecordSample(q.Lat, q.Lng, 8)

	st, _ := a.ClassifyAt(p.Lat, p.Lng)
	if st.BaselineKmh != 55 {
		t.Fatalf("loaded baseline not applied: %+v", st)
	}

	n, err := a.FlushSnapshots(ctx)
	if err != nil || n != 2 {
		t.Fatalf("first flush: n=%d err=%v", n, err)
	}
	if n, _ := a.FlushSnapshots(ctx); n != 0 {
		t.Fatalf("clean segments flushed again: %d", n)
	}
	a.RecordSample(q.Lat, q.Lng, 9)
	if n, _ := a.FlushSnapshots(ctx); n != 1 {
		t.Fatalf("expected one dirty segment, got %d", n)
	}
	last := store.last()
	if last.ID != "1000:2001" || last.SampleCount != 2 || last.Level != LevelJam {
		t.Fatalf("unexpected snapshot: %+v", last)
	}
}

func TestConcurrentSamplingAndReads(t *testing.T) {
	cfg := testTrafficConfig()
	a := NewAggregator(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	route := []types.Point{a.cellCenter(50000, 240000), a.cellCenter(50040, 240000)}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				p := a.cellCenter(int64(50000+(i+w)%40), 240000)
				a.RecordSample(p.Lat, p.Lng, float64(10+i%50))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = a.DetectSlowdown(route)
				a.RecomputeBaselines()
			}
		}()
	}
	wg.Wait()
	if got := a.TrafficAlongRoute(route); len(got) != 40 {
		t.Fatalf("expected 40 live segments, got %d", len(got))
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testTrafficConfig() config.TrafficConfig {
	return config.Defaults().Traffic
}

func newTestAggregator() (*Aggregator, *fakeClock) {
	return newTestAggregatorWith(testTrafficConfig(), nil)
}

func newTestAggregatorWith(cfg config.TrafficConfig, store SnapshotStore) (*Aggregator, *fakeClock) {
	a := NewAggregator(cfg, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	a.now = clock.Now
	return a, clock
}

type fakeSnapshotStore struct {
	mu        sync.Mutex
	baselines map[SegmentID]float64
	written   []Snapshot
}

func (f *fakeSnapshotStore) UpsertSegments(_ context.Context, snaps []Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, snaps...)
	return nil
}

func (f *fakeSnapshotStore) LoadBaselines(_ context.Context) (map[SegmentID]float64, error) {
	return f.baselines, nil
}

func (f *fakeSnapshotStore) last() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written[len(f.written)-1]
}
