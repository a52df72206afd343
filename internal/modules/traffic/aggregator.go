// README: Traffic aggregator: sharded segment map fed by driver speed samples.
package traffic

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"arkdispatch/internal/config"
	"arkdispatch/internal/types"
)

const shardCount = 16

type shard struct {
	mu       sync.RWMutex
	segments map[SegmentID]*segment
}

// SnapshotStore persists segment aggregates between restarts.
type SnapshotStore interface {
	UpsertSegments(ctx context.Context, snaps []Snapshot) error
	LoadBaselines(ctx context.Context) (map[SegmentID]float64, error)
}

type Aggregator struct {
	cfg    config.TrafficConfig
	th     Thresholds
	store  SnapshotStore
	log    *slog.Logger
	now    func() time.Time
	shards [shardCount]shard
}

// NewAggregator builds an aggregator. store may be nil.
func NewAggregator(cfg config.TrafficConfig, store SnapshotStore, log *slog.Logger) *Aggregator {
	a := &Aggregator{
		cfg: cfg,
		th: Thresholds{
			DefaultBaseline: cfg.DefaultBaseline,
			Free:            cfg.FreeRatio,
			Slow:            cfg.SlowRatio,
			Heavy:           cfg.HeavyRatio,
		},
		store: store,
		log:   log,
		now:   time.Now,
	}
	for i := range a.shards {
		a.shards[i].segments = make(map[SegmentID]*segment)
	}
	return a
}

// RecordSample folds one speed reading into its segment. Implausible speeds
// are dropped and reported as false.
func (a *Aggregator) RecordSample(lat, lng, speedKmh float64) bool {
	if speedKmh < 0 || speedKmh > a.cfg.MaxPlausibleKmh || math.IsNaN(speedKmh) {
		return false
	}
	p := types.Point{Lat: lat, Lng: lng}
	if !p.Valid() {
		return false
	}
	id, center := a.cellOf(p)
	sh := a.shardFor(id)
	now := a.now()

	sh.mu.Lock()
	seg, ok := sh.segments[id]
	if !ok {
		seg = newSegment(id, center, a.cfg.HistoryLimit)
		sh.segments[id] = seg
	}
	seg.add(speedKmh, now, a.cfg.Window)
	sh.mu.Unlock()
	return true
}

// ClassifyAt reports the live reading of the segment containing (lat, lng).
func (a *Aggregator) ClassifyAt(lat, lng float64) (SegmentTraffic, bool) {
	id, _ := a.cellOf(types.Point{Lat: lat, Lng: lng})
	return a.read(id, a.now())
}

// TrafficAlongRoute walks the route at cell resolution and reports every
// distinct segment that has live samples, in route order.
func (a *Aggregator) TrafficAlongRoute(points []types.Point) []SegmentTraffic {
	now := a.now()
	var out []SegmentTraffic
	for _, id := range a.routeCells(points) {
		if st, ok := a.read(id, now); ok {
			out = append(out, st)
		}
	}
	return out
}

// DetectSlowdown summarises congestion along a route. The delay estimate is
// the mean per-segment penalty scaled by the route length.
func (a *Aggregator) DetectSlowdown(points []types.Point) Slowdown {
	now := a.now()
	cells := a.routeCells(points)
	res := Slowdown{Severity: SeverityNone}
	penalties := 0.0
	for _, id := range cells {
		st, ok := a.read(id, now)
		if !ok || st.Level == LevelFree {
			continue
		}
		switch st.Level {
		case LevelJam:
			res.JamCount++
		case LevelHeavy:
			res.HeavyCount++
		case LevelSlow:
			res.SlowCount++
		}
		penalties += penalty(st.Level)
		res.AffectedSegments = append(res.AffectedSegments, st)
	}
	switch {
	case res.JamCount > 0:
		res.Severity = SeveritySevere
	case res.HeavyCount > 0:
		res.Severity = SeverityModerate
	case res.SlowCount > 0:
		res.Severity = SeverityMinor
	}
	res.HasSlowdown = res.Severity != SeverityNone
	if len(cells) > 0 && penalties > 0 {
		res.DelayMin = penalties / float64(len(cells)) * types.PathLengthKm(points) * a.cfg.DelayScale
	}
	return res
}

// RecomputeBaselines sets each segment's baseline to the mean of its history
// once enough readings exist. It returns the number of baselines updated.
func (a *Aggregator) RecomputeBaselines() int {
	updated := 0
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		for _, seg := range sh.segments {
			mean, n := seg.historyMean()
			if n < a.cfg.MinBaselineCount {
				continue
			}
			if seg.baseline != mean {
				seg.baseline = mean
				seg.dirty = true
				updated++
			}
		}
		sh.mu.Unlock()
	}
	return updated
}

// FlushSnapshots writes every segment changed since the last flush.
func (a *Aggregator) FlushSnapshots(ctx context.Context) (int, error) {
	if a.store == nil {
		return 0, nil
	}
	now := a.now()
	var snaps []Snapshot
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.RLock()
		for _, seg := range sh.segments {
			if seg.dirty {
				snaps = append(snaps, a.snapshotOf(seg, now))
			}
		}
		sh.mu.RUnlock()
	}
	if len(snaps) == 0 {
		return 0, nil
	}
	if err := a.store.UpsertSegments(ctx, snaps); err != nil {
		return 0, fmt.Errorf("flush segment snapshots: %w", err)
	}
	for _, snap := range snaps {
		sh := a.shardFor(snap.ID)
		sh.mu.Lock()
		if seg, ok := sh.segments[snap.ID]; ok && !seg.updated.After(snap.UpdatedAt) {
			seg.dirty = false
		}
		sh.mu.Unlock()
	}
	return len(snaps), nil
}

// LoadBaselines seeds baselines persisted by a previous process.
func (a *Aggregator) LoadBaselines(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	baselines, err := a.store.LoadBaselines(ctx)
	if err != nil {
		return fmt.Errorf("load baselines: %w", err)
	}
	for id, kmh := range baselines {
		center, ok := a.centerOf(id)
		if !ok || kmh <= 0 {
			continue
		}
		sh := a.shardFor(id)
		sh.mu.Lock()
		seg, ok := sh.segments[id]
		if !ok {
			seg = newSegment(id, center, a.cfg.HistoryLimit)
			sh.segments[id] = seg
		}
		if seg.baseline == 0 {
			seg.baseline = kmh
		}
		sh.mu.Unlock()
	}
	a.log.Info("traffic baselines loaded", "segments", len(baselines))
	return nil
}

// Segments returns the live readings of every segment, busiest first.
func (a *Aggregator) Segments() []SegmentTraffic {
	now := a.now()
	var out []SegmentTraffic
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.RLock()
		for _, seg := range sh.segments {
			if st, ok := a.readLocked(seg, now); ok {
				out = append(out, st)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Samples != out[j].Samples {
			return out[i].Samples > out[j].Samples
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (a *Aggregator) RunBaselineLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.BaselineInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := a.RecomputeBaselines(); n > 0 {
				a.log.Info("traffic baselines recomputed", "segments", n)
			}
		}
	}
}

func (a *Aggregator) RunSnapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := a.FlushSnapshots(flushCtx); err != nil {
				a.log.Warn("final traffic flush failed", "error", err)
			}
			cancel()
			return nil
		case <-ticker.C:
			n, err := a.FlushSnapshots(ctx)
			if err != nil {
				a.log.Warn("traffic flush failed", "error", err)
				continue
			}
			if n > 0 {
				a.log.Debug("traffic snapshots flushed", "segments", n)
			}
		}
	}
}

func (a *Aggregator) read(id SegmentID, now time.Time) (SegmentTraffic, bool) {
	sh := a.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	seg, ok := sh.segments[id]
	if !ok {
		return SegmentTraffic{}, false
	}
	return a.readLocked(seg, now)
}

func (a *Aggregator) readLocked(seg *segment, now time.Time) (SegmentTraffic, bool) {
	speed, n := seg.current(now, a.cfg.Window)
	if n == 0 {
		return SegmentTraffic{}, false
	}
	return SegmentTraffic{
		ID:          seg.id,
		Center:      seg.center,
		SpeedKmh:    speed,
		BaselineKmh: a.baselineOf(seg),
		Level:       a.th.Classify(speed, seg.baseline),
		Samples:     n,
	}, true
}

func (a *Aggregator) snapshotOf(seg *segment, now time.Time) Snapshot {
	speed, n := seg.current(now, a.cfg.Window)
	level := LevelFree
	if n > 0 {
		level = a.th.Classify(speed, seg.baseline)
	}
	return Snapshot{
		ID:           seg.id,
		Center:       seg.center,
		SpeedKmh:     speed,
		BaselineKmh:  seg.baseline,
		Level:        level,
		SampleCount:  n,
		HistoryCount: len(seg.history),
		UpdatedAt:    seg.updated,
	}
}

func (a *Aggregator) baselineOf(seg *segment) float64 {
	if seg.baseline > 0 {
		return seg.baseline
	}
	return a.th.DefaultBaseline
}

// routeCells densifies the route to half-cell steps and returns the distinct
// cells it crosses, dropping consecutive duplicates.
func (a *Aggregator) routeCells(points []types.Point) []SegmentID {
	if len(points) == 0 {
		return nil
	}
	step := a.cfg.CellSizeDeg / 2
	var out []SegmentID
	appendCell := func(p types.Point) {
		id, _ := a.cellOf(p)
		if len(out) == 0 || out[len(out)-1] != id {
			out = append(out, id)
		}
	}
	appendCell(points[0])
	for i := 1; i < len(points); i++ {
		from, to := points[i-1], points[i]
		span := math.Max(math.Abs(to.Lat-from.Lat), math.Abs(to.Lng-from.Lng))
		n := int(math.Ceil(span / step))
		for k := 1; k <= n; k++ {
			appendCell(types.Interpolate(from, to, float64(k)/float64(n)))
		}
		if n == 0 {
			appendCell(to)
		}
	}
	return out
}

func (a *Aggregator) cellOf(p types.Point) (SegmentID, types.Point) {
	row := int64(math.Floor(p.Lat / a.cfg.CellSizeDeg))
	col := int64(math.Floor(p.Lng / a.cfg.CellSizeDeg))
	return SegmentID(fmt.Sprintf("%d:%d", row, col)), a.cellCenter(row, col)
}

func (a *Aggregator) centerOf(id SegmentID) (types.Point, bool) {
	var row, col int64
	if _, err := fmt.Sscanf(string(id), "%d:%d", &row, &col); err != nil {
		return types.Point{}, false
	}
	return a.cellCenter(row, col), true
}

func (a *Aggregator) cellCenter(row, col int64) types.Point {
	return types.Point{
		Lat: (float64(row) + 0.5) * a.cfg.CellSizeDeg,
		Lng: (float64(col) + 0.5) * a.cfg.CellSizeDeg,
	}
}

func (a *Aggregator) shardFor(id SegmentID) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &a.shards[h.Sum32()%shardCount]
}
