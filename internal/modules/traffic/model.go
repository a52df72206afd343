// README: Congestion levels, segment snapshots and slowdown reports.
package traffic

import (
	"time"

	"arkdispatch/internal/types"
)

type Level string

const (
	LevelFree  Level = "FREE"
	LevelSlow  Level = "SLOW"
	LevelHeavy Level = "HEAVY"
	LevelJam   Level = "JAM"
)

type Severity string

const (
	SeverityNone     Severity = "NONE"
	SeverityMinor    Severity = "MINOR"
	SeverityModerate Severity = "MODERATE"
	SeveritySevere   Severity = "SEVERE"
)

// Per-segment delay penalties in minutes.
const (
	penaltyJam   = 3.0
	penaltyHeavy = 1.5
	penaltySlow  = 0.5
)

// SegmentID names one grid cell as "row:col".
type SegmentID string

// SegmentTraffic is the live reading of one segment.
type SegmentTraffic struct {
	ID          SegmentID   `json:"segmentId"`
	Center      types.Point `json:"center"`
	SpeedKmh    float64     `json:"speedKmh"`
	BaselineKmh float64     `json:"baselineKmh"`
	Level       Level       `json:"congestionLevel"`
	Samples     int         `json:"samples"`
}

// Snapshot is the persisted aggregate of one segment.
type Snapshot struct {
	ID           SegmentID
	Center       types.Point
	SpeedKmh     float64
	BaselineKmh  float64
	Level        Level
	SampleCount  int
	HistoryCount int
	UpdatedAt    time.Time
}

type Slowdown struct {
	HasSlowdown      bool             `json:"hasSlowdown"`
	Severity         Severity         `json:"severity"`
	DelayMin         float64          `json:"delayMinutes"`
	AffectedSegments []SegmentTraffic `json:"affectedSegments"`
	JamCount         int              `json:"jamCount"`
	HeavyCount       int              `json:"heavyCount"`
	SlowCount        int              `json:"slowCount"`
}

// Thresholds map a speed/baseline ratio to a congestion level.
type Thresholds struct {
	DefaultBaseline float64
	Free            float64
	Slow            float64
	Heavy           float64
}

var DefaultThresholds = Thresholds{DefaultBaseline: 40, Free: 0.8, Slow: 0.5, Heavy: 0.25}

// Classify grades speed against baseline using DefaultThresholds.
func Classify(speedKmh, baselineKmh float64) Level {
	return DefaultThresholds.Classify(speedKmh, baselineKmh)
}

// Classify grades speed against baseline. A non-positive baseline falls back
// to the default baseline. The HEAVY bound is exclusive: a quarter of the
// baseline is already a jam.
func (th Thresholds) Classify(speedKmh, baselineKmh float64) Level {
	if baselineKmh <= 0 {
		baselineKmh = th.DefaultBaseline
	}
	ratio := speedKmh / baselineKmh
	switch {
	case ratio >= th.Free:
		return LevelFree
	case ratio >= th.Slow:
		return LevelSlow
	case ratio > th.Heavy:
		return LevelHeavy
	default:
		return LevelJam
	}
}

func penalty(l Level) float64 {
	switch l {
	case LevelJam:
		return penaltyJam
	case LevelHeavy:
		return penaltyHeavy
	case LevelSlow:
		return penaltySlow
	}
	return 0
}
