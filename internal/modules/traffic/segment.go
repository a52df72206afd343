// README: One road segment: sliding sample window plus bounded speed history.
package traffic

import (
	"time"

	"arkdispatch/internal/types"
)

type sample struct {
	speedKmh float64
	at       time.Time
}

type segment struct {
	id       SegmentID
	center   types.Point
	window   []sample
	history  []float64
	histPos  int
	baseline float64
	dirty    bool
	updated  time.Time
}

func newSegment(id SegmentID, center types.Point, historyLimit int) *segment {
	return &segment{id: id, center: center, history: make([]float64, 0, historyLimit)}
}

func (s *segment) add(speedKmh float64, at time.Time, window time.Duration) {
	s.prune(at, window)
	s.window = append(s.window, sample{speedKmh: speedKmh, at: at})
	if len(s.history) < cap(s.history) {
		s.history = append(s.history, speedKmh)
	} else if cap(s.history) > 0 {
		s.history[s.histPos] = speedKmh
		s.histPos = (s.histPos + 1) % cap(s.history)
	}
	s.dirty = true
	s.updated = at
}

// prune drops samples older than the window. Samples arrive in time order.
func (s *segment) prune(now time.Time, window time.Duration) {
	cut := 0
	for cut < len(s.window) && now.Sub(s.window[cut].at) > window {
		cut++
	}
	if cut > 0 {
		s.window = append(s.window[:0], s.window[cut:]...)
	}
}

// current returns the decay-weighted mean of samples still inside the window.
// Weights fall linearly with age and never drop below 0.1.
func (s *segment) current(now time.Time, window time.Duration) (speed float64, n int) {
	var sum, weights float64
	for _, smp := range s.window {
		age := now.Sub(smp.at)
		if age > window {
			continue
		}
		w := sampleWeight(age, window)
		sum += w * smp.speedKmh
		weights += w
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return sum / weights, n
}

func sampleWeight(age, window time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	w := 1 - age.Seconds()/window.Seconds()
	if w < 0.1 {
		return 0.1
	}
	return w
}

func (s *segment) historyMean() (float64, int) {
	if len(s.history) == 0 {
		return 0, 0
	}
	total := 0.0
	for _, v := range s.history {
		total += v
	}
	return total / float64(len(s.history)), len(s.history)
}
