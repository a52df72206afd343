// README: Geographic helpers (great-circle distance, bounds, polyline walking) backed by orb.
package types

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

func (p Point) orb() orb.Point {
	return orb.Point{p.Lng, p.Lat}
}

// DistanceKm returns the haversine distance in kilometres.
func DistanceKm(a, b Point) float64 {
	return geo.DistanceHaversine(a.orb(), b.orb()) / 1000.0
}

// BoundAround returns the [min, max] corners of a box that contains every
// point within radiusKm of center. Corners are (lng, lat) pairs.
func BoundAround(center Point, radiusKm float64) (min, max [2]float64) {
	b := geo.NewBoundAroundPoint(center.orb(), radiusKm*1000.0)
	return [2]float64(b.Min), [2]float64(b.Max)
}

// PathLengthKm sums the haversine length of consecutive points.
func PathLengthKm(path []Point) float64 {
	if len(path) < 2 {
		return 0
	}
	ls := make(orb.LineString, len(path))
	for i, p := range path {
		ls[i] = p.orb()
	}
	total := 0.0
	for i := 1; i < len(ls); i++ {
		total += geo.DistanceHaversine(ls[i-1], ls[i])
	}
	return total / 1000.0
}

// NearestIndex returns the index of the path point closest to p, or -1 for an empty path.
func NearestIndex(path []Point, p Point) int {
	best, bestDist := -1, 0.0
	for i, q := range path {
		d := DistanceKm(p, q)
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// RemainingPath returns the part of path still ahead of position: the
// position itself followed by every point after the nearest one.
func RemainingPath(path []Point, position Point) []Point {
	idx := NearestIndex(path, position)
	if idx < 0 {
		return nil
	}
	out := make([]Point, 0, len(path)-idx+1)
	out = append(out, position)
	out = append(out, path[idx+1:]...)
	return out
}

// Interpolate returns the point a fraction t (0..1) of the way from a to b.
func Interpolate(a, b Point, t float64) Point {
	return Point{Lat: a.Lat + (b.Lat-a.Lat)*t, Lng: a.Lng + (b.Lng-a.Lng)*t}
}
