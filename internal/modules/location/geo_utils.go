// README: Candidate ordering helpers for nearby queries.
package location

// sortCandidates performs an insertion sort (fine for small N) ordering by
// distance and then driver id, so equal distances rank deterministically.
func sortCandidates(items []Candidate) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && candidateLess(key, items[j]) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}

func candidateLess(a, b Candidate) bool {
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	return a.DriverID < b.DriverID
}
