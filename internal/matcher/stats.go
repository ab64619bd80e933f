package matcher

import (
	"sort"
	"time"
)

// PassStats summarizes one dispatch pass.
type PassStats struct {
	Requests  int
	Matched   int
	Retried   int
	Expired   int
	Skipped   int
	Conflicts int
	Failed    int
	Duration  time.Duration

	// per-request processing time
	Min, Max, Avg, P95, P99 time.Duration
}

func (s *PassStats) count(oc outcome) {
	switch oc {
	case outcomeMatched:
		s.Matched++
	case outcomeRetried:
		s.Retried++
	case outcomeExpired:
		s.Expired++
	case outcomeSkipped:
		s.Skipped++
	case outcomeConflict:
		s.Conflicts++
	case outcomeFailed:
		s.Failed++
	}
}

func (s *PassStats) summarize(ds []time.Duration) {
	if len(ds) == 0 {
		return
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	s.Min = sorted[0]
	s.Max = sorted[len(sorted)-1]
	s.Avg = sum / time.Duration(len(sorted))
	s.P95 = percentile(sorted, 95)
	s.P99 = percentile(sorted, 99)
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
