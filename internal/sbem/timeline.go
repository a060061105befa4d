package sbem

import (
	"math"
	"sort"
)

// Reference pairs a relative device tick (ms) with absolute UTC time.
type Reference struct {
	Ticks     uint32
	UTCMicros uint64
}

// timeline maps relative ticks onto absolute milliseconds.
type timeline struct {
	refs []Reference
}

func newTimeline(refs []Reference) timeline {
	sorted := make([]Reference, len(refs))
	copy(sorted, refs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Ticks < sorted[j].Ticks })
	return timeline{refs: sorted}
}

// at returns absolute ms for ticks. Between two references the time is
// interpolated linearly; outside the covered range the nearest pair is
// extrapolated. With a single reference the slope is one ms per tick.
// The bool is false when no reference exists.
func (tl timeline) at(ticks float64) (int64, bool) {
	switch len(tl.refs) {
	case 0:
		return int64(math.Round(ticks)), false
	case 1:
		r := tl.refs[0]
		return roundMS(float64(r.UTCMicros)/1000 + ticks - float64(r.Ticks)), true
	}

	j := sort.Search(len(tl.refs), func(i int) bool { return float64(tl.refs[i].Ticks) > ticks })
	switch {
	case j == 0:
		j = 1
	case j == len(tl.refs):
		j = len(tl.refs) - 1
	}
	a, b := tl.refs[j-1], tl.refs[j]
	if a.Ticks == b.Ticks {
		return roundMS(float64(a.UTCMicros)/1000 + ticks - float64(a.Ticks)), true
	}
	slope := (float64(b.UTCMicros) - float64(a.UTCMicros)) / (float64(b.Ticks) - float64(a.Ticks))
	micros := float64(a.UTCMicros) + (ticks-float64(a.Ticks))*slope
	return roundMS(micros / 1000), true
}

func roundMS(ms float64) int64 {
	return int64(math.Round(ms))
}
