package arrivals

import (
	"sync/atomic"

	"tidbyt.dev/arrivals/model"
)

type etaKey struct {
	RouteID     string
	DirectionID int
	StopID      string
}

type etaSnapshot struct {
	etas    map[etaKey]model.BestEta
	builtAt int64
}

// Best upcoming live arrival per (route, direction, stop), as of the
// last refresh.
//
// Each Rebuild produces a new immutable snapshot and publishes it
// with a single pointer swap. Readers see one batch or the next,
// never a mix.
type RealtimeEtaIndex struct {
	current atomic.Pointer[etaSnapshot]
}

func NewRealtimeEtaIndex() *RealtimeEtaIndex {
	x := &RealtimeEtaIndex{}
	x.current.Store(&etaSnapshot{etas: map[etaKey]model.BestEta{}})
	return x
}

// Replaces the index with one built from updates. Candidates with an
// ETA before nowEpoch are dropped. For each key the earliest ETA
// wins, and any ETA beats none.
func (x *RealtimeEtaIndex) Rebuild(updates []model.TripUpdateInfo, nowEpoch int64) {
	etas := map[etaKey]model.BestEta{}

	for i := range updates {
		tu := &updates[i]
		if tu.RouteID == "" {
			continue
		}
		direction := tu.Direction()

		for j := range tu.StopTimeUpdates {
			stu := &tu.StopTimeUpdates[j]
			if stu.StopID == "" {
				continue
			}

			candidate := bestEtaCandidate(tu, stu)
			if candidate.ETA != nil && *candidate.ETA < nowEpoch {
				continue
			}

			key := etaKey{tu.RouteID, direction, stu.StopID}
			if existing, found := etas[key]; found && !etaBetter(candidate, existing) {
				continue
			}
			etas[key] = candidate
		}
	}

	x.current.Store(&etaSnapshot{etas: etas, builtAt: nowEpoch})
}

func bestEtaCandidate(tu *model.TripUpdateInfo, stu *model.StopTimeUpdateInfo) model.BestEta {
	candidate := model.BestEta{
		Source:    model.EtaSourceUnknown,
		Timestamp: tu.Timestamp,
		TripID:    tu.TripID,
	}

	switch {
	case stu.ArrivalDelay != nil:
		candidate.Delay = copyInt32(stu.ArrivalDelay)
	case stu.DepartureDelay != nil:
		candidate.Delay = copyInt32(stu.DepartureDelay)
	case tu.Delay != nil:
		candidate.Delay = copyInt32(tu.Delay)
	}

	switch {
	case stu.ArrivalTime != nil:
		eta := *stu.ArrivalTime
		candidate.ETA = &eta
		candidate.Source = model.EtaSourceArrivalTime
	case stu.DepartureTime != nil:
		eta := *stu.DepartureTime
		candidate.ETA = &eta
		candidate.Source = model.EtaSourceDepartureTime
	case candidate.Delay != nil:
		candidate.Source = model.EtaSourceDelayOnly
	}

	return candidate
}

// Whether a should replace b. Unknown never beats known, and ties
// keep b.
func etaBetter(a, b model.BestEta) bool {
	if a.ETA == nil {
		return false
	}
	if b.ETA == nil {
		return true
	}
	return *a.ETA < *b.ETA
}

func copyInt32(v *int32) *int32 {
	c := *v
	return &c
}

// Exact key lookup. Direction model.DirectionUnspecified only
// matches updates that lacked a direction.
func (x *RealtimeEtaIndex) FindBestEta(routeID string, directionID int, stopID string) (model.BestEta, bool) {
	eta, found := x.current.Load().etas[etaKey{routeID, directionID, stopID}]
	return eta, found
}

func (x *RealtimeEtaIndex) Len() int {
	return len(x.current.Load().etas)
}

// The nowEpoch of the last Rebuild, or 0 if never built.
func (x *RealtimeEtaIndex) BuiltAt() int64 {
	return x.current.Load().builtAt
}
