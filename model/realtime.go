package model

// A decoded GTFS-rt TripUpdate. Treated as an immutable snapshot.
type TripUpdateInfo struct {
	TripID  string
	RouteID string

	// Nil when the feed doesn't say.
	DirectionID *int

	// Trip level delay in seconds, if provided.
	Delay *int32

	// Epoch seconds. The TripUpdate's own timestamp if set,
	// otherwise the feed header's.
	Timestamp int64

	StopTimeUpdates []StopTimeUpdateInfo
}

// Direction to use as index key. Unset maps to DirectionUnspecified.
func (tu *TripUpdateInfo) Direction() int {
	if tu.DirectionID == nil {
		return DirectionUnspecified
	}
	return *tu.DirectionID
}

type StopTimeUpdateInfo struct {
	StopID       string
	StopSequence uint32

	// Epoch seconds
	ArrivalTime   *int64
	DepartureTime *int64

	// Seconds
	ArrivalDelay   *int32
	DepartureDelay *int32
}

type EtaSource int

const (
	EtaSourceUnknown EtaSource = iota
	EtaSourceArrivalTime
	EtaSourceDepartureTime
	EtaSourceDelayOnly
)

func (s EtaSource) String() string {
	switch s {
	case EtaSourceArrivalTime:
		return "ARRIVAL_TIME"
	case EtaSourceDepartureTime:
		return "DEPARTURE_TIME"
	case EtaSourceDelayOnly:
		return "DELAY_ONLY"
	}
	return "UNKNOWN"
}

// Best live estimate for a (route, direction, stop).
type BestEta struct {
	// Epoch seconds, nil when only a delay (or nothing) is known.
	ETA *int64

	// Seconds
	Delay *int32

	Source EtaSource

	// Feed timestamp of the update the estimate came from.
	Timestamp int64

	TripID string
}

func (b *BestEta) HasETA() bool {
	return b.ETA != nil
}
