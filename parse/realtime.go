package parse

import (
	"context"
	"fmt"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	proto "google.golang.org/protobuf/proto"

	"tidbyt.dev/arrivals/model"
)

// Contains key data from one or more GTFS Realtime feeds
type Realtime struct {
	// Timestamp of the feed. If loaded from multiple feeds, the
	// last one wins.
	Timestamp uint64

	Trips []model.TripUpdateInfo

	// These exist to simplify debugging down the road
	NumScheduledTrips   int
	NumAddedTrips       int
	NumUnscheduledTrips int
	NumCanceledTrips    int
	NumDuplicatedTrips  int
	NumSkippedStops     int
}

func ParseRealtime(ctx context.Context, feeds [][]byte) (*Realtime, error) {
	rt := &Realtime{
		Trips: []model.TripUpdateInfo{},
	}

	for _, feed := range feeds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		f := &gtfsproto.FeedMessage{}
		err := proto.Unmarshal(feed, f)
		if err != nil {
			return nil, fmt.Errorf("unmarshaling protobuf: %w", err)
		}

		header := f.GetHeader()

		version := header.GetGtfsRealtimeVersion()
		if version != "2.0" && version != "1.0" {
			return nil, fmt.Errorf("version %s not supported", version)
		}

		if header.GetIncrementality() != gtfsproto.FeedHeader_FULL_DATASET {
			return nil, fmt.Errorf("feed incrementality %s not supported", header.GetIncrementality())
		}

		rt.Timestamp = header.GetTimestamp()

		err = processEntities(rt, header.GetTimestamp(), f.GetEntity())
		if err != nil {
			return nil, fmt.Errorf("processing entities: %w", err)
		}
	}

	return rt, nil
}

func processEntities(rt *Realtime, feedTimestamp uint64, entities []*gtfsproto.FeedEntity) error {
	for _, entity := range entities {
		// We only care about TripUpdates
		tu := entity.GetTripUpdate()
		if tu == nil || entity.GetIsDeleted() {
			continue
		}

		trip := tu.GetTrip()
		if trip == nil {
			return fmt.Errorf("trip_update missing trip")
		}

		switch trip.GetScheduleRelationship() {
		case gtfsproto.TripDescriptor_SCHEDULED:
			rt.NumScheduledTrips++

		case gtfsproto.TripDescriptor_ADDED:
			// Extra trips are kept when they name a route. They
			// can't be matched against the schedule, but their
			// ETAs are as good as anyone's.
			rt.NumAddedTrips++
			if trip.GetRouteId() == "" {
				continue
			}

		case gtfsproto.TripDescriptor_UNSCHEDULED:
			// For frequency based trips only. Not supported!
			rt.NumUnscheduledTrips++
			continue

		case gtfsproto.TripDescriptor_CANCELED:
			rt.NumCanceledTrips++
			continue

		default:
			// DUPLICATED and anything newer. Not supported!
			rt.NumDuplicatedTrips++
			continue
		}

		// Blank trip ID is allowed when the route is given.
		// Without either there's nothing to key on.
		if trip.GetTripId() == "" && trip.GetRouteId() == "" {
			continue
		}

		info := model.TripUpdateInfo{
			TripID:    trip.GetTripId(),
			RouteID:   trip.GetRouteId(),
			Delay:     tu.Delay,
			Timestamp: int64(feedTimestamp),
		}
		if trip.DirectionId != nil {
			direction := int(trip.GetDirectionId())
			info.DirectionID = &direction
		}
		if tu.GetTimestamp() != 0 {
			info.Timestamp = int64(tu.GetTimestamp())
		}

		for _, update := range tu.GetStopTimeUpdate() {
			stu, ok, err := processStopTimeUpdate(update)
			if err != nil {
				return fmt.Errorf("trip '%s': %w", trip.GetTripId(), err)
			}
			if !ok {
				rt.NumSkippedStops++
				continue
			}
			info.StopTimeUpdates = append(info.StopTimeUpdates, stu)
		}

		rt.Trips = append(rt.Trips, info)
	}

	return nil
}

// Returns false for stops the vehicle won't serve, or has nothing to
// say about.
func processStopTimeUpdate(update *gtfsproto.TripUpdate_StopTimeUpdate) (model.StopTimeUpdateInfo, bool, error) {
	stu := model.StopTimeUpdateInfo{
		StopID:       update.GetStopId(),
		StopSequence: update.GetStopSequence(),
	}

	if stu.StopID == "" && update.StopSequence == nil {
		return stu, false, fmt.Errorf("stop_time_update missing stop_id and stop_sequence")
	}

	switch update.GetScheduleRelationship() {
	case gtfsproto.TripUpdate_StopTimeUpdate_SCHEDULED:
	case gtfsproto.TripUpdate_StopTimeUpdate_SKIPPED,
		gtfsproto.TripUpdate_StopTimeUpdate_NO_DATA,
		gtfsproto.TripUpdate_StopTimeUpdate_UNSCHEDULED:
		return stu, false, nil
	}

	if ev := update.GetArrival(); ev != nil {
		if ev.Time != nil && ev.GetTime() != 0 {
			t := ev.GetTime()
			stu.ArrivalTime = &t
		}
		stu.ArrivalDelay = ev.Delay
	}

	if ev := update.GetDeparture(); ev != nil {
		if ev.Time != nil && ev.GetTime() != 0 {
			t := ev.GetTime()
			stu.DepartureTime = &t
		}
		stu.DepartureDelay = ev.Delay
	}

	return stu, true, nil
}
