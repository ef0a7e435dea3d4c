package arrivals

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"tidbyt.dev/arrivals/model"
	"tidbyt.dev/arrivals/storage"
)

// A loaded static schedule. Implements ScheduleRepository on top of a
// storage.FeedReader.
type Static struct {
	Metadata *storage.FeedMetadata
	Reader   storage.FeedReader

	location *time.Location

	headsignMutex sync.Mutex
	headsigns     map[headsignKey]string
}

type headsignKey struct {
	RouteID     string
	DirectionID int
}

func NewStatic(reader storage.FeedReader, metadata *storage.FeedMetadata) (*Static, error) {
	location, err := time.LoadLocation(metadata.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}

	return &Static{
		Metadata:  metadata,
		Reader:    reader,
		location:  location,
		headsigns: map[headsignKey]string{},
	}, nil
}

// The feed's timezone. Stop times are relative to service days in
// this location.
func (s *Static) Location() *time.Location {
	return s.location
}

func (s *Static) RoutesForStop(stopID string) ([]*model.Route, error) {
	routes, err := s.Reader.RoutesForStop(stopID)
	if err != nil {
		return nil, fmt.Errorf("getting routes for stop %s: %w", stopID, err)
	}
	return routes, nil
}

// Returns a headsign for trips on the route in the given direction,
// or "" if no trip has one.
//
// In GTFS, headsign is a property of the trip, and trips in the same
// direction can disagree (short turns, branches). The first non-empty
// headsign in trip ID order is used. When no trip has one, the
// stop_headsign of the last stop of the first trip is tried.
func (s *Static) RepresentativeHeadsign(routeID string, directionID int) (string, error) {
	key := headsignKey{routeID, directionID}

	s.headsignMutex.Lock()
	headsign, found := s.headsigns[key]
	s.headsignMutex.Unlock()
	if found {
		return headsign, nil
	}

	trips, err := s.Reader.TripsForRoute(routeID, directionID)
	if err != nil {
		return "", fmt.Errorf("getting trips for route %s: %w", routeID, err)
	}

	for _, trip := range trips {
		if h := strings.TrimSpace(trip.Headsign); h != "" {
			headsign = h
			break
		}
	}

	if headsign == "" && len(trips) > 0 {
		stopTimes, err := s.Reader.StopTimesForTrip(trips[0].ID)
		if err != nil {
			return "", fmt.Errorf("getting stop times for trip %s: %w", trips[0].ID, err)
		}
		if len(stopTimes) > 0 {
			headsign = strings.TrimSpace(stopTimes[len(stopTimes)-1].Headsign)
		}
	}

	s.headsignMutex.Lock()
	s.headsigns[key] = headsign
	s.headsignMutex.Unlock()

	return headsign, nil
}

// Pass model.DirectionUnspecified to include all directions.
func (s *Static) TripIDsForRoute(routeID string, directionID int) ([]string, error) {
	trips, err := s.Reader.TripsForRoute(routeID, directionID)
	if err != nil {
		return nil, fmt.Errorf("getting trips for route %s: %w", routeID, err)
	}

	ids := make([]string, 0, len(trips))
	for _, trip := range trips {
		ids = append(ids, trip.ID)
	}
	return ids, nil
}

func (s *Static) OrderedStopTimesForTrip(tripID string) ([]*model.StopTime, error) {
	stopTimes, err := s.Reader.StopTimesForTrip(tripID)
	if err != nil {
		return nil, fmt.Errorf("getting stop times for trip %s: %w", tripID, err)
	}
	return stopTimes, nil
}

func (s *Static) RouteByID(routeID string) (*model.Route, error) {
	route, err := s.Reader.Route(routeID)
	if err != nil {
		return nil, fmt.Errorf("getting route: %w", err)
	}
	return route, nil
}

func (s *Static) TripByID(tripID string) (*model.Trip, error) {
	trip, err := s.Reader.Trip(tripID)
	if err != nil {
		return nil, fmt.Errorf("getting trip: %w", err)
	}
	return trip, nil
}
