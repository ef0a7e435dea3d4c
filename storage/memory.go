package storage

import (
	"fmt"
	"sort"

	"tidbyt.dev/arrivals/model"
)

// In memory implementation of Storage below

type memoryMetadataKey struct {
	URL  string
	Hash string
}

type MemoryStorage struct {
	Feeds    map[string]*MemoryStorageFeed
	Metadata map[memoryMetadataKey]*FeedMetadata
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		Feeds:    map[string]*MemoryStorageFeed{},
		Metadata: map[memoryMetadataKey]*FeedMetadata{},
	}
}

func (s *MemoryStorage) ListFeeds(filter ListFeedsFilter) ([]*FeedMetadata, error) {
	feeds := []*FeedMetadata{}
	for _, metadata := range s.Metadata {
		if filter.URL != "" && metadata.URL != filter.URL {
			continue
		}
		if filter.Hash != "" && metadata.Hash != filter.Hash {
			continue
		}
		feeds = append(feeds, metadata)
	}
	sort.Slice(feeds, func(i, j int) bool {
		return feeds[i].RetrievedAt.After(feeds[j].RetrievedAt)
	})
	return feeds, nil
}

func (s *MemoryStorage) WriteFeedMetadata(feed *FeedMetadata) error {
	s.Metadata[memoryMetadataKey{feed.URL, feed.Hash}] = feed
	return nil
}

func (s *MemoryStorage) GetReader(hash string) (FeedReader, error) {
	f, ok := s.Feeds[hash]
	if !ok {
		return nil, fmt.Errorf("feed %s: %w", hash, ErrNotFound)
	}
	return f, nil
}

func (s *MemoryStorage) GetWriter(hash string) (FeedWriter, error) {
	f := &MemoryStorageFeed{
		agency:          map[string]*model.Agency{},
		stops:           map[string]*model.Stop{},
		routes:          map[string]*model.Route{},
		trips:           map[string]*model.Trip{},
		tripsByRoute:    map[string][]*model.Trip{},
		stopTimesByTrip: map[string][]*model.StopTime{},
		routesByStop:    map[string][]*model.Route{},
	}

	s.Feeds[hash] = f

	return f, nil
}

type MemoryStorageFeed struct {
	agency          map[string]*model.Agency
	stops           map[string]*model.Stop
	routes          map[string]*model.Route
	trips           map[string]*model.Trip
	tripsByRoute    map[string][]*model.Trip
	stopTimesByTrip map[string][]*model.StopTime
	routesByStop    map[string][]*model.Route
}

func (f *MemoryStorageFeed) WriteAgency(agency *model.Agency) error {
	f.agency[agency.ID] = agency
	return nil
}

func (f *MemoryStorageFeed) WriteStop(stop *model.Stop) error {
	f.stops[stop.ID] = stop
	return nil
}

func (f *MemoryStorageFeed) WriteRoute(route *model.Route) error {
	f.routes[route.ID] = route
	return nil
}

func (f *MemoryStorageFeed) WriteTrip(trip *model.Trip) error {
	f.trips[trip.ID] = trip
	f.tripsByRoute[trip.RouteID] = append(f.tripsByRoute[trip.RouteID], trip)
	return nil
}

func (f *MemoryStorageFeed) BeginStopTimes() error {
	return nil
}

func (f *MemoryStorageFeed) WriteStopTime(stopTime *model.StopTime) error {
	f.stopTimesByTrip[stopTime.TripID] = append(f.stopTimesByTrip[stopTime.TripID], stopTime)
	return nil
}

// Sorts everything and builds the stop -> routes index, now that
// all stop times are known.
func (f *MemoryStorageFeed) EndStopTimes() error {
	for _, sts := range f.stopTimesByTrip {
		sort.SliceStable(sts, func(i, j int) bool {
			return sts[i].StopSequence < sts[j].StopSequence
		})
	}

	for _, trips := range f.tripsByRoute {
		sort.Slice(trips, func(i, j int) bool {
			return trips[i].ID < trips[j].ID
		})
	}

	routeSet := map[string]map[string]bool{}
	for tripID, sts := range f.stopTimesByTrip {
		trip, found := f.trips[tripID]
		if !found {
			continue
		}
		for _, st := range sts {
			if routeSet[st.StopID] == nil {
				routeSet[st.StopID] = map[string]bool{}
			}
			routeSet[st.StopID][trip.RouteID] = true
		}
	}

	f.routesByStop = map[string][]*model.Route{}
	for stopID, routeIDs := range routeSet {
		routes := []*model.Route{}
		for routeID := range routeIDs {
			if route, found := f.routes[routeID]; found {
				routes = append(routes, route)
			}
		}
		sort.Slice(routes, func(i, j int) bool {
			return routes[i].ID < routes[j].ID
		})
		f.routesByStop[stopID] = routes
	}

	return nil
}

func (f *MemoryStorageFeed) Close() error {
	return nil
}

func (f *MemoryStorageFeed) Agencies() ([]*model.Agency, error) {
	agencies := []*model.Agency{}
	for _, v := range f.agency {
		agencies = append(agencies, v)
	}
	return agencies, nil
}

func (f *MemoryStorageFeed) Route(routeID string) (*model.Route, error) {
	route, found := f.routes[routeID]
	if !found {
		return nil, fmt.Errorf("route %s: %w", routeID, ErrNotFound)
	}
	return route, nil
}

func (f *MemoryStorageFeed) Trip(tripID string) (*model.Trip, error) {
	trip, found := f.trips[tripID]
	if !found {
		return nil, fmt.Errorf("trip %s: %w", tripID, ErrNotFound)
	}
	return trip, nil
}

func (f *MemoryStorageFeed) RoutesForStop(stopID string) ([]*model.Route, error) {
	routes := f.routesByStop[stopID]
	if routes == nil {
		return []*model.Route{}, nil
	}
	return routes, nil
}

func (f *MemoryStorageFeed) TripsForRoute(routeID string, directionID int) ([]*model.Trip, error) {
	trips := []*model.Trip{}
	for _, trip := range f.tripsByRoute[routeID] {
		if directionID != -1 && int(trip.DirectionID) != directionID {
			continue
		}
		trips = append(trips, trip)
	}
	return trips, nil
}

func (f *MemoryStorageFeed) StopTimesForTrip(tripID string) ([]*model.StopTime, error) {
	sts := f.stopTimesByTrip[tripID]
	if sts == nil {
		return []*model.StopTime{}, nil
	}
	return sts, nil
}
