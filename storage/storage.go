package storage

import (
	"errors"
	"time"

	"tidbyt.dev/arrivals/model"
)

var ErrNotFound = errors.New("not found")

type Storage interface {
	// Retrieves all feed metadata records matching the given
	// filter, most recently retrieved first.
	ListFeeds(filter ListFeedsFilter) ([]*FeedMetadata, error)

	// Writes a FeedMetadata record. If a record with the same URL
	// and hash exists, it is updated.
	WriteFeedMetadata(metadata *FeedMetadata) error

	// Gets a reader for the feed with the given hash.
	GetReader(hash string) (FeedReader, error)

	// Gets a writer for the feed with the given hash. Any data
	// previously written for the hash is discarded.
	GetWriter(hash string) (FeedWriter, error)
}

type ListFeedsFilter struct {
	// If set, only include feeds with the given URL.
	URL string

	// If set, only include feeds with the given hash.
	Hash string
}

// Metadata for a downloaded static GTFS feed. The parsed data can be
// accessed via FeedReader.
type FeedMetadata struct {
	URL         string
	Hash        string
	RetrievedAt time.Time
	Timezone    string
	MaxArrival  string
}

// Writes GTFS records for a single feed.
//
// As stop_times.txt tends to be very large, BeginStopTimes() and
// EndStopTimes() are called before and after all calls to
// WriteStopTime(), allowing transactions/batching/whathaveyou.
type FeedWriter interface {
	WriteAgency(agency *model.Agency) error
	WriteStop(stop *model.Stop) error
	WriteRoute(route *model.Route) error
	WriteTrip(trip *model.Trip) error
	BeginStopTimes() error
	WriteStopTime(stopTime *model.StopTime) error
	EndStopTimes() error
	Close() error
}

type FeedReader interface {
	Agencies() ([]*model.Agency, error)

	// Single records by ID. ErrNotFound if missing.
	Route(routeID string) (*model.Route, error)
	Trip(tripID string) (*model.Trip, error)

	// All routes with at least one trip stopping at the stop,
	// ordered by route ID.
	RoutesForStop(stopID string) ([]*model.Route, error)

	// Trips on a route, ordered by trip ID. Pass -1 as
	// directionID to include all directions.
	TripsForRoute(routeID string, directionID int) ([]*model.Trip, error)

	// Stop times of a trip, ordered by stop_sequence.
	StopTimesForTrip(tripID string) ([]*model.StopTime, error)
}
