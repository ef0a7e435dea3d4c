package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"tidbyt.dev/arrivals/model"
)

// Shared SQL for the SQLite and Postgres backends. Queries are
// written with ? placeholders and rebound per dialect. All feeds live
// in the same tables, keyed by hash.

var feedTables = []string{"agency", "stops", "routes", "trips", "stop_times"}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS feed (
    hash TEXT NOT NULL,
    url TEXT NOT NULL,
    retrieved_at TIMESTAMP NOT NULL,
    timezone TEXT NOT NULL,
    max_arrival TEXT NOT NULL,
    PRIMARY KEY (hash, url)
);

CREATE TABLE IF NOT EXISTS agency (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    url TEXT NOT NULL,
    timezone TEXT NOT NULL,
    PRIMARY KEY (hash, id)
);

CREATE TABLE IF NOT EXISTS stops (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    code TEXT,
    name TEXT,
    lat DOUBLE PRECISION,
    lon DOUBLE PRECISION,
    location_type INTEGER NOT NULL,
    parent_station TEXT,
    PRIMARY KEY (hash, id)
);

CREATE TABLE IF NOT EXISTS routes (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    agency_id TEXT,
    short_name TEXT,
    long_name TEXT,
    type INTEGER NOT NULL,
    color TEXT,
    text_color TEXT,
    PRIMARY KEY (hash, id)
);

CREATE TABLE IF NOT EXISTS trips (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    route_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    headsign TEXT,
    short_name TEXT,
    direction_id INTEGER NOT NULL,
    PRIMARY KEY (hash, id)
);
CREATE INDEX IF NOT EXISTS trips_route_id ON trips (hash, route_id);

CREATE TABLE IF NOT EXISTS stop_times (
    hash TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    arrival_time TEXT NOT NULL,
    departure_time TEXT NOT NULL,
    headsign TEXT,
    PRIMARY KEY (hash, trip_id, stop_sequence)
);
CREATE INDEX IF NOT EXISTS stop_times_stop_id ON stop_times (hash, stop_id);
`

// Rewrites ? placeholders as $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func rebindNone(query string) string {
	return query
}

type sqlStorage struct {
	db     *sql.DB
	rebind func(string) string
}

func (s *sqlStorage) ListFeeds(filter ListFeedsFilter) ([]*FeedMetadata, error) {
	query := `
SELECT hash, url, retrieved_at, timezone, max_arrival
FROM feed`

	conditions := []string{}
	params := []interface{}{}
	if filter.URL != "" {
		conditions = append(conditions, "url = ?")
		params = append(params, filter.URL)
	}
	if filter.Hash != "" {
		conditions = append(conditions, "hash = ?")
		params = append(params, filter.Hash)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY retrieved_at DESC"

	rows, err := s.db.Query(s.rebind(query), params...)
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	defer rows.Close()

	feeds := []*FeedMetadata{}
	for rows.Next() {
		var feed FeedMetadata
		err := rows.Scan(
			&feed.Hash,
			&feed.URL,
			&feed.RetrievedAt,
			&feed.Timezone,
			&feed.MaxArrival,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning feed: %w", err)
		}
		feeds = append(feeds, &feed)
	}

	return feeds, rows.Err()
}

func (s *sqlStorage) WriteFeedMetadata(feed *FeedMetadata) error {
	_, err := s.db.Exec(s.rebind(`
INSERT INTO feed (hash, url, retrieved_at, timezone, max_arrival)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (hash, url) DO UPDATE SET
    retrieved_at = excluded.retrieved_at,
    timezone = excluded.timezone,
    max_arrival = excluded.max_arrival`),
		feed.Hash,
		feed.URL,
		feed.RetrievedAt.UTC(),
		feed.Timezone,
		feed.MaxArrival,
	)
	if err != nil {
		return fmt.Errorf("writing feed metadata: %w", err)
	}
	return nil
}

func (s *sqlStorage) GetReader(hash string) (FeedReader, error) {
	var n int
	err := s.db.QueryRow(s.rebind(`SELECT COUNT(*) FROM agency WHERE hash = ?`), hash).Scan(&n)
	if err != nil {
		return nil, fmt.Errorf("checking feed %s: %w", hash, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("feed %s: %w", hash, ErrNotFound)
	}
	return &sqlFeedReader{db: s.db, hash: hash, rebind: s.rebind}, nil
}

// Removes any records previously written for hash.
func (s *sqlStorage) clearFeed(hash string) error {
	for _, table := range feedTables {
		_, err := s.db.Exec(s.rebind(`DELETE FROM `+table+` WHERE hash = ?`), hash)
		if err != nil {
			return fmt.Errorf("deleting %s records: %w", table, err)
		}
	}
	return nil
}

type sqlFeedWriter struct {
	db     *sql.DB
	hash   string
	rebind func(string) string

	stopTimeTx   *sql.Tx
	stopTimeStmt *sql.Stmt
}

func (w *sqlFeedWriter) WriteAgency(a *model.Agency) error {
	_, err := w.db.Exec(w.rebind(`
INSERT INTO agency (hash, id, name, url, timezone)
VALUES (?, ?, ?, ?, ?)`),
		w.hash, a.ID, a.Name, a.URL, a.Timezone,
	)
	if err != nil {
		return fmt.Errorf("inserting agency: %w", err)
	}
	return nil
}

func (w *sqlFeedWriter) WriteStop(stop *model.Stop) error {
	_, err := w.db.Exec(w.rebind(`
INSERT INTO stops (hash, id, code, name, lat, lon, location_type, parent_station)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		w.hash,
		stop.ID,
		stop.Code,
		stop.Name,
		stop.Lat,
		stop.Lon,
		int(stop.LocationType),
		stop.ParentStation,
	)
	if err != nil {
		return fmt.Errorf("inserting stop: %w", err)
	}
	return nil
}

func (w *sqlFeedWriter) WriteRoute(route *model.Route) error {
	_, err := w.db.Exec(w.rebind(`
INSERT INTO routes (hash, id, agency_id, short_name, long_name, type, color, text_color)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		w.hash,
		route.ID,
		route.AgencyID,
		route.ShortName,
		route.LongName,
		int(route.Type),
		route.Color,
		route.TextColor,
	)
	if err != nil {
		return fmt.Errorf("inserting route: %w", err)
	}
	return nil
}

func (w *sqlFeedWriter) WriteTrip(trip *model.Trip) error {
	_, err := w.db.Exec(w.rebind(`
INSERT INTO trips (hash, id, route_id, service_id, headsign, short_name, direction_id)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
		w.hash,
		trip.ID,
		trip.RouteID,
		trip.ServiceID,
		trip.Headsign,
		trip.ShortName,
		int(trip.DirectionID),
	)
	if err != nil {
		return fmt.Errorf("inserting trip: %w", err)
	}
	return nil
}

// Stop times are written in a single transaction.
func (w *sqlFeedWriter) BeginStopTimes() error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	stmt, err := tx.Prepare(w.rebind(`
INSERT INTO stop_times (hash, trip_id, stop_id, stop_sequence, arrival_time, departure_time, headsign)
VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing statement: %w", err)
	}
	w.stopTimeTx = tx
	w.stopTimeStmt = stmt
	return nil
}

func (w *sqlFeedWriter) WriteStopTime(st *model.StopTime) error {
	if w.stopTimeStmt == nil {
		return fmt.Errorf("WriteStopTime called outside BeginStopTimes/EndStopTimes")
	}
	_, err := w.stopTimeStmt.Exec(
		w.hash,
		st.TripID,
		st.StopID,
		st.StopSequence,
		st.Arrival,
		st.Departure,
		st.Headsign,
	)
	if err != nil {
		return fmt.Errorf("inserting stop_time: %w", err)
	}
	return nil
}

func (w *sqlFeedWriter) EndStopTimes() error {
	if w.stopTimeTx == nil {
		return nil
	}
	w.stopTimeStmt.Close()
	err := w.stopTimeTx.Commit()
	w.stopTimeTx = nil
	w.stopTimeStmt = nil
	if err != nil {
		return fmt.Errorf("committing stop_times: %w", err)
	}
	return nil
}

func (w *sqlFeedWriter) Close() error {
	if w.stopTimeTx != nil {
		w.stopTimeStmt.Close()
		w.stopTimeTx.Rollback()
		w.stopTimeTx = nil
		w.stopTimeStmt = nil
	}
	return nil
}

type sqlFeedReader struct {
	db     *sql.DB
	hash   string
	rebind func(string) string
}

func (r *sqlFeedReader) Agencies() ([]*model.Agency, error) {
	rows, err := r.db.Query(r.rebind(`
SELECT id, name, url, timezone
FROM agency
WHERE hash = ?`), r.hash)
	if err != nil {
		return nil, fmt.Errorf("querying agencies: %w", err)
	}
	defer rows.Close()

	agencies := []*model.Agency{}
	for rows.Next() {
		a := &model.Agency{}
		err := rows.Scan(&a.ID, &a.Name, &a.URL, &a.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scanning agency: %w", err)
		}
		agencies = append(agencies, a)
	}

	return agencies, rows.Err()
}

const routeColumns = `routes.id, routes.agency_id, routes.short_name, routes.long_name, routes.type, routes.color, routes.text_color`

func scanRoute(scan func(...interface{}) error) (*model.Route, error) {
	route := &model.Route{}
	var agencyID, shortName, longName, color, textColor sql.NullString
	var routeType int
	err := scan(&route.ID, &agencyID, &shortName, &longName, &routeType, &color, &textColor)
	if err != nil {
		return nil, err
	}
	route.AgencyID = agencyID.String
	route.ShortName = shortName.String
	route.LongName = longName.String
	route.Type = model.RouteType(routeType)
	route.Color = color.String
	route.TextColor = textColor.String
	return route, nil
}

func (r *sqlFeedReader) Route(routeID string) (*model.Route, error) {
	row := r.db.QueryRow(r.rebind(`
SELECT `+routeColumns+`
FROM routes
WHERE hash = ? AND id = ?`), r.hash, routeID)

	route, err := scanRoute(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("route %s: %w", routeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning route: %w", err)
	}
	return route, nil
}

const tripColumns = `id, route_id, service_id, headsign, short_name, direction_id`

func scanTrip(scan func(...interface{}) error) (*model.Trip, error) {
	trip := &model.Trip{}
	var headsign, shortName sql.NullString
	var directionID int
	err := scan(&trip.ID, &trip.RouteID, &trip.ServiceID, &headsign, &shortName, &directionID)
	if err != nil {
		return nil, err
	}
	trip.Headsign = headsign.String
	trip.ShortName = shortName.String
	trip.DirectionID = int8(directionID)
	return trip, nil
}

func (r *sqlFeedReader) Trip(tripID string) (*model.Trip, error) {
	row := r.db.QueryRow(r.rebind(`
SELECT `+tripColumns+`
FROM trips
WHERE hash = ? AND id = ?`), r.hash, tripID)

	trip, err := scanTrip(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trip %s: %w", tripID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning trip: %w", err)
	}
	return trip, nil
}

func (r *sqlFeedReader) RoutesForStop(stopID string) ([]*model.Route, error) {
	rows, err := r.db.Query(r.rebind(`
SELECT DISTINCT `+routeColumns+`
FROM stop_times
INNER JOIN trips ON trips.hash = stop_times.hash AND trips.id = stop_times.trip_id
INNER JOIN routes ON routes.hash = trips.hash AND routes.id = trips.route_id
WHERE stop_times.hash = ? AND stop_times.stop_id = ?
ORDER BY routes.id`), r.hash, stopID)
	if err != nil {
		return nil, fmt.Errorf("querying routes for stop: %w", err)
	}
	defer rows.Close()

	routes := []*model.Route{}
	for rows.Next() {
		route, err := scanRoute(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning route: %w", err)
		}
		routes = append(routes, route)
	}

	return routes, rows.Err()
}

func (r *sqlFeedReader) TripsForRoute(routeID string, directionID int) ([]*model.Trip, error) {
	query := `
SELECT ` + tripColumns + `
FROM trips
WHERE hash = ? AND route_id = ?`
	params := []interface{}{r.hash, routeID}
	if directionID != -1 {
		query += " AND direction_id = ?"
		params = append(params, directionID)
	}
	query += " ORDER BY id"

	rows, err := r.db.Query(r.rebind(query), params...)
	if err != nil {
		return nil, fmt.Errorf("querying trips: %w", err)
	}
	defer rows.Close()

	trips := []*model.Trip{}
	for rows.Next() {
		trip, err := scanTrip(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning trip: %w", err)
		}
		trips = append(trips, trip)
	}

	return trips, rows.Err()
}

func (r *sqlFeedReader) StopTimesForTrip(tripID string) ([]*model.StopTime, error) {
	rows, err := r.db.Query(r.rebind(`
SELECT trip_id, stop_id, stop_sequence, arrival_time, departure_time, headsign
FROM stop_times
WHERE hash = ? AND trip_id = ?
ORDER BY stop_sequence`), r.hash, tripID)
	if err != nil {
		return nil, fmt.Errorf("querying stop times: %w", err)
	}
	defer rows.Close()

	stopTimes := []*model.StopTime{}
	for rows.Next() {
		st := &model.StopTime{}
		var headsign sql.NullString
		err := rows.Scan(&st.TripID, &st.StopID, &st.StopSequence, &st.Arrival, &st.Departure, &headsign)
		if err != nil {
			return nil, fmt.Errorf("scanning stop time: %w", err)
		}
		st.Headsign = headsign.String
		stopTimes = append(stopTimes, st)
	}

	return stopTimes, rows.Err()
}
