package storage

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"tidbyt.dev/arrivals/model"
)

const (
	PSQLStopTimeBatchSize = 5000
)

type PSQLStorage struct {
	sqlStorage
}

// Creates a new Postgres Storage using the provided connection string.
//
// If clearDB is true, the database will be cleared on startup. You
// probably only want this for testing.
func NewPSQLStorage(connStr string, clearDB bool) (*PSQLStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if clearDB {
		_, err = db.Exec(`
DROP TABLE IF EXISTS feed;
DROP TABLE IF EXISTS agency;
DROP TABLE IF EXISTS stops;
DROP TABLE IF EXISTS routes;
DROP TABLE IF EXISTS trips;
DROP TABLE IF EXISTS stop_times;
`)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("clearing db: %w", err)
		}
	}

	_, err = db.Exec(schemaSQL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &PSQLStorage{
		sqlStorage: sqlStorage{
			db:     db,
			rebind: rebindDollar,
		},
	}, nil
}

func (s *PSQLStorage) GetWriter(hash string) (FeedWriter, error) {
	err := s.clearFeed(hash)
	if err != nil {
		return nil, err
	}
	return &PSQLFeedWriter{
		sqlFeedWriter: sqlFeedWriter{
			db:     s.db,
			hash:   hash,
			rebind: s.rebind,
		},
	}, nil
}

func (s *PSQLStorage) Close() error {
	return s.db.Close()
}

// Same as the generic SQL writer, except stop_times are buffered and
// written using COPY.
type PSQLFeedWriter struct {
	sqlFeedWriter
	stopTimeBuf []*model.StopTime
}

func (w *PSQLFeedWriter) BeginStopTimes() error {
	return nil
}

func (w *PSQLFeedWriter) WriteStopTime(stopTime *model.StopTime) error {
	w.stopTimeBuf = append(w.stopTimeBuf, stopTime)

	if len(w.stopTimeBuf) >= PSQLStopTimeBatchSize {
		err := w.flushStopTimes()
		if err != nil {
			return fmt.Errorf("flushing stop_times: %w", err)
		}
	}

	return nil
}

func (w *PSQLFeedWriter) EndStopTimes() error {
	if len(w.stopTimeBuf) > 0 {
		err := w.flushStopTimes()
		if err != nil {
			return fmt.Errorf("flushing stop_times: %w", err)
		}
	}
	return nil
}

func (w *PSQLFeedWriter) flushStopTimes() error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(pq.CopyIn(
		"stop_times", "hash", "trip_id", "stop_id", "stop_sequence", "arrival_time", "departure_time", "headsign",
	))
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, stopTime := range w.stopTimeBuf {
		_, err = stmt.Exec(
			w.hash,
			stopTime.TripID,
			stopTime.StopID,
			stopTime.StopSequence,
			stopTime.Arrival,
			stopTime.Departure,
			stopTime.Headsign,
		)
		if err != nil {
			return fmt.Errorf("COPY stop_time: %w", err)
		}
	}

	_, err = stmt.Exec()
	if err != nil {
		return fmt.Errorf("executing statement: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	w.stopTimeBuf = nil

	return nil
}

func (w *PSQLFeedWriter) Close() error {
	_, err := w.db.Exec(`ANALYZE`)
	if err != nil {
		return fmt.Errorf("analyzing: %w", err)
	}
	return nil
}
