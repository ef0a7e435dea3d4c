package storage

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteConfig struct {
	OnDisk    bool
	Directory string
}

type SQLiteStorage struct {
	SQLiteConfig
	sqlStorage
}

// Creates a SQLite backed Storage. Without config, or with OnDisk
// false, the database is kept in memory.
func NewSQLiteStorage(cfg ...SQLiteConfig) (*SQLiteStorage, error) {
	config := SQLiteConfig{}
	if len(cfg) > 0 {
		config = cfg[0]
	}

	sourceName := ":memory:"
	if config.OnDisk {
		sourceName = filepath.Join(config.Directory, "arrivals.db")
	}

	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to :memory: gets its own database.
	if !config.OnDisk {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(schemaSQL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &SQLiteStorage{
		SQLiteConfig: config,
		sqlStorage: sqlStorage{
			db:     db,
			rebind: rebindNone,
		},
	}, nil
}

func (s *SQLiteStorage) GetWriter(hash string) (FeedWriter, error) {
	err := s.clearFeed(hash)
	if err != nil {
		return nil, err
	}
	return &sqlFeedWriter{
		db:     s.db,
		hash:   hash,
		rebind: s.rebind,
	}, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
