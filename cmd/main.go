package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tidbyt.dev/arrivals"
	"tidbyt.dev/arrivals/config"
	"tidbyt.dev/arrivals/downloader"
	"tidbyt.dev/arrivals/storage"
)

var rootCmd = &cobra.Command{
	Use:          "arrivals",
	Short:        "Next arrival estimates from GTFS",
	Long:         "Predicts next arrivals at transit stops from GTFS Static and GTFS Realtime",
	SilenceUsage: true,
}

var (
	configPath    string
	staticURL     string
	staticFile    string
	realtimeURL   string
	sharedHeaders []string
	storageKind   string
	dbDir         string
	postgresConn  string
	verbose       bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVarP(&staticURL, "static-url", "", "", "GTFS Static URL")
	rootCmd.PersistentFlags().StringVarP(&staticFile, "static-file", "", "", "GTFS Static zip file")
	rootCmd.PersistentFlags().StringVarP(&realtimeURL, "realtime-url", "", "", "GTFS Realtime URL")
	rootCmd.PersistentFlags().StringSliceVarP(
		&sharedHeaders,
		"header",
		"",
		[]string{},
		"GTFS HTTP header (shared between static and realtime)",
	)
	rootCmd.PersistentFlags().StringVarP(&storageKind, "storage", "", "", "Storage backend: memory, sqlite or postgres")
	rootCmd.PersistentFlags().StringVarP(&dbDir, "db-dir", "", "", "Directory for the on-disk SQLite database")
	rootCmd.PersistentFlags().StringVarP(&postgresConn, "postgres", "", "", "PostgreSQL connection string")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Development logging")
}

func main() {
	// A missing .env is fine
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func parseHeaders(headers []string) (map[string]string, error) {
	parsed := map[string]string{}
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("'%s' is not on form <key>:<value>", header)
		}
		parsed[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return parsed, nil
}

// Loads the config file, then lets flags override it.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}

	if staticURL != "" {
		cfg.Static.URL = staticURL
		cfg.Static.File = ""
	}
	if staticFile != "" {
		cfg.Static.File = staticFile
		cfg.Static.URL = ""
	}
	if realtimeURL != "" {
		cfg.Realtime.URL = realtimeURL
	}

	headers, err := parseHeaders(sharedHeaders)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid header: %w", err)
	}
	if len(headers) > 0 {
		if cfg.Static.Headers == nil {
			cfg.Static.Headers = map[string]string{}
		}
		if cfg.Realtime.Headers == nil {
			cfg.Realtime.Headers = map[string]string{}
		}
		for k, v := range headers {
			cfg.Static.Headers[k] = v
			cfg.Realtime.Headers[k] = v
		}
	}

	if storageKind != "" {
		cfg.Storage.Backend = storageKind
	}
	if dbDir != "" {
		cfg.Storage.Directory = dbDir
	}
	if postgresConn != "" {
		cfg.Storage.Postgres = postgresConn
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}

func openStorage(cfg config.StorageConfig) (storage.Storage, io.Closer, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		s, err := storage.NewSQLiteStorage(storage.SQLiteConfig{
			OnDisk:    cfg.Directory != "",
			Directory: cfg.Directory,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite: %w", err)
		}
		return s, s, nil

	case config.BackendPostgres:
		s, err := storage.NewPSQLStorage(cfg.Postgres, false)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres: %w", err)
		}
		return s, s, nil
	}

	return storage.NewMemoryStorage(), io.NopCloser(nil), nil
}

// Opens storage and loads the static schedule. The returned function
// releases storage.
func loadStatic(ctx context.Context, cfg config.Config, logger *zap.Logger) (*arrivals.Static, func(), error) {
	s, closer, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	release := func() { closer.Close() }

	manager := arrivals.NewManager(s, logger.Named("static"))

	if cfg.Static.CacheFile != "" {
		fs, err := downloader.NewFilesystem(cfg.Static.CacheFile, logger.Named("cache"))
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("creating static cache: %w", err)
		}
		manager.Downloader = fs
		manager.StaticCacheTTL = cfg.Static.CacheTTL.Std()
	}

	var static *arrivals.Static
	if cfg.Static.File != "" {
		static, err = manager.LoadStaticFile(cfg.Static.File)
	} else {
		static, err = manager.LoadStatic(ctx, cfg.Static.URL, cfg.Static.Headers)
	}
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("loading static feed: %w", err)
	}

	return static, release, nil
}
