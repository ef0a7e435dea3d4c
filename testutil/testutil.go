package testutil

// Helpers and configuration for tests.

import (
	"archive/zip"
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"tidbyt.dev/arrivals"
	"tidbyt.dev/arrivals/parse"
	"tidbyt.dev/arrivals/storage"
)

// Postgres tests only run when this is set to a connection string.
const PostgresEnv = "ARRIVALS_TEST_POSTGRES"

// Backends available in this environment.
func Backends() []string {
	backends := []string{"memory", "sqlite"}
	if os.Getenv(PostgresEnv) != "" {
		backends = append(backends, "postgres")
	}
	return backends
}

func BuildStorage(t testing.TB, backend string) storage.Storage {
	var s storage.Storage
	switch backend {
	case "memory":
		s = storage.NewMemoryStorage()
	case "sqlite":
		sqlite, err := storage.NewSQLiteStorage()
		require.NoError(t, err)
		t.Cleanup(func() { sqlite.Close() })
		s = sqlite
	case "postgres":
		psql, err := storage.NewPSQLStorage(os.Getenv(PostgresEnv), true)
		require.NoError(t, err)
		s = psql
	}
	require.NotNil(t, s, "unknown backend %q", backend)

	return s
}

func LoadStatic(t testing.TB, backend string, buf []byte) *arrivals.Static {
	s := BuildStorage(t, backend)

	// Parse buf into storage
	feedWriter, err := s.GetWriter("test")
	require.NoError(t, err)

	metadata, err := parse.ParseStatic(feedWriter, buf)
	require.NoError(t, err)

	require.NoError(t, feedWriter.Close())

	metadata.Hash = "test"
	metadata.URL = "http://example.com/gtfs.zip"

	reader, err := s.GetReader("test")
	require.NoError(t, err)

	static, err := arrivals.NewStatic(reader, metadata)
	require.NoError(t, err)

	return static
}

// Builds a Static from CSV lines per file, in memory storage. Missing
// files get (mostly blank) dummy data.
func BuildStatic(t testing.TB, files map[string][]string) *arrivals.Static {
	return BuildStaticWithBackend(t, "memory", files)
}

func BuildStaticWithBackend(t testing.TB, backend string, files map[string][]string) *arrivals.Static {
	return LoadStatic(t, backend, BuildZip(t, WithDefaults(files)))
}

func WithDefaults(files map[string][]string) map[string][]string {
	out := map[string][]string{
		"agency.txt":     {"agency_timezone,agency_name,agency_url", "UTC,FooAgency,http://example.com"},
		"routes.txt":     {"route_id,route_type"},
		"trips.txt":      {"trip_id,route_id,service_id"},
		"stops.txt":      {"stop_id"},
		"stop_times.txt": {"trip_id,stop_id,stop_sequence,arrival_time,departure_time"},
	}
	for name, content := range files {
		out[name] = content
	}
	return out
}

func BuildZip(t testing.TB, files map[string][]string) []byte {
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for filename, content := range files {
		f, err := w.Create(filename)
		require.NoError(t, err)
		_, err = f.Write([]byte(strings.Join(content, "\n")))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	return buf.Bytes()
}
