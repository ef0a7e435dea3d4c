package parse

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/spkg/bom"

	"tidbyt.dev/arrivals/storage"
)

// Files loaded from static dumps. All are required.
var staticFiles = []string{
	"agency.txt",
	"routes.txt",
	"stops.txt",
	"trips.txt",
	"stop_times.txt",
}

func init() {
	// LazyCSVReader required (at least) to survive sloppy use of
	// quotes. The BOM reader strips unicode BOMs if present.
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(bom.NewReader(in))
	})
}

// Parses a zipped GTFS static feed into writer. The returned metadata
// is partial: URL, hash and retrieval time are left for the caller.
func ParseStatic(writer storage.FeedWriter, buf []byte) (*storage.FeedMetadata, error) {
	file := map[string]io.ReadCloser{}
	for _, name := range staticFiles {
		file[name] = nil
	}

	defer func() {
		for _, rc := range file {
			if rc != nil {
				rc.Close()
			}
		}
	}()

	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("unzipping: %w", err)
	}

	for _, f := range r.File {
		// There should not be any subdirectories. But, some
		// agencies don't care.
		if f.FileInfo().IsDir() {
			continue
		}
		path := strings.Split(f.Name, "/")
		fName := path[len(path)-1]

		if rc, found := file[fName]; !found || rc != nil {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}

		file[fName] = rc
	}

	for _, required := range staticFiles {
		if file[required] == nil {
			return nil, fmt.Errorf("missing %s", required)
		}
	}

	agency, timezone, err := ParseAgency(writer, file["agency.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing agency.txt: %w", err)
	}

	routes, err := ParseRoutes(writer, file["routes.txt"], agency)
	if err != nil {
		return nil, fmt.Errorf("parsing routes.txt: %w", err)
	}

	trips, err := ParseTrips(writer, file["trips.txt"], routes)
	if err != nil {
		return nil, fmt.Errorf("parsing trips.txt: %w", err)
	}

	stops, err := ParseStops(writer, file["stops.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing stops.txt: %w", err)
	}

	err = writer.BeginStopTimes()
	if err != nil {
		return nil, fmt.Errorf("beginning stop_times: %w", err)
	}
	maxArrival, err := ParseStopTimes(writer, file["stop_times.txt"], trips, stops)
	if err != nil {
		return nil, fmt.Errorf("parsing stop_times.txt: %w", err)
	}
	err = writer.EndStopTimes()
	if err != nil {
		return nil, fmt.Errorf("ending stop_times: %w", err)
	}

	err = writer.Close()
	if err != nil {
		return nil, fmt.Errorf("closing feed writer: %w", err)
	}

	return &storage.FeedMetadata{
		Timezone:   timezone,
		MaxArrival: maxArrival,
	}, nil
}
