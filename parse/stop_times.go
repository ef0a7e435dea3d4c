package parse

import (
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"tidbyt.dev/arrivals/model"
	"tidbyt.dev/arrivals/storage"
)

type StopTimeCSV struct {
	TripID        string `csv:"trip_id"`
	StopID        string `csv:"stop_id"`
	StopSequence  uint32 `csv:"stop_sequence"`
	ArrivalTime   string `csv:"arrival_time"`
	DepartureTime string `csv:"departure_time"`
	Headsign      string `csv:"stop_headsign"`
}

// Valid times are normalized to HH:MM:SS. Blank and malformed times
// are kept as is; readers treat them as "no time" for that row.
func normalizeStopTimeTime(s string) (string, bool) {
	s = strings.TrimSpace(s)
	seconds, ok := model.ParseGTFSTime(s)
	if !ok {
		return s, false
	}
	return model.FormatGTFSTime(seconds), true
}

// Writes all stop times and returns the latest arrival time seen.
func ParseStopTimes(
	writer storage.FeedWriter,
	data io.Reader,
	trips map[string]bool,
	stops map[string]bool,
) (string, error) {

	stopSeq := map[string]map[uint32]bool{}
	maxArrival := "00:00:00"

	i := -1
	err := gocsv.UnmarshalToCallbackWithError(data, func(st *StopTimeCSV) error {
		i += 1
		if !trips[st.TripID] {
			return fmt.Errorf("unknown trip_id: '%s' (row %d)", st.TripID, i+1)
		}
		if st.StopID == "" {
			return fmt.Errorf("missing stop_id (row %d)", i+1)
		}
		if !stops[st.StopID] {
			return fmt.Errorf("unknown stop_id: '%s' (row %d)", st.StopID, i+1)
		}

		if stopSeq[st.TripID] == nil {
			stopSeq[st.TripID] = map[uint32]bool{}
		}
		if stopSeq[st.TripID][st.StopSequence] {
			return fmt.Errorf("duplicate stop_sequence %d for trip_id '%s' (row %d)", st.StopSequence, st.TripID, i+1)
		}
		stopSeq[st.TripID][st.StopSequence] = true

		arrivalTime, ok := normalizeStopTimeTime(st.ArrivalTime)
		if ok && arrivalTime > maxArrival {
			maxArrival = arrivalTime
		}
		departureTime, _ := normalizeStopTimeTime(st.DepartureTime)

		err := writer.WriteStopTime(&model.StopTime{
			TripID:       st.TripID,
			StopID:       st.StopID,
			Headsign:     st.Headsign,
			StopSequence: st.StopSequence,
			Arrival:      arrivalTime,
			Departure:    departureTime,
		})
		if err != nil {
			return errors.Wrapf(err, "writing stop_time (row %d)", i+1)
		}

		return nil
	})

	if err != nil {
		return "", errors.Wrap(err, "unmarshaling stop_times csv")
	}

	return maxArrival, nil
}
