package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"tidbyt.dev/arrivals/model"
	"tidbyt.dev/arrivals/storage"
)

type StopCSV struct {
	ID            string  `csv:"stop_id"`
	Code          string  `csv:"stop_code"`
	Name          string  `csv:"stop_name"`
	Lat           float64 `csv:"stop_lat"`
	Lon           float64 `csv:"stop_lon"`
	LocationType  int8    `csv:"location_type"`
	ParentStation string  `csv:"parent_station"`
}

func ParseStops(writer storage.FeedWriter, data io.Reader) (map[string]bool, error) {
	stopCsv := []*StopCSV{}
	if err := gocsv.Unmarshal(data, &stopCsv); err != nil {
		return nil, fmt.Errorf("unmarshaling stops csv: %w", err)
	}

	stopIDs := map[string]bool{}
	parentRef := map[string]string{}
	for _, st := range stopCsv {
		if st.ID == "" {
			return nil, fmt.Errorf("empty stop_id")
		}
		if stopIDs[st.ID] {
			return nil, fmt.Errorf("repeated stop_id '%s'", st.ID)
		}
		stopIDs[st.ID] = true

		locationType := model.LocationType(st.LocationType)

		// Name and coordinates are optional for generic nodes
		// and boarding areas only.
		if locationType != model.LocationTypeGenericNode && locationType != model.LocationTypeBoardingArea {
			if st.Name == "" {
				return nil, fmt.Errorf("empty stop_name for stop_id '%s'", st.ID)
			}
			if st.Lat == 0 || st.Lon == 0 {
				return nil, fmt.Errorf("empty stop_lat or stop_lon for stop_id '%s'", st.ID)
			}
		}

		if st.ParentStation != "" {
			parentRef[st.ID] = st.ParentStation
		}

		err := writer.WriteStop(&model.Stop{
			ID:            st.ID,
			Code:          st.Code,
			Name:          st.Name,
			Lat:           st.Lat,
			Lon:           st.Lon,
			LocationType:  locationType,
			ParentStation: st.ParentStation,
		})
		if err != nil {
			return nil, fmt.Errorf("writing stop '%s': %w", st.ID, err)
		}
	}

	for stopID, parentID := range parentRef {
		if !stopIDs[parentID] {
			return nil, fmt.Errorf("stop '%s' references unknown parent_station '%s'", stopID, parentID)
		}
	}

	return stopIDs, nil
}
