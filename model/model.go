package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Holds all external facing types and constants.

// Direction used when a trip or query doesn't specify one. It is a
// distinct value, never merged with direction 0 or 1.
const DirectionUnspecified = -1

type LocationType int

const (
	LocationTypeStop LocationType = iota
	LocationTypeStation
	LocationTypeEntranceExit
	LocationTypeGenericNode
	LocationTypeBoardingArea
)

type RouteType int

const (
	RouteTypeTram       RouteType = 0
	RouteTypeSubway     RouteType = 1
	RouteTypeRail       RouteType = 2
	RouteTypeBus        RouteType = 3
	RouteTypeFerry      RouteType = 4
	RouteTypeCable      RouteType = 5
	RouteTypeAerial     RouteType = 6
	RouteTypeFunicular  RouteType = 7
	RouteTypeTrolleybus RouteType = 11
	RouteTypeMonorail   RouteType = 12
)

type Agency struct {
	ID       string
	Name     string
	URL      string
	Timezone string
}

type Stop struct {
	ID            string
	Code          string
	Name          string
	Lat           float64
	Lon           float64
	LocationType  LocationType
	ParentStation string
}

type Route struct {
	ID        string
	AgencyID  string
	ShortName string
	LongName  string
	Type      RouteType
	Color     string
	TextColor string
}

// Label shown to riders for the route.
func (r *Route) Label() string {
	if r.ShortName != "" {
		return r.ShortName
	}
	if r.LongName != "" {
		return r.LongName
	}
	return r.ID
}

type Trip struct {
	ID          string
	RouteID     string
	ServiceID   string
	Headsign    string
	ShortName   string
	DirectionID int8
}

// A stop_times.txt record. Arrival and Departure are GTFS times
// ("HH:MM:SS", hours may exceed 23) and may be blank for stops that
// aren't timepoints.
type StopTime struct {
	TripID       string
	StopID       string
	Headsign     string
	StopSequence uint32
	Arrival      string
	Departure    string
}

// Seconds after start of service day at which the vehicle arrives.
// Falls back to the departure time if arrival is blank. Returns false
// if neither holds a valid time.
func (st *StopTime) ArrivalSeconds() (int, bool) {
	if st.Arrival != "" {
		return ParseGTFSTime(st.Arrival)
	}
	return ParseGTFSTime(st.Departure)
}

// Seconds after start of service day at which the vehicle departs.
func (st *StopTime) DepartureSeconds() (int, bool) {
	if st.Departure != "" {
		return ParseGTFSTime(st.Departure)
	}
	return ParseGTFSTime(st.Arrival)
}

// Parses a GTFS time ("H:MM:SS" or "HH:MM:SS") into seconds after
// the start of the service day. Hours up to 99 are accepted, since
// trips running past midnight use hours >= 24.
func ParseGTFSTime(s string) (int, bool) {
	split := strings.Split(strings.TrimSpace(s), ":")
	if len(split) != 3 {
		return 0, false
	}

	hms := [3]int{}
	for i, str := range split {
		if str == "" {
			return 0, false
		}
		j, err := strconv.Atoi(str)
		if err != nil {
			return 0, false
		}
		hms[i] = j
	}

	if hms[0] < 0 || hms[0] > 99 {
		return 0, false
	}
	if hms[1] < 0 || hms[1] > 59 {
		return 0, false
	}
	if hms[2] < 0 || hms[2] > 59 {
		return 0, false
	}

	return hms[0]*3600 + hms[1]*60 + hms[2], true
}

// Formats seconds after start of service day as a GTFS time.
func FormatGTFSTime(seconds int) string {
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
