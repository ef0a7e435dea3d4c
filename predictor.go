package arrivals

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"tidbyt.dev/arrivals/model"
	"tidbyt.dev/arrivals/storage"
)

const DefaultMinConfidence = 0.5

// Static schedule lookups needed for predictions. Implemented by
// Static.
type ScheduleRepository interface {
	RoutesForStop(stopID string) ([]*model.Route, error)
	RepresentativeHeadsign(routeID string, directionID int) (string, error)
	TripIDsForRoute(routeID string, directionID int) ([]string, error)
	OrderedStopTimesForTrip(tripID string) ([]*model.StopTime, error)
	RouteByID(routeID string) (*model.Route, error)
	TripByID(tripID string) (*model.Trip, error)
}

type StateReader interface {
	State() model.ConnectionState
}

type EtaLookup interface {
	FindBestEta(routeID string, directionID int, stopID string) (model.BestEta, bool)
}

type DelayEstimator interface {
	EstimateAt(routeID string, directionID int, stopID string, nowEpoch int64) DelayEstimate
}

type PredictorOptions struct {
	// Estimated delays are added to static times when at least
	// this confident. Zero means DefaultMinConfidence.
	MinConfidence float64

	// Timezone of the static schedule. Defaults to UTC.
	Location *time.Location

	TimeNow func() time.Time
}

// Merges the static schedule, the live ETA index and the delay
// history into ranked arrival rows.
type Predictor struct {
	repo    ScheduleRepository
	state   StateReader
	index   EtaLookup
	history DelayEstimator
	opts    PredictorOptions
}

func NewPredictor(
	repo ScheduleRepository,
	state StateReader,
	index EtaLookup,
	history DelayEstimator,
	opts PredictorOptions,
) *Predictor {
	if opts.MinConfidence == 0 {
		opts.MinConfidence = DefaultMinConfidence
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.TimeNow == nil {
		opts.TimeNow = time.Now
	}

	return &Predictor{
		repo:    repo,
		state:   state,
		index:   index,
		history: history,
		opts:    opts,
	}
}

// Rows for a stop together with the connection state they were
// built under.
type StopArrivals struct {
	State model.ConnectionState
	Rows  []model.ArrivalRow
}

type routeDirection struct {
	directionID int
	headsign    string
}

// All routes serving the stop, one row per route, or one per
// direction when the directions have different headsigns. Rows are
// live when ONLINE and the index has an ETA, otherwise static
// schedule adjusted by any confident delay estimate.
//
// Only repository failures produce errors. A stop nobody serves
// yields no rows.
func (p *Predictor) ArrivalsForStop(stopID string) ([]model.ArrivalRow, error) {
	result, err := p.Arrivals(stopID)
	if err != nil {
		return nil, err
	}
	return result.Rows, nil
}

// Same as ArrivalsForStop, but also reports the state the rows were
// built under.
func (p *Predictor) Arrivals(stopID string) (StopArrivals, error) {
	now := p.opts.TimeNow()
	state := p.state.State()
	online := state == model.Online

	routes, err := p.repo.RoutesForStop(stopID)
	if err != nil {
		return StopArrivals{}, fmt.Errorf("getting routes: %w", err)
	}

	rows := []model.ArrivalRow{}
	for _, route := range routes {
		directions, err := p.routeDirections(route.ID)
		if err != nil {
			return StopArrivals{}, err
		}

		for _, d := range directions {
			row := model.ArrivalRow{
				RouteID:     route.ID,
				DirectionID: d.directionID,
				Line:        route.Label(),
				Headsign:    d.headsign,
			}

			if online && p.applyLive(&row, stopID, now) {
				rows = append(rows, row)
				continue
			}

			err = p.applyStatic(&row, stopID, now)
			if err != nil {
				return StopArrivals{}, err
			}
			rows = append(rows, row)
		}
	}

	SortArrivalRows(rows)

	return StopArrivals{State: state, Rows: rows}, nil
}

// Next arrival at the stop for one route and direction. Returns nil
// if neither live nor static data has one.
func (p *Predictor) NextArrival(stopID string, routeID string, directionID int) (*model.ArrivalRow, error) {
	now := p.opts.TimeNow()
	online := p.state.State() == model.Online

	route, err := p.repo.RouteByID(routeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting route: %w", err)
	}

	if directionID < 0 {
		directionID = model.DirectionUnspecified
	}

	headsign, err := p.headsign(routeID, directionID)
	if err != nil {
		return nil, err
	}

	row := model.ArrivalRow{
		RouteID:     route.ID,
		DirectionID: directionID,
		Line:        route.Label(),
		Headsign:    headsign,
	}

	if online && p.applyLive(&row, stopID, now) {
		return &row, nil
	}

	err = p.applyStatic(&row, stopID, now)
	if err != nil {
		return nil, err
	}
	if row.Time == nil {
		return nil, nil
	}

	return &row, nil
}

// Directions 0 and 1 are merged into a single unspecified direction
// row unless both have headsigns, and they differ.
func (p *Predictor) routeDirections(routeID string) ([]routeDirection, error) {
	h0, err := p.repo.RepresentativeHeadsign(routeID, 0)
	if err != nil {
		return nil, fmt.Errorf("getting headsign: %w", err)
	}
	h1, err := p.repo.RepresentativeHeadsign(routeID, 1)
	if err != nil {
		return nil, fmt.Errorf("getting headsign: %w", err)
	}

	switch {
	case h0 != "" && h1 != "" && !strings.EqualFold(h0, h1):
		return []routeDirection{{0, h0}, {1, h1}}, nil
	case h0 != "":
		return []routeDirection{{model.DirectionUnspecified, h0}}, nil
	default:
		return []routeDirection{{model.DirectionUnspecified, h1}}, nil
	}
}

func (p *Predictor) headsign(routeID string, directionID int) (string, error) {
	if directionID >= 0 {
		h, err := p.repo.RepresentativeHeadsign(routeID, directionID)
		if err != nil {
			return "", fmt.Errorf("getting headsign: %w", err)
		}
		return h, nil
	}

	directions, err := p.routeDirections(routeID)
	if err != nil {
		return "", err
	}
	return directions[0].headsign, nil
}

// Fills in the row from the live index. ETAs that have passed since
// the index was built don't count.
func (p *Predictor) applyLive(row *model.ArrivalRow, stopID string, now time.Time) bool {
	eta, found := p.index.FindBestEta(row.RouteID, row.DirectionID, stopID)
	if !found || !eta.HasETA() {
		return false
	}

	seconds := *eta.ETA - now.Unix()
	if seconds < 0 {
		return false
	}

	minutes := int(seconds / 60)
	t := time.Unix(*eta.ETA, 0).In(p.opts.Location)

	row.TripID = eta.TripID
	row.Minutes = &minutes
	row.Time = &t
	row.Realtime = true

	return true
}

// Fills in the row with the next scheduled arrival, shifted by the
// estimated delay if confident enough. Arrivals are picked after the
// shift, so one running early enough to have passed is skipped. Leaves
// Time nil if nothing is left for the rest of the service day.
func (p *Predictor) applyStatic(row *model.ArrivalRow, stopID string, now time.Time) error {
	tripIDs, err := p.repo.TripIDsForRoute(row.RouteID, row.DirectionID)
	if err != nil {
		return fmt.Errorf("getting trips: %w", err)
	}
	if len(tripIDs) == 0 {
		return nil
	}

	var delay time.Duration
	estimate := p.history.EstimateAt(row.RouteID, row.DirectionID, stopID, now.Unix())
	if estimate.Found() && estimate.Confidence >= p.opts.MinConfidence {
		delay = time.Duration(estimate.DelaySeconds) * time.Second
	}

	var best time.Time
	var bestTripID string
	for _, tripID := range tripIDs {
		stopTimes, err := p.repo.OrderedStopTimesForTrip(tripID)
		if err != nil {
			return fmt.Errorf("getting stop times: %w", err)
		}

		for _, st := range stopTimes {
			if st.StopID != stopID {
				continue
			}
			seconds, ok := st.ArrivalSeconds()
			if !ok {
				continue
			}
			t, ok := nextScheduledTime(seconds, delay, now, p.opts.Location)
			if !ok {
				continue
			}
			if bestTripID == "" || t.Before(best) {
				best = t
				bestTripID = tripID
			}
		}
	}

	if bestTripID == "" {
		return nil
	}

	row.TripID = bestTripID
	row.Time = &best
	row.Realtime = false

	return nil
}

// Start of the service day containing date: noon minus 12h, which is
// midnight except on DST transition days.
func serviceDayStart(date time.Time, loc *time.Location) time.Time {
	d := date.In(loc)
	noon := time.Date(d.Year(), d.Month(), d.Day(), 12, 0, 0, 0, loc)
	return noon.Add(-12 * time.Hour)
}

// Earliest instant not before now at which a stop time of seconds
// into the service day occurs once shifted by delay, looking at
// today's service day, and yesterday's for times past 24:00:00.
func nextScheduledTime(seconds int, delay time.Duration, now time.Time, loc *time.Location) (time.Time, bool) {
	offset := time.Duration(seconds) * time.Second
	today := serviceDayStart(now, loc)

	candidates := []time.Time{today.Add(offset)}
	if seconds >= 24*3600 {
		local := now.In(loc)
		yesterday := time.Date(local.Year(), local.Month(), local.Day()-1, 12, 0, 0, 0, loc).Add(-12 * time.Hour)
		candidates = append([]time.Time{yesterday.Add(offset)}, candidates...)
	}

	for _, t := range candidates {
		t = t.Add(delay)
		if !t.Before(now) {
			return t, true
		}
	}
	return time.Time{}, false
}

// Rows with minutes first, by minutes. Then by time, rows without a
// time last. Then line and headsign, ignoring case.
func SortArrivalRows(rows []model.ArrivalRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := &rows[i], &rows[j]

		if (a.Minutes != nil) != (b.Minutes != nil) {
			return a.Minutes != nil
		}
		if a.Minutes != nil && *a.Minutes != *b.Minutes {
			return *a.Minutes < *b.Minutes
		}

		if (a.Time != nil) != (b.Time != nil) {
			return a.Time != nil
		}
		if a.Time != nil && !a.Time.Equal(*b.Time) {
			return a.Time.Before(*b.Time)
		}

		la, lb := strings.ToLower(a.Line), strings.ToLower(b.Line)
		if la != lb {
			return la < lb
		}
		return strings.ToLower(a.Headsign) < strings.ToLower(b.Headsign)
	})
}
