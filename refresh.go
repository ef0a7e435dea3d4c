package arrivals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tidbyt.dev/arrivals/downloader"
	"tidbyt.dev/arrivals/model"
	"tidbyt.dev/arrivals/parse"
	"tidbyt.dev/arrivals/storage"
)

const (
	DefaultRealtimeTimeout = 30 * time.Second
	DefaultRealtimeMaxSize = 1 << 20 // 1 MB

	// Computed delays beyond this are assumed to be matched
	// against the wrong service day, and not recorded.
	maxPlausibleDelay = 6 * 3600
)

type EtaBuilder interface {
	Rebuild(updates []model.TripUpdateInfo, nowEpoch int64)
}

type DelayRecorder interface {
	Observe(routeID string, directionID int, stopID string, delaySeconds int32, nowEpoch int64)
}

type observationKey struct {
	TripID    string
	StopID    string
	Timestamp int64
}

// Fetches the GTFS-rt feed, rebuilds the ETA index from it and feeds
// observed delays into the history. Refresh is meant to be run as a
// connection manager's RefreshWork.
//
// ETAs are indexed under the direction the feed reports. Trips whose
// update omits direction_id land under DirectionUnspecified only, so
// rows for direction 0 or 1 get no live data from feeds that never
// set it and fall back to the schedule. Delay history still uses the
// scheduled direction.
type Refresher struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	MaxSize int

	Downloader downloader.Downloader
	TimeNow    func() time.Time

	repo     ScheduleRepository
	location *time.Location
	index    EtaBuilder
	history  DelayRecorder
	logger   *zap.Logger

	// Observations recorded in the previous batch. Only touched
	// from Refresh, which the connection manager never runs
	// concurrently.
	seen map[observationKey]bool
}

func NewRefresher(
	url string,
	headers map[string]string,
	repo ScheduleRepository,
	location *time.Location,
	index EtaBuilder,
	history DelayRecorder,
	logger *zap.Logger,
) *Refresher {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Refresher{
		URL:        url,
		Headers:    headers,
		Timeout:    DefaultRealtimeTimeout,
		MaxSize:    DefaultRealtimeMaxSize,
		Downloader: downloader.NewMemoryDownloader(),
		TimeNow:    time.Now,
		repo:       repo,
		location:   location,
		index:      index,
		history:    history,
		logger:     logger,
		seen:       map[observationKey]bool{},
	}
}

// One fetch-and-decode cycle. Errors from download or decoding leave
// the index and history untouched.
func (r *Refresher) Refresh(ctx context.Context) error {
	body, err := r.Downloader.Get(ctx, r.URL, r.Headers, downloader.GetOptions{
		Timeout: r.Timeout,
		MaxSize: r.MaxSize,
	})
	if err != nil {
		return fmt.Errorf("downloading realtime: %w", err)
	}

	rt, err := parse.ParseRealtime(ctx, [][]byte{body})
	if err != nil {
		return fmt.Errorf("parsing realtime: %w", err)
	}

	now := r.TimeNow()

	updates := rt.Trips
	trips := map[string]*resolvedTrip{}
	for i := range updates {
		err = r.resolve(&updates[i], trips)
		if err != nil {
			return err
		}
	}

	r.index.Rebuild(updates, now.Unix())

	observed := r.observe(updates, trips, now)

	r.logger.Debug(
		"refreshed realtime",
		zap.Int("trips", len(updates)),
		zap.Int("canceled", rt.NumCanceledTrips),
		zap.Int("added", rt.NumAddedTrips),
		zap.Int("skipped_stops", rt.NumSkippedStops),
		zap.Int("observations", observed),
	)

	return nil
}

// Static side of a trip seen in the feed.
type resolvedTrip struct {
	directionID int
	stopTimes   []*model.StopTime
}

// Fills in route and stop IDs the feed left out, from the static
// schedule, and records the trip's scheduled direction and stop times
// in trips.
//
// The update's own direction is left alone. A missing direction is a
// key of its own in the index.
func (r *Refresher) resolve(tu *model.TripUpdateInfo, trips map[string]*resolvedTrip) error {
	if tu.TripID == "" {
		return nil
	}

	trip, err := r.repo.TripByID(tu.TripID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving trip %s: %w", tu.TripID, err)
	}

	if tu.RouteID == "" {
		tu.RouteID = trip.RouteID
	}
	if tu.RouteID != trip.RouteID {
		return nil
	}

	sts, err := r.repo.OrderedStopTimesForTrip(tu.TripID)
	if err != nil {
		return fmt.Errorf("loading stop times for %s: %w", tu.TripID, err)
	}
	trips[tu.TripID] = &resolvedTrip{
		directionID: int(trip.DirectionID),
		stopTimes:   sts,
	}

	for i := range tu.StopTimeUpdates {
		stu := &tu.StopTimeUpdates[i]
		if stu.StopID != "" {
			continue
		}
		if st := matchStopTime(sts, stu); st != nil {
			stu.StopID = st.StopID
		}
	}

	return nil
}

// Records one delay per (trip, stop, timestamp) not seen in the
// previous batch. Updates without a direction are recorded under the
// scheduled direction of the trip, if known. Returns the number
// recorded.
func (r *Refresher) observe(updates []model.TripUpdateInfo, trips map[string]*resolvedTrip, now time.Time) int {
	seen := map[observationKey]bool{}
	observed := 0

	for i := range updates {
		tu := &updates[i]
		if tu.RouteID == "" {
			continue
		}

		var sts []*model.StopTime
		direction := tu.Direction()
		if trip := trips[tu.TripID]; trip != nil {
			sts = trip.stopTimes
			if direction == model.DirectionUnspecified {
				direction = trip.directionID
			}
		}

		for j := range tu.StopTimeUpdates {
			stu := &tu.StopTimeUpdates[j]
			if stu.StopID == "" {
				continue
			}

			delay, ok := r.stopDelay(tu, stu, sts)
			if !ok {
				continue
			}

			key := observationKey{tu.TripID, stu.StopID, tu.Timestamp}
			if seen[key] {
				continue
			}
			seen[key] = true
			if r.seen[key] {
				continue
			}

			r.history.Observe(tu.RouteID, direction, stu.StopID, delay, now.Unix())
			observed++
		}
	}

	r.seen = seen

	return observed
}

// Explicit delays first, then the trip level delay. As a last resort
// the delay is computed from an absolute time and the schedule.
func (r *Refresher) stopDelay(tu *model.TripUpdateInfo, stu *model.StopTimeUpdateInfo, sts []*model.StopTime) (int32, bool) {
	switch {
	case stu.ArrivalDelay != nil:
		return *stu.ArrivalDelay, true
	case stu.DepartureDelay != nil:
		return *stu.DepartureDelay, true
	case tu.Delay != nil:
		return *tu.Delay, true
	}

	st := matchStopTime(sts, stu)
	if st == nil {
		return 0, false
	}

	var event int64
	var scheduled int
	var ok bool
	if stu.ArrivalTime != nil {
		event = *stu.ArrivalTime
		scheduled, ok = st.ArrivalSeconds()
	} else if stu.DepartureTime != nil {
		event = *stu.DepartureTime
		scheduled, ok = st.DepartureSeconds()
	}
	if event == 0 || !ok {
		return 0, false
	}

	delay := event - nearestScheduledEpoch(scheduled, event, r.location)
	if delay > maxPlausibleDelay || delay < -maxPlausibleDelay {
		return 0, false
	}

	return int32(delay), true
}

// Matches by stop sequence when the update carries a stop ID
// and a sequence that agree, or when it only has a sequence.
// Otherwise the first stop time at the stop.
func matchStopTime(sts []*model.StopTime, stu *model.StopTimeUpdateInfo) *model.StopTime {
	for _, st := range sts {
		if st.StopSequence != stu.StopSequence {
			continue
		}
		if stu.StopID == "" || st.StopID == stu.StopID {
			return st
		}
	}

	if stu.StopID == "" {
		return nil
	}

	for _, st := range sts {
		if st.StopID == stu.StopID {
			return st
		}
	}

	return nil
}

// Epoch of seconds into whichever service day puts it closest to
// event.
func nearestScheduledEpoch(seconds int, event int64, loc *time.Location) int64 {
	local := time.Unix(event, 0).In(loc)

	var best int64
	var bestDiff int64 = -1
	for _, offset := range []int{-1, 0, 1} {
		day := time.Date(local.Year(), local.Month(), local.Day()+offset, 12, 0, 0, 0, loc).Add(-12 * time.Hour)
		epoch := day.Unix() + int64(seconds)

		diff := epoch - event
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best = epoch
			bestDiff = diff
		}
	}

	return best
}
