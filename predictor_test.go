package arrivals_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/arrivals"
	"tidbyt.dev/arrivals/model"
	"tidbyt.dev/arrivals/testutil"
)

type fixedState model.ConnectionState

func (s fixedState) State() model.ConnectionState {
	return model.ConnectionState(s)
}

type estimateKey struct {
	RouteID     string
	DirectionID int
	StopID      string
}

type fakeEstimator map[estimateKey]arrivals.DelayEstimate

func (f fakeEstimator) EstimateAt(routeID string, directionID int, stopID string, nowEpoch int64) arrivals.DelayEstimate {
	return f[estimateKey{routeID, directionID, stopID}]
}

// Route R has a trip each way, with different headsigns, both
// reaching S at 12:10.
func twoDirectionFeed() map[string][]string {
	return map[string][]string{
		"routes.txt": {
			"route_id,route_short_name,route_type",
			"R,R1,3",
		},
		"trips.txt": {
			"trip_id,route_id,service_id,trip_headsign,direction_id",
			"t0,R,daily,A,0",
			"t1,R,daily,B,1",
		},
		"stops.txt": {
			"stop_id,stop_name,stop_lat,stop_lon",
			"S,Stop S,40.1,-73.1",
			"T,Stop T,40.2,-73.2",
		},
		"stop_times.txt": {
			"trip_id,stop_id,stop_sequence,arrival_time,departure_time",
			"t0,S,1,12:10:00,12:10:00",
			"t0,T,2,12:20:00,12:20:00",
			"t1,T,1,11:50:00,11:50:00",
			"t1,S,2,12:10:00,12:10:00",
		},
	}
}

var predictorNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestPredictor(
	t *testing.T,
	repo arrivals.ScheduleRepository,
	state model.ConnectionState,
	index arrivals.EtaLookup,
	history arrivals.DelayEstimator,
	now time.Time,
) *arrivals.Predictor {
	if index == nil {
		index = arrivals.NewRealtimeEtaIndex()
	}
	if history == nil {
		history = fakeEstimator{}
	}
	return arrivals.NewPredictor(repo, fixedState(state), index, history, arrivals.PredictorOptions{
		MinConfidence: 0.5,
		Location:      time.UTC,
		TimeNow:       func() time.Time { return now },
	})
}

func TestPredictorOfflineTwoDirections(t *testing.T) {
	static := testutil.BuildStatic(t, twoDirectionFeed())
	p := newTestPredictor(t, static, model.Offline, nil, nil, predictorNow)

	rows, err := p.ArrivalsForStop("S")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	expected := predictorNow.Add(10 * time.Minute)

	assert.Equal(t, 0, rows[0].DirectionID)
	assert.Equal(t, "A", rows[0].Headsign)
	assert.Equal(t, "R1", rows[0].Line)
	assert.Equal(t, "t0", rows[0].TripID)
	require.NotNil(t, rows[0].Time)
	assert.Equal(t, expected, *rows[0].Time)
	assert.Nil(t, rows[0].Minutes)
	assert.False(t, rows[0].Realtime)

	assert.Equal(t, 1, rows[1].DirectionID)
	assert.Equal(t, "B", rows[1].Headsign)
	assert.Equal(t, "t1", rows[1].TripID)
	require.NotNil(t, rows[1].Time)
	assert.Equal(t, expected, *rows[1].Time)
	assert.False(t, rows[1].Realtime)
}

func TestPredictorOfflineConfidentDelay(t *testing.T) {
	static := testutil.BuildStatic(t, twoDirectionFeed())
	history := fakeEstimator{
		{"R", 0, "S"}: {DelaySeconds: 120, Confidence: 0.9, Level: arrivals.LevelStop, Samples: 5},
	}
	p := newTestPredictor(t, static, model.Offline, nil, history, predictorNow)

	rows, err := p.ArrivalsForStop("S")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Delayed direction 0 now sorts after direction 1
	assert.Equal(t, 1, rows[0].DirectionID)
	assert.Equal(t, predictorNow.Add(10*time.Minute), *rows[0].Time)

	assert.Equal(t, 0, rows[1].DirectionID)
	assert.Equal(t, predictorNow.Add(10*time.Minute+120*time.Second), *rows[1].Time)
	assert.False(t, rows[1].Realtime)
}

func TestPredictorOfflineUnconfidentDelay(t *testing.T) {
	static := testutil.BuildStatic(t, twoDirectionFeed())
	history := fakeEstimator{
		{"R", 0, "S"}: {DelaySeconds: 120, Confidence: 0.1, Level: arrivals.LevelStop, Samples: 1},
	}
	p := newTestPredictor(t, static, model.Offline, nil, history, predictorNow)

	rows, err := p.ArrivalsForStop("S")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	for _, row := range rows {
		assert.Equal(t, predictorNow.Add(10*time.Minute), *row.Time)
	}
}

func TestPredictorOnlineLiveEta(t *testing.T) {
	static := testutil.BuildStatic(t, twoDirectionFeed())

	eta := predictorNow.Unix() + 300
	direction := 0
	index := arrivals.NewRealtimeEtaIndex()
	index.Rebuild([]model.TripUpdateInfo{
		{
			TripID:      "t0",
			RouteID:     "R",
			DirectionID: &direction,
			StopTimeUpdates: []model.StopTimeUpdateInfo{
				{StopID: "S", ArrivalTime: &eta},
			},
		},
	}, predictorNow.Unix())

	p := newTestPredictor(t, static, model.Online, index, nil, predictorNow)

	rows, err := p.ArrivalsForStop("S")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	live := rows[0]
	assert.Equal(t, 0, live.DirectionID)
	assert.True(t, live.Realtime)
	require.NotNil(t, live.Minutes)
	assert.Equal(t, 5, *live.Minutes)
	require.NotNil(t, live.Time)
	assert.Equal(t, time.Unix(eta, 0).UTC(), *live.Time)
	assert.Equal(t, "t0", live.TripID)

	// Other direction has no live data
	assert.Equal(t, 1, rows[1].DirectionID)
	assert.False(t, rows[1].Realtime)
	assert.Nil(t, rows[1].Minutes)
	assert.Equal(t, predictorNow.Add(10*time.Minute), *rows[1].Time)
}

func TestPredictorOfflineIgnoresIndex(t *testing.T) {
	static := testutil.BuildStatic(t, twoDirectionFeed())

	eta := predictorNow.Unix() + 300
	direction := 0
	index := arrivals.NewRealtimeEtaIndex()
	index.Rebuild([]model.TripUpdateInfo{
		{
			TripID: "t0", RouteID: "R", DirectionID: &direction,
			StopTimeUpdates: []model.StopTimeUpdateInfo{{StopID: "S", ArrivalTime: &eta}},
		},
	}, predictorNow.Unix())

	p := newTestPredictor(t, static, model.Offline, index, nil, predictorNow)

	rows, err := p.ArrivalsForStop("S")
	require.NoError(t, err)
	for _, row := range rows {
		assert.False(t, row.Realtime)
		assert.Nil(t, row.Minutes)
	}
}

func TestPredictorLiveMinutesRoundDown(t *testing.T) {
	static := testutil.BuildStatic(t, twoDirectionFeed())

	eta := predictorNow.Unix() + 359
	direction := 1
	index := arrivals.NewRealtimeEtaIndex()
	index.Rebuild([]model.TripUpdateInfo{
		{
			TripID: "t1", RouteID: "R", DirectionID: &direction,
			StopTimeUpdates: []model.StopTimeUpdateInfo{{StopID: "S", ArrivalTime: &eta}},
		},
	}, predictorNow.Unix())

	p := newTestPredictor(t, static, model.Online, index, nil, predictorNow)

	row, err := p.NextArrival("S", "R", 1)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 5, *row.Minutes)
	assert.True(t, row.Realtime)
}

func TestPredictorStaleLiveEtaFallsBack(t *testing.T) {
	static := testutil.BuildStatic(t, twoDirectionFeed())

	// Index built a while ago, ETA has since passed
	eta := predictorNow.Unix() - 30
	direction := 0
	index := arrivals.NewRealtimeEtaIndex()
	index.Rebuild([]model.TripUpdateInfo{
		{
			TripID: "t0", RouteID: "R", DirectionID: &direction,
			StopTimeUpdates: []model.StopTimeUpdateInfo{{StopID: "S", ArrivalTime: &eta}},
		},
	}, predictorNow.Unix()-120)

	p := newTestPredictor(t, static, model.Online, index, nil, predictorNow)

	row, err := p.NextArrival("S", "R", 0)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.False(t, row.Realtime)
	assert.Equal(t, predictorNow.Add(10*time.Minute), *row.Time)
}

func TestPredictorMergedDirections(t *testing.T) {
	for _, tc := range []struct {
		name     string
		h0, h1   string
		headsign string
	}{
		{"same headsign", "Downtown", "downtown", "Downtown"},
		{"only direction 0", "Downtown", "", "Downtown"},
		{"only direction 1", "", "Uptown", "Uptown"},
		{"no headsigns", "", "", ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			feed := twoDirectionFeed()
			feed["trips.txt"] = []string{
				"trip_id,route_id,service_id,trip_headsign,direction_id",
				"t0,R,daily," + tc.h0 + ",0",
				"t1,R,daily," + tc.h1 + ",1",
			}
			// Direction 1 is earlier here
			feed["stop_times.txt"] = []string{
				"trip_id,stop_id,stop_sequence,arrival_time,departure_time",
				"t0,S,1,12:10:00,12:10:00",
				"t1,S,1,12:05:00,12:05:00",
			}
			static := testutil.BuildStatic(t, feed)
			p := newTestPredictor(t, static, model.Offline, nil, nil, predictorNow)

			rows, err := p.ArrivalsForStop("S")
			require.NoError(t, err)
			require.Len(t, rows, 1)

			assert.Equal(t, model.DirectionUnspecified, rows[0].DirectionID)
			assert.Equal(t, tc.headsign, rows[0].Headsign)

			// Static fallback considers both directions
			assert.Equal(t, "t1", rows[0].TripID)
			assert.Equal(t, predictorNow.Add(5*time.Minute), *rows[0].Time)
		})
	}
}

func TestPredictorMergedDirectionOnlyMatchesUnspecifiedEta(t *testing.T) {
	feed := twoDirectionFeed()
	feed["trips.txt"] = []string{
		"trip_id,route_id,service_id,trip_headsign,direction_id",
		"t0,R,daily,Same,0",
		"t1,R,daily,Same,1",
	}
	static := testutil.BuildStatic(t, feed)

	eta0 := predictorNow.Unix() + 120
	etaUnspecified := predictorNow.Unix() + 240
	direction := 0
	index := arrivals.NewRealtimeEtaIndex()
	index.Rebuild([]model.TripUpdateInfo{
		{
			TripID: "t0", RouteID: "R", DirectionID: &direction,
			StopTimeUpdates: []model.StopTimeUpdateInfo{{StopID: "S", ArrivalTime: &eta0}},
		},
		{
			TripID: "t1", RouteID: "R",
			StopTimeUpdates: []model.StopTimeUpdateInfo{{StopID: "S", ArrivalTime: &etaUnspecified}},
		},
	}, predictorNow.Unix())

	p := newTestPredictor(t, static, model.Online, index, nil, predictorNow)

	rows, err := p.ArrivalsForStop("S")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Realtime)
	assert.Equal(t, 4, *rows[0].Minutes)
	assert.Equal(t, "t1", rows[0].TripID)
}

func TestPredictorNoRoutes(t *testing.T) {
	static := testutil.BuildStatic(t, twoDirectionFeed())
	p := newTestPredictor(t, static, model.Online, nil, nil, predictorNow)

	rows, err := p.ArrivalsForStop("nope")
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Len(t, rows, 0)
}

func TestPredictorNothingLeftToday(t *testing.T) {
	static := testutil.BuildStatic(t, twoDirectionFeed())
	late := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	p := newTestPredictor(t, static, model.Offline, nil, nil, late)

	// Stop mode still lists the rows, without times
	rows, err := p.ArrivalsForStop("S")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Nil(t, row.Time)
		assert.Nil(t, row.Minutes)
		assert.False(t, row.Realtime)
	}

	// Line mode has nothing
	row, err := p.NextArrival("S", "R", 0)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestPredictorPastMidnightTrips(t *testing.T) {
	feed := twoDirectionFeed()
	feed["stop_times.txt"] = []string{
		"trip_id,stop_id,stop_sequence,arrival_time,departure_time",
		"t0,S,1,24:40:00,24:40:00",
		"t1,S,1,00:50:00,00:50:00",
	}
	static := testutil.BuildStatic(t, feed)

	// 00:30 on the 2nd. The 24:40 trip belongs to the 1st.
	now := time.Date(2024, 3, 2, 0, 30, 0, 0, time.UTC)
	p := newTestPredictor(t, static, model.Offline, nil, nil, now)

	row, err := p.NextArrival("S", "R", 0)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, now.Add(10*time.Minute), *row.Time)

	row, err = p.NextArrival("S", "R", 1)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, now.Add(20*time.Minute), *row.Time)

	// Late in the evening, 24:40 is tonight
	evening := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	p = newTestPredictor(t, static, model.Offline, nil, nil, evening)

	row, err = p.NextArrival("S", "R", 0)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 40, 0, 0, time.UTC), *row.Time)
}

func TestPredictorSkipsMalformedTimes(t *testing.T) {
	feed := twoDirectionFeed()
	feed["trips.txt"] = []string{
		"trip_id,route_id,service_id,trip_headsign,direction_id",
		"t0,R,daily,A,0",
		"t1,R,daily,A,0",
		"t2,R,daily,A,0",
	}
	feed["stop_times.txt"] = []string{
		"trip_id,stop_id,stop_sequence,arrival_time,departure_time",
		"t0,S,1,garbage,garbage",
		"t1,S,1,,",
		"t2,S,1,12:30:00,12:30:00",
	}
	static := testutil.BuildStatic(t, feed)
	p := newTestPredictor(t, static, model.Offline, nil, nil, predictorNow)

	row, err := p.NextArrival("S", "R", 0)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "t2", row.TripID)
	assert.Equal(t, predictorNow.Add(30*time.Minute), *row.Time)
}

func TestPredictorTimezone(t *testing.T) {
	feed := twoDirectionFeed()
	feed["agency.txt"] = []string{
		"agency_timezone,agency_name,agency_url",
		"America/New_York,Agency,http://example.com",
	}
	static := testutil.BuildStatic(t, feed)

	nyc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// DST starts on March 10th, 2024. Service day starts at noon
	// minus 12h, which is 23:00 on the 9th.
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, nyc)
	p := arrivals.NewPredictor(static, fixedState(model.Offline), arrivals.NewRealtimeEtaIndex(), fakeEstimator{}, arrivals.PredictorOptions{
		MinConfidence: 0.5,
		Location:      static.Location(),
		TimeNow:       func() time.Time { return now },
	})

	row, err := p.NextArrival("S", "R", 0)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, now.Add(10*time.Minute).Unix(), row.Time.Unix())
}

func TestPredictorNextArrival(t *testing.T) {
	static := testutil.BuildStatic(t, twoDirectionFeed())
	history := fakeEstimator{
		{"R", 1, "S"}: {DelaySeconds: -60, Confidence: 0.8, Level: arrivals.LevelRouteDirection, Samples: 10},
	}
	p := newTestPredictor(t, static, model.Offline, nil, history, predictorNow)

	row, err := p.NextArrival("S", "R", 1)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "R", row.RouteID)
	assert.Equal(t, 1, row.DirectionID)
	assert.Equal(t, "B", row.Headsign)
	assert.Equal(t, predictorNow.Add(9*time.Minute), *row.Time)

	// Unknown route
	row, err = p.NextArrival("S", "nope", 0)
	require.NoError(t, err)
	assert.Nil(t, row)

	// Route not serving the stop
	row, err = p.NextArrival("nope", "R", 0)
	require.NoError(t, err)
	assert.Nil(t, row)

	// Unspecified direction considers all trips
	row, err = p.NextArrival("S", "R", model.DirectionUnspecified)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, model.DirectionUnspecified, row.DirectionID)
	assert.Equal(t, "A", row.Headsign)
}

func TestPredictorDefaultMinConfidence(t *testing.T) {
	static := testutil.BuildStatic(t, twoDirectionFeed())
	history := fakeEstimator{
		{"R", 0, "S"}: {DelaySeconds: 120, Confidence: 0.1, Level: arrivals.LevelStop, Samples: 1},
		{"R", 1, "S"}: {DelaySeconds: 120, Confidence: 0.9, Level: arrivals.LevelStop, Samples: 5},
	}
	p := arrivals.NewPredictor(static, fixedState(model.Offline), arrivals.NewRealtimeEtaIndex(), history, arrivals.PredictorOptions{
		TimeNow: func() time.Time { return predictorNow },
	})

	// Weak estimate ignored
	row, err := p.NextArrival("S", "R", 0)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, predictorNow.Add(10*time.Minute), *row.Time)

	// Confident one applied
	row, err = p.NextArrival("S", "R", 1)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, predictorNow.Add(12*time.Minute), *row.Time)
}

func TestPredictorEarlyArrivalAlreadyPassed(t *testing.T) {
	static := testutil.BuildStatic(t, twoDirectionFeed())
	history := fakeEstimator{
		{"R", 0, "S"}: {DelaySeconds: -900, Confidence: 0.9, Level: arrivals.LevelStop, Samples: 5},
	}
	p := newTestPredictor(t, static, model.Offline, nil, history, predictorNow)

	// 12:10 running 15 minutes early left at 11:55
	row, err := p.NextArrival("S", "R", 0)
	require.NoError(t, err)
	assert.Nil(t, row)

	rows, err := p.ArrivalsForStop("S")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		if row.DirectionID == 0 {
			assert.Nil(t, row.Time)
		} else {
			assert.Equal(t, predictorNow.Add(10*time.Minute), *row.Time)
		}
	}
}

func TestPredictorLateArrivalStillAhead(t *testing.T) {
	static := testutil.BuildStatic(t, twoDirectionFeed())
	history := fakeEstimator{
		{"R", 0, "S"}: {DelaySeconds: 300, Confidence: 0.9, Level: arrivals.LevelStop, Samples: 5},
	}
	now := predictorNow.Add(12 * time.Minute)
	p := newTestPredictor(t, static, model.Offline, nil, history, now)

	// Scheduled 12:10, but 5 minutes late
	row, err := p.NextArrival("S", "R", 0)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "t0", row.TripID)
	assert.Equal(t, predictorNow.Add(15*time.Minute), *row.Time)

	// No estimate for the other direction, and it has passed
	row, err = p.NextArrival("S", "R", 1)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestPredictorArrivalsState(t *testing.T) {
	static := testutil.BuildStatic(t, twoDirectionFeed())

	for _, state := range []model.ConnectionState{model.Online, model.Offline} {
		p := newTestPredictor(t, static, state, nil, nil, predictorNow)
		result, err := p.Arrivals("S")
		require.NoError(t, err)
		assert.Equal(t, state, result.State)
		assert.Len(t, result.Rows, 2)
	}
}

// Fails every trip lookup.
type brokenSchedule struct {
	*arrivals.Static
}

func (b brokenSchedule) TripIDsForRoute(routeID string, directionID int) ([]string, error) {
	return nil, errors.New("database on fire")
}

func TestPredictorRepositoryError(t *testing.T) {
	static := testutil.BuildStatic(t, twoDirectionFeed())
	p := newTestPredictor(t, brokenSchedule{static}, model.Offline, nil, nil, predictorNow)

	_, err := p.ArrivalsForStop("S")
	assert.ErrorContains(t, err, "database on fire")

	_, err = p.NextArrival("S", "R", 0)
	assert.Error(t, err)
}

func TestSortArrivalRows(t *testing.T) {
	intp := func(v int) *int { return &v }
	timep := func(m int) *time.Time {
		t := predictorNow.Add(time.Duration(m) * time.Minute)
		return &t
	}

	rows := []model.ArrivalRow{
		{Line: "none", Headsign: "x"},
		{Line: "b", Headsign: "late", Time: timep(20)},
		{Line: "live", Headsign: "8", Minutes: intp(8), Time: timep(8)},
		{Line: "B", Headsign: "a", Time: timep(20)},
		{Line: "a", Headsign: "z", Time: timep(20)},
		{Line: "live", Headsign: "3", Minutes: intp(3), Time: timep(3)},
		{Line: "early", Time: timep(5)},
		{Line: "live", Headsign: "3b", Minutes: intp(3), Time: timep(2)},
	}

	arrivals.SortArrivalRows(rows)

	order := []string{}
	for _, r := range rows {
		order = append(order, r.Line+"/"+r.Headsign)
	}
	assert.Equal(t, []string{
		"live/3b",
		"live/3",
		"live/8",
		"early/",
		"a/z",
		"B/a",
		"b/late",
		"none/x",
	}, order)
}
