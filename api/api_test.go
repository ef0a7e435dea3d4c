package api_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/arrivals"
	"tidbyt.dev/arrivals/api"
	"tidbyt.dev/arrivals/model"
)

type nextQuery struct {
	StopID      string
	RouteID     string
	DirectionID int
}

type fakeService struct {
	state   model.ConnectionState
	rows    map[string][]model.ArrivalRow
	next    map[nextQuery]*model.ArrivalRow
	err     error
	queries []nextQuery
}

func (f *fakeService) Arrivals(stopID string) (arrivals.StopArrivals, error) {
	if f.err != nil {
		return arrivals.StopArrivals{}, f.err
	}
	rows := f.rows[stopID]
	if rows == nil {
		rows = []model.ArrivalRow{}
	}
	return arrivals.StopArrivals{State: f.state, Rows: rows}, nil
}

func (f *fakeService) NextArrival(stopID string, routeID string, directionID int) (*model.ArrivalRow, error) {
	q := nextQuery{stopID, routeID, directionID}
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return f.next[q], nil
}

func (f *fakeService) Status() arrivals.Status {
	return arrivals.Status{
		State:              "ONLINE",
		NextRefreshSeconds: 12,
		IndexSize:          3,
		HistorySize:        9,
		FeedHash:           "abc",
		Timezone:           "UTC",
	}
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	router := api.NewRouter(&fakeService{}, nil, nil)

	rec := get(t, router, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := map[string]string{}
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestStatus(t *testing.T) {
	router := api.NewRouter(&fakeService{}, nil, nil)

	rec := get(t, router, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	body := map[string]interface{}{}
	decode(t, rec, &body)
	assert.Equal(t, "ONLINE", body["state"])
	assert.Equal(t, 12.0, body["next_refresh_seconds"])
	assert.Equal(t, 3.0, body["index_size"])
	assert.Equal(t, 9.0, body["history_size"])
	assert.NotContains(t, body, "index_built_at")
}

func TestArrivals(t *testing.T) {
	minutes := 4
	when := time.Date(2024, 3, 1, 12, 4, 0, 0, time.UTC)
	svc := &fakeService{state: model.Online, rows: map[string][]model.ArrivalRow{
		"S": {
			{
				TripID:      "t0",
				RouteID:     "R",
				DirectionID: 0,
				Line:        "R1",
				Headsign:    "A",
				Minutes:     &minutes,
				Time:        &when,
				Realtime:    true,
			},
			{
				RouteID:     "R",
				DirectionID: 1,
				Line:        "R1",
				Headsign:    "B",
			},
		},
	}}
	router := api.NewRouter(svc, nil, nil)

	rec := get(t, router, "/stops/S/arrivals")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.ArrivalsResponse
	decode(t, rec, &resp)
	assert.Equal(t, "S", resp.StopID)
	assert.Equal(t, "ONLINE", resp.State)
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Arrivals, 2)
	assert.Equal(t, "t0", resp.Arrivals[0].TripID)
	require.NotNil(t, resp.Arrivals[0].Minutes)
	assert.Equal(t, 4, *resp.Arrivals[0].Minutes)
	assert.True(t, when.Equal(*resp.Arrivals[0].Time))
	assert.Nil(t, resp.Arrivals[1].Minutes)
	assert.Nil(t, resp.Arrivals[1].Time)

	// Unknown stop is an empty list, not an error
	rec = get(t, router, "/stops/nope/arrivals")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Arrivals)
}

func TestArrivalsReportsStateOfRows(t *testing.T) {
	// Status says ONLINE, but the rows were built while OFFLINE
	svc := &fakeService{state: model.Offline}
	router := api.NewRouter(svc, nil, nil)

	rec := get(t, router, "/stops/S/arrivals")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.ArrivalsResponse
	decode(t, rec, &resp)
	assert.Equal(t, "OFFLINE", resp.State)
}

func TestNext(t *testing.T) {
	when := time.Date(2024, 3, 1, 12, 10, 0, 0, time.UTC)
	svc := &fakeService{next: map[nextQuery]*model.ArrivalRow{
		{"S", "R", 1}: {RouteID: "R", DirectionID: 1, Line: "R1", Headsign: "B", Time: &when},
	}}
	router := api.NewRouter(svc, nil, nil)

	rec := get(t, router, "/stops/S/routes/R/next?direction=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var row model.ArrivalRow
	decode(t, rec, &row)
	assert.Equal(t, "B", row.Headsign)
	assert.False(t, row.Realtime)

	// No direction is unspecified
	rec = get(t, router, "/stops/S/routes/R/next")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var errResp api.ErrorResponse
	decode(t, rec, &errResp)
	assert.Equal(t, "no upcoming arrival", errResp.Error)

	assert.Equal(t, []nextQuery{
		{"S", "R", 1},
		{"S", "R", model.DirectionUnspecified},
	}, svc.queries)

	rec = get(t, router, "/stops/S/routes/R/next?direction=up")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, svc.queries, 2)
}

func TestRepositoryErrors(t *testing.T) {
	svc := &fakeService{err: fmt.Errorf("database on fire")}
	router := api.NewRouter(svc, nil, nil)

	for _, path := range []string{
		"/stops/S/arrivals",
		"/stops/S/routes/R/next?direction=0",
	} {
		rec := get(t, router, path)
		assert.Equal(t, http.StatusInternalServerError, rec.Code, path)

		var errResp api.ErrorResponse
		decode(t, rec, &errResp)
		assert.NotEmpty(t, errResp.Error)
		assert.Equal(t, "database on fire", errResp.Details["internal"])
	}
}

func TestCORS(t *testing.T) {
	router := api.NewRouter(&fakeService{}, []string{"https://board.example.com"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://board.example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "https://board.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownPath(t *testing.T) {
	router := api.NewRouter(&fakeService{}, nil, nil)
	assert.Equal(t, http.StatusNotFound, get(t, router, "/nope").Code)
}
