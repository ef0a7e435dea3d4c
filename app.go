package arrivals

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"tidbyt.dev/arrivals/config"
	"tidbyt.dev/arrivals/model"
)

// Everything needed to serve arrival queries for one static schedule
// and its realtime feed.
type App struct {
	Static     *Static
	Index      *RealtimeEtaIndex
	History    *DelayHistoryStore
	Predictor  *Predictor
	Refresher  *Refresher
	Connection *ConnectionManager

	timeNow func() time.Time
	logger  *zap.Logger
}

type Status struct {
	State              string `json:"state"`
	NextRefreshSeconds int    `json:"next_refresh_seconds"`
	IndexSize          int    `json:"index_size"`
	IndexBuiltAt       int64  `json:"index_built_at,omitempty"`
	HistorySize        int    `json:"history_size"`
	FeedHash           string `json:"feed_hash"`
	Timezone           string `json:"timezone"`
}

// Wires up the components. Nothing runs until Start. Without a
// realtime URL the health probe always fails, so the app stays
// OFFLINE and serves the schedule.
func NewApp(cfg config.Config, static *Static, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}

	index := NewRealtimeEtaIndex()
	history := NewDelayHistoryStore(HistoryOptions{
		Alpha:       cfg.History.Alpha,
		MaxAge:      cfg.History.MaxAge.Std(),
		MaxSamples:  cfg.History.MaxSamples,
		SampleScale: cfg.History.SampleScale,
	})

	refresher := NewRefresher(
		cfg.Realtime.URL,
		cfg.Realtime.Headers,
		static,
		static.Location(),
		index,
		history,
		logger.Named("refresh"),
	)
	refresher.Timeout = cfg.Realtime.Timeout.Std()
	refresher.MaxSize = cfg.Realtime.MaxSize

	probe := func(ctx context.Context) bool { return false }
	if healthURL := cfg.HealthURL(); healthURL != "" {
		probe = NewHTTPHealthProbe(healthURL, cfg.Realtime.Headers, cfg.Realtime.HealthTimeout.Std())
	}

	connection := NewConnectionManager(
		probe,
		refresher.Refresh,
		ConnectionOptions{
			CheckPeriod:      cfg.Connection.CheckPeriod.Std(),
			WorkPeriod:       cfg.Connection.WorkPeriod.Std(),
			FailureThreshold: cfg.Connection.FailureThreshold,
		},
		logger.Named("connection"),
	)

	predictor := NewPredictor(static, connection, index, history, PredictorOptions{
		MinConfidence: cfg.Prediction.MinConfidence,
		Location:      static.Location(),
	})

	return &App{
		Static:     static,
		Index:      index,
		History:    history,
		Predictor:  predictor,
		Refresher:  refresher,
		Connection: connection,
		timeNow:    time.Now,
		logger:     logger,
	}
}

func (a *App) Start() {
	a.logger.Info(
		"starting",
		zap.String("feed", a.Static.Metadata.URL),
		zap.String("hash", a.Static.Metadata.Hash),
	)
	a.Connection.Start()
}

// Stops background work and waits for in-flight work to finish.
func (a *App) Close() {
	a.Connection.Stop()
	a.Connection.Wait()
}

func (a *App) ArrivalsForStop(stopID string) ([]model.ArrivalRow, error) {
	return a.Predictor.ArrivalsForStop(stopID)
}

func (a *App) Arrivals(stopID string) (StopArrivals, error) {
	return a.Predictor.Arrivals(stopID)
}

func (a *App) NextArrival(stopID string, routeID string, directionID int) (*model.ArrivalRow, error) {
	return a.Predictor.NextArrival(stopID, routeID, directionID)
}

func (a *App) Status() Status {
	status := Status{
		State:        a.Connection.State().String(),
		IndexSize:    a.Index.Len(),
		IndexBuiltAt: a.Index.BuiltAt(),
		HistorySize:  a.History.Len(),
		FeedHash:     a.Static.Metadata.Hash,
		Timezone:     a.Static.Metadata.Timezone,
	}

	if next := a.Connection.NextWorkAt(); !next.IsZero() {
		status.NextRefreshSeconds = int(math.Max(0, math.Ceil(next.Sub(a.timeNow()).Seconds())))
	}

	return status
}
