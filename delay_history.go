package arrivals

import (
	"math"
	"sync"
	"time"

	"tidbyt.dev/arrivals/model"
)

const (
	DefaultHistoryAlpha       = 0.3
	DefaultHistoryMaxAge      = 2 * time.Hour
	DefaultHistoryMaxSamples  = 20
	DefaultHistorySampleScale = 3.0

	DefaultStopWeight           = 1.0
	DefaultRouteDirectionWeight = 0.8
	DefaultRouteWeight          = 0.6
)

// How specific a delay estimate is.
type HistoryLevel int

const (
	LevelNone HistoryLevel = iota
	LevelStop
	LevelRouteDirection
	LevelRoute
)

func (l HistoryLevel) String() string {
	switch l {
	case LevelStop:
		return "stop"
	case LevelRouteDirection:
		return "route_direction"
	case LevelRoute:
		return "route"
	}
	return "none"
}

type HistoryOptions struct {
	// EMA smoothing factor, in (0, 1).
	Alpha float64

	// Entries older than this are ignored.
	MaxAge time.Duration

	// Sample counts saturate here.
	MaxSamples int

	// k in 1 - e^(-samples/k).
	SampleScale float64

	StopWeight           float64
	RouteDirectionWeight float64
	RouteWeight          float64

	TimeNow func() time.Time
}

type DelayEstimate struct {
	DelaySeconds int32
	Confidence   float64
	Level        HistoryLevel
	Samples      int
}

func (e DelayEstimate) Found() bool {
	return e.Level != LevelNone
}

type historyKey struct {
	Level       HistoryLevel
	RouteID     string
	DirectionID int
	StopID      string
}

type historyEntry struct {
	mutex       sync.Mutex
	ema         float64
	lastUpdated int64
	samples     int
}

// Learns typical delays from observed realtime data, as exponential
// moving averages at three levels of specificity: stop, route and
// direction, and route. Estimates back off from the most specific
// level, and carry a confidence that decays with age and grows with
// sample count.
//
// Entries never expire. Staleness only shows in the confidence.
type DelayHistoryStore struct {
	opts    HistoryOptions
	entries sync.Map
}

// Zero valued options get defaults.
func NewDelayHistoryStore(opts HistoryOptions) *DelayHistoryStore {
	if opts.Alpha <= 0 || opts.Alpha >= 1 {
		opts.Alpha = DefaultHistoryAlpha
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultHistoryMaxAge
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = DefaultHistoryMaxSamples
	}
	if opts.SampleScale <= 0 {
		opts.SampleScale = DefaultHistorySampleScale
	}
	if opts.StopWeight <= 0 {
		opts.StopWeight = DefaultStopWeight
	}
	if opts.RouteDirectionWeight <= 0 {
		opts.RouteDirectionWeight = DefaultRouteDirectionWeight
	}
	if opts.RouteWeight <= 0 {
		opts.RouteWeight = DefaultRouteWeight
	}
	if opts.TimeNow == nil {
		opts.TimeNow = time.Now
	}

	return &DelayHistoryStore{opts: opts}
}

// Records a delay sample. Calls with an empty routeID or a negative
// directionID are ignored. An empty stopID only updates the route
// level entries.
func (h *DelayHistoryStore) Observe(routeID string, directionID int, stopID string, delaySeconds int32, nowEpoch int64) {
	if routeID == "" || directionID < 0 {
		return
	}

	if stopID != "" {
		h.update(historyKey{LevelStop, routeID, directionID, stopID}, delaySeconds, nowEpoch)
	}
	h.update(historyKey{LevelRouteDirection, routeID, directionID, ""}, delaySeconds, nowEpoch)
	h.update(historyKey{LevelRoute, routeID, model.DirectionUnspecified, ""}, delaySeconds, nowEpoch)
}

func (h *DelayHistoryStore) update(key historyKey, delaySeconds int32, nowEpoch int64) {
	v, found := h.entries.Load(key)
	if !found {
		v, _ = h.entries.LoadOrStore(key, &historyEntry{})
	}
	entry := v.(*historyEntry)

	entry.mutex.Lock()
	defer entry.mutex.Unlock()

	sample := float64(delaySeconds)
	if entry.samples == 0 {
		entry.ema = sample
	} else {
		entry.ema = h.opts.Alpha*sample + (1-h.opts.Alpha)*entry.ema
	}
	if entry.samples < h.opts.MaxSamples {
		entry.samples++
	}
	entry.lastUpdated = nowEpoch
}

func (h *DelayHistoryStore) Estimate(routeID string, directionID int, stopID string) DelayEstimate {
	return h.EstimateAt(routeID, directionID, stopID, h.opts.TimeNow().Unix())
}

// Returns the most specific estimate updated within MaxAge of
// nowEpoch, or a zero DelayEstimate if there is none.
func (h *DelayHistoryStore) EstimateAt(routeID string, directionID int, stopID string, nowEpoch int64) DelayEstimate {
	keys := []historyKey{
		{LevelStop, routeID, directionID, stopID},
		{LevelRouteDirection, routeID, directionID, ""},
		{LevelRoute, routeID, model.DirectionUnspecified, ""},
	}

	maxAge := int64(h.opts.MaxAge / time.Second)

	for _, key := range keys {
		if key.Level == LevelStop && stopID == "" {
			continue
		}

		v, found := h.entries.Load(key)
		if !found {
			continue
		}
		entry := v.(*historyEntry)

		entry.mutex.Lock()
		ema, lastUpdated, samples := entry.ema, entry.lastUpdated, entry.samples
		entry.mutex.Unlock()

		age := nowEpoch - lastUpdated
		if age < 0 || age > maxAge {
			continue
		}

		return DelayEstimate{
			DelaySeconds: int32(math.Round(ema)),
			Confidence:   h.confidence(key.Level, age, samples),
			Level:        key.Level,
			Samples:      samples,
		}
	}

	return DelayEstimate{}
}

// weight(level) * freshness * sample factor
func (h *DelayHistoryStore) confidence(level HistoryLevel, ageSeconds int64, samples int) float64 {
	var weight float64
	switch level {
	case LevelStop:
		weight = h.opts.StopWeight
	case LevelRouteDirection:
		weight = h.opts.RouteDirectionWeight
	case LevelRoute:
		weight = h.opts.RouteWeight
	}

	freshness := math.Max(0, 1-float64(ageSeconds)/h.opts.MaxAge.Seconds())
	sampleFactor := 1 - math.Exp(-float64(samples)/h.opts.SampleScale)

	return weight * freshness * sampleFactor
}

// Drops all entries.
func (h *DelayHistoryStore) Clear() {
	h.entries.Clear()
}

// Number of entries, across all levels.
func (h *DelayHistoryStore) Len() int {
	n := 0
	h.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
