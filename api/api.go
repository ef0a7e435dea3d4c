// Package api serves arrival predictions as JSON over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"tidbyt.dev/arrivals"
	"tidbyt.dev/arrivals/model"
)

// What the router needs from the application. *arrivals.App
// implements it.
type Service interface {
	Arrivals(stopID string) (arrivals.StopArrivals, error)
	NextArrival(stopID string, routeID string, directionID int) (*model.ArrivalRow, error)
	Status() arrivals.Status
}

type ErrorResponse struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// State is the connection state the rows were built under.
type ArrivalsResponse struct {
	StopID   string             `json:"stop_id"`
	State    string             `json:"state"`
	Arrivals []model.ArrivalRow `json:"arrivals"`
	Count    int                `json:"count"`
}

type handler struct {
	svc    Service
	logger *zap.Logger
}

// Builds the router. With no allowed origins, CORS allows any.
func NewRouter(svc Service, allowedOrigins []string, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	h := &handler{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Get("/status", h.status)
	r.Get("/stops/{stopID}/arrivals", h.arrivals)
	r.Get("/stops/{stopID}/routes/{routeID}/next", h.next)

	return r
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug(
			"request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// GET /stops/{stopID}/arrivals
func (h *handler) arrivals(w http.ResponseWriter, r *http.Request) {
	stopID := chi.URLParam(r, "stopID")

	result, err := h.svc.Arrivals(stopID)
	if err != nil {
		h.logger.Error("arrivals failed", zap.String("stop_id", stopID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "failed to retrieve arrivals",
			Details: map[string]interface{}{"stop_id": stopID, "internal": err.Error()},
		})
		return
	}

	// Rows are already ranked
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, ArrivalsResponse{
		StopID:   stopID,
		State:    result.State.String(),
		Arrivals: result.Rows,
		Count:    len(result.Rows),
	})
}

// GET /stops/{stopID}/routes/{routeID}/next?direction=N
//
// A missing direction means unspecified.
func (h *handler) next(w http.ResponseWriter, r *http.Request) {
	stopID := chi.URLParam(r, "stopID")
	routeID := chi.URLParam(r, "routeID")

	directionID := model.DirectionUnspecified
	if s := r.URL.Query().Get("direction"); s != "" {
		d, err := strconv.Atoi(s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "direction must be an integer",
				Details: map[string]interface{}{"direction": s},
			})
			return
		}
		directionID = d
	}

	row, err := h.svc.NextArrival(stopID, routeID, directionID)
	if err != nil {
		h.logger.Error(
			"next arrival failed",
			zap.String("stop_id", stopID),
			zap.String("route_id", routeID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "failed to retrieve next arrival",
			Details: map[string]interface{}{
				"stop_id":  stopID,
				"route_id": routeID,
				"internal": err.Error(),
			},
		})
		return
	}

	if row == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error: "no upcoming arrival",
			Details: map[string]interface{}{
				"stop_id":      stopID,
				"route_id":     routeID,
				"direction_id": directionID,
			},
		})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, row)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
