package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/genexuslabs/ExposureNotifications/internal/detection"
	"github.com/genexuslabs/ExposureNotifications/internal/engine"
	"github.com/genexuslabs/ExposureNotifications/internal/exposure"
	"github.com/genexuslabs/ExposureNotifications/internal/scheduler"
	"github.com/genexuslabs/ExposureNotifications/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

const defaultEventLimit = 50

// Exposure is the host-facing exposure notification object.
type Exposure interface {
	Snapshot(ctx context.Context) exposure.Properties
	SetMinInterval(ctx context.Context, minutes int) error
	SetUserExplanation(text string) error
	Start(ctx context.Context, configText string) error
	Stop(ctx context.Context) error
	StartDetectionSession(ctx context.Context) (string, error)
	ResetLastExposureDetectionResult(ctx context.Context) bool
	LastExposureDetectionResult(ctx context.Context) (exposure.SessionResult, bool)
	LastExposureDetectionSessionDetails(ctx context.Context) []engine.ExposureInformation
	TemporaryExposureKeyHistoryForSharing(ctx context.Context) ([]engine.TemporaryExposureKey, error)
}

// StateHandler processes engine state updates.
type StateHandler interface {
	Handle(ctx context.Context, msg detection.StateUpdated) (detection.Result, error)
}

// EventLister lists recorded host events.
type EventLister interface {
	ListHostEvents(limit int) ([]storage.HostEvent, error)
}

// JobLister reads the scheduled job queue.
type JobLister interface {
	ListJobs() ([]storage.Job, error)
	GetJob(id string) (storage.Job, error)
}

type AppDeps struct {
	Exposure   Exposure
	Reconciler StateHandler
	Events     EventLister
	Jobs       JobLister
	Token      string
	// AllowedOrigins enables CORS for browser hosts. Empty disables it.
	AllowedOrigins []string
}

// NewAppHandler builds the daemon's HTTP surface. Only /health is served
// without the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(deps.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/properties", handleGetProperties(deps))
		r.Put("/properties/min-interval", handleSetMinInterval(deps))
		r.Put("/properties/user-explanation", handleSetUserExplanation(deps))
		r.Post("/start", handleStart(deps))
		r.Post("/stop", handleStop(deps))
		r.Post("/detect", handleDetect(deps))
		r.Post("/reset", handleReset(deps))
		r.Get("/exposure/result", handleExposureResult(deps))
		r.Get("/exposure/details", handleExposureDetails(deps))
		r.Get("/keys/history", handleKeyHistory(deps))
		r.Get("/events", handleListEvents(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Post("/engine/state-updated", handleStateUpdated(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleGetProperties(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Exposure.Snapshot(r.Context()))
	}
}

type minIntervalRequest struct {
	Minutes *int `json:"minutes"`
}

func handleSetMinInterval(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req minIntervalRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Minutes == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "minutes is required")
			return
		}
		if err := deps.Exposure.SetMinInterval(r.Context(), *req.Minutes); err != nil {
			if errors.Is(err, scheduler.ErrIntervalBelowFloor) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to set interval: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"exposure_detection_min_interval": *req.Minutes})
	}
}

type userExplanationRequest struct {
	Text string `json:"text"`
}

func handleSetUserExplanation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req userExplanationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := deps.Exposure.SetUserExplanation(req.Text); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store explanation: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"exposure_information_user_explanation": req.Text})
	}
}

// startRequest carries an optional exposure configuration, either as a JSON
// object or as a string holding one.
type startRequest struct {
	Configuration json.RawMessage `json:"configuration"`
}

func (s startRequest) configText() (string, error) {
	if len(s.Configuration) == 0 || string(s.Configuration) == "null" {
		return "", nil
	}
	if s.Configuration[0] == '"' {
		var text string
		if err := json.Unmarshal(s.Configuration, &text); err != nil {
			return "", err
		}
		return text, nil
	}
	return string(s.Configuration), nil
}

func handleStart(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		text, err := req.configText()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid configuration: %v", err)
			return
		}
		if err := deps.Exposure.Start(r.Context(), text); err != nil {
			engineError(w, "failed to start", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"started": true})
	}
}

func handleStop(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Exposure.Stop(r.Context()); err != nil {
			engineError(w, "failed to stop", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
	}
}

func handleDetect(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := deps.Exposure.StartDetectionSession(r.Context())
		if err != nil {
			engineError(w, "failed to start detection", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "queued"})
	}
}

func handleReset(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"reset": deps.Exposure.ResetLastExposureDetectionResult(r.Context())})
	}
}

// handleExposureResult returns an empty result object when no session
// exists.
func handleExposureResult(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, _ := deps.Exposure.LastExposureDetectionResult(r.Context())
		writeJSON(w, http.StatusOK, res)
	}
}

func handleExposureDetails(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Exposure.LastExposureDetectionSessionDetails(r.Context()))
	}
}

func handleKeyHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := deps.Exposure.TemporaryExposureKeyHistoryForSharing(r.Context())
		if err != nil {
			engineError(w, "failed to get key history", err)
			return
		}
		writeJSON(w, http.StatusOK, keys)
	}
}

type eventResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Event   string `json:"event"`
	Token   string `json:"token,omitempty"`
	FiredAt string `json:"fired_at"`
}

func handleListEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultEventLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", v)
				return
			}
			limit = min(n, 1000)
		}

		events, err := deps.Events.ListHostEvents(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list events: %v", err)
			return
		}
		out := make([]eventResponse, len(events))
		for i, e := range events {
			out[i] = eventResponse{
				ID:      e.ID,
				Object:  e.ObjectName,
				Event:   e.EventName,
				Token:   e.Token,
				FiredAt: e.FiredAt.UTC().Format(time.RFC3339),
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type jobResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Type            string `json:"type"`
	Periodic        bool   `json:"periodic"`
	IntervalMinutes int    `json:"interval_minutes,omitempty"`
	Status          string `json:"status"`
	Attempts        int    `json:"attempts"`
	RunAfter        string `json:"run_after"`
	LastError       string `json:"last_error,omitempty"`
}

func toJobResponse(j storage.Job) jobResponse {
	return jobResponse{
		ID:              j.ID,
		Name:            j.Name,
		Type:            j.Type,
		Periodic:        j.Periodic,
		IntervalMinutes: j.IntervalMinutes,
		Status:          j.Status,
		Attempts:        j.Attempts,
		RunAfter:        j.RunAfter.UTC().Format(time.RFC3339),
		LastError:       j.LastError,
	}
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := deps.Jobs.ListJobs()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}
		out := make([]jobResponse, len(jobs))
		for i, j := range jobs {
			out[i] = toJobResponse(j)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := deps.Jobs.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "job %q not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

func handleStateUpdated(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg detection.StateUpdated
		if !decodeBody(w, r, &msg) {
			return
		}
		result, err := deps.Reconciler.Handle(r.Context(), msg)
		if errors.Is(err, detection.ErrMissingToken) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "token is required")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reconcile failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"result": result.String()})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// engineError maps engine sentinel errors onto HTTP status codes.
func engineError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, engine.ErrUnavailable):
		httpError(w, http.StatusServiceUnavailable, "unavailable_error", "%s: %v", msg, err)
	case errors.Is(err, engine.ErrResolutionRequired):
		httpError(w, http.StatusPreconditionRequired, "resolution_required", "%s: %v", msg, err)
	case errors.Is(err, context.DeadlineExceeded):
		httpError(w, http.StatusGatewayTimeout, "timeout_error", "%s: %v", msg, err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", msg, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
