package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"replog/internal/replog"
)

// FollowerStore is the read side of a follower's log.
type FollowerStore interface {
	Contiguous() []replog.LogEntry
	Healthy() bool
}

// FaultInjector changes a running follower's injected failure and delay.
// follower.Node implements it so the gRPC serving status follows the toggle.
type FaultInjector interface {
	SetFailure(on bool)
	SetDelay(d time.Duration)
	Faults() (failing bool, delay time.Duration)
}

// FollowerHandler serves /messages and /health on a follower, plus
// /admin/faults when a FaultInjector is given.
type FollowerHandler struct {
	chi.Router

	log    *zap.Logger
	store  FollowerStore
	faults FaultInjector
}

func NewFollowerHandler(log *zap.Logger, store FollowerStore, faults FaultInjector) *FollowerHandler {
	h := &FollowerHandler{
		log:    log.With(zap.String("component", "http")),
		store:  store,
		faults: faults,
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		middleware.RequestID,
		requestLogger(h.log),
	)
	r.Get("/messages", h.handleGetMessages)
	r.Get("/health", h.handleGetHealth)
	if faults != nil {
		r.Get("/admin/faults", h.handleGetFaults)
		r.Put("/admin/faults", h.handlePutFaults)
	}
	h.Router = r
	return h
}

func (h *FollowerHandler) handleGetMessages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Contiguous())
}

type followerHealthResponse struct {
	Status replog.HealthStatus `json:"status"`
}

func (h *FollowerHandler) handleGetHealth(w http.ResponseWriter, _ *http.Request) {
	if !h.store.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, followerHealthResponse{Status: replog.Unhealthy})
		return
	}
	writeJSON(w, http.StatusOK, followerHealthResponse{Status: replog.Healthy})
}

type faultsResponse struct {
	Failure bool   `json:"failure"`
	Delay   string `json:"delay"`
}

// Omitted fields are left unchanged.
type faultsRequest struct {
	Failure *bool   `json:"failure"`
	Delay   *string `json:"delay"`
}

func (h *FollowerHandler) handleGetFaults(w http.ResponseWriter, _ *http.Request) {
	h.writeFaults(w)
}

func (h *FollowerHandler) handlePutFaults(w http.ResponseWriter, r *http.Request) {
	var req faultsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var delay time.Duration
	if req.Delay != nil {
		d, err := time.ParseDuration(*req.Delay)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid delay: "+err.Error())
			return
		}
		if d < 0 {
			writeError(w, http.StatusBadRequest, "delay must not be negative")
			return
		}
		delay = d
	}

	if req.Failure != nil {
		h.faults.SetFailure(*req.Failure)
	}
	if req.Delay != nil {
		h.faults.SetDelay(delay)
	}
	h.writeFaults(w)
}

func (h *FollowerHandler) writeFaults(w http.ResponseWriter) {
	failing, delay := h.faults.Faults()
	writeJSON(w, http.StatusOK, faultsResponse{Failure: failing, Delay: delay.String()})
}
