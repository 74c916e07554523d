package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"replog/internal/logger"
	"replog/internal/replog"
)

// PrimaryService is the part of replog.Primary the HTTP API needs.
type PrimaryService interface {
	SubmitWrite(ctx context.Context, message string, writeConcern int) (replog.LogEntry, error)
	Entries() []replog.LogEntry
	Health() replog.HealthSnapshot
	CanAcceptWrites() bool
	Background() replog.BackgroundStats
}

// PrimaryHandler serves /messages, /health and /metrics on a primary.
type PrimaryHandler struct {
	chi.Router

	log     *zap.Logger
	primary PrimaryService
}

// NewPrimaryHandler builds the primary's router. /metrics is only mounted
// when gatherer is not nil.
func NewPrimaryHandler(log *zap.Logger, primary PrimaryService, gatherer prometheus.Gatherer) *PrimaryHandler {
	h := &PrimaryHandler{
		log:     log.With(zap.String("component", "http")),
		primary: primary,
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		middleware.RequestID,
		requestLogger(h.log),
	)
	r.Post("/messages", h.handlePostMessage)
	r.Get("/messages", h.handleGetMessages)
	r.Get("/health", h.handleGetHealth)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	h.Router = r
	return h
}

type postMessageRequest struct {
	Message *string `json:"message"`
	// W is the write concern; 0 or absent selects the primary's default.
	W int `json:"w"`
}

type postMessageResponse struct {
	Status         string `json:"status"`
	SequenceNumber uint64 `json:"sequence_number"`
}

func (h *PrimaryHandler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Message == nil {
		writeError(w, http.StatusBadRequest, `missing "message"`)
		return
	}

	entry, err := h.primary.SubmitWrite(r.Context(), *req.Message, req.W)
	if err == nil {
		writeJSON(w, http.StatusOK, postMessageResponse{Status: "success", SequenceNumber: entry.SequenceNumber})
		return
	}

	var repErr *replog.ReplicationError
	switch {
	case errors.As(err, &repErr):
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:          "replication failed",
			Details:        repErr.Errors,
			SequenceNumber: repErr.SequenceNumber,
		})
	case errors.Is(err, replog.ErrInvalidWriteConcern):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, replog.ErrQuorumUnavailable), errors.Is(err, replog.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.FromContext(r.Context(), h.log).Error("Write failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *PrimaryHandler) handleGetMessages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.primary.Entries())
}

type primaryHealthResponse struct {
	CanAcceptWrites bool                    `json:"can_accept_writes"`
	Followers       []replog.FollowerHealth `json:"followers"`
	Background      replog.BackgroundStats  `json:"background"`
}

func (h *PrimaryHandler) handleGetHealth(w http.ResponseWriter, _ *http.Request) {
	snap := h.primary.Health()
	followers := make([]replog.FollowerHealth, 0, len(snap))
	for _, f := range snap {
		followers = append(followers, f)
	}
	sort.Slice(followers, func(i, j int) bool { return followers[i].Address < followers[j].Address })

	writeJSON(w, http.StatusOK, primaryHealthResponse{
		CanAcceptWrites: h.primary.CanAcceptWrites(),
		Followers:       followers,
		Background:      h.primary.Background(),
	})
}
