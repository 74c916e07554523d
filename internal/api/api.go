// Package api is the client-facing HTTP surface of primary and follower
// nodes.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"replog/internal"
	"replog/internal/logger"
)

type errorResponse struct {
	Error          string   `json:"error"`
	Details        []string `json:"details,omitempty"`
	SequenceNumber uint64   `json:"sequence_number,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// requestLogger copies chi's request ID into the context under the key the
// replication layer reads, stores a request-scoped logger, and logs each
// request once it completes. It must run after middleware.RequestID.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := middleware.GetReqID(ctx)
			if reqID != "" {
				ctx = internal.WithRequestID(ctx, reqID)
			}
			reqLog := log.With(zap.String("request_id", reqID))
			ctx = logger.NewContextWithLogger(ctx, reqLog)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLog.Debug("Request served",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
			)
		})
	}
}
