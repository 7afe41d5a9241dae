package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mosaicfx/farmd/pkg/dispatcher"
	"github.com/mosaicfx/farmd/pkg/metrics"
	"github.com/mosaicfx/farmd/pkg/tree"
)

// Sentinel errors used by handlers to pick a status class before the
// dispatcher-level errors are inspected.
var (
	errBadRequest    = errors.New("bad request")
	errNotFoundClass = errors.New("not found")
)

// rateLimit applies the global ingress rate limiter.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe counts requests by method and status.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(recorder.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// writeError maps dispatcher and validation errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var validationErr *tree.ValidationError
	var notFoundErr *dispatcher.NotFoundError
	var conflictErr *dispatcher.ConflictError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validationErr), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.As(err, &notFoundErr), errors.Is(err, errNotFoundClass):
		status = http.StatusNotFound
	case errors.As(err, &conflictErr):
		status = http.StatusConflict
	case errors.Is(err, dispatcher.ErrQueueFull):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"error": fmt.Sprintf("%s", err)})
}
