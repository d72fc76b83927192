package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs request details and latency.
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"latency", time.Since(start))
		})
	}
}

// NewRouter creates and configures the HTTP router. Every route answers
// with and without the trailing slash.
func NewRouter(handler *Handler, logger *slog.Logger) *mux.Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := mux.NewRouter()

	// Apply middleware
	r.Use(loggingMiddleware(logger))

	// Register routes
	for _, path := range []string{"/upload-video/", "/upload-video"} {
		r.HandleFunc(path, handler.HandleUploadVideo).Methods(http.MethodPost)
	}
	for _, path := range []string{"/query-vector/", "/query-vector"} {
		r.HandleFunc(path, handler.HandleQueryVector).Methods(http.MethodPost)
	}
	for _, path := range []string{"/get-frame/", "/get-frame"} {
		r.HandleFunc(path, handler.HandleGetFrame).Methods(http.MethodGet)
	}
	r.HandleFunc("/health", handler.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", handler.HandleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}
