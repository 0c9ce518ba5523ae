package server

import (
	"net/http"
	"time"

	"github.com/leofalp/relay/observability"
)

// statusRecorder captures the response status for the request log line.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush passes through so SSE handlers keep working behind the recorder.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// requestLogger logs one structured line per request through the ambient
// observer.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		observability.FromContext(r.Context()).Info(r.Context(), "http request",
			observability.String("method", r.Method),
			observability.String("path", r.URL.Path),
			observability.Int("status", rec.status),
			observability.Duration("duration", time.Since(start)),
		)
	})
}
