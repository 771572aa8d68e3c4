package transport

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// statusRecorder captures the response status so the debug logger can
// report it after the handler returns, since http.ResponseWriter itself
// exposes no getter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// DebugLoggingMiddleware logs method, path, device serial, status, and
// elapsed time for every request when enabled, or passes requests
// through untouched when it isn't.
func DebugLoggingMiddleware(enabled bool, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			logger.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"serial":      r.Header.Get(deviceSerialHeader),
				"status":      rec.status,
				"elapsed_ms":  time.Since(start).Milliseconds(),
			}).Debug("request handled")
		})
	}
}
