package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"clinicq/internal/metrics"

	"go.uber.org/zap"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Instrument wraps next with request logging and metrics. Paths are
// normalized to their route shape so entry ids and session tokens do
// not explode the label space.
func Instrument(next http.Handler, logger *zap.Logger, collector *metrics.Collector) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		collector.InFlightGauge.Inc()
		next.ServeHTTP(recorder, r)
		collector.InFlightGauge.Dec()

		elapsed := time.Since(start)
		route := normalizeRoute(r.URL.Path)
		status := strconv.Itoa(recorder.status)

		collector.RequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		collector.RequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())

		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.status),
			zap.Duration("duration", elapsed),
			zap.String("remote", clientIP(r)))
	})
}

func normalizeRoute(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "api" {
		return path
	}
	switch parts[1] {
	case "entries":
		if len(parts) == 3 {
			return "/api/entries/{id}"
		}
		if len(parts) == 5 && parts[3] == "actions" {
			return "/api/entries/{id}/actions/" + parts[4]
		}
	case "sessions":
		if len(parts) == 3 {
			return "/api/sessions/{token}"
		}
		if len(parts) == 4 && parts[3] == "commit" {
			return "/api/sessions/{token}/commit"
		}
	}
	return path
}
