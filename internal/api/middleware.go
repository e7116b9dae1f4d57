package api

import (
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"TaskSync/internal/observability/metrics"
	"TaskSync/pkg/logger"
)

// observe 记录访问日志与请求指标，按路由模板聚合以避免 ID 造成高基数。
func observe(next http.Handler) http.Handler {
	log := logger.Named("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.ObserveHTTPRequest(route, r.Method, m.Code, m.Duration)
		log.Info("handled",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.String("url", r.URL.String()),
			slog.Int("status", m.Code),
			slog.Duration("duration", m.Duration),
		)
	})
}

func metricsHandler() http.Handler {
	return metrics.Handler()
}
