// Package ops exposes the worker's operational HTTP surface: liveness,
// readiness, queue statistics, and prometheus metrics. It carries no
// business endpoints.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medibridge/hms-backend/internal/queue"
	"github.com/medibridge/hms-backend/pkg/config"
	pkgerrors "github.com/medibridge/hms-backend/pkg/errors"
	"github.com/medibridge/hms-backend/pkg/logger"
)

const envHeader = "X-MediBridge-Env"

const readinessTimeout = 2 * time.Second

type pinger interface {
	Ping(ctx context.Context) error
}

type queueInspector interface {
	Name() string
	Stats(ctx context.Context) (*queue.Stats, error)
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP pinger,
	cacheP pinger,
	limiter rateLimiterStore,
	q queueInspector,
	gatherer prometheus.Gatherer,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		recoverer(logg),
		requestID(logg),
		logging(logg),
	)

	r.Get("/healthz", healthz(cfg))
	r.Get("/readyz", readyz(cfg, dbP, cacheP))
	r.With(rateLimit(logg, limiter, "ops:stats", cfg.Ops.StatsRateLimit, cfg.Ops.StatsRateWindow)).
		Get("/queue/stats", queueStats(logg, q))
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

func healthz(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		writeSuccess(w, map[string]string{"status": "ok"})
	}
}

func readyz(cfg *config.Config, dbP, cacheP pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		components := map[string]string{}
		ready := true

		components["db"] = "ok"
		if dbP == nil {
			components["db"] = "not configured"
			ready = false
		} else if err := dbP.Ping(ctx); err != nil {
			components["db"] = err.Error()
			ready = false
		}

		components["redis"] = "ok"
		if cacheP == nil {
			components["redis"] = "not configured"
			ready = false
		} else if err := cacheP.Ping(ctx); err != nil {
			components["redis"] = err.Error()
			ready = false
		}

		w.Header().Set(envHeader, cfg.App.Env)

		status := "ready"
		httpStatus := http.StatusOK
		if !ready {
			status = "not ready"
			httpStatus = http.StatusServiceUnavailable
		}

		writeJSON(w, httpStatus, successEnvelope{Data: map[string]any{
			"status":     status,
			"components": components,
		}})
	}
}

func queueStats(logg *logger.Logger, q queueInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if q == nil {
			writeError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeQueueUnavailable, "queue not configured"))
			return
		}

		stats, err := q.Stats(r.Context())
		if err != nil {
			writeError(r.Context(), logg, w, err)
			return
		}

		writeSuccess(w, stats)
	}
}
