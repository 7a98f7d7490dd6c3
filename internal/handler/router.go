// internal/handler/router.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HealthFlowEgy/wasslchat/internal/controller"
	"github.com/HealthFlowEgy/wasslchat/internal/metrics"
)

// HealthCheck reports whether a dependency (database, broker...) is reachable.
type HealthCheck func(ctx context.Context) error

// NewRouter wires the campaign API, the receipt webhook, health and metrics.
func NewRouter(ctrl *controller.CampaignController, logger *zap.Logger, checks map[string]HealthCheck) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", Health(checks))
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhooks/receipts", ctrl.Receipts)

	r.Route("/campaigns", func(r chi.Router) {
		r.Use(controller.RequireTenant)
		r.Post("/", ctrl.CreateCampaign)
		r.Get("/", ctrl.ListCampaigns)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", ctrl.GetCampaign)
			r.Delete("/", ctrl.DeleteCampaign)
			r.Post("/send", ctrl.SendCampaign)
			r.Post("/pause", ctrl.PauseCampaign)
			r.Post("/resume", ctrl.ResumeCampaign)
			r.Post("/cancel", ctrl.CancelCampaign)
			r.Post("/retarget", ctrl.RetargetCampaign)
			r.Post("/recount", ctrl.RecountCampaign)
			r.Get("/progress", ctrl.GetProgress)
			r.Get("/recipients", ctrl.ListRecipients)
			r.Get("/recipients/export", ctrl.ExportRecipients)
			r.Post("/personalized-preview", ctrl.PersonalizedPreview)
		})
	})
	return r
}

// RequestLogger logs one line per request with zap.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	log := logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				log.Error("request", fields...)
				return
			}
			log.Info("request", fields...)
		})
	}
}

// Health runs every check with a short timeout and answers 503 if any fails.
func Health(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		result := map[string]string{"status": "ok"}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				result["status"] = "degraded"
				result[name] = err.Error()
				continue
			}
			result[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(result)
	}
}
