package handlers

import (
	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"abengine/internal/config"
	"abengine/internal/experiment"
	appmw "abengine/internal/http/middleware"
)

// NewRouter wires the admin and client APIs. Admin routes use HTTP basic
// auth against the users table; client routes use bearer API keys.
func NewRouter(svc *experiment.Service, db *gorm.DB, cfg *config.Config, logger *zap.Logger) fasthttp.RequestHandler {
	InitPrometheusMetrics()

	r := router.New()
	admin := appmw.AdminAuth(db)
	client := appmw.BearerAuth(db)

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	r.POST("/v1/experiments", admin(CreateExperiment(svc)))
	r.GET("/v1/experiments", admin(ListExperiments(svc)))
	r.GET("/v1/experiments/running", admin(RunningExperiments(svc)))
	r.GET("/v1/experiments/{id}", admin(GetExperiment(svc)))
	r.POST("/v1/experiments/{id}/start", admin(StartExperiment(svc)))
	r.POST("/v1/experiments/{id}/stop", admin(StopExperiment(svc)))
	r.POST("/v1/experiments/{id}/complete", admin(CompleteExperiment(svc)))
	r.GET("/v1/experiments/{id}/results", admin(ExperimentResults(svc)))
	r.GET("/v1/experiments/{id}/summary", admin(ExperimentSummary(svc)))
	r.GET("/v1/experiments/{id}/timeseries", admin(Timeseries(svc, db)))
	r.POST("/v1/maintenance/cleanup", admin(Cleanup(svc, cfg.RetentionDays)))
	r.GET("/v1/metrics", admin(ExperimentMetricsHandler(prometheus.DefaultGatherer)))

	r.POST("/v1/experiments/{id}/assignments", client(Assign(svc)))
	r.GET("/v1/experiments/{id}/assignments/{subject}", client(GetAssignment(svc)))
	r.POST("/v1/events", client(TrackEvents(svc)))

	return RequestLogger(logger)(r.Handler)
}
