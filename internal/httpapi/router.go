package http

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/orchestrator-substrate/jobforge/internal/activity"
	"github.com/orchestrator-substrate/jobforge/internal/auth"
	"github.com/orchestrator-substrate/jobforge/internal/config"
	"github.com/orchestrator-substrate/jobforge/internal/eventbus"
	"github.com/orchestrator-substrate/jobforge/internal/httpapi/handlers"
	"github.com/orchestrator-substrate/jobforge/internal/httpapi/middlewares"
	"github.com/orchestrator-substrate/jobforge/internal/observability"
	"github.com/orchestrator-substrate/jobforge/internal/persistence"
	"github.com/orchestrator-substrate/jobforge/internal/registry"
	"github.com/orchestrator-substrate/jobforge/internal/secretresilience"
	"github.com/orchestrator-substrate/jobforge/internal/subscriberws"
)

// Deps bundles everything the router needs to wire handlers. Built once
// in cmd/orchestrator/main.go and handed to NewRouter.
type Deps struct {
	Config  config.Config
	Logger  *slog.Logger
	Prom    *observability.Prom
	Store   *persistence.Store
	Breaker *secretresilience.Breaker
	Bus     *eventbus.Bus
	Feed    *activity.Feed
	Reg     *registry.Registry
}

func NewRouter(d Deps) *gin.Engine {
	if d.Config.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("jobforge"))
	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger())
	r.Use(middlewares.CORSMiddleware([]string{"http://localhost:3000"}))
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.MaxBodyBytes(1 << 20))
	r.Use(middlewares.RequireJSON())
	if d.Prom != nil {
		r.Use(d.Prom.GinHandleMiddleware())
	}

	health := handlers.NewHealthHandler(d.Store, d.Breaker)
	scans := handlers.NewScansHandler(d.Reg, d.Store)
	admin := handlers.NewAdminHandler(d.Store)
	reports := handlers.NewReportsHandler(d.Config.ReportOutputDir)

	jwtManager := auth.NewManager(d.Config.AdminJWTSecret, time.Hour, 24*time.Hour)
	authMiddleware := middlewares.NewAuthMiddleware(jwtManager)

	scanLimiter := middlewares.NewRateLimiter(30, time.Minute)
	adminLimiter := middlewares.NewRateLimiter(60, time.Minute)

	r.GET("/healthz", health.Healthz)
	r.GET("/readyz", health.Readyz)

	r.GET("/ws", subscriberws.Handler(d.Bus, d.Logger))

	scanRoutes := r.Group("/api/scans")
	scanRoutes.Use(scanLimiter.RateLimiterMiddleware(middlewares.KeyByIP))
	{
		scanRoutes.POST("/start", scans.Start)
		scanRoutes.POST("/start-multi", scans.StartMulti)
		scanRoutes.GET("/recent", scans.Recent)
		scanRoutes.GET("/stats", scans.StatsSummary)
		scanRoutes.GET("/:job_id/status", scans.Status)
		scanRoutes.GET("/:job_id/results", scans.Results)
		scanRoutes.DELETE("/:job_id", scans.Cancel)
	}

	r.GET("/api/reports", reports.Get)
	r.GET("/api/reports/:filename", reports.Get)

	adminRoutes := r.Group("/admin")
	adminRoutes.Use(authMiddleware.RequireAdmin())
	adminRoutes.Use(adminLimiter.RateLimiterMiddleware(middlewares.KeyByUserOrIP))
	{
		adminRoutes.GET("/jobs", admin.ListCursor)
		adminRoutes.GET("/jobs/:id", admin.GetByID)
		adminRoutes.POST("/jobs/retry-many-failed", admin.RetryManyFailed)
		adminRoutes.DELETE("/reports/:filename", reports.Delete)
	}

	return r
}
