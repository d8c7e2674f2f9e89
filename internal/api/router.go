package api

import (
	"github.com/gin-gonic/gin"

	"github.com/bastionlabs/bastion/pkg/config"
	"github.com/bastionlabs/bastion/pkg/logging"
	"github.com/bastionlabs/bastion/pkg/metrics"
	"github.com/bastionlabs/bastion/pkg/resilience"
)

// NewRouter creates and configures the API router
func NewRouter(cfg *config.Config, system *resilience.System, m *metrics.Metrics, logger *logging.Logger) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(logger))
	router.Use(ErrorHandlingMiddleware())
	router.Use(CORSMiddleware())

	handler := NewStatusHandler(system)

	router.GET("/healthz", handler.Healthz)

	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", handler.GetSystemStatus)
		v1.GET("/report", handler.GetHealthReport)
		v1.GET("/history", handler.GetHistory)

		services := v1.Group("/services")
		{
			services.GET("/:name", handler.GetServiceHealth)
			services.GET("/:name/metrics", handler.GetServiceMetrics)
			services.POST("/:name/fallback", handler.HandleFallbackRequest)
		}

		v1.GET("/features/:name", handler.GetFeature)
		v1.GET("/fallbacks", handler.GetFallbacks)
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}
