package http

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/procflow-go/internal/modification/adapters/http/handlers"
	"github.com/procflow-go/pkg/logger"
	"github.com/procflow-go/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter assembles the HTTP surface of the modification service. Extra
// middleware (rate limiting etc.) applies to the API routes only, never to
// health or metrics.
func NewRouter(h *handlers.ModificationHandlers, log logger.Logger, apiMiddleware ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(apiMiddleware...)
	{
		v1.POST("/process-instances/:id/modification", h.Modify)
		v1.POST("/modification/execute", h.Execute)
		v1.POST("/modification/executeAsync", h.ExecuteAsync)
		v1.GET("/batches/:id", h.GetBatch)
		v1.GET("/batches/:id/status", h.GetBatchStatus)
	}

	return router
}

func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		metrics.HTTPRequestsTotal.WithLabelValues(
			"modification",
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		if status >= 500 {
			log.Error("Request failed",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"status", status,
				"duration", time.Since(start),
			)
			return
		}
		log.Debug("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start),
		)
	}
}
