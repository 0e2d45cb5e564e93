package http

import (
	"net/http"
	"time"

	"meshcast/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthHandler serves liveness, readiness and metrics endpoints.
type HealthHandler struct {
	checker  *monitoring.HealthChecker
	gatherer prometheus.Gatherer
	details  func() interface{}
	started  time.Time
}

// NewHealthHandler builds the handler. details, when set, is included in
// the liveness response; a nil gatherer uses the default registry.
func NewHealthHandler(checker *monitoring.HealthChecker, gatherer prometheus.Gatherer, details func() interface{}) *HealthHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HealthHandler{
		checker:  checker,
		gatherer: gatherer,
		details:  details,
		started:  time.Now(),
	}
}

func (h *HealthHandler) SetupRoutes(router gin.IRoutes) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/metrics", h.Metrics())
}

func (h *HealthHandler) Health(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(h.started).String(),
	}
	if h.details != nil {
		body["details"] = h.details()
	}
	c.JSON(http.StatusOK, body)
}

func (h *HealthHandler) Ready(c *gin.Context) {
	status := h.checker.GetReadinessStatus(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *HealthHandler) Metrics() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}
