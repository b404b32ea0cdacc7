package health

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/NikhilSetiya/agentscan-rulegate/pkg/logging"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/resilience"
)

// RouterConfig holds HTTP surface configuration
type RouterConfig struct {
	// AllowedOrigins for CORS. Empty or "*" allows every origin.
	AllowedOrigins []string
	// Debug switches gin into debug mode
	Debug bool
}

// NewRouter creates a gin engine with request IDs, panic recovery and CORS.
func NewRouter(config RouterConfig) *gin.Engine {
	if config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(config.AllowedOrigins))
	return router
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}

	allowAll := len(origins) == 0
	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
		}
	}
	if allowAll {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}

	return cors.New(corsConfig)
}

// RequestIDMiddleware adds a unique request ID to each request and carries it
// into the request context as the correlation ID.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Request = c.Request.WithContext(logging.WithCorrelationID(c.Request.Context(), requestID))
		c.Next()
	}
}

// StatusHandler serves the resilience status surface.
type StatusHandler struct {
	resilience *resilience.Resilience
	health     *Service
	logger     *logging.Logger
}

// NewStatusHandler creates a status handler
func NewStatusHandler(r *resilience.Resilience, health *Service) *StatusHandler {
	return &StatusHandler{
		resilience: r,
		health:     health,
		logger:     logging.GetLogger(),
	}
}

// RegisterRoutes mounts the health and status endpoints on router.
func (h *StatusHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", h.health.Handler())
	router.GET("/health/live", h.health.LivenessHandler())
	router.GET("/health/ready", h.health.ReadinessHandler())

	router.GET("/status", h.Status)
	router.GET("/status/history", h.History)
	router.GET("/circuits", h.Circuits)
	router.GET("/circuits/:name", h.Circuit)
	router.POST("/circuits/:name/reset", h.ResetCircuit)
	router.GET("/cache", h.Caches)
	router.POST("/reset", h.ResetAll)
}

// Status returns the current service status
func (h *StatusHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.resilience.CurrentStatus())
}

// History returns the degradation events, oldest first
func (h *StatusHandler) History(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": h.resilience.DegradationHistory()})
}

// Circuits returns every breaker's stats
func (h *StatusHandler) Circuits(c *gin.Context) {
	c.JSON(http.StatusOK, h.resilience.AllCircuitStats())
}

// Circuit returns one breaker's stats
func (h *StatusHandler) Circuit(c *gin.Context) {
	stats, ok := h.resilience.Breakers.Stats(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "circuit breaker not found", "name": c.Param("name")})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ResetCircuit closes one breaker
func (h *StatusHandler) ResetCircuit(c *gin.Context) {
	name := c.Param("name")
	if !h.resilience.Breakers.Reset(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "circuit breaker not found", "name": name})
		return
	}

	h.logger.Info("Circuit breaker reset via API", "breaker", name, "request_id", c.GetString("request_id"))
	stats, _ := h.resilience.Breakers.Stats(name)
	c.JSON(http.StatusOK, stats)
}

// Caches returns the stats of every registered cache
func (h *StatusHandler) Caches(c *gin.Context) {
	c.JSON(http.StatusOK, h.resilience.CacheStats())
}

// ResetAll closes every breaker and restores full service
func (h *StatusHandler) ResetAll(c *gin.Context) {
	h.resilience.ResetAll()
	h.logger.Info("Resilience state reset via API", "request_id", c.GetString("request_id"))
	c.JSON(http.StatusOK, h.resilience.CurrentStatus())
}
