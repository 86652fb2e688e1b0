package api

import (
	"log/slog"
	"net/http"

	_ "muniworks/prelude/docs" // register generated Swagger spec

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Router wraps a configured Gin engine and exposes it as an http.Handler.
type Router struct {
	engine *gin.Engine
}

// NewRouter constructs a Router with the full middleware chain and all routes
// registered. Middleware order:
//  1. Recovery: panic becomes a 500
//  2. OTELTrace: trace context per request
//  3. RequestLogger: structured request/response logging
func NewRouter(s startupService) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(Recovery(slog.Default()))
	engine.Use(OTELTrace("muni-prelude"))
	engine.Use(RequestLogger(slog.Default()))

	h := &Handler{startup: s}

	v1 := engine.Group("/api/v1")
	v1.POST("/startup", h.Startup)
	v1.GET("/startup/report", h.Report)
	v1.GET("/startup/events", h.Events)

	engine.GET("/health", h.Health)
	engine.GET("/health/deep", h.DeepHealth)
	engine.GET("/ready", h.Ready)

	// API docs live at http://localhost:8081/api-docs
	engine.GET("/api-docs", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/api-docs/index.html")
	})
	engine.GET("/api-docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return &Router{engine: engine}
}

// Handler returns the underlying http.Handler for use with net/http servers.
func (r *Router) Handler() http.Handler {
	return r.engine
}
