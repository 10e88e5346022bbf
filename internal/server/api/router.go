package api

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"linkdrop/internal/server/config"
)

// SetupRouter creates and configures the echo router with all routes and
// middleware. The caller owns uploadLimiter's lifecycle.
func SetupRouter(handler *Handler, cfg *config.Config, uploadLimiter *RateLimiter) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = NewRequestValidator()

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(RequestLogger())
	e.Use(Metrics())

	// Health & metrics
	e.GET("/health", handler.HandleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Public download: the unguessable token is the credential
	e.GET("/s/:token", handler.HandleDownload)

	// Authenticated management API
	api := e.Group("/api", RequireAuth(cfg.JWTSecret))
	api.POST("/shares", handler.HandleCreateShare, uploadLimiter.Middleware())
	api.GET("/shares", handler.HandleListShares)
	api.DELETE("/shares/:id", handler.HandleDeleteShare)
	api.GET("/uploads/:id/progress", handler.HandleProgress)
	api.GET("/stats", handler.HandleStats)

	return e
}
