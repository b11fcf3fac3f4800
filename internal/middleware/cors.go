package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Bowhza/H2M-ServerScraper/internal/config"
)

// CORSMiddleware returns a CORS middleware configured for the environment.
// Only browser clients (the operator dashboard) care about this; the game
// client talks to /ws without an Origin header.
func CORSMiddleware(cfg *config.Config, logger *zap.Logger) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods: []string{
			"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS",
		},
		AllowHeaders: []string{
			"Origin", "Content-Length", "Content-Type", "Authorization",
			"Accept", "Cache-Control", "X-Requested-With",
		},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour, // Cache preflight responses
	}

	if cfg.Environment == "development" {
		corsConfig.AllowOrigins = []string{
			"http://localhost:5173", // Vite dev server
			"http://127.0.0.1:5173",
		}
		corsConfig.AllowCredentials = true
	} else if cfg.FrontendURL != "" {
		corsConfig.AllowOrigins = []string{cfg.FrontendURL}
		corsConfig.AllowCredentials = true
	} else {
		// No dashboard origin configured; leave the API reachable.
		logger.Warn("FRONTEND_URL not set, allowing all origins")
		corsConfig.AllowAllOrigins = true
	}

	logger.Info("cors configured",
		zap.String("environment", cfg.Environment),
		zap.Strings("origins", corsConfig.AllowOrigins))
	return cors.New(corsConfig)
}
