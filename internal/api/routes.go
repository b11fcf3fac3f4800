package api

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Bowhza/H2M-ServerScraper/internal/config"
	"github.com/Bowhza/H2M-ServerScraper/internal/game"
	"github.com/Bowhza/H2M-ServerScraper/internal/ws"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Logger      *zap.Logger
	Config      *config.Config
	Players     *game.PlayerRegistry
	Servers     *game.ServerRegistry
	Queueing    *game.QueueingService
	Matchmaking *game.MatchmakingService
	Hub         *ws.Hub
	Redis       *redis.Client
}

// SetupRoutes configures all API routes.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", HealthCheck(deps))
	router.GET("/queues", ListQueues(deps))
	router.DELETE("/queues/:address", ClearQueue(deps))
	router.GET("/ws", ws.Handler(deps.Hub, deps.Config.JWTSecret))
}
