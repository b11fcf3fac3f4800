package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Bowhza/H2M-ServerScraper/internal/game"
)

var startTime = time.Now()

// HealthCheck reports liveness plus a few gauges operators care about.
// Redis is optional; when configured a failed ping degrades the status.
func HealthCheck(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{
			"status":      "ok",
			"service":     "h2m-serverscraper",
			"uptime":      time.Since(startTime).String(),
			"servers":     deps.Servers.Count(),
			"players":     deps.Players.Count(),
			"searching":   deps.Matchmaking.SearchingCount(),
			"connections": deps.Hub.ClientCount(),
		}
		if deps.Redis != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Redis.Ping(ctx).Err(); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body["redis"] = err.Error()
			} else {
				body["redis"] = "ok"
			}
		}
		c.JSON(status, body)
	}
}

type playerDTO struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	JoinAttempts int    `json:"joinAttempts"`
	QueueTime    int64  `json:"queueTime"`
}

type serverInfoDTO struct {
	HostName    string `json:"hostname"`
	MapName     string `json:"mapname"`
	GameType    string `json:"gametype"`
	Clients     int    `json:"clients"`
	Bots        int    `json:"bots"`
	MaxClients  int    `json:"maxClients"`
	RealPlayers int    `json:"realPlayers"`
	FreeSlots   int    `json:"freeSlots"`
	IsPrivate   bool   `json:"isPrivate"`
	Ping        int64  `json:"ping"`
}

type queueDTO struct {
	IP              string         `json:"ip"`
	Port            int            `json:"port"`
	InstanceID      string         `json:"instanceId,omitempty"`
	ProcessingState string         `json:"processingState"`
	LastServerInfo  *serverInfoDTO `json:"lastServerInfo,omitempty"`
	SpawnDate       time.Time      `json:"spawnDate"`
	Players         []playerDTO    `json:"players"`
}

func toQueueDTO(snap game.ServerSnapshot, now time.Time) queueDTO {
	dto := queueDTO{
		IP:              snap.IP,
		Port:            snap.Port,
		InstanceID:      snap.InstanceID,
		ProcessingState: string(snap.Processing),
		SpawnDate:       snap.SpawnedAt,
		Players:         make([]playerDTO, 0, len(snap.Players)),
	}
	if info := snap.LastInfo; info != nil {
		dto.LastServerInfo = &serverInfoDTO{
			HostName:    info.HostName,
			MapName:     info.MapName,
			GameType:    info.GameType,
			Clients:     info.Clients,
			Bots:        info.Bots,
			MaxClients:  info.MaxClients,
			RealPlayers: info.RealPlayers(),
			FreeSlots:   info.FreeSlots(),
			IsPrivate:   info.IsPrivate(),
			Ping:        int64(info.Ping / time.Millisecond),
		}
	}
	for _, p := range snap.Players {
		queueTime := int64(0)
		if !p.QueuedAt.IsZero() {
			queueTime = int64(now.Sub(p.QueuedAt) / time.Second)
		}
		dto.Players = append(dto.Players, playerDTO{
			Name:         p.Name,
			State:        string(p.State),
			JoinAttempts: p.JoinAttempts,
			QueueTime:    queueTime,
		})
	}
	return dto
}

// ListQueues returns every known server queue, optionally filtered by
// processing state.
func ListQueues(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := c.Query("state")
		if filter != "" && !game.KnownProcessingState(filter) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown processing state"})
			return
		}

		now := time.Now()
		queues := make([]queueDTO, 0)
		for _, s := range deps.Servers.List() {
			snap := s.Snapshot()
			if filter != "" && string(snap.Processing) != filter {
				continue
			}
			queues = append(queues, toQueueDTO(snap, now))
		}
		sort.Slice(queues, func(i, j int) bool {
			if queues[i].IP != queues[j].IP {
				return queues[i].IP < queues[j].IP
			}
			return queues[i].Port < queues[j].Port
		})
		c.JSON(http.StatusOK, queues)
	}
}

// ClearQueue stops a server's queue loop and drops every queued player.
func ClearQueue(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if !deps.Queueing.ClearServer(addr) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown server"})
			return
		}
		deps.Logger.Info("queue cleared by operator", zap.String("server", addr))
		c.JSON(http.StatusOK, gin.H{"status": "cleared", "server": addr})
	}
}
