package game

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const eventsChannel = "queue_events"

// Publisher mirrors queue lifecycle events onto a redis channel for
// external consumers, the web front among them. A nil Publisher or a nil
// redis client turns every publish into a no-op.
type Publisher struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewPublisher(rdb *redis.Client, logger *zap.Logger) *Publisher {
	return &Publisher{rdb: rdb, logger: logger}
}

type queueEvent struct {
	Type     string `json:"type"`
	StableID string `json:"stableId"`
	Name     string `json:"name"`
	Server   string `json:"server,omitempty"`
	Reason   string `json:"reason,omitempty"`
	At       int64  `json:"at"`
}

// publish hands the event off to a goroutine: callers sit on hot paths,
// some of them holding a server mutex.
func (pub *Publisher) publish(event queueEvent) {
	if pub == nil || pub.rdb == nil {
		return
	}
	event.At = time.Now().Unix()
	go pub.send(event)
}

func (pub *Publisher) send(event queueEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		pub.logger.Warn("event marshal failed", zap.Error(err))
		return
	}
	if err := pub.rdb.Publish(context.Background(), eventsChannel, data).Err(); err != nil {
		pub.logger.Warn("event publish failed", zap.String("type", event.Type), zap.Error(err))
	}
}

func (pub *Publisher) PlayerQueued(p *Player, server string) {
	pub.publish(queueEvent{Type: "player_queued", StableID: p.StableID, Name: p.Name, Server: server})
}

func (pub *Publisher) PlayerDequeued(p *Player, server string, reason DequeueReason) {
	pub.publish(queueEvent{Type: "player_dequeued", StableID: p.StableID, Name: p.Name, Server: server, Reason: string(reason)})
}

func (pub *Publisher) MatchFound(p *Player, server string) {
	pub.publish(queueEvent{Type: "match_found", StableID: p.StableID, Name: p.Name, Server: server})
}

func (pub *Publisher) MatchmakingFailed(p *Player) {
	pub.publish(queueEvent{Type: "matchmaking_failed", StableID: p.StableID, Name: p.Name})
}
