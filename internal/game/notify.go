package game

import (
	"context"
	"time"

	"github.com/Bowhza/H2M-ServerScraper/internal/probe"
)

// ClientNotifier pushes messages to a connected client over whatever
// transport owns the channel. NotifyJoin blocks until the client confirms
// it received the instruction or ctx ends. The remaining methods are
// fire-and-forget: they return quickly and may drop on backpressure, the
// transport logs what it drops.
type ClientNotifier interface {
	NotifyJoin(ctx context.Context, channelID, ip string, port int) (bool, error)
	QueuePositionChanged(channelID string, position, length int)
	RemovedFromQueue(channelID string, reason DequeueReason)
	MatchFound(channelID, ip string, port int)
	MatchmakingFailed(channelID, reason string)
}

// ServerProber yields occupancy snapshots of game servers.
type ServerProber interface {
	RequestInfo(ctx context.Context, addr string) (*probe.ServerInfo, error)
	Batch(ctx context.Context, addrs []string, timeout time.Duration, onReply func(addr string, info *probe.ServerInfo))
}

// StatusProvider looks up who is actually on a server, per the web front.
// An empty answer means no data, which the queue loop reads as "assume the
// join worked".
type StatusProvider interface {
	PlayerNames(ctx context.Context, instanceID, ip string, port int) []string
}
