package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Bowhza/H2M-ServerScraper/internal/game"
)

var (
	// ErrClientGone means the channel's connection is no longer registered.
	ErrClientGone = errors.New("ws: client gone")
	// ErrSendBufferFull means the client stopped draining its socket.
	ErrSendBufferFull = errors.New("ws: send buffer full")
)

// Hub owns every live connection and translates between the wire protocol
// and the queueing services. It is the transport behind the game package's
// ClientNotifier.
type Hub struct {
	logger      *zap.Logger
	registry    *game.PlayerRegistry
	queueing    *game.QueueingService
	matchmaking *game.MatchmakingService

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub(registry *game.PlayerRegistry, logger *zap.Logger) *Hub {
	return &Hub{
		logger:   logger,
		registry: registry,
		clients:  make(map[string]*Client),
	}
}

// Bind attaches the services inbound frames are routed to. The hub is
// constructed first because the services want it as their notifier.
func (h *Hub) Bind(queueing *game.QueueingService, matchmaking *game.MatchmakingService) {
	h.queueing = queueing
	h.matchmaking = matchmaking
}

// Connect registers a fresh connection and starts its pumps. A second
// session on the same identity is turned away with a policy-violation
// close; the incumbent keeps its seat.
func (h *Hub) Connect(conn *websocket.Conn, stableID, name string) {
	channelID := uuid.NewString()
	player, err := h.registry.Register(stableID, channelID, name)
	if err != nil {
		h.logger.Warn("duplicate session refused",
			zap.String("stable_id", stableID), zap.String("name", name))
		deadline := time.Now().Add(writeWait)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session already connected"), deadline)
		conn.Close()
		return
	}

	client := &Client{
		ID:      channelID,
		player:  player,
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]chan bool),
		logger:  h.logger.With(zap.String("player", name), zap.String("channel", channelID)),
	}

	h.mu.Lock()
	h.clients[channelID] = client
	h.mu.Unlock()

	h.logger.Info("player connected",
		zap.String("player", name), zap.String("stable_id", stableID))

	go client.writePump()
	go client.readPump()
}

// disconnect runs once per client, from its readPump teardown. The player
// leaves any queue or search before the session record is dropped.
func (h *Hub) disconnect(c *Client) {
	h.mu.Lock()
	current, registered := h.clients[c.ID]
	owned := registered && current == c
	if owned {
		delete(h.clients, c.ID)
		close(c.send)
	}
	h.mu.Unlock()
	if !owned {
		return
	}

	close(c.done)
	h.matchmaking.Discard(c.player)
	h.queueing.OnDisconnect(c.player)
	h.registry.TryRemove(c.player.StableID, c.ID)

	h.logger.Info("player disconnected", zap.String("player", c.player.Name))
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// pushTo marshals and queues one message without blocking; false when the
// client is gone or not draining. Holding the registry lock across the
// send orders it against close(c.send) in disconnect.
func (h *Hub) pushTo(channelID string, message map[string]interface{}) bool {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("marshal outbound failed", zap.Error(err))
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[channelID]
	if !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("send buffer full, dropping message", zap.Any("type", message["type"]))
		return false
	}
}

// NotifyJoin pushes a join instruction and waits for the client to report
// it took it, or for ctx to end.
func (h *Hub) NotifyJoin(ctx context.Context, channelID, ip string, port int) (bool, error) {
	h.mu.RLock()
	c, ok := h.clients[channelID]
	h.mu.RUnlock()
	if !ok {
		return false, ErrClientGone
	}

	id := uuid.NewString()
	result := c.addPending(id)
	defer c.removePending(id)

	if !h.pushTo(channelID, map[string]interface{}{
		"type": "notifyJoin",
		"id":   id,
		"ip":   ip,
		"port": port,
	}) {
		select {
		case <-c.done:
			return false, ErrClientGone
		default:
			return false, ErrSendBufferFull
		}
	}

	select {
	case accepted := <-result:
		return accepted, nil
	case <-c.done:
		return false, ErrClientGone
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (h *Hub) QueuePositionChanged(channelID string, position, length int) {
	h.pushTo(channelID, map[string]interface{}{
		"type":     "queuePosition",
		"position": position,
		"length":   length,
	})
}

func (h *Hub) RemovedFromQueue(channelID string, reason game.DequeueReason) {
	h.pushTo(channelID, map[string]interface{}{
		"type":   "removedFromQueue",
		"reason": string(reason),
	})
}

func (h *Hub) MatchFound(channelID, ip string, port int) {
	h.pushTo(channelID, map[string]interface{}{
		"type": "matchFound",
		"ip":   ip,
		"port": port,
	})
}

func (h *Hub) MatchmakingFailed(channelID, reason string) {
	h.pushTo(channelID, map[string]interface{}{
		"type":   "matchmakingFailed",
		"reason": reason,
	})
}

type inboundMessage struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	IP         string          `json:"ip"`
	Port       int             `json:"port"`
	InstanceID string          `json:"instanceId"`
	Success    *bool           `json:"success"`
	Accepted   *bool           `json:"accepted"`
	Criteria   json.RawMessage `json:"criteria"`
	Servers    json.RawMessage `json:"servers"`
}

// dispatch routes one inbound frame.
func (h *Hub) dispatch(c *Client, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Warn("undecodable frame", zap.Error(err))
		h.pushTo(c.ID, map[string]interface{}{"type": "error", "message": "bad message"})
		return
	}

	switch msg.Type {
	case "joinQueue":
		ok := h.queueing.JoinQueue(c.player, msg.IP, msg.Port, msg.InstanceID)
		h.pushTo(c.ID, map[string]interface{}{"type": "joinQueueResult", "success": ok})
	case "leaveQueue":
		h.queueing.LeaveQueue(c.player)
	case "joinAck":
		h.queueing.OnJoinAck(c.player, msg.Success != nil && *msg.Success)
	case "notifyJoinResult":
		c.resolvePending(msg.ID, msg.Accepted != nil && *msg.Accepted)
	case "searchMatch":
		var servers []game.ServerAddress
		if len(msg.Servers) > 0 {
			if err := json.Unmarshal(msg.Servers, &servers); err != nil {
				c.logger.Warn("bad server list", zap.Error(err))
			}
		}
		ok := h.matchmaking.EnterMatchmaking(c.player, decodeCriteria(c.logger, msg.Criteria), servers)
		h.pushTo(c.ID, map[string]interface{}{"type": "searchMatchResult", "success": ok})
	case "updateSearch":
		var pings []game.ServerPing
		if len(msg.Servers) > 0 {
			if err := json.Unmarshal(msg.Servers, &pings); err != nil {
				c.logger.Warn("bad ping list", zap.Error(err))
			}
		}
		ok := h.matchmaking.UpdateSearchPreferences(c.player, decodeCriteria(c.logger, msg.Criteria), pings)
		h.pushTo(c.ID, map[string]interface{}{"type": "updateSearchResult", "success": ok})
	case "leaveMatchmaking":
		h.matchmaking.LeaveMatchmaking(c.player)
	default:
		c.logger.Debug("unknown message type", zap.String("type", msg.Type))
		h.pushTo(c.ID, map[string]interface{}{"type": "error", "message": "unknown message type"})
	}
}

// decodeCriteria fills the fields a client omitted with permissive
// defaults: a missing bound must not read as "bound zero".
func decodeCriteria(logger *zap.Logger, raw json.RawMessage) game.MatchSearchCriteria {
	criteria := game.MatchSearchCriteria{MaxScore: -1, MaxPlayersOnServer: -1}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &criteria); err != nil {
			logger.Warn("bad criteria, using defaults", zap.Error(err))
		}
	}
	return criteria
}
