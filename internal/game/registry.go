package game

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ErrDuplicateSession means the identity already has a live session on a
// different channel. The new connection is the one turned away.
var ErrDuplicateSession = errors.New("game: identity already has a live session")

// PlayerRegistry maps stable identities to live player records.
type PlayerRegistry struct {
	mu      sync.RWMutex
	players map[string]*Player
}

func NewPlayerRegistry() *PlayerRegistry {
	return &PlayerRegistry{players: make(map[string]*Player)}
}

// Register returns the record for stableID, creating it when absent.
// Registering the same channel twice is idempotent; a second channel for
// the same identity gets ErrDuplicateSession.
func (r *PlayerRegistry) Register(stableID, channelID, name string) (*Player, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.players[stableID]; ok {
		if existing.ChannelID == channelID {
			return existing, nil
		}
		return nil, ErrDuplicateSession
	}
	p := NewPlayer(stableID, channelID, name)
	r.players[stableID] = p
	return p, nil
}

// TryRemove drops the record only while channelID still owns it.
func (r *PlayerRegistry) TryRemove(stableID, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.players[stableID]
	if !ok || existing.ChannelID != channelID {
		return false
	}
	delete(r.players, stableID)
	return true
}

func (r *PlayerRegistry) Get(stableID string) (*Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.players[stableID]
	return p, ok
}

func (r *PlayerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

func serverKey(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// ServerRegistry maps ip:port to the canonical GameServer aggregate.
type ServerRegistry struct {
	logger *zap.Logger
	clock  clock.Clock

	mu      sync.RWMutex
	servers map[string]*GameServer
}

func NewServerRegistry(clk clock.Clock, logger *zap.Logger) *ServerRegistry {
	return &ServerRegistry{
		logger:  logger,
		clock:   clk,
		servers: make(map[string]*GameServer),
	}
}

// GetOrCreate returns the aggregate for ip:port, creating it on first use.
// A caller carrying an instance id fills one left empty by an earlier
// matchmaking join.
func (r *ServerRegistry) GetOrCreate(ip string, port int, instanceID string) *GameServer {
	key := serverKey(ip, port)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.servers[key]; ok {
		if instanceID != "" {
			s.fillInstanceID(instanceID)
		}
		return s
	}
	s := newGameServer(ip, port, instanceID, r.clock.Now())
	r.servers[key] = s
	r.logger.Info("tracking server", zap.String("server", key), zap.String("instance_id", instanceID))
	return s
}

func (r *ServerRegistry) Get(addr string) (*GameServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[addr]
	return s, ok
}

func (r *ServerRegistry) List() []*GameServer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	servers := make([]*GameServer, 0, len(r.servers))
	for _, s := range r.servers {
		servers = append(servers, s)
	}
	return servers
}

func (r *ServerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// RunJanitor sweeps out stopped servers with empty queues until ctx ends.
func (r *ServerRegistry) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()
	r.logger.Info("server janitor started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("server janitor stopped")
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *ServerRegistry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, s := range r.servers {
		if s.QueueLen() == 0 && s.Processing() == ProcessingStopped {
			delete(r.servers, key)
			r.logger.Info("reclaimed idle server", zap.String("server", key))
		}
	}
}
