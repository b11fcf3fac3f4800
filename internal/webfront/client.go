package webfront

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PlayerEntry is one connected player as reported by the web-front.
type PlayerEntry struct {
	Name string `json:"name"`
}

// ServerStatus is one listen endpoint in the status payload.
type ServerStatus struct {
	ListenAddress string        `json:"listenAddress"`
	ListenPort    int           `json:"listenPort"`
	Players       []PlayerEntry `json:"players"`
}

// Client fetches {base}/api/status?instance={id} and caches the decoded
// payload for a short TTL. Failures of any kind surface as an empty result;
// the queueing loop treats "no data" as joined-by-assumption, so this client
// never returns an error.
type Client struct {
	baseURL string
	ttl     time.Duration
	http    *http.Client
	clock   clock.Clock
	logger  *zap.Logger
	rdb     *redis.Client // optional cross-node cache

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	statuses  []ServerStatus
	fetchedAt time.Time
}

func NewClient(baseURL string, ttl time.Duration, rdb *redis.Client, clk clock.Clock, logger *zap.Logger) *Client {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		http:    &http.Client{Timeout: 10 * time.Second},
		clock:   clk,
		logger:  logger,
		rdb:     rdb,
		cache:   make(map[string]cacheEntry),
	}
}

// Statuses returns the cached or freshly fetched status list for an
// instance. Empty results are cached too, which keeps a dead web-front from
// being hammered once per pacing interval.
func (c *Client) Statuses(ctx context.Context, instanceID string) []ServerStatus {
	now := c.clock.Now()

	c.mu.Lock()
	if entry, ok := c.cache[instanceID]; ok && now.Sub(entry.fetchedAt) < c.ttl {
		statuses := entry.statuses
		c.mu.Unlock()
		return statuses
	}
	c.mu.Unlock()

	statuses := c.fetch(ctx, instanceID)

	c.mu.Lock()
	c.cache[instanceID] = cacheEntry{statuses: statuses, fetchedAt: now}
	c.mu.Unlock()
	return statuses
}

// PlayerNames returns the display names reported for the server listening
// on ip:port, preferring an exact address match when several servers share
// the port.
func (c *Client) PlayerNames(ctx context.Context, instanceID, ip string, port int) []string {
	statuses := c.Statuses(ctx, instanceID)

	var match *ServerStatus
	for idx := range statuses {
		s := &statuses[idx]
		if s.ListenPort != port {
			continue
		}
		if s.ListenAddress == ip {
			match = s
			break
		}
		if match == nil {
			match = s
		}
	}
	if match == nil {
		return nil
	}

	names := make([]string, 0, len(match.Players))
	for _, p := range match.Players {
		names = append(names, p.Name)
	}
	return names
}

func (c *Client) fetch(ctx context.Context, instanceID string) []ServerStatus {
	if statuses, ok := c.fromRedis(ctx, instanceID); ok {
		return statuses
	}

	endpoint := fmt.Sprintf("%s/api/status?instance=%s", c.baseURL, url.QueryEscape(instanceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		c.logger.Warn("webfront request build failed", zap.String("instance", instanceID), zap.Error(err))
		return nil
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("webfront fetch failed", zap.String("instance", instanceID), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("webfront returned non-2xx",
			zap.String("instance", instanceID), zap.Int("status", resp.StatusCode))
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.logger.Warn("webfront body read failed", zap.String("instance", instanceID), zap.Error(err))
		return nil
	}

	var statuses []ServerStatus
	if err := json.Unmarshal(body, &statuses); err != nil {
		c.logger.Warn("webfront payload decode failed", zap.String("instance", instanceID), zap.Error(err))
		return nil
	}

	c.toRedis(ctx, instanceID, body)
	return statuses
}

func (c *Client) fromRedis(ctx context.Context, instanceID string) ([]ServerStatus, bool) {
	if c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, "webfront:status:"+instanceID).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("webfront redis read failed", zap.String("instance", instanceID), zap.Error(err))
		}
		return nil, false
	}
	var statuses []ServerStatus
	if err := json.Unmarshal([]byte(raw), &statuses); err != nil {
		return nil, false
	}
	return statuses, true
}

func (c *Client) toRedis(ctx context.Context, instanceID string, payload []byte) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.SetEx(ctx, "webfront:status:"+instanceID, payload, c.ttl).Err(); err != nil {
		c.logger.Debug("webfront redis write failed", zap.String("instance", instanceID), zap.Error(err))
	}
}
