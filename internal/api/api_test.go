package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Bowhza/H2M-ServerScraper/internal/config"
	"github.com/Bowhza/H2M-ServerScraper/internal/game"
	"github.com/Bowhza/H2M-ServerScraper/internal/probe"
	"github.com/Bowhza/H2M-ServerScraper/internal/ws"
)

type stubProber struct {
	mu    sync.Mutex
	infos map[string]*probe.ServerInfo
}

func newStubProber() *stubProber {
	return &stubProber{infos: make(map[string]*probe.ServerInfo)}
}

func (f *stubProber) set(addr string, info *probe.ServerInfo) {
	f.mu.Lock()
	f.infos[addr] = info
	f.mu.Unlock()
}

func (f *stubProber) RequestInfo(ctx context.Context, addr string) (*probe.ServerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[addr]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	c := *info
	return &c, nil
}

func (f *stubProber) Batch(ctx context.Context, addrs []string, timeout time.Duration, onReply func(addr string, info *probe.ServerInfo)) {
	for _, addr := range addrs {
		if info, err := f.RequestInfo(ctx, addr); err == nil {
			onReply(addr, info)
		}
	}
}

type apiHarness struct {
	deps   Deps
	prober *stubProber
	srv    *httptest.Server
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	clk := clock.New()

	players := game.NewPlayerRegistry()
	servers := game.NewServerRegistry(clk, logger)
	prober := newStubProber()
	hub := ws.NewHub(players, logger)

	queueing := game.NewQueueingService(game.Config{
		QueueCap:           5,
		MaxJoinAttempts:    3,
		TotalJoinTimeLimit: 10 * time.Second,
		ProcessInterval:    10 * time.Millisecond,
		EmptyPollInterval:  2 * time.Millisecond,
		ProbeTimeout:       50 * time.Millisecond,
	}, game.Deps{
		Players:  players,
		Servers:  servers,
		Prober:   prober,
		Notifier: hub,
	}, clk, logger)
	matchmaking := game.NewMatchmakingService(game.MatchmakingConfig{}, queueing, prober, hub, nil, clk, logger)
	hub.Bind(queueing, matchmaking)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	queueing.Start(ctx)

	deps := Deps{
		Logger:      logger,
		Config:      &config.Config{},
		Players:     players,
		Servers:     servers,
		Queueing:    queueing,
		Matchmaking: matchmaking,
		Hub:         hub,
	}
	router := gin.New()
	SetupRoutes(router, deps)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &apiHarness{deps: deps, prober: prober, srv: srv}
}

// enqueue registers a player and puts them in a server's queue. Tests keep
// the target full so nobody gets dispatched while they look around.
func (h *apiHarness) enqueue(t *testing.T, stableID, name, ip string, port int) *game.Player {
	t.Helper()
	p, err := h.deps.Players.Register(stableID, "chan-"+stableID, name)
	require.NoError(t, err)
	require.True(t, h.deps.Queueing.JoinQueue(p, ip, port, "inst-"+stableID))
	return p
}

func (h *apiHarness) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func (h *apiHarness) delete(t *testing.T, path string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, h.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func (h *apiHarness) listQueues(t *testing.T, path string) []queueDTO {
	t.Helper()
	code, body := h.get(t, path)
	require.Equal(t, http.StatusOK, code, string(body))
	var queues []queueDTO
	require.NoError(t, json.Unmarshal(body, &queues))
	return queues
}

func TestHealthCheck(t *testing.T) {
	h := newAPIHarness(t)
	h.prober.set("10.0.0.1:28960", &probe.ServerInfo{Clients: 18, MaxClients: 18})
	h.enqueue(t, "steam-a", "Alice", "10.0.0.1", 28960)

	code, body := h.get(t, "/health")
	require.Equal(t, http.StatusOK, code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &health))
	require.Equal(t, "ok", health["status"])
	require.EqualValues(t, 1, health["servers"])
	require.EqualValues(t, 1, health["players"])
	require.EqualValues(t, 0, health["connections"])
	require.NotContains(t, health, "redis")
}

func TestListQueues(t *testing.T) {
	h := newAPIHarness(t)
	h.prober.set("10.0.0.1:28960", &probe.ServerInfo{
		HostName:   "ny 24/7 lockdown",
		MapName:    "mp_crash",
		GameType:   "dm",
		Clients:    18,
		Bots:       2,
		MaxClients: 18,
		Ping:       35 * time.Millisecond,
	})
	h.enqueue(t, "steam-a", "Alice", "10.0.0.1", 28960)
	h.enqueue(t, "steam-b", "Bob", "10.0.0.1", 28960)

	// The loop needs a probe round before lastServerInfo shows up.
	require.Eventually(t, func() bool {
		queues := h.listQueues(t, "/queues")
		return len(queues) == 1 && queues[0].LastServerInfo != nil
	}, 2*time.Second, 10*time.Millisecond)

	queues := h.listQueues(t, "/queues")
	q := queues[0]
	require.Equal(t, "10.0.0.1", q.IP)
	require.Equal(t, 28960, q.Port)
	require.Equal(t, "inst-steam-a", q.InstanceID)
	require.Equal(t, string(game.ProcessingRunning), q.ProcessingState)
	require.False(t, q.SpawnDate.IsZero())

	require.Equal(t, "ny 24/7 lockdown", q.LastServerInfo.HostName)
	require.Equal(t, 16, q.LastServerInfo.RealPlayers)
	require.Equal(t, 0, q.LastServerInfo.FreeSlots)
	require.EqualValues(t, 35, q.LastServerInfo.Ping)

	require.Len(t, q.Players, 2)
	require.Equal(t, "Alice", q.Players[0].Name)
	require.Equal(t, "Bob", q.Players[1].Name)
	require.Equal(t, string(game.StateQueued), q.Players[0].State)
	require.Zero(t, q.Players[0].JoinAttempts)
}

func TestListQueuesFilter(t *testing.T) {
	h := newAPIHarness(t)
	h.prober.set("10.0.0.1:28960", &probe.ServerInfo{Clients: 18, MaxClients: 18})
	h.enqueue(t, "steam-a", "Alice", "10.0.0.1", 28960)

	require.Len(t, h.listQueues(t, "/queues?state=Running"), 1)
	require.Empty(t, h.listQueues(t, "/queues?state=Stopped"))

	code, _ := h.get(t, "/queues?state=Bogus")
	require.Equal(t, http.StatusBadRequest, code)
}

func TestClearQueue(t *testing.T) {
	h := newAPIHarness(t)
	h.prober.set("10.0.0.1:28960", &probe.ServerInfo{Clients: 18, MaxClients: 18})
	a := h.enqueue(t, "steam-a", "Alice", "10.0.0.1", 28960)
	b := h.enqueue(t, "steam-b", "Bob", "10.0.0.1", 28960)

	code, _ := h.delete(t, "/queues/10.0.0.1:28960")
	require.Equal(t, http.StatusOK, code)

	s, ok := h.deps.Servers.Get("10.0.0.1:28960")
	require.True(t, ok)
	require.Zero(t, s.QueueLen())
	require.Equal(t, game.StateConnected, a.State())
	require.Equal(t, game.StateConnected, b.State())

	code, _ = h.delete(t, "/queues/10.9.9.9:28960")
	require.Equal(t, http.StatusNotFound, code)
}
