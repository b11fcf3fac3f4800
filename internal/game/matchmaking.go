package game

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/Bowhza/H2M-ServerScraper/internal/probe"
)

// MatchSearchCriteria is what a client wants out of matchmaking. MaxScore
// is carried for protocol compatibility; no probe field reports a score to
// compare it against. A negative MaxPlayersOnServer disables that bound.
type MatchSearchCriteria struct {
	MaxPing            int  `json:"maxPing"`
	MinPlayers         int  `json:"minPlayers"`
	MaxScore           int  `json:"maxScore"`
	MaxPlayersOnServer int  `json:"maxPlayersOnServer"`
	TryFreshGamesFirst bool `json:"tryFreshGamesFirst"`
}

// ServerAddress identifies one candidate server.
type ServerAddress struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (a ServerAddress) Addr() string {
	return serverKey(a.IP, a.Port)
}

// ServerPing carries a client-measured round trip for one server.
type ServerPing struct {
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	PingMs int    `json:"ping"`
}

// probeRefreshAfter is how long a matchmaking probe snapshot serves before
// the server is asked again.
const probeRefreshAfter = 5 * time.Second

type ticket struct {
	player    *Player
	criteria  MatchSearchCriteria
	servers   map[string]ServerAddress
	pings     map[string]int
	startedAt time.Time
}

// MatchmakingConfig bundles the matchmaking knobs.
type MatchmakingConfig struct {
	Interval     time.Duration
	Timeout      time.Duration
	ProbeTimeout time.Duration
}

func (c MatchmakingConfig) withDefaults() MatchmakingConfig {
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	return c
}

// MatchmakingService pairs searching players with the best candidate
// server and funnels them into the queueing service.
type MatchmakingService struct {
	cfg      MatchmakingConfig
	logger   *zap.Logger
	clock    clock.Clock
	queueing *QueueingService
	prober   ServerProber
	notifier ClientNotifier
	events   *Publisher

	mu        sync.Mutex
	tickets   map[string]*ticket
	infos     map[string]*probe.ServerInfo
	lastProbe map[string]time.Time
}

func NewMatchmakingService(cfg MatchmakingConfig, queueing *QueueingService, prober ServerProber, notifier ClientNotifier, events *Publisher, clk clock.Clock, logger *zap.Logger) *MatchmakingService {
	return &MatchmakingService{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		clock:     clk,
		queueing:  queueing,
		prober:    prober,
		notifier:  notifier,
		events:    events,
		tickets:   make(map[string]*ticket),
		infos:     make(map[string]*probe.ServerInfo),
		lastProbe: make(map[string]time.Time),
	}
}

// Run drives matchmaking until ctx ends.
func (m *MatchmakingService) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("matchmaking started", zap.Duration("interval", m.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("matchmaking stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// EnterMatchmaking starts a search for p across the preferred servers.
func (m *MatchmakingService) EnterMatchmaking(p *Player, criteria MatchSearchCriteria, preferred []ServerAddress) bool {
	if !p.tryTransition(StateConnected, StateMatchmaking) {
		m.logger.Warn("matchmaking refused, wrong state",
			zap.String("player", p.Name), zap.String("state", string(p.State())))
		return false
	}

	t := &ticket{
		player:    p,
		criteria:  criteria,
		servers:   make(map[string]ServerAddress, len(preferred)),
		pings:     make(map[string]int),
		startedAt: m.clock.Now(),
	}
	for _, addr := range preferred {
		t.servers[addr.Addr()] = addr
	}

	m.mu.Lock()
	m.tickets[p.StableID] = t
	m.mu.Unlock()

	m.logger.Info("player searching",
		zap.String("player", p.Name), zap.Int("servers", len(preferred)))
	return true
}

// UpdateSearchPreferences replaces the criteria and ping list of a running
// search. Servers from the ping list join the candidate set.
func (m *MatchmakingService) UpdateSearchPreferences(p *Player, criteria MatchSearchCriteria, pings []ServerPing) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[p.StableID]
	if !ok {
		return false
	}
	t.criteria = criteria
	t.pings = make(map[string]int, len(pings))
	for _, sp := range pings {
		addr := ServerAddress{IP: sp.IP, Port: sp.Port}
		key := addr.Addr()
		t.servers[key] = addr
		if sp.PingMs > 0 {
			t.pings[key] = sp.PingMs
		}
	}
	return true
}

// LeaveMatchmaking cancels a search at the player's request.
func (m *MatchmakingService) LeaveMatchmaking(p *Player) bool {
	if !p.tryTransition(StateMatchmaking, StateConnected) {
		return false
	}
	m.Discard(p)
	return true
}

// Discard drops p's search without touching its state. Wired into the
// disconnect path.
func (m *MatchmakingService) Discard(p *Player) {
	m.mu.Lock()
	delete(m.tickets, p.StableID)
	m.mu.Unlock()
}

// SearchingCount is the number of live searches.
func (m *MatchmakingService) SearchingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickets)
}

func (m *MatchmakingService) tick(ctx context.Context) {
	m.refreshProbeData(ctx)

	now := m.clock.Now()

	m.mu.Lock()
	tickets := make([]*ticket, 0, len(m.tickets))
	for _, t := range m.tickets {
		tickets = append(tickets, t)
	}
	m.mu.Unlock()

	// Oldest searches get first pick.
	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].startedAt.Before(tickets[j].startedAt)
	})

	for _, t := range tickets {
		p := t.player
		if p.State() != StateMatchmaking {
			// The state moved on without us (disconnect); drop the ticket.
			m.Discard(p)
			continue
		}
		if now.Sub(t.startedAt) > m.cfg.Timeout {
			m.Discard(p)
			p.tryTransition(StateMatchmaking, StateConnected)
			m.notifier.MatchmakingFailed(p.ChannelID, "no matching server found")
			m.events.MatchmakingFailed(p)
			m.logger.Info("matchmaking timed out", zap.String("player", p.Name))
			continue
		}

		best, ok := m.pickServer(t)
		if !ok {
			continue
		}
		if !m.queueing.JoinQueue(p, best.IP, best.Port, "") {
			continue
		}
		m.Discard(p)
		m.notifier.MatchFound(p.ChannelID, best.IP, best.Port)
		m.events.MatchFound(p, best.Addr())
		m.logger.Info("match found",
			zap.String("player", p.Name), zap.String("server", best.Addr()))
	}
}

// refreshProbeData re-probes candidate servers whose snapshot went stale.
// Servers that stay silent are retried on the same cadence, not every tick.
func (m *MatchmakingService) refreshProbeData(ctx context.Context) {
	now := m.clock.Now()

	m.mu.Lock()
	var stale []string
	for _, t := range m.tickets {
		for addr := range t.servers {
			if last, ok := m.lastProbe[addr]; ok && now.Sub(last) < probeRefreshAfter {
				continue
			}
			m.lastProbe[addr] = now
			stale = append(stale, addr)
		}
	}
	m.mu.Unlock()

	if len(stale) == 0 {
		return
	}

	m.prober.Batch(ctx, stale, m.cfg.ProbeTimeout, func(addr string, info *probe.ServerInfo) {
		m.mu.Lock()
		m.infos[addr] = info
		m.mu.Unlock()
	})
}

// pickServer filters and ranks t's candidates, returning the best one.
func (m *MatchmakingService) pickServer(t *ticket) (ServerAddress, bool) {
	type candidate struct {
		addr    ServerAddress
		players int
		ping    int
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []candidate
	for key, addr := range t.servers {
		info, ok := m.infos[key]
		if !ok {
			continue
		}
		// A ping the client measured beats our probe round trip.
		ping := int(info.Ping / time.Millisecond)
		if client, ok := t.pings[key]; ok {
			ping = client
		}

		c := t.criteria
		if c.MaxPing > 0 && ping > c.MaxPing {
			continue
		}
		players := info.RealPlayers()
		if players < c.MinPlayers {
			continue
		}
		if c.MaxPlayersOnServer >= 0 && players > c.MaxPlayersOnServer {
			continue
		}
		candidates = append(candidates, candidate{addr: addr, players: players, ping: ping})
	}
	if len(candidates) == 0 {
		return ServerAddress{}, false
	}

	fresh := t.criteria.TryFreshGamesFirst
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].players != candidates[j].players {
			if fresh {
				return candidates[i].players < candidates[j].players
			}
			return candidates[i].players > candidates[j].players
		}
		return candidates[i].ping < candidates[j].ping
	})
	return candidates[0].addr, true
}
