package game

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Config bundles the queueing knobs the host passes in at startup.
type Config struct {
	QueueCap                    int
	MaxJoinAttempts             int
	TotalJoinTimeLimit          time.Duration
	ProcessInterval             time.Duration
	EmptyPollInterval           time.Duration
	ProbeTimeout                time.Duration
	ConfirmJoinsWithWebfront    bool
	ClearAttemptsWhenServerFull bool
}

func (c Config) withDefaults() Config {
	if c.QueueCap <= 0 {
		c.QueueCap = 20
	}
	if c.MaxJoinAttempts <= 0 {
		c.MaxJoinAttempts = 3
	}
	if c.TotalJoinTimeLimit <= 0 {
		c.TotalJoinTimeLimit = 30 * time.Second
	}
	if c.ProcessInterval <= 0 {
		c.ProcessInterval = time.Second
	}
	if c.EmptyPollInterval <= 0 {
		c.EmptyPollInterval = 100 * time.Millisecond
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	return c
}

// Deps are the collaborators of the queueing service. Statuses and Events
// are optional.
type Deps struct {
	Players  *PlayerRegistry
	Servers  *ServerRegistry
	Prober   ServerProber
	Statuses StatusProvider
	Notifier ClientNotifier
	Events   *Publisher
}

// QueueingService owns every per-server queue loop: it probes servers,
// dispatches join instructions in queue order, enforces the attempt and
// time budgets, and keeps clients posted about their position.
type QueueingService struct {
	cfg      Config
	logger   *zap.Logger
	clock    clock.Clock
	players  *PlayerRegistry
	servers  *ServerRegistry
	prober   ServerProber
	statuses StatusProvider
	notifier ClientNotifier
	events   *Publisher

	mu      sync.Mutex
	rootCtx context.Context
}

func NewQueueingService(cfg Config, deps Deps, clk clock.Clock, logger *zap.Logger) *QueueingService {
	return &QueueingService{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		clock:    clk,
		players:  deps.Players,
		servers:  deps.Servers,
		prober:   deps.Prober,
		statuses: deps.Statuses,
		notifier: deps.Notifier,
		events:   deps.Events,
	}
}

// Start pins the root context every per-server loop derives from. Loops
// stop when ctx ends and joins after that are refused.
func (q *QueueingService) Start(ctx context.Context) {
	q.mu.Lock()
	q.rootCtx = ctx
	q.mu.Unlock()
}

func (q *QueueingService) root() context.Context {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.rootCtx == nil {
		return context.Background()
	}
	return q.rootCtx
}

// JoinQueue puts p at the tail of the queue for ip:port, creating the
// server aggregate and its processing loop on first use. It refuses when
// the player is in the wrong state, already queued here, or the queue is
// at its cap.
func (q *QueueingService) JoinQueue(p *Player, ip string, port int, instanceID string) bool {
	if q.root().Err() != nil {
		return false
	}
	s := q.servers.GetOrCreate(ip, port, instanceID)

	s.mu.Lock()
	if s.queue.Contains(p) {
		s.mu.Unlock()
		q.logger.Info("join refused, already queued here", zap.String("player", p.Name), zap.String("server", s.Addr()))
		return false
	}
	if s.queue.Len() >= q.cfg.QueueCap {
		s.mu.Unlock()
		q.logger.Info("join refused, queue at cap",
			zap.String("player", p.Name), zap.String("server", s.Addr()), zap.Int("cap", q.cfg.QueueCap))
		return false
	}
	if !p.tryEnqueue(s, q.clock.Now()) {
		s.mu.Unlock()
		q.logger.Warn("join refused, wrong player state",
			zap.String("player", p.Name), zap.String("state", string(p.State())))
		return false
	}
	s.queue.Enqueue(p)
	q.ensureLoopLocked(s)
	q.broadcastPositionsLocked(s)
	queued := s.queue.Len()
	s.mu.Unlock()

	q.logger.Info("player queued",
		zap.String("player", p.Name), zap.String("server", s.Addr()), zap.Int("queue_len", queued))
	q.events.PlayerQueued(p, s.Addr())
	return true
}

// LeaveQueue removes p from its queue at the player's own request. The
// leaver hears nothing; everyone behind gets a fresh position.
func (q *QueueingService) LeaveQueue(p *Player) {
	s := p.Server()
	if s == nil {
		return
	}
	s.mu.Lock()
	if q.dequeueLocked(s, p, ReasonUserLeave) {
		q.broadcastPositionsLocked(s)
	}
	s.mu.Unlock()
}

// OnJoinAck is the client's answer after it acted on a join instruction.
func (q *QueueingService) OnJoinAck(p *Player, success bool) {
	s := p.Server()
	if s == nil {
		q.logger.Warn("join ack from player without a queue",
			zap.String("player", p.Name), zap.Bool("success", success))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.State() != StateJoining || !s.queue.Contains(p) {
		q.logger.Warn("join ack from player not joining",
			zap.String("player", p.Name), zap.String("state", string(p.State())), zap.Bool("success", success))
		return
	}
	var changed bool
	if success {
		changed = q.dequeueLocked(s, p, ReasonJoined)
	} else {
		changed = q.handleJoinFailureLocked(s, p)
	}
	if changed {
		q.broadcastPositionsLocked(s)
	}
}

// OnDisconnect runs synchronously with the transport teardown: the player
// leaves any queue right away so the loop never dispatches into a dead
// channel.
func (q *QueueingService) OnDisconnect(p *Player) {
	if s := p.Server(); s != nil {
		s.mu.Lock()
		if q.dequeueLocked(s, p, ReasonDisconnect) {
			q.broadcastPositionsLocked(s)
		}
		s.mu.Unlock()
	}
	p.setState(StateDisconnected)
}

// ClearServer stops a server's loop and drops everyone from its queue.
// Used from the admin surface; the dropped players are told.
func (q *QueueingService) ClearServer(addr string) bool {
	s, ok := q.servers.Get(addr)
	if !ok {
		return false
	}
	s.mu.Lock()
	if s.cancelLoop != nil {
		s.processing = ProcessingStopping
		s.cancelLoop()
	}
	for _, node := range s.queue.Snapshot() {
		q.dequeueNodeLocked(s, node, ReasonUnknown)
	}
	s.mu.Unlock()
	q.logger.Info("queue cleared", zap.String("server", addr))
	return true
}

// ensureLoopLocked starts the processing loop unless one is already live.
// Requires s.mu. A loop in Stopping is left alone: its exit path restarts
// it when the queue is still populated.
func (q *QueueingService) ensureLoopLocked(s *GameServer) {
	switch s.processing {
	case ProcessingRunning, ProcessingStopping:
		return
	}
	loopCtx, cancel := context.WithCancel(q.root())
	s.processing = ProcessingRunning
	s.cancelLoop = cancel
	go q.runLoop(loopCtx, s)
}

// runLoop drives one server's queue until its context ends. Iterations
// that fail keep the loop alive; a panic clears the probe snapshot and the
// loop comes back after one pacing interval.
func (q *QueueingService) runLoop(ctx context.Context, s *GameServer) {
	q.logger.Info("queue processing started", zap.String("server", s.Addr()))

	defer func() {
		r := recover()
		if r != nil {
			q.logger.Error("queue loop recovered", zap.String("server", s.Addr()), zap.Any("panic", r))
			q.sleep(ctx, q.cfg.ProcessInterval)
		}
		s.mu.Lock()
		if r != nil {
			s.lastInfo = nil
		}
		s.processing = ProcessingStopped
		s.cancelLoop = nil
		pending := s.queue.Len()
		s.mu.Unlock()

		if pending > 0 && q.root().Err() == nil {
			s.mu.Lock()
			q.ensureLoopLocked(s)
			s.mu.Unlock()
			return
		}
		q.logger.Info("queue processing stopped", zap.String("server", s.Addr()))
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if s.QueueLen() == 0 {
			if !q.sleep(ctx, q.cfg.EmptyPollInterval) {
				return
			}
			continue
		}

		pacing := q.clock.Timer(q.cfg.ProcessInterval)

		if q.cfg.ConfirmJoinsWithWebfront && q.statuses != nil && s.JoiningCount() > 0 {
			q.confirmJoins(ctx, s)
		}

		// With every queued player mid-join there is nothing to dispatch;
		// the iteration only waits out the pacing interval.
		s.mu.Lock()
		allJoining := s.queue.Len() > 0 && s.joiningCount >= s.queue.Len()
		s.mu.Unlock()

		if !allJoining {
			q.probeAndDispatch(ctx, s)
		}

		select {
		case <-pacing.C:
		case <-ctx.Done():
			pacing.Stop()
			return
		}
	}
}

// confirmJoins asks the web front who is actually on the server. Joining
// players found there are done. When the instance reports nothing at all,
// every Joining player is assumed in, which keeps the queue moving while
// the web front has no data for this server.
func (q *QueueingService) confirmJoins(ctx context.Context, s *GameServer) {
	names := q.statuses.PlayerNames(ctx, s.InstanceID(), s.IP, s.Port)

	present := make(map[string]struct{}, len(names))
	for _, n := range names {
		present[n] = struct{}{}
	}

	s.mu.Lock()
	s.actualPlayers = present
	changed := false
	for _, node := range s.queue.Snapshot() {
		p := node.player
		if p.State() != StateJoining {
			continue
		}
		if _, ok := present[p.Name]; ok || len(present) == 0 {
			if q.dequeueNodeLocked(s, node, ReasonJoined) {
				changed = true
			}
		}
	}
	if changed {
		q.broadcastPositionsLocked(s)
	}
	s.mu.Unlock()
}

// probeAndDispatch runs one probe-and-walk iteration: refresh the occupancy
// snapshot, time out stale joiners, then hand out join instructions while
// unreserved slots remain.
func (q *QueueingService) probeAndDispatch(ctx context.Context, s *GameServer) {
	probeCtx, cancel := q.clock.WithTimeout(ctx, q.cfg.ProbeTimeout)
	info, err := q.prober.RequestInfo(probeCtx, s.Addr())
	cancel()
	if err != nil {
		q.logger.Warn("probe failed", zap.String("server", s.Addr()), zap.Error(err))
	}

	now := q.clock.Now()

	s.mu.Lock()
	if err != nil {
		s.lastInfo = nil
	} else {
		s.lastInfo = info
		s.lastInfoAt = now
	}

	free := 0
	if s.lastInfo != nil {
		free = s.lastInfo.FreeSlots()
	}
	// Slots already promised to Joining players are reserved.
	budget := free - s.joiningCount
	if budget < 0 {
		budget = 0
	}

	changed := false
	for _, node := range s.queue.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		p := node.player
		switch p.State() {
		case StateJoining:
			first := p.FirstJoinAttempt()
			if !first.IsZero() && now.Sub(first) > q.cfg.TotalJoinTimeLimit {
				if q.dequeueNodeLocked(s, node, ReasonJoinTimeout) {
					changed = true
				}
			}
		case StateQueued:
			if budget <= 0 {
				continue
			}
			budget--
			if q.dispatchJoinLocked(ctx, s, p) {
				changed = true
			}
		}
	}
	if changed {
		q.broadcastPositionsLocked(s)
	}
	s.mu.Unlock()
}

// dispatchJoinLocked runs one join attempt for p. The server mutex is
// released while the client is being asked and re-taken to apply the
// outcome, which is discarded when the player left the queue in between.
// Reports whether the attempt ended in a dequeue.
func (q *QueueingService) dispatchJoinLocked(ctx context.Context, s *GameServer, p *Player) bool {
	p.recordJoinAttempt(q.clock.Now())
	attempt := p.JoinAttemptCount()
	deadline := q.cfg.TotalJoinTimeLimit / time.Duration(q.cfg.MaxJoinAttempts)
	s.mu.Unlock()

	q.logger.Info("join dispatched",
		zap.String("player", p.Name), zap.String("server", s.Addr()),
		zap.Int("attempt", attempt), zap.Duration("deadline", deadline))

	pushCtx, cancel := q.clock.WithTimeout(ctx, deadline)
	accepted, err := q.notifier.NotifyJoin(pushCtx, p.ChannelID, s.IP, s.Port)
	cancel()

	s.mu.Lock()
	if !s.queue.Contains(p) {
		// Dequeued while we waited; the outcome is moot.
		return false
	}

	switch {
	case err == nil && accepted:
		if p.tryTransition(StateQueued, StateJoining) {
			s.joiningCount++
		}
		return false
	case err == nil:
		// Delivered, but the client could not act on it.
		return q.handleJoinFailureLocked(s, p)
	case errors.Is(err, context.DeadlineExceeded):
		q.logger.Info("join instruction timed out",
			zap.String("player", p.Name), zap.String("server", s.Addr()), zap.Int("attempt", attempt))
		return q.dequeueLocked(s, p, ReasonJoinTimeout)
	case errors.Is(err, context.Canceled):
		// Loop shutdown; the player keeps its spot.
		return false
	default:
		q.logger.Warn("join push failed",
			zap.String("player", p.Name), zap.String("server", s.Addr()), zap.Error(err))
		return q.dequeueLocked(s, p, ReasonUnknown)
	}
}

// handleJoinFailureLocked applies the late-failure policy after a client
// reported it could not get in. Requires s.mu.
func (q *QueueingService) handleJoinFailureLocked(s *GameServer, p *Player) bool {
	if p.JoinAttemptCount() >= q.cfg.MaxJoinAttempts {
		return q.dequeueLocked(s, p, ReasonMaxJoinAttemptsReached)
	}
	if s.lastInfo != nil && s.lastInfo.FreeSlots() == 0 {
		// The server filled ahead of the player; keep the spot and retry.
		if p.tryTransition(StateJoining, StateQueued) {
			s.joiningCount--
		}
		if q.cfg.ClearAttemptsWhenServerFull {
			p.clearJoinAttempts()
		}
		q.logger.Info("server filled ahead of player, requeued",
			zap.String("player", p.Name), zap.String("server", s.Addr()),
			zap.Int("attempts", p.JoinAttemptCount()))
		return false
	}
	return q.dequeueLocked(s, p, ReasonJoinFailed)
}

// dequeueLocked removes p from the queue by value, for the request-handler
// paths that hold a player but no node. Requires s.mu.
func (q *QueueingService) dequeueLocked(s *GameServer, p *Player, reason DequeueReason) bool {
	if !s.queue.TryRemove(p) {
		return false
	}
	q.finishDequeueLocked(s, p, reason)
	return true
}

// dequeueNodeLocked removes a snapshot node, skipping nodes whose player
// already left some other way. The loop's iteration paths use this so a
// concurrent dequeue between snapshot and removal stays harmless.
// Requires s.mu.
func (q *QueueingService) dequeueNodeLocked(s *GameServer, n *queueNode, reason DequeueReason) bool {
	if !s.queue.RemoveNode(n) {
		return false
	}
	q.finishDequeueLocked(s, n.player, reason)
	return true
}

// finishDequeueLocked is the single exit path from a queue. It fixes the
// joining counter, moves the player to the state the reason implies and
// pushes RemovedFromQueue for the reasons a client must hear about.
// Requires s.mu; the player is already unlinked.
func (q *QueueingService) finishDequeueLocked(s *GameServer, p *Player, reason DequeueReason) {
	if p.State() == StateJoining {
		s.joiningCount--
	}

	switch reason {
	case ReasonJoined:
		p.leaveQueue(StateJoined)
	case ReasonDisconnect:
		p.leaveQueue(StateDisconnected)
	default:
		p.leaveQueue(StateConnected)
	}

	switch reason {
	case ReasonJoinTimeout, ReasonMaxJoinAttemptsReached, ReasonUnknown:
		q.notifier.RemovedFromQueue(p.ChannelID, reason)
	}

	q.logger.Info("player dequeued",
		zap.String("player", p.Name), zap.String("server", s.Addr()),
		zap.String("reason", string(reason)), zap.Int("queue_len", s.queue.Len()))
	q.events.PlayerDequeued(p, s.Addr(), reason)
}

// broadcastPositionsLocked tells everybody still queued where they stand,
// front of the line being position 1. Requires s.mu.
func (q *QueueingService) broadcastPositionsLocked(s *GameServer) {
	players := s.queue.Players()
	for i, p := range players {
		q.notifier.QueuePositionChanged(p.ChannelID, i+1, len(players))
	}
}

// sleep waits d or until ctx ends; false means ctx ended first.
func (q *QueueingService) sleep(ctx context.Context, d time.Duration) bool {
	t := q.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
