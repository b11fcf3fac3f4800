package game

import (
	"sync"
	"time"
)

// PlayerState tracks where a player is in the queue and join pipeline.
type PlayerState string

const (
	StateConnected    PlayerState = "Connected"
	StateMatchmaking  PlayerState = "Matchmaking"
	StateQueued       PlayerState = "Queued"
	StateJoining      PlayerState = "Joining"
	StateJoined       PlayerState = "Joined"
	StateDisconnected PlayerState = "Disconnected"
)

// DequeueReason says why a player left a queue. Only JoinTimeout,
// MaxJoinAttemptsReached and Unknown are announced to the player.
type DequeueReason string

const (
	ReasonUserLeave              DequeueReason = "UserLeave"
	ReasonDisconnect             DequeueReason = "Disconnect"
	ReasonJoinFailed             DequeueReason = "JoinFailed"
	ReasonJoinTimeout            DequeueReason = "JoinTimeout"
	ReasonMaxJoinAttemptsReached DequeueReason = "MaxJoinAttemptsReached"
	ReasonJoined                 DequeueReason = "Joined"
	ReasonUnknown                DequeueReason = "Unknown"
)

// Player is one authenticated client session. The identity fields are fixed
// at registration. The mutable fields are guarded by mu; compound queue
// transitions additionally serialize under the owning server's mutex, which
// is always locked before mu and never after.
type Player struct {
	StableID  string
	Name      string
	ChannelID string

	mu           sync.Mutex
	state        PlayerState
	server       *GameServer
	queuedAt     time.Time
	joinAttempts []time.Time
}

func NewPlayer(stableID, channelID, name string) *Player {
	return &Player{
		StableID:  stableID,
		ChannelID: channelID,
		Name:      name,
		state:     StateConnected,
	}
}

func (p *Player) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Server returns the queue the player currently sits in, or nil.
func (p *Player) Server() *GameServer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.server
}

func (p *Player) QueuedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queuedAt
}

func (p *Player) JoinAttemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.joinAttempts)
}

// FirstJoinAttempt returns the zero time while no attempt has been made.
func (p *Player) FirstJoinAttempt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.joinAttempts) == 0 {
		return time.Time{}
	}
	return p.joinAttempts[0]
}

func (p *Player) recordJoinAttempt(now time.Time) {
	p.mu.Lock()
	p.joinAttempts = append(p.joinAttempts, now)
	p.mu.Unlock()
}

func (p *Player) clearJoinAttempts() {
	p.mu.Lock()
	p.joinAttempts = nil
	p.mu.Unlock()
}

// tryEnqueue claims the player for a queue. It succeeds only from the
// Connected and Matchmaking states, which is what keeps one player out of
// two queues at once.
func (p *Player) tryEnqueue(s *GameServer, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateConnected && p.state != StateMatchmaking {
		return false
	}
	p.state = StateQueued
	p.server = s
	p.queuedAt = now
	p.joinAttempts = nil
	return true
}

// tryTransition flips the state only when the current value is from.
func (p *Player) tryTransition(from, to PlayerState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != from {
		return false
	}
	p.state = to
	return true
}

func (p *Player) setState(state PlayerState) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

// leaveQueue clears the queue bookkeeping as part of a dequeue. The final
// state depends on why the player left.
func (p *Player) leaveQueue(state PlayerState) {
	p.mu.Lock()
	p.state = state
	p.server = nil
	p.mu.Unlock()
}

// PlayerSnapshot is a point-in-time copy for the introspection surface.
type PlayerSnapshot struct {
	Name         string
	State        PlayerState
	JoinAttempts int
	QueuedAt     time.Time
}

func (p *Player) snapshot() PlayerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PlayerSnapshot{
		Name:         p.Name,
		State:        p.state,
		JoinAttempts: len(p.joinAttempts),
		QueuedAt:     p.queuedAt,
	}
}
