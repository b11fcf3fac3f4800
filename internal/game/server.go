package game

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Bowhza/H2M-ServerScraper/internal/probe"
)

// ProcessingState is the lifecycle of a server's queue loop.
type ProcessingState string

const (
	ProcessingIdle     ProcessingState = "Idle"
	ProcessingRunning  ProcessingState = "Running"
	ProcessingStopping ProcessingState = "Stopping"
	ProcessingStopped  ProcessingState = "Stopped"
)

// KnownProcessingState reports whether s names one of the loop states.
func KnownProcessingState(s string) bool {
	switch ProcessingState(s) {
	case ProcessingIdle, ProcessingRunning, ProcessingStopping, ProcessingStopped:
		return true
	}
	return false
}

// GameServer aggregates everything tracked for one remote game server. The
// mutable fields are guarded by mu. The queue loop releases mu around every
// network call and re-checks queue membership afterwards, so a player seen
// before the call may legitimately be gone after it.
type GameServer struct {
	IP        string
	Port      int
	SpawnedAt time.Time

	mu            sync.Mutex
	instanceID    string
	queue         *playerQueue
	joiningCount  int
	lastInfo      *probe.ServerInfo
	lastInfoAt    time.Time
	actualPlayers map[string]struct{}
	processing    ProcessingState
	cancelLoop    context.CancelFunc
}

func newGameServer(ip string, port int, instanceID string, spawnedAt time.Time) *GameServer {
	return &GameServer{
		IP:         ip,
		Port:       port,
		SpawnedAt:  spawnedAt,
		instanceID: instanceID,
		queue:      newPlayerQueue(),
		processing: ProcessingIdle,
	}
}

// Addr is the probe and dial target in ip:port form.
func (s *GameServer) Addr() string {
	return net.JoinHostPort(s.IP, strconv.Itoa(s.Port))
}

func (s *GameServer) InstanceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instanceID
}

// fillInstanceID backfills an id left empty by a matchmaking join.
func (s *GameServer) fillInstanceID(id string) {
	s.mu.Lock()
	if s.instanceID == "" {
		s.instanceID = id
	}
	s.mu.Unlock()
}

func (s *GameServer) Processing() ProcessingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

func (s *GameServer) QueueLen() int {
	return s.queue.Len()
}

func (s *GameServer) JoiningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joiningCount
}

// LastInfo returns the probe snapshot the loop is acting on, nil when the
// last probe failed or none ran yet.
func (s *GameServer) LastInfo() *probe.ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInfo
}

// ServerSnapshot is a point-in-time copy of one server for introspection.
type ServerSnapshot struct {
	IP            string
	Port          int
	InstanceID    string
	Processing    ProcessingState
	LastInfo      *probe.ServerInfo
	SpawnedAt     time.Time
	ActualPlayers []string
	Players       []PlayerSnapshot
}

func (s *GameServer) Snapshot() ServerSnapshot {
	s.mu.Lock()
	var infoCopy *probe.ServerInfo
	if s.lastInfo != nil {
		c := *s.lastInfo
		infoCopy = &c
	}
	snap := ServerSnapshot{
		IP:         s.IP,
		Port:       s.Port,
		InstanceID: s.instanceID,
		Processing: s.processing,
		LastInfo:   infoCopy,
		SpawnedAt:  s.SpawnedAt,
	}
	for name := range s.actualPlayers {
		snap.ActualPlayers = append(snap.ActualPlayers, name)
	}
	sort.Strings(snap.ActualPlayers)
	s.mu.Unlock()

	for _, p := range s.queue.Players() {
		snap.Players = append(snap.Players, p.snapshot())
	}
	return snap
}
