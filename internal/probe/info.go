package probe

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ServerInfo is one parsed getinfo reply.
type ServerInfo struct {
	HostName       string
	MapName        string
	GameType       string
	Clients        int // includes bots
	Bots           int
	MaxClients     int
	PrivateClients int
	Ping           time.Duration
	Challenge      string
}

// RealPlayers is the human headcount reported by the server.
func (i *ServerInfo) RealPlayers() int {
	return i.Clients - i.Bots
}

// FreeSlots never goes negative even when a server over-reports clients.
func (i *ServerInfo) FreeSlots() int {
	if free := i.MaxClients - i.Clients; free > 0 {
		return free
	}
	return 0
}

func (i *ServerInfo) IsPrivate() bool {
	return i.PrivateClients > 0
}

// parseInfoResponse decodes the payload that follows the OOB prefix:
// "infoResponse\n" and a backslash-separated key/value list. The trailing
// newline is optional.
func parseInfoResponse(payload string) (*ServerInfo, error) {
	rest, ok := strings.CutPrefix(payload, "infoResponse")
	if !ok {
		return nil, errors.New("not an infoResponse")
	}
	rest = strings.TrimPrefix(rest, "\n")
	rest = strings.TrimSuffix(rest, "\n")

	fields := strings.Split(rest, "\\")
	info := &ServerInfo{}
	var err error
	for idx := 1; idx+1 < len(fields); idx += 2 {
		key, value := fields[idx], fields[idx+1]
		switch key {
		case "hostname":
			info.HostName = value
		case "mapname":
			info.MapName = value
		case "gametype":
			info.GameType = value
		case "clients":
			if info.Clients, err = strconv.Atoi(value); err != nil {
				return nil, fmt.Errorf("bad clients value %q", value)
			}
		case "bots":
			if info.Bots, err = strconv.Atoi(value); err != nil {
				return nil, fmt.Errorf("bad bots value %q", value)
			}
		case "sv_maxclients":
			if info.MaxClients, err = strconv.Atoi(value); err != nil {
				return nil, fmt.Errorf("bad sv_maxclients value %q", value)
			}
		case "sv_privateClients":
			if info.PrivateClients, err = strconv.Atoi(value); err != nil {
				return nil, fmt.Errorf("bad sv_privateClients value %q", value)
			}
		case "challenge":
			info.Challenge = value
		}
	}
	if info.Challenge == "" {
		return nil, errors.New("infoResponse missing challenge echo")
	}
	return info, nil
}
