package probe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeServer answers getinfo probes on loopback with canned settings.
type fakeServer struct {
	conn net.PacketConn
	addr string

	hostname string
	mapname  string
	gametype string
	clients  int
	bots     int
	max      int
	private  int

	silent       bool
	badChallenge bool
}

func startFakeServer(t *testing.T, cfg fakeServer) *fakeServer {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.conn = conn
	cfg.addr = conn.LocalAddr().String()
	t.Cleanup(func() { conn.Close() })
	go cfg.serve()
	return &cfg
}

func (f *fakeServer) serve() {
	buf := make([]byte, 2048)
	for {
		n, from, err := f.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if f.silent {
			continue
		}
		req := strings.TrimPrefix(string(buf[:n]), "\xff\xff\xff\xff")
		parts := strings.Fields(req)
		if len(parts) != 2 || parts[0] != "getinfo" {
			continue
		}
		challenge := parts[1]
		if f.badChallenge {
			challenge = "0000000000000000"
		}
		reply := fmt.Sprintf("\xff\xff\xff\xffinfoResponse\n\\hostname\\%s\\mapname\\%s\\gametype\\%s\\clients\\%d\\bots\\%d\\sv_maxclients\\%d\\sv_privateClients\\%d\\challenge\\%s\n",
			f.hostname, f.mapname, f.gametype, f.clients, f.bots, f.max, f.private, challenge)
		f.conn.WriteTo([]byte(reply), from)
	}
}

func TestRequestInfo(t *testing.T) {
	srv := startFakeServer(t, fakeServer{
		hostname: "NY Trickshot 24/7",
		mapname:  "mp_rust",
		gametype: "dm",
		clients:  10,
		bots:     2,
		max:      18,
		private:  2,
	})

	p, err := New(zaptest.NewLogger(t), 0)
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	info, err := p.RequestInfo(ctx, srv.addr)
	require.NoError(t, err)
	require.Equal(t, "NY Trickshot 24/7", info.HostName)
	require.Equal(t, "mp_rust", info.MapName)
	require.Equal(t, "dm", info.GameType)
	require.Equal(t, 10, info.Clients)
	require.Equal(t, 2, info.Bots)
	require.Equal(t, 8, info.RealPlayers())
	require.Equal(t, 8, info.FreeSlots())
	require.True(t, info.IsPrivate())
	require.Greater(t, info.Ping, time.Duration(0))
}

func TestRequestInfoTimeout(t *testing.T) {
	srv := startFakeServer(t, fakeServer{silent: true})

	p, err := New(zaptest.NewLogger(t), 0)
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err = p.RequestInfo(ctx, srv.addr)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestInfoDiscardsForeignChallenge(t *testing.T) {
	srv := startFakeServer(t, fakeServer{hostname: "liar", max: 18, badChallenge: true})

	p, err := New(zaptest.NewLogger(t), 0)
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = p.RequestInfo(ctx, srv.addr)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestInfoAfterClose(t *testing.T) {
	p, err := New(zaptest.NewLogger(t), 0)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = p.RequestInfo(context.Background(), "127.0.0.1:1")
	require.ErrorIs(t, err, ErrClosed)
}

func TestBatch(t *testing.T) {
	one := startFakeServer(t, fakeServer{hostname: "one", clients: 3, max: 12})
	two := startFakeServer(t, fakeServer{hostname: "two", clients: 7, max: 18})

	p, err := New(zaptest.NewLogger(t), 50)
	require.NoError(t, err)
	defer p.Close()

	var mu sync.Mutex
	got := map[string]string{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Batch(ctx, []string{one.addr, two.addr}, time.Second, func(addr string, info *ServerInfo) {
		mu.Lock()
		got[addr] = info.HostName
		mu.Unlock()
	})

	require.Equal(t, map[string]string{one.addr: "one", two.addr: "two"}, got)
}

func TestParseInfoResponse(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{
			name:    "full reply",
			payload: "infoResponse\n\\hostname\\srv\\mapname\\mp_dome\\gametype\\war\\clients\\4\\bots\\1\\sv_maxclients\\12\\sv_privateClients\\0\\challenge\\abcdef0123456789\n",
		},
		{
			name:    "no trailing newline",
			payload: "infoResponse\n\\hostname\\srv\\clients\\4\\sv_maxclients\\12\\challenge\\abcdef0123456789",
		},
		{
			name:    "missing challenge",
			payload: "infoResponse\n\\hostname\\srv\\clients\\4",
			wantErr: true,
		},
		{
			name:    "garbage count",
			payload: "infoResponse\n\\clients\\many\\challenge\\abcdef0123456789",
			wantErr: true,
		},
		{
			name:    "different command",
			payload: "statusResponse\n\\hostname\\srv",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := parseInfoResponse(tt.payload)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "srv", info.HostName)
			require.Equal(t, 4, info.Clients)
			require.Equal(t, 12, info.MaxClients)
			require.Equal(t, "abcdef0123456789", info.Challenge)
		})
	}
}
