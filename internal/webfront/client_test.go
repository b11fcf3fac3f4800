package webfront

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const statusPayload = `[
	{"listenAddress": "10.0.0.5", "listenPort": 27016, "players": [{"name": "Alice"}, {"name": "Bob"}]},
	{"listenAddress": "10.0.0.6", "listenPort": 27016, "players": [{"name": "Carol"}]}
]`

func TestStatusesDecodesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/status", r.URL.Path)
		require.Equal(t, "iw4admin", r.URL.Query().Get("instance"))
		w.Write([]byte(statusPayload))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil, clock.New(), zaptest.NewLogger(t))
	statuses := c.Statuses(context.Background(), "iw4admin")
	require.Len(t, statuses, 2)
	require.Equal(t, 27016, statuses[0].ListenPort)
	require.Equal(t, []PlayerEntry{{Name: "Alice"}, {Name: "Bob"}}, statuses[0].Players)
}

func TestStatusesCachesWithinTTL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(statusPayload))
	}))
	defer srv.Close()

	mock := clock.NewMock()
	c := NewClient(srv.URL, 2*time.Second, nil, mock, zaptest.NewLogger(t))

	c.Statuses(context.Background(), "iw4admin")
	c.Statuses(context.Background(), "iw4admin")
	require.Equal(t, int32(1), hits.Load())

	mock.Add(3 * time.Second)
	c.Statuses(context.Background(), "iw4admin")
	require.Equal(t, int32(2), hits.Load())
}

func TestStatusesEmptyOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil, clock.New(), zaptest.NewLogger(t))
	require.Empty(t, c.Statuses(context.Background(), "iw4admin"))
}

func TestStatusesEmptyOnTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, time.Second, nil, clock.New(), zaptest.NewLogger(t))
	require.Empty(t, c.Statuses(context.Background(), "iw4admin"))
}

func TestPlayerNamesSelectsByEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(statusPayload))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil, clock.New(), zaptest.NewLogger(t))

	require.Equal(t, []string{"Carol"}, c.PlayerNames(context.Background(), "iw4admin", "10.0.0.6", 27016))
	require.Equal(t, []string{"Alice", "Bob"}, c.PlayerNames(context.Background(), "iw4admin", "10.0.0.5", 27016))
	// Unknown address falls back to the first port match.
	require.Equal(t, []string{"Alice", "Bob"}, c.PlayerNames(context.Background(), "iw4admin", "192.168.1.1", 27016))
	require.Empty(t, c.PlayerNames(context.Background(), "iw4admin", "10.0.0.5", 28960))
}
