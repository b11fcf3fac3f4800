package probe

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// oobPrefix marks out-of-band packets in both directions.
var oobPrefix = []byte{0xff, 0xff, 0xff, 0xff}

const maxDatagramSize = 2048

var ErrClosed = errors.New("probe: prober closed")

// Prober sends getinfo datagrams from a single UDP socket and matches
// replies to outstanding requests by their challenge echo. One background
// goroutine drains the socket; replies nobody is waiting for are dropped.
type Prober struct {
	logger  *zap.Logger
	conn    *net.UDPConn
	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[string]*pendingProbe
	closed  bool
}

type pendingProbe struct {
	addr   string
	sentAt time.Time
	reply  chan *ServerInfo
}

// New opens the probe socket and starts the reply reader. ratePerSecond
// bounds how fast Batch fans out probes.
func New(logger *zap.Logger, ratePerSecond int) (*Prober, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("probe: listen: %w", err)
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 25
	}
	p := &Prober{
		logger:  logger,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
		pending: make(map[string]*pendingProbe),
	}
	go p.readLoop()
	return p, nil
}

// Close stops the reader and fails all outstanding requests.
func (p *Prober) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for challenge, pend := range p.pending {
		close(pend.reply)
		delete(p.pending, challenge)
	}
	p.mu.Unlock()
	return p.conn.Close()
}

// RequestInfo sends one getinfo probe to addr ("ip:port") and waits for the
// matching reply until ctx ends. Every failure comes back as an error the
// caller treats as "no data"; RequestInfo never panics and does not block
// other probes.
func (p *Prober) RequestInfo(ctx context.Context, addr string) (*ServerInfo, error) {
	target, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("probe: resolve %s: %w", addr, err)
	}

	challenge := newChallenge()
	pend := &pendingProbe{
		addr:   addr,
		sentAt: time.Now(),
		reply:  make(chan *ServerInfo, 1),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.pending[challenge] = pend
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, challenge)
		p.mu.Unlock()
	}()

	packet := make([]byte, 0, len(oobPrefix)+len("getinfo \n")+len(challenge))
	packet = append(packet, oobPrefix...)
	packet = append(packet, "getinfo "+challenge+"\n"...)
	if _, err := p.conn.WriteToUDP(packet, target); err != nil {
		return nil, fmt.Errorf("probe: send to %s: %w", addr, err)
	}

	select {
	case info, ok := <-pend.reply:
		if !ok {
			return nil, ErrClosed
		}
		return info, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Batch probes every addr, invoking onReply per parsed reply, and returns
// once all probes resolved or ctx ended. Callback order is unspecified and
// onReply may run from several goroutines at once.
func (p *Prober) Batch(ctx context.Context, addrs []string, timeout time.Duration, onReply func(addr string, info *ServerInfo)) {
	var wg sync.WaitGroup
	for _, addr := range addrs {
		if err := p.limiter.Wait(ctx); err != nil {
			break
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			reqCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			info, err := p.RequestInfo(reqCtx, addr)
			if err != nil {
				p.logger.Debug("batch probe failed", zap.String("server", addr), zap.Error(err))
				return
			}
			onReply(addr, info)
		}(addr)
	}
	wg.Wait()
}

func (p *Prober) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			p.logger.Warn("probe socket read failed", zap.Error(err))
			continue
		}
		p.handlePacket(buf[:n], from)
	}
}

func (p *Prober) handlePacket(data []byte, from *net.UDPAddr) {
	if !bytes.HasPrefix(data, oobPrefix) {
		p.logger.Debug("probe packet without OOB prefix", zap.Stringer("from", from))
		return
	}
	info, err := parseInfoResponse(string(data[len(oobPrefix):]))
	if err != nil {
		p.logger.Warn("malformed probe reply", zap.Stringer("from", from), zap.Error(err))
		return
	}

	p.mu.Lock()
	pend, ok := p.pending[info.Challenge]
	if ok {
		delete(p.pending, info.Challenge)
	}
	p.mu.Unlock()
	if !ok {
		p.logger.Debug("probe reply with no outstanding challenge",
			zap.Stringer("from", from), zap.String("challenge", info.Challenge))
		return
	}

	info.Ping = time.Since(pend.sentAt)
	pend.reply <- info
}

// newChallenge returns 16 hex chars the reply must echo back.
func newChallenge() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
