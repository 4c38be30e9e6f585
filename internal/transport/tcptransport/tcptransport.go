// Package tcptransport implements transport.Transport over plain TCP with
// length-prefixed JSON framing, dialing net.Listen/net.Dial directly
// instead of reaching for a heavier RPC framework. Inbound connections are
// rate limited per source address using golang.org/x/time/rate.
package tcptransport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ruvnet/gossiped/internal/gerrors"
	"github.com/ruvnet/gossiped/internal/model"
	"github.com/ruvnet/gossiped/internal/transport"
)

const maxFrameBytes = 64 << 20 // guards against a malformed length prefix exhausting memory

type envelopeType string

const (
	envDigest         envelopeType = "digest"
	envDigestResponse envelopeType = "digest_response"
	envEvents         envelopeType = "events"
)

type envelope struct {
	Type           envelopeType          `json:"type"`
	ID             string                `json:"id"`
	From           model.TransportPeer   `json:"from"`
	Digest         *model.Digest         `json:"digest,omitempty"`
	DigestResponse *model.DigestResponse `json:"digestResponse,omitempty"`
	Events         *model.EventMessage   `json:"events,omitempty"`
}

// Transport is a transport.Transport implementation over raw TCP sockets.
type Transport struct {
	self    model.TransportPeer
	logger  *zap.Logger
	limiter *connRateLimiter

	listener net.Listener

	connMu sync.Mutex
	conns  map[model.TransportAddress]*conn

	pendingMu sync.Mutex
	pending   map[string]chan *model.DigestResponse

	digests chan transport.IncomingDigest
	events  chan transport.IncomingEvents

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// conn wraps a net.Conn with the mutex needed to serialize concurrent
// envelope writes from multiple SendDigest/SendEvents callers.
type conn struct {
	nc      net.Conn
	writeMu sync.Mutex
}

// New returns a transport bound to addr, not yet listening. RatePerSecond
// and burst configure the inbound-connection rate limiter; zero values fall
// back to 20/sec and a burst of 40.
func New(addr model.TransportAddress, displayName string, ratePerSecond float64, burst int, logger *zap.Logger) *Transport {
	if ratePerSecond <= 0 {
		ratePerSecond = 20
	}
	if burst <= 0 {
		burst = 40
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		self: model.TransportPeer{
			Address:     addr,
			DisplayName: displayName,
			ConnectedAt: time.Now(),
			IsActive:    true,
		},
		logger:  logger,
		limiter: newConnRateLimiter(rate.Limit(ratePerSecond), burst),
		conns:   make(map[model.TransportAddress]*conn),
		pending: make(map[string]chan *model.DigestResponse),
		digests: make(chan transport.IncomingDigest, 256),
		events:  make(chan transport.IncomingEvents, 256),
		stopCh:  make(chan struct{}),
	}
}

func (t *Transport) Initialize(_ context.Context) error {
	ln, err := net.Listen("tcp", string(t.self.Address))
	if err != nil {
		return gerrors.NewTransportError(fmt.Errorf("listen on %s: %w", t.self.Address, err))
	}
	t.listener = ln

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		nc, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				t.logger.Warn("accept failed", zap.Error(err))
				return
			}
		}

		host, _, _ := net.SplitHostPort(nc.RemoteAddr().String())
		if host == "" {
			host = nc.RemoteAddr().String()
		}
		if !t.limiter.allow(host) {
			nc.Close()
			continue
		}

		c := &conn{nc: nc}
		t.wg.Add(1)
		go t.readLoop(c)
	}
}

func (t *Transport) Shutdown(_ context.Context) error {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		if t.listener != nil {
			t.listener.Close()
		}
		t.connMu.Lock()
		for _, c := range t.conns {
			c.nc.Close()
		}
		t.connMu.Unlock()
	})
	t.wg.Wait()
	close(t.digests)
	close(t.events)
	return nil
}

func (t *Transport) SendDigest(ctx context.Context, peer model.TransportPeer, digest *model.Digest, timeout time.Duration) (*model.DigestResponse, error) {
	c, err := t.dialOrGet(peer.Address)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	respCh := make(chan *model.DigestResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respCh
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := writeEnvelope(c, envelope{Type: envDigest, ID: id, From: t.self, Digest: digest}); err != nil {
		return nil, gerrors.NewTransportError(err)
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-tctx.Done():
		return nil, gerrors.NewTransportError(fmt.Errorf("digest exchange with %s timed out", peer.Address))
	}
}

func (t *Transport) SendEvents(ctx context.Context, peer model.TransportPeer, msg *model.EventMessage, timeout time.Duration) error {
	c, err := t.dialOrGet(peer.Address)
	if err != nil {
		return err
	}
	c.nc.SetWriteDeadline(time.Now().Add(timeout))
	defer c.nc.SetWriteDeadline(time.Time{})

	if err := writeEnvelope(c, envelope{Type: envEvents, From: t.self, Events: msg}); err != nil {
		return gerrors.NewTransportError(err)
	}
	return nil
}

func (t *Transport) IncomingDigests() <-chan transport.IncomingDigest { return t.digests }
func (t *Transport) IncomingEvents() <-chan transport.IncomingEvents  { return t.events }

func (t *Transport) DiscoverPeers(_ context.Context) ([]model.TransportPeer, error) {
	// Plain TCP has no discovery mechanism of its own; peers are configured
	// out of band (AddPeer) or learned from a prior digest's From.
	return nil, nil
}

func (t *Transport) IsPeerReachable(ctx context.Context, peer model.TransportPeer) bool {
	tctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := t.dialOrGetCtx(tctx, peer.Address)
	return err == nil
}

func (t *Transport) dialOrGet(addr model.TransportAddress) (*conn, error) {
	return t.dialOrGetCtx(context.Background(), addr)
}

func (t *Transport) dialOrGetCtx(ctx context.Context, addr model.TransportAddress) (*conn, error) {
	t.connMu.Lock()
	if c, ok := t.conns[addr]; ok {
		t.connMu.Unlock()
		return c, nil
	}
	t.connMu.Unlock()

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", string(addr))
	if err != nil {
		return nil, gerrors.NewTransportError(fmt.Errorf("dial %s: %w", addr, err))
	}

	c := &conn{nc: nc}
	t.connMu.Lock()
	t.conns[addr] = c
	t.connMu.Unlock()

	t.wg.Add(1)
	go t.readLoop(c)
	return c, nil
}

func (t *Transport) readLoop(c *conn) {
	defer t.wg.Done()
	defer c.nc.Close()
	defer t.forgetConn(c)

	r := bufio.NewReader(c.nc)
	for {
		env, err := readEnvelope(r)
		if err != nil {
			return
		}

		switch env.Type {
		case envDigest:
			respond := func(ctx context.Context, resp *model.DigestResponse) error {
				return writeEnvelope(c, envelope{Type: envDigestResponse, ID: env.ID, From: t.self, DigestResponse: resp})
			}
			select {
			case t.digests <- transport.IncomingDigest{From: env.From, Digest: env.Digest, Respond: respond}:
			case <-t.stopCh:
				return
			}
		case envDigestResponse:
			t.pendingMu.Lock()
			ch, ok := t.pending[env.ID]
			t.pendingMu.Unlock()
			if ok {
				select {
				case ch <- env.DigestResponse:
				default:
				}
			}
		case envEvents:
			select {
			case t.events <- transport.IncomingEvents{From: env.From, Message: env.Events}:
			case <-t.stopCh:
				return
			}
		}
	}
}

func (t *Transport) forgetConn(c *conn) {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	for addr, existing := range t.conns {
		if existing == c {
			delete(t.conns, addr)
		}
	}
}

func writeEnvelope(c *conn, env envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(body)))
	if _, err := c.nc.Write(length[:]); err != nil {
		return err
	}
	_, err = c.nc.Write(body)
	return err
}

func readEnvelope(r *bufio.Reader) (*envelope, error) {
	var length [4]byte
	if _, err := readFull(r, length[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds the %d byte limit", n, maxFrameBytes)
	}
	body := make([]byte, n)
	if _, err := readFull(r, body); err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// connRateLimiter bounds inbound connection acceptance per source address,
// applying a per-client token bucket to raw accepted sockets rather than
// HTTP requests.
type connRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	perSecond rate.Limit
	burst     int
}

func newConnRateLimiter(perSecond rate.Limit, burst int) *connRateLimiter {
	return &connRateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		perSecond: perSecond,
		burst:     burst,
	}
}

func (r *connRateLimiter) allow(key string) bool {
	key = strings.TrimSpace(key)
	r.mu.Lock()
	limiter, ok := r.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(r.perSecond, r.burst)
		r.limiters[key] = limiter
	}
	r.mu.Unlock()
	return limiter.Allow()
}

var _ transport.Transport = (*Transport)(nil)
