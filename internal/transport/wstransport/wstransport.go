// Package wstransport implements transport.Transport over WebSocket
// connections, multiplexing the engine's three exchange message types over
// a single connection per peer via a typed envelope.
package wstransport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ruvnet/gossiped/internal/gerrors"
	"github.com/ruvnet/gossiped/internal/model"
	"github.com/ruvnet/gossiped/internal/transport"
)

const wsPath = "/gossip/ws"

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

// Transport is a transport.Transport implementation over gorilla/websocket,
// with an HTTP server (gorilla/mux) accepting inbound upgrades and a dialer
// establishing outbound connections lazily on first send.
type Transport struct {
	self   model.TransportPeer
	logger *zap.Logger

	server   *http.Server
	upgrader websocket.Upgrader

	connMu sync.Mutex
	conns  map[model.TransportAddress]*wsConn

	pendingMu sync.Mutex
	pending   map[string]chan *model.DigestResponse

	digests chan transport.IncomingDigest
	events  chan transport.IncomingEvents

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// New returns a transport that will listen on addr's host:port and dial
// peers at ws://<peer.Address><wsPath>.
func New(addr model.TransportAddress, displayName string, logger *zap.Logger) *Transport {
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
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		conns:   make(map[model.TransportAddress]*wsConn),
		pending: make(map[string]chan *model.DigestResponse),
		digests: make(chan transport.IncomingDigest, 256),
		events:  make(chan transport.IncomingEvents, 256),
		stopCh:  make(chan struct{}),
	}
}

func (t *Transport) Initialize(_ context.Context) error {
	router := mux.NewRouter()
	router.HandleFunc(wsPath, t.handleUpgrade)

	t.server = &http.Server{Addr: string(t.self.Address), Handler: router}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("websocket listener stopped unexpectedly", zap.Error(err))
		}
	}()
	return nil
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	c, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	wc := &wsConn{conn: c}
	t.wg.Add(1)
	go t.readLoop(wc, "")
}

func (t *Transport) Shutdown(ctx context.Context) error {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		if t.server != nil {
			sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			t.server.Shutdown(sctx)
		}
		t.connMu.Lock()
		for _, c := range t.conns {
			c.conn.Close()
		}
		t.connMu.Unlock()
	})
	t.wg.Wait()
	close(t.digests)
	close(t.events)
	return nil
}

func (t *Transport) SendDigest(ctx context.Context, peer model.TransportPeer, digest *model.Digest, timeout time.Duration) (*model.DigestResponse, error) {
	c, err := t.dialOrGet(ctx, peer.Address)
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
	c, err := t.dialOrGet(ctx, peer.Address)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	defer c.conn.SetWriteDeadline(time.Time{})

	if err := writeEnvelope(c, envelope{Type: envEvents, From: t.self, Events: msg}); err != nil {
		return gerrors.NewTransportError(err)
	}
	return nil
}

func (t *Transport) IncomingDigests() <-chan transport.IncomingDigest { return t.digests }
func (t *Transport) IncomingEvents() <-chan transport.IncomingEvents  { return t.events }

func (t *Transport) DiscoverPeers(_ context.Context) ([]model.TransportPeer, error) {
	// No broadcast discovery mechanism over plain WebSocket; peers are
	// configured out of band or learned from an inbound digest's From.
	return nil, nil
}

func (t *Transport) IsPeerReachable(ctx context.Context, peer model.TransportPeer) bool {
	tctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := t.dialOrGet(tctx, peer.Address)
	return err == nil
}

func (t *Transport) dialOrGet(ctx context.Context, addr model.TransportAddress) (*wsConn, error) {
	t.connMu.Lock()
	if c, ok := t.conns[addr]; ok {
		t.connMu.Unlock()
		return c, nil
	}
	t.connMu.Unlock()

	url := fmt.Sprintf("ws://%s%s", addr, wsPath)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	c, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, gerrors.NewTransportError(fmt.Errorf("dial %s: %w", addr, err))
	}

	wc := &wsConn{conn: c}
	t.connMu.Lock()
	t.conns[addr] = wc
	t.connMu.Unlock()

	t.wg.Add(1)
	go t.readLoop(wc, addr)
	return wc, nil
}

func (t *Transport) readLoop(c *wsConn, dialedAddr model.TransportAddress) {
	defer t.wg.Done()
	defer c.conn.Close()
	defer t.forgetConn(c, dialedAddr)

	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case envDigest:
			respond := func(_ context.Context, resp *model.DigestResponse) error {
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

func (t *Transport) forgetConn(c *wsConn, dialedAddr model.TransportAddress) {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if dialedAddr != "" {
		delete(t.conns, dialedAddr)
		return
	}
	for addr, existing := range t.conns {
		if existing == c {
			delete(t.conns, addr)
		}
	}
}

func writeEnvelope(c *wsConn, env envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

var _ transport.Transport = (*Transport)(nil)
