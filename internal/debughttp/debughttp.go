// Package debughttp exposes a small read-only introspection surface over a
// running GossipNode: a struct wrapping the dependency it reports on,
// routed with gorilla/mux, writing plain JSON responses.
package debughttp

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ruvnet/gossiped/internal/gossipnode"
)

// Handlers serves read-only diagnostics for a GossipNode: its known peers,
// its vector clock, and a bounded ring of recent exchange results.
type Handlers struct {
	node   *gossipnode.GossipNode
	logger *zap.Logger

	mu      sync.Mutex
	history []gossipnode.ExchangeResult
	maxHist int
}

// New wraps node. Call Watch to start recording exchange history before
// mounting the handlers' routes.
func New(node *gossipnode.GossipNode, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{node: node, logger: logger, maxHist: 100}
}

// Watch subscribes to the node's exchange results and records them until
// the channel closes (on node Shutdown).
func (h *Handlers) Watch() {
	ch := h.node.GossipExchange()
	go func() {
		for result := range ch {
			h.mu.Lock()
			h.history = append(h.history, result)
			if len(h.history) > h.maxHist {
				h.history = h.history[len(h.history)-h.maxHist:]
			}
			h.mu.Unlock()
		}
	}()
}

// Register mounts every debug route on router.
func (h *Handlers) Register(router *mux.Router) {
	router.HandleFunc("/debug/gossip/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/debug/gossip/peers", h.Peers).Methods(http.MethodGet)
	router.HandleFunc("/debug/gossip/clock", h.VectorClock).Methods(http.MethodGet)
	router.HandleFunc("/debug/gossip/exchanges", h.Exchanges).Methods(http.MethodGet)
}

type healthResponse struct {
	Status        string `json:"status"`
	Initialized   bool   `json:"initialized"`
	Gossiping     bool   `json:"gossiping"`
	CheckedAt     time.Time `json:"checkedAt"`
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Initialized: h.node.IsInitialized(),
		Gossiping:   h.node.IsGossiping(),
		CheckedAt:   time.Now(),
	}
	writeJSON(w, h.logger, resp)
}

func (h *Handlers) Peers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, h.node.Peers())
}

func (h *Handlers) VectorClock(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, h.node.VectorClock())
}

func (h *Handlers) Exchanges(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	out := make([]gossipnode.ExchangeResult, len(h.history))
	copy(out, h.history)
	h.mu.Unlock()
	writeJSON(w, h.logger, out)
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode debug response", zap.Error(err))
	}
}
