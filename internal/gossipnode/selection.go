package gossipnode

import (
	"math/rand"
	"sort"

	"github.com/ruvnet/gossiped/internal/config"
	"github.com/ruvnet/gossiped/internal/model"
)

// selectPeers picks min(fanout, len(candidates)) peers according to the
// node's configured strategy. Callers must hold n.mu for reading the peer
// bookkeeping this depends on (lastContactTimes, reliability, cursor).
func (n *GossipNode) selectPeers(candidates []model.Peer, fanout int) []model.Peer {
	if fanout > len(candidates) {
		fanout = len(candidates)
	}
	if fanout <= 0 {
		return nil
	}

	switch n.cfg.PeerSelectionStrategy {
	case config.RoundRobin:
		return n.selectRoundRobin(candidates, fanout)
	case config.LeastRecentlyContacted:
		return n.selectLeastRecentlyContacted(candidates, fanout)
	case config.MostReliable:
		return n.selectMostReliable(candidates, fanout)
	default:
		return n.selectRandom(candidates, fanout)
	}
}

func (n *GossipNode) selectRandom(candidates []model.Peer, fanout int) []model.Peer {
	shuffled := make([]model.Peer, len(candidates))
	copy(shuffled, candidates)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:fanout]
}

func (n *GossipNode) selectRoundRobin(candidates []model.Peer, fanout int) []model.Peer {
	sorted := make([]model.Peer, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].NodeID < sorted[j].NodeID })

	out := make([]model.Peer, 0, fanout)
	n_ := len(sorted)
	for i := 0; i < fanout; i++ {
		out = append(out, sorted[(n.roundRobinCursor+i)%n_])
	}
	n.roundRobinCursor = (n.roundRobinCursor + fanout) % n_
	return out
}

func (n *GossipNode) selectLeastRecentlyContacted(candidates []model.Peer, fanout int) []model.Peer {
	sorted := make([]model.Peer, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		ti := n.lastContactTimes[sorted[i].NodeID]
		tj := n.lastContactTimes[sorted[j].NodeID]
		return ti.Before(tj)
	})
	return sorted[:fanout]
}

func (n *GossipNode) selectMostReliable(candidates []model.Peer, fanout int) []model.Peer {
	sorted := make([]model.Peer, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return n.reliability[sorted[i].NodeID] > n.reliability[sorted[j].NodeID]
	})
	return sorted[:fanout]
}

const (
	reliabilityInitial = 100
	reliabilityMin     = 0
	reliabilityMax     = 100
	reliabilitySuccess = 1
	reliabilityFailure = -5
)

// clampReliability bounds a score to [reliabilityMin, reliabilityMax].
func clampReliability(score int) int {
	if score < reliabilityMin {
		return reliabilityMin
	}
	if score > reliabilityMax {
		return reliabilityMax
	}
	return score
}
