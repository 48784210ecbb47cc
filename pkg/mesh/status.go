package mesh

import (
	"slices"
	"strings"
	"time"

	"github.com/andydunstall/mesh/pkg/directory"
	"github.com/andydunstall/mesh/pkg/gossip"
	"github.com/andydunstall/mesh/pkg/hierarchy"
)

// TierStatus is the state of a single tier.
type TierStatus struct {
	Tier string `json:"tier" yaml:"tier"`

	gossip.VersionedState `json:",inline" yaml:",inline"`

	LastConverged time.Time `json:"last_converged" yaml:"last_converged"`
}

// NodeStatus describes the local node and the state of each tier.
type NodeStatus struct {
	ID     string       `json:"id" yaml:"id"`
	Addr   string       `json:"addr" yaml:"addr"`
	Region string       `json:"region,omitempty" yaml:"region,omitempty"`
	Peers  int          `json:"peers" yaml:"peers"`
	Tiers  []TierStatus `json:"tiers" yaml:"tiers"`
}

// PeerStatus is a peer's directory record and its partner selection weight.
type PeerStatus struct {
	directory.PeerRecord `json:",inline" yaml:",inline"`

	Weight float64 `json:"weight" yaml:"weight"`
}

func (n *Node) Status() NodeStatus {
	status := NodeStatus{
		ID:     n.ID(),
		Addr:   n.Addr(),
		Region: n.conf.Region,
		Peers:  n.directory.Len(),
	}
	for tier, engine := range n.engines {
		status.Tiers = append(status.Tiers, TierStatus{
			Tier:           tier,
			VersionedState: engine.CurrentState(),
			LastConverged:  engine.LastConverged(),
		})
	}
	// Edge first, then region and global.
	order := map[string]int{
		hierarchy.TierEdge:   0,
		hierarchy.TierRegion: 1,
		hierarchy.TierGlobal: 2,
	}
	slices.SortFunc(status.Tiers, func(a, b TierStatus) int {
		return order[a.Tier] - order[b.Tier]
	})
	return status
}

// Peers returns the status of every known peer ordered by ID.
func (n *Node) Peers() []PeerStatus {
	records := n.directory.Records()
	peers := make([]PeerStatus, 0, len(records))
	for _, rec := range records {
		peers = append(peers, PeerStatus{
			PeerRecord: rec,
			Weight:     n.topology.Weight(rec.ID),
		})
	}
	slices.SortFunc(peers, func(a, b PeerStatus) int {
		return strings.Compare(a.ID, b.ID)
	})
	return peers
}

// Peer returns the status of the peer with the given ID.
func (n *Node) Peer(id string) (PeerStatus, bool) {
	rec, ok := n.directory.Lookup(id)
	if !ok {
		return PeerStatus{}, false
	}
	return PeerStatus{
		PeerRecord: rec,
		Weight:     n.topology.Weight(id),
	}, true
}
