// Package hierarchy scales gossip to large meshes by aggregating state through
// tiers.
//
// Once the mesh grows past the activation threshold, edge nodes only gossip
// with nodes in their own region. Each region elects a representative that
// also gossips with the representatives of the other regions in the region
// tier, and relays state between the two tiers. Optionally regions are
// grouped, where each group elects a representative to gossip in the global
// tier.
//
// Representatives are elected with a consistent hash ring over the eligible
// and reachable members of each region. Every node computes the election
// from its own directory, so nodes agree on the representative once their
// directories converge, and if a representative becomes unreachable the next
// owner on the ring takes over.
package hierarchy

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/andydunstall/mesh/pkg/directory"
	"github.com/andydunstall/mesh/pkg/gossip"
	"github.com/andydunstall/mesh/pkg/log"
	"github.com/andydunstall/mesh/pkg/topology"
)

const (
	TierEdge   = "edge"
	TierRegion = "region"
	TierGlobal = "global"
)

// Directory is the subset of the peer directory the elector uses.
type Directory interface {
	Len() int
	Records() []directory.PeerRecord
}

var _ Directory = (*directory.Directory)(nil)

// Partners selects edge tier gossip partners.
type Partners interface {
	Partners(k int) []directory.PeerRecord
	PartnersWhere(k int, pred func(rec *directory.PeerRecord) bool) []directory.PeerRecord
}

var _ Partners = (*topology.Manager)(nil)

// Election is the result of electing representatives.
type Election struct {
	// Active is true if the mesh is gossiping hierarchically.
	Active bool `json:"active" yaml:"active"`

	Region string `json:"region" yaml:"region"`

	// Regions maps each known region to its representative.
	Regions map[string]directory.PeerRecord `json:"regions" yaml:"regions"`

	// Groups maps each region group to its representative. Empty if the
	// global tier is disabled.
	Groups map[int]directory.PeerRecord `json:"groups,omitempty" yaml:"groups,omitempty"`

	ElectedAt time.Time `json:"elected_at" yaml:"elected_at"`
}

// RegionRepresentative returns the ID of the local region's representative.
func (e *Election) RegionRepresentative() string {
	return e.Regions[e.Region].ID
}

// Elector elects the representatives of each region and group, and selects
// the gossip partners of each tier.
type Elector struct {
	self      directory.PeerRecord
	directory Directory
	partners  Partners

	election Election
	mu       sync.RWMutex

	conf Config

	now     func() time.Time
	metrics *Metrics
	logger  log.Logger
}

// NewElector creates an elector for the local node described by self, which
// must include the local ID and region.
func NewElector(
	self directory.PeerRecord,
	dir Directory,
	partners Partners,
	conf Config,
	opts ...Option,
) *Elector {
	options := options{
		now:    time.Now,
		logger: log.NewNopLogger(),
	}
	for _, o := range opts {
		o.apply(&options)
	}

	return &Elector{
		self:      self,
		directory: dir,
		partners:  partners,
		election: Election{
			Region: self.Region,
			Regions: map[string]directory.PeerRecord{
				self.Region: self,
			},
		},
		conf:    conf,
		now:     options.now,
		metrics: newMetrics(),
		logger:  options.logger.WithSubsystem("hierarchy"),
	}
}

// Active returns whether the mesh is large enough to gossip hierarchically.
func (e *Elector) Active() bool {
	return e.directory.Len() > e.conf.ActivationThreshold
}

// Elect recomputes the representatives from the directory.
func (e *Elector) Elect() Election {
	return e.ElectAt(e.now())
}

// ElectAt recomputes the representatives from the directory, only
// considering peers seen within the liveness window of now.
func (e *Elector) ElectAt(now time.Time) Election {
	members := map[string]*ring{
		e.self.Region: newRing(0),
	}
	members[e.self.Region].Add(e.self.ID)
	records := map[string]directory.PeerRecord{
		e.self.ID: e.self,
	}

	for _, rec := range e.directory.Records() {
		if !rec.Eligible() || !rec.Reachable(now, e.conf.LivenessWindow) {
			continue
		}
		r, ok := members[rec.Region]
		if !ok {
			r = newRing(0)
			members[rec.Region] = r
		}
		r.Add(rec.ID)
		records[rec.ID] = rec
	}

	election := Election{
		Active:    e.Active(),
		Region:    e.self.Region,
		Regions:   make(map[string]directory.PeerRecord, len(members)),
		ElectedAt: now,
	}
	for region, r := range members {
		id, _ := r.Lookup(region)
		election.Regions[region] = records[id]
	}

	if e.conf.GlobalRegions > 0 {
		groups := make(map[int]*ring)
		for region, rep := range election.Regions {
			g := e.group(region)
			r, ok := groups[g]
			if !ok {
				r = newRing(0)
				groups[g] = r
			}
			r.Add(rep.ID)
		}
		election.Groups = make(map[int]directory.PeerRecord, len(groups))
		for g, r := range groups {
			id, _ := r.Lookup(groupKey(g))
			election.Groups[g] = records[id]
		}
	}

	e.mu.Lock()
	prev := e.election
	e.election = election
	e.mu.Unlock()

	if prev.RegionRepresentative() != election.RegionRepresentative() {
		e.logger.Info(
			"region representative changed",
			zap.String("region", election.Region),
			zap.String("prev", prev.RegionRepresentative()),
			zap.String("representative", election.RegionRepresentative()),
		)
	}

	active := 0.0
	if election.Active {
		active = 1
	}
	e.metrics.Active.Set(active)
	e.metrics.Regions.Set(float64(len(election.Regions)))
	representative := 0.0
	if e.isRegionRepresentative(&election) {
		representative = 1
	}
	if e.isGroupRepresentative(&election) {
		representative = 2
	}
	e.metrics.Representative.Set(representative)

	return election
}

// Election returns the result of the last election.
func (e *Elector) Election() Election {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.election
}

// IsRegionRepresentative returns whether the local node represents its
// region in the last election.
func (e *Elector) IsRegionRepresentative() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRegionRepresentative(&e.election)
}

// IsGroupRepresentative returns whether the local node represents its region
// group in the last election.
func (e *Elector) IsGroupRepresentative() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isGroupRepresentative(&e.election)
}

// EdgeSelector returns the partner selector of the edge tier, which only
// selects peers in the local region while active.
func (e *Elector) EdgeSelector() gossip.PartnerSelector {
	return gossip.PartnerSelectorFunc(func(k int) []directory.PeerRecord {
		if !e.Active() {
			return e.partners.Partners(k)
		}
		return e.partners.PartnersWhere(k, func(rec *directory.PeerRecord) bool {
			return rec.Region == e.self.Region
		})
	})
}

// RegionSelector returns the partner selector of the region tier, which
// selects the representatives of other regions when the local node is a
// region representative.
func (e *Elector) RegionSelector() gossip.PartnerSelector {
	return gossip.PartnerSelectorFunc(func(k int) []directory.PeerRecord {
		e.mu.RLock()
		defer e.mu.RUnlock()

		if !e.election.Active || !e.isRegionRepresentative(&e.election) {
			return nil
		}
		reps := make([]directory.PeerRecord, 0, len(e.election.Regions))
		for region, rep := range e.election.Regions {
			if region == e.self.Region {
				continue
			}
			reps = append(reps, rep)
		}
		return sample(reps, k)
	})
}

// GlobalSelector returns the partner selector of the global tier, which
// selects the representatives of other region groups when the local node is
// a group representative.
func (e *Elector) GlobalSelector() gossip.PartnerSelector {
	return gossip.PartnerSelectorFunc(func(k int) []directory.PeerRecord {
		e.mu.RLock()
		defer e.mu.RUnlock()

		if !e.election.Active || !e.isGroupRepresentative(&e.election) {
			return nil
		}
		self := e.group(e.self.Region)
		reps := make([]directory.PeerRecord, 0, len(e.election.Groups))
		for g, rep := range e.election.Groups {
			if g == self {
				continue
			}
			reps = append(reps, rep)
		}
		return sample(reps, k)
	})
}

func (e *Elector) Metrics() *Metrics {
	return e.metrics
}

func (e *Elector) isRegionRepresentative(election *Election) bool {
	return election.RegionRepresentative() == e.self.ID
}

func (e *Elector) isGroupRepresentative(election *Election) bool {
	if e.conf.GlobalRegions == 0 {
		return false
	}
	rep, ok := election.Groups[e.group(e.self.Region)]
	return ok && rep.ID == e.self.ID
}

func (e *Elector) group(region string) int {
	return int(xxhash.Sum64String(region) % uint64(e.conf.GlobalRegions))
}

func groupKey(g int) string {
	return fmt.Sprintf("group-%d", g)
}

// sample returns up to k of the given records in a random order.
func sample(recs []directory.PeerRecord, k int) []directory.PeerRecord {
	rand.Shuffle(len(recs), func(i, j int) {
		recs[i], recs[j] = recs[j], recs[i]
	})
	if len(recs) > k {
		recs = recs[:k]
	}
	return recs
}
