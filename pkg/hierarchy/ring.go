package hierarchy

import (
	"encoding/binary"
	"slices"
	"sort"

	"github.com/cespare/xxhash/v2"
)

const defaultVirtualNodes = 16

// ring is a consistent hash ring mapping keys to peer IDs.
//
// Each peer owns a number of virtual nodes so keys are spread evenly, and
// adding or removing a peer only moves the keys owned by that peer.
type ring struct {
	virtualNodes int

	// points contains the sorted hashes of every virtual node.
	points []uint64
	// owners maps each point to the owning peer ID.
	owners map[uint64]string
	peers  map[string]struct{}
}

func newRing(virtualNodes int) *ring {
	if virtualNodes <= 0 {
		virtualNodes = defaultVirtualNodes
	}
	return &ring{
		virtualNodes: virtualNodes,
		owners:       make(map[uint64]string),
		peers:        make(map[string]struct{}),
	}
}

func (r *ring) Add(peerID string) {
	if _, ok := r.peers[peerID]; ok {
		return
	}
	r.peers[peerID] = struct{}{}

	for i := 0; i != r.virtualNodes; i++ {
		pt := xxhash.Sum64(pointKey(peerID, i))
		// On a collision the lowest ID owns the point so every peer builds
		// the same ring regardless of insertion order.
		if owner, ok := r.owners[pt]; ok {
			if owner > peerID {
				r.owners[pt] = peerID
			}
			continue
		}
		r.owners[pt] = peerID
		r.points = append(r.points, pt)
	}
	slices.Sort(r.points)
}

func (r *ring) Remove(peerID string) {
	if _, ok := r.peers[peerID]; !ok {
		return
	}
	delete(r.peers, peerID)

	// Rebuild from the remaining peers, which also restores points whose
	// owner was removed after a collision.
	r.points = r.points[:0]
	clear(r.owners)
	peers := r.peers
	r.peers = make(map[string]struct{}, len(peers))
	for id := range peers {
		r.Add(id)
	}
}

func (r *ring) Len() int {
	return len(r.peers)
}

// Lookup returns the owner of the key, or false if the ring is empty.
func (r *ring) Lookup(key string) (string, bool) {
	owners := r.LookupN(key, 1)
	if len(owners) == 0 {
		return "", false
	}
	return owners[0], true
}

// LookupN returns up to n distinct owners of the key in ring order, so if the
// first owner is unavailable the next takes over.
func (r *ring) LookupN(key string, n int) []string {
	if len(r.points) == 0 || n <= 0 {
		return nil
	}

	h := xxhash.Sum64String(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}

	seen := make(map[string]struct{}, n)
	owners := make([]string, 0, n)
	for i := 0; i != len(r.points) && len(owners) < n; i++ {
		id := r.owners[r.points[(idx+i)%len(r.points)]]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		owners = append(owners, id)
	}
	return owners
}

func pointKey(peerID string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(peerID), buf[:]...)
}
