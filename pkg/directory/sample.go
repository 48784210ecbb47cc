package directory

import (
	"container/heap"
	"math"
	"math/rand/v2"
	"time"
)

const (
	// HybridNearestFraction is the fraction of a hybrid sample drawn from
	// the nearest peers. The remainder is drawn uniformly at random.
	HybridNearestFraction = 0.8

	// scanThreshold is the directory size below which sampling scans every
	// record rather than sampling by index.
	scanThreshold = 256
)

// SampleRandom returns up to k distinct peers chosen uniformly at random
// from the eligible peers.
func (d *Directory) SampleRandom(k int) []PeerRecord {
	return d.SampleRandomWhere(k, nil)
}

// SampleRandomWhere returns up to k distinct peers chosen uniformly at random
// from the eligible peers matching pred. A nil pred matches every peer.
//
// pred is called with a shard lock held so must not call back into the
// directory.
func (d *Directory) SampleRandomWhere(k int, pred func(rec *PeerRecord) bool) []PeerRecord {
	if k <= 0 {
		return nil
	}
	accept := func(rec *PeerRecord) bool {
		return rec.Eligible() && (pred == nil || pred(rec))
	}

	n := d.Len()
	if n == 0 {
		return nil
	}
	if n <= scanThreshold || n <= 4*k {
		return d.sampleScan(k, accept)
	}

	if sample, ok := d.sampleIndex(k, accept); ok {
		return sample
	}
	// The predicate rejects too many peers to sample by index.
	return d.sampleScan(k, accept)
}

// SampleNearest returns up to k eligible peers with the lowest latency.
// Peers that have not been probed sort last.
func (d *Directory) SampleNearest(k int) []PeerRecord {
	return d.SampleNearestWhere(k, nil)
}

// SampleHybrid returns up to k eligible peers, where HybridNearestFraction
// of the peers are the nearest by latency and the rest are random.
func (d *Directory) SampleHybrid(k int) []PeerRecord {
	if k <= 0 {
		return nil
	}
	nearestK := int(math.Ceil(HybridNearestFraction * float64(k)))
	nearest := d.SampleNearest(nearestK)

	selected := make(map[string]struct{}, k)
	for _, rec := range nearest {
		selected[rec.ID] = struct{}{}
	}
	random := d.SampleRandomWhere(k-len(nearest), func(rec *PeerRecord) bool {
		_, ok := selected[rec.ID]
		return !ok
	})
	return append(nearest, random...)
}

// sampleIndex samples by picking random positions across the shards,
// rejecting ineligible and duplicate peers. Returns false if it fails to
// find k peers within the attempt budget.
func (d *Directory) sampleIndex(k int, accept func(rec *PeerRecord) bool) ([]PeerRecord, bool) {
	var (
		lens  [numShards]int
		total int
	)
	for i, s := range d.shards {
		s.mu.RLock()
		lens[i] = len(s.peers)
		s.mu.RUnlock()
		total += lens[i]
	}
	if total == 0 {
		return nil, false
	}

	sample := make([]PeerRecord, 0, k)
	seen := make(map[string]struct{}, k)
	maxAttempts := 16*k + 64
	for attempt := 0; attempt != maxAttempts && len(sample) < k; attempt++ {
		pos := rand.IntN(total)
		shardIndex := 0
		for pos >= lens[shardIndex] {
			pos -= lens[shardIndex]
			shardIndex++
		}

		s := d.shards[shardIndex]
		s.mu.RLock()
		if pos >= len(s.peers) {
			// The shard shrunk since taking the snapshot.
			s.mu.RUnlock()
			continue
		}
		rec := s.peers[pos]
		s.mu.RUnlock()

		if _, ok := seen[rec.ID]; ok {
			continue
		}
		if !accept(&rec) {
			continue
		}
		seen[rec.ID] = struct{}{}
		sample = append(sample, rec)
	}
	return sample, len(sample) == k
}

// sampleScan reservoir samples k peers from every accepted record.
func (d *Directory) sampleScan(k int, accept func(rec *PeerRecord) bool) []PeerRecord {
	sample := make([]PeerRecord, 0, k)
	seen := 0
	d.each(func(rec *PeerRecord) {
		if !accept(rec) {
			return
		}
		seen++
		if len(sample) < k {
			sample = append(sample, *rec)
			return
		}
		if j := rand.IntN(seen); j < k {
			sample[j] = *rec
		}
	})
	rand.Shuffle(len(sample), func(i, j int) {
		sample[i], sample[j] = sample[j], sample[i]
	})
	return sample
}

// SampleNearestWhere returns up to k eligible peers matching pred with the
// lowest latency.
func (d *Directory) SampleNearestWhere(k int, pred func(rec *PeerRecord) bool) []PeerRecord {
	if k <= 0 {
		return nil
	}

	h := &latencyHeap{}
	d.each(func(rec *PeerRecord) {
		if !rec.Eligible() || (pred != nil && !pred(rec)) {
			return
		}
		if h.Len() < k {
			heap.Push(h, *rec)
			return
		}
		if closer(rec, &(*h)[0]) {
			(*h)[0] = *rec
			heap.Fix(h, 0)
		}
	})

	nearest := make([]PeerRecord, h.Len())
	for i := len(nearest) - 1; i >= 0; i-- {
		nearest[i] = heap.Pop(h).(PeerRecord)
	}
	return nearest
}

func sortLatency(rec *PeerRecord) time.Duration {
	if rec.Latency == 0 {
		return time.Duration(math.MaxInt64)
	}
	return rec.Latency
}

// closer returns whether a is nearer than b, breaking ties by ID.
func closer(a, b *PeerRecord) bool {
	la, lb := sortLatency(a), sortLatency(b)
	if la != lb {
		return la < lb
	}
	return a.ID < b.ID
}

// latencyHeap is a max-heap on latency, so the root is the furthest of the
// nearest peers found so far.
type latencyHeap []PeerRecord

func (h latencyHeap) Len() int { return len(h) }

func (h latencyHeap) Less(i, j int) bool { return closer(&h[j], &h[i]) }

func (h latencyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *latencyHeap) Push(x any) { *h = append(*h, x.(PeerRecord)) }

func (h *latencyHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
