package topology

import (
	"math"
	"sync"
	"time"
)

// arrivals records the intervals between the most recent messages from a
// peer.
type arrivals struct {
	last time.Time

	// ring holds up to cap(ring) intervals. next is the slot the next
	// interval overwrites once the ring is full.
	ring  []time.Duration
	next  int
	total time.Duration
}

func newArrivals(sampleSize int, first time.Time, bootstrap time.Duration) *arrivals {
	a := &arrivals{
		last: first,
		ring: make([]time.Duration, 0, sampleSize),
	}
	// Seed with a long interval so a peer is not suspected before there are
	// enough samples.
	a.push(bootstrap)
	return a
}

func (a *arrivals) Record(at time.Time) {
	if at.Before(a.last) {
		return
	}
	a.push(at.Sub(a.last))
	a.last = at
}

// Phi returns the suspicion level of the peer at the given time, which is
// -log10 of the probability that a message arrives later than 'at', assuming
// exponentially distributed inter-arrival times. So a phi of 1 means a 10%
// chance the peer is still sending, 2 a 1% chance and so on.
func (a *arrivals) Phi(at time.Time, minMean time.Duration) float64 {
	mean := a.mean()
	if mean < minMean {
		mean = minMean
	}
	if mean <= 0 {
		return 0
	}
	elapsed := at.Sub(a.last)
	if elapsed <= 0 {
		return 0
	}
	return float64(elapsed) / (float64(mean) * math.Ln10)
}

func (a *arrivals) push(interval time.Duration) {
	if len(a.ring) < cap(a.ring) {
		a.ring = append(a.ring, interval)
		a.total += interval
		return
	}
	a.total += interval - a.ring[a.next]
	a.ring[a.next] = interval
	a.next = (a.next + 1) % len(a.ring)
}

func (a *arrivals) mean() time.Duration {
	if len(a.ring) == 0 {
		return 0
	}
	return a.total / time.Duration(len(a.ring))
}

// failureDetector is a phi accrual failure detector over the messages
// received from each peer.
type failureDetector struct {
	peers map[string]*arrivals
	mu    sync.Mutex

	// bootstrap is the interval assumed before a peer's first arrival.
	bootstrap time.Duration
	// minMean bounds the mean interval from below, since peers send several
	// messages per round.
	minMean    time.Duration
	sampleSize int
}

func newFailureDetector(bootstrap, minMean time.Duration, sampleSize int) *failureDetector {
	return &failureDetector{
		peers:      make(map[string]*arrivals),
		bootstrap:  bootstrap,
		minMean:    minMean,
		sampleSize: sampleSize,
	}
}

// ReportAt records a message from the peer arrived at the given time.
func (d *failureDetector) ReportAt(peerID string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.peers[peerID]
	if !ok {
		d.peers[peerID] = newArrivals(d.sampleSize, at, d.bootstrap)
		return
	}
	a.Record(at)
}

// WatchAt starts tracking a peer that has not been heard from yet, such as
// when it is first probed, so its suspicion grows from the given time if it
// never replies.
func (d *failureDetector) WatchAt(peerID string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.peers[peerID]; !ok {
		d.peers[peerID] = newArrivals(d.sampleSize, at, d.bootstrap)
	}
}

// SuspicionLevelAt returns the phi of the peer at the given time, or 0 if the
// peer is not tracked.
func (d *failureDetector) SuspicionLevelAt(peerID string, at time.Time) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.peers[peerID]
	if !ok {
		return 0
	}
	return a.Phi(at, d.minMean)
}

// Retain discards the state of every peer for which keep returns false.
func (d *failureDetector) Retain(keep func(peerID string) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id := range d.peers {
		if !keep(id) {
			delete(d.peers, id)
		}
	}
}
