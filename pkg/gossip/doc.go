// Package gossip converges a shared CRDT payload across the mesh using
// anti-entropy.
//
// Each update is a contribution signed by the peer that made it (its origin)
// and numbered by a per-origin counter. A peer's version vector holds the
// highest contiguous counter applied for each origin, so two peers can
// exchange version vectors to find exactly the contributions the other is
// missing. Since contributions are signed by their origin, a relay cannot
// forge or alter another peer's update.
//
// Each round the engine pushes its version vector, digest and a delta to a
// few partners, and pulls from partners that advertise contributions it is
// missing. The local payload only ever grows by merge, so peers that have
// applied the same contributions have equal digests.
//
// Every message fits in a single packet. A version vector too large to send
// whole is sampled, and a peer then treats replicas missing from the sample
// as unknown rather than empty.
package gossip
