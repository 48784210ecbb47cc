package gossip

import (
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"

	"github.com/andydunstall/mesh/pkg/crdt"
)

// VersionedState is an immutable snapshot of the converged payload.
type VersionedState struct {
	// VersionVector maps each replica to the highest contiguous counter
	// applied from it.
	VersionVector map[string]uint64 `json:"version_vector" yaml:"version_vector"`

	Payload crdt.Payload `json:"-" yaml:"-"`

	// Digest is the content hash of Payload.
	Digest crdt.Digest `json:"digest" yaml:"digest"`

	// Round is the number of gossip rounds completed.
	Round uint64 `json:"round" yaml:"round"`

	// Provisional is true if local updates were accepted while partitioned
	// and the state has not been reconciled since.
	Provisional bool `json:"provisional" yaml:"provisional"`
}

type action int

const (
	actionSkip action = iota
	actionApply
	// actionCompact replaces retained contributions with a compacted
	// contribution whose data has already been merged.
	actionCompact
)

// versionedState is the engine's mutable state. It is not thread safe.
type versionedState struct {
	typ crdt.Type

	vv      map[string]uint64
	payload crdt.Payload
	digest  crdt.Digest

	// log contains the retained contributions of each replica, ordered by
	// counter. Together they cover every counter from 1 to vv[replica].
	log    map[string][]*Contribution
	logLen int

	round       uint64
	provisional bool
}

func newVersionedState(typ crdt.Type) (*versionedState, error) {
	payload := typ.Empty()
	digest, err := crdt.DigestOf(payload)
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	return &versionedState{
		typ:     typ,
		vv:      make(map[string]uint64),
		payload: payload,
		digest:  digest,
		log:     make(map[string][]*Contribution),
	}, nil
}

func (s *versionedState) Snapshot() VersionedState {
	return VersionedState{
		VersionVector: maps.Clone(s.vv),
		Payload:       s.payload,
		Digest:        s.digest,
		Round:         s.round,
		Provisional:   s.provisional,
	}
}

// Classify returns how the contribution would change the state.
func (s *versionedState) Classify(c *Contribution) action {
	cur := s.vv[c.Replica()]
	if c.Counter > cur {
		if c.First <= cur+1 {
			return actionApply
		}
		// A gap, so wait for the missing contributions.
		return actionSkip
	}

	subsumed := 0
	for _, r := range s.log[c.Replica()] {
		if r.First >= c.First && r.Counter <= c.Counter {
			subsumed++
		}
	}
	if subsumed > 1 {
		return actionCompact
	}
	return actionSkip
}

// Apply merges the contribution, whose signature must already be verified,
// or replaces the retained contributions it subsumes. Returns whether the
// payload changed.
func (s *versionedState) Apply(c *Contribution) (bool, error) {
	switch s.Classify(c) {
	case actionApply:
		delta, err := s.typ.Unmarshal(c.Data)
		if err != nil {
			return false, fmt.Errorf("%w: unmarshal: %w", ErrInvalidContribution, err)
		}
		if err := s.merge(delta); err != nil {
			return false, err
		}
		s.vv[c.Replica()] = c.Counter
		s.retain(c)
		return true, nil
	case actionCompact:
		s.retain(c)
		return false, nil
	default:
		return false, nil
	}
}

// Commit applies a local contribution whose data has already been merged
// into payload.
func (s *versionedState) Commit(c *Contribution, payload crdt.Payload, digest crdt.Digest) {
	s.payload = payload
	s.digest = digest
	s.vv[c.Replica()] = c.Counter
	s.retain(c)
}

// Delta returns the retained contributions the remote with the given version
// vector is missing, ordered by counter within each replica. Replicas are in
// random order so a truncated delta does not always favour the same replicas.
//
// If complete is false the remote version vector may be truncated, so
// replicas without an entry are unknown and skipped. Otherwise the remote
// has nothing from them.
func (s *versionedState) Delta(remote map[string]uint64, complete bool) []*Contribution {
	replicas := slices.Collect(maps.Keys(s.log))
	rand.Shuffle(len(replicas), func(i, j int) {
		replicas[i], replicas[j] = replicas[j], replicas[i]
	})

	var delta []*Contribution
	for _, replica := range replicas {
		have, ok := remote[replica]
		if !ok && !complete {
			continue
		}
		if have >= s.vv[replica] {
			continue
		}
		for _, c := range s.log[replica] {
			if c.Counter > have {
				delta = append(delta, c)
			}
		}
	}
	return delta
}

// Missing returns whether the remote version vector contains contributions
// the local state has not applied. Replicas without a remote entry are
// unknown rather than missing.
func (s *versionedState) Missing(remote map[string]uint64) bool {
	for replica, counter := range remote {
		if counter > s.vv[replica] {
			return true
		}
	}
	return false
}

// Entries returns the local version vector entries. Replicas where the given
// remote version vector is ahead come first, including those with no local
// entry as a zero entry, followed by the rest in random order.
func (s *versionedState) Entries(remote map[string]uint64) []versionEntry {
	entries := make([]versionEntry, 0, len(s.vv))
	for replica, counter := range remote {
		if counter > s.vv[replica] {
			entries = append(entries, versionEntry{
				Replica: replica,
				Counter: s.vv[replica],
			})
		}
	}
	behind := len(entries)

	for replica, counter := range s.vv {
		if remote[replica] > counter {
			continue
		}
		entries = append(entries, versionEntry{
			Replica: replica,
			Counter: counter,
		})
	}
	rand.Shuffle(len(entries)-behind, func(i, j int) {
		entries[behind+i], entries[behind+j] = entries[behind+j], entries[behind+i]
	})
	return entries
}

// Contributions returns the retained contributions of the given replica.
func (s *versionedState) Contributions(replica string) []*Contribution {
	return s.log[replica]
}

func (s *versionedState) LogLen() int {
	return s.logLen
}

func (s *versionedState) merge(delta crdt.Payload) error {
	merged, err := s.payload.Merge(delta)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	digest, err := crdt.DigestOf(merged)
	if err != nil {
		return fmt.Errorf("digest: %w", err)
	}
	s.payload = merged
	s.digest = digest
	return nil
}

// retain adds c to the log, removing any contributions it subsumes.
func (s *versionedState) retain(c *Contribution) {
	replica := c.Replica()
	log := s.log[replica]
	before := len(log)
	log = slices.DeleteFunc(log, func(r *Contribution) bool {
		return r.First >= c.First && r.Counter <= c.Counter
	})
	i, _ := slices.BinarySearchFunc(log, c.Counter, func(r *Contribution, counter uint64) int {
		switch {
		case r.Counter < counter:
			return -1
		case r.Counter > counter:
			return 1
		default:
			return 0
		}
	})
	log = slices.Insert(log, i, c)
	s.log[replica] = log
	s.logLen += len(log) - before
}

// Compact merges runs of consecutive retained contributions of the given
// replica into single contributions created by sign. The data of a merged
// contribution never exceeds budget bytes, so when the retained data is too
// large it is compacted into several contributions rather than one covering
// every counter from 1.
func (s *versionedState) Compact(
	replica string,
	budget int,
	sign func(first, counter uint64, data []byte) *Contribution,
) error {
	log := s.log[replica]
	if len(log) < 2 {
		return nil
	}

	var compacted []*Contribution
	var run []*Contribution
	var merged crdt.Payload
	var data []byte
	flush := func() {
		if len(run) > 1 {
			compacted = append(compacted, sign(run[0].First, run[len(run)-1].Counter, data))
		}
		run = run[:0]
	}
	for _, c := range log {
		delta, err := s.typ.Unmarshal(c.Data)
		if err != nil {
			return fmt.Errorf("unmarshal: %w", err)
		}
		if len(run) == 0 {
			merged, data = delta, c.Data
			run = append(run, c)
			continue
		}

		next, err := merged.Merge(delta)
		if err != nil {
			return fmt.Errorf("merge: %w", err)
		}
		nextData, err := next.MarshalBinary()
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		if len(nextData) > budget {
			flush()
			merged, data = delta, c.Data
			run = append(run, c)
			continue
		}
		merged, data = next, nextData
		run = append(run, c)
	}
	flush()

	for _, c := range compacted {
		s.retain(c)
	}
	return nil
}
