package gossip

import (
	"errors"
	"fmt"

	"github.com/andydunstall/mesh/pkg/crdt"
)

var (
	// ErrMergeIncompatiblePayload is returned when a payload type violates
	// the join-semilattice laws the engine depends on for convergence.
	ErrMergeIncompatiblePayload = errors.New("merge incompatible payload")
)

// CheckLattice checks merge is idempotent, commutative and associative over
// the given sample payloads (plus the empty payload), and that each payload
// survives an encode and decode.
//
// This only samples the laws so cannot prove the type is a valid lattice,
// though catches a misconfigured payload type at startup.
func CheckLattice(typ crdt.Type, samples []crdt.Payload) error {
	samples = append([]crdt.Payload{typ.Empty()}, samples...)

	for i, a := range samples {
		b, err := a.MarshalBinary()
		if err != nil {
			return fmt.Errorf("%w: sample %d: marshal: %w", ErrMergeIncompatiblePayload, i, err)
		}
		decoded, err := typ.Unmarshal(b)
		if err != nil {
			return fmt.Errorf("%w: sample %d: unmarshal: %w", ErrMergeIncompatiblePayload, i, err)
		}
		if err := expectEqual(a, decoded); err != nil {
			return fmt.Errorf("%w: sample %d: encoding not preserved: %w", ErrMergeIncompatiblePayload, i, err)
		}

		aa, err := a.Merge(a)
		if err != nil {
			return fmt.Errorf("%w: sample %d: %w", ErrMergeIncompatiblePayload, i, err)
		}
		if err := expectEqual(a, aa); err != nil {
			return fmt.Errorf("%w: sample %d: merge not idempotent: %w", ErrMergeIncompatiblePayload, i, err)
		}
	}

	for i, a := range samples {
		for j, b := range samples[i+1:] {
			j += i + 1

			ab, err := a.Merge(b)
			if err != nil {
				return fmt.Errorf("%w: samples %d, %d: %w", ErrMergeIncompatiblePayload, i, j, err)
			}
			ba, err := b.Merge(a)
			if err != nil {
				return fmt.Errorf("%w: samples %d, %d: %w", ErrMergeIncompatiblePayload, i, j, err)
			}
			if err := expectEqual(ab, ba); err != nil {
				return fmt.Errorf("%w: samples %d, %d: merge not commutative: %w", ErrMergeIncompatiblePayload, i, j, err)
			}

			for k, c := range samples {
				abc, err := ab.Merge(c)
				if err != nil {
					return fmt.Errorf("%w: samples %d, %d, %d: %w", ErrMergeIncompatiblePayload, i, j, k, err)
				}
				bc, err := b.Merge(c)
				if err != nil {
					return fmt.Errorf("%w: samples %d, %d, %d: %w", ErrMergeIncompatiblePayload, i, j, k, err)
				}
				aBC, err := a.Merge(bc)
				if err != nil {
					return fmt.Errorf("%w: samples %d, %d, %d: %w", ErrMergeIncompatiblePayload, i, j, k, err)
				}
				if err := expectEqual(abc, aBC); err != nil {
					return fmt.Errorf("%w: samples %d, %d, %d: merge not associative: %w", ErrMergeIncompatiblePayload, i, j, k, err)
				}
			}
		}
	}
	return nil
}

func expectEqual(a, b crdt.Payload) error {
	da, err := crdt.DigestOf(a)
	if err != nil {
		return err
	}
	db, err := crdt.DigestOf(b)
	if err != nil {
		return err
	}
	if da != db {
		return fmt.Errorf("digest %s != %s", da.Short(), db.Short())
	}
	return nil
}
