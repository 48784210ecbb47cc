package gossip

import (
	"fmt"

	"github.com/andydunstall/mesh/pkg/crdt"
	"github.com/andydunstall/mesh/pkg/wire"
)

// versionEntry is a single version vector entry.
type versionEntry struct {
	Replica string `codec:"r"`
	Counter uint64 `codec:"c"`
}

// header is sent at the start of every push, pull and delta message,
// followed by the contributions the receiver is missing (none for a pull).
type header struct {
	// VersionVector contains the sender's version vector entries. It may be
	// truncated to fit in the packet, in which case the receiver treats
	// replicas without an entry as unknown.
	VersionVector []versionEntry `codec:"vv"`
	Truncated     bool           `codec:"truncated"`

	Digest crdt.Digest `codec:"digest"`
	// Converged indicates whether the sender's digest matches the digests
	// of its sampled peers.
	Converged bool `codec:"converged"`
	// Peers is a sample of peers known to the sender. Only set on a push.
	Peers []wire.PeerInfo `codec:"peers"`
}

// versionVector returns the entries of the header's version vector.
func (h *header) versionVector() map[string]uint64 {
	vv := make(map[string]uint64, len(h.VersionVector))
	for _, entry := range h.VersionVector {
		// Zero entries are kept, as they say the sender has nothing from
		// the replica.
		vv[entry.Replica] = max(vv[entry.Replica], entry.Counter)
	}
	return vv
}

// encodeMessage encodes the header with as many of the version vector
// entries and contributions as fit within limit, with entries and
// contributions each only dropped from the end. Returns the number of
// contributions included.
//
// Contributions take priority over version vector entries, though entries
// keep at least a quarter of the space left after the header.
func encodeMessage(
	h *header,
	vv []versionEntry,
	contributions []*Contribution,
	limit int,
) ([]byte, int, error) {
	msg := *h
	msg.VersionVector = nil
	msg.Truncated = false

	base, err := wire.Size(&msg)
	if err != nil {
		return nil, 0, fmt.Errorf("encode: %w", err)
	}
	room := limit - base - wire.ArrayOverhead
	if room < 0 {
		return nil, 0, fmt.Errorf("encode: limit too small for header: %d < %d", limit, base)
	}

	_, vvSize, err := wire.Fit(vv, room)
	if err != nil {
		return nil, 0, fmt.Errorf("encode: %w", err)
	}
	included, contributionsSize, err := wire.Fit(contributions, room-min(vvSize, room/4))
	if err != nil {
		return nil, 0, fmt.Errorf("encode: %w", err)
	}
	entries, _, err := wire.Fit(vv, room-contributionsSize)
	if err != nil {
		return nil, 0, fmt.Errorf("encode: %w", err)
	}
	msg.VersionVector = vv[:entries]
	msg.Truncated = entries < len(vv)

	b, n, err := wire.EncodeBounded(&msg, contributions[:included], limit)
	if err != nil {
		return nil, 0, fmt.Errorf("encode: %w", err)
	}
	return b, n, nil
}

func decodeMessage(b []byte) (*header, []*Contribution, error) {
	var h header
	contributions, err := wire.DecodeBounded[*Contribution](b, &h)
	if err != nil {
		return nil, nil, fmt.Errorf("decode: %w", err)
	}
	for _, c := range contributions {
		if c == nil {
			return nil, nil, fmt.Errorf("decode: nil contribution")
		}
	}
	return &h, contributions, nil
}

// maxContributionSize returns the largest encoded contribution that is
// always included in a message with the given limit.
func maxContributionSize(limit int) int {
	return limit / 2
}
