package gossip

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/andydunstall/mesh/pkg/identity"
)

var (
	// ErrInvalidContribution is returned when a contribution is malformed
	// or its origin signature does not verify.
	ErrInvalidContribution = errors.New("invalid contribution")
)

// Identity signs the contributions of the local peer.
type Identity interface {
	ID() string
	PublicKey() ed25519.PublicKey
	Sign(msg []byte) []byte
}

var _ Identity = &identity.Identity{}

// Contribution is an update to the payload signed by the peer that made it.
//
// Counters are per replica, where a replica is one incarnation of the origin
// peer. A contribution covers counters First to Counter inclusive: usually
// First equals Counter, though an origin may compact its contributions into
// one covering every counter from 1.
type Contribution struct {
	Origin      string            `codec:"origin"`
	Incarnation string            `codec:"inc"`
	Key         ed25519.PublicKey `codec:"key"`
	First       uint64            `codec:"first"`
	Counter     uint64            `codec:"counter"`
	// Data is the encoded payload delta.
	Data      []byte `codec:"data"`
	Signature []byte `codec:"sig"`
}

// Replica returns the version vector key of the contribution.
func (c *Contribution) Replica() string {
	return replicaKey(c.Origin, c.Incarnation)
}

// Verify checks the contribution is well formed and signed by its origin for
// the given tier.
func (c *Contribution) Verify(tier string) error {
	if c.Origin == "" || c.First == 0 || c.First > c.Counter {
		return fmt.Errorf("%w: bad range", ErrInvalidContribution)
	}
	if !identity.Matches(c.Origin, c.Key) {
		return fmt.Errorf("%w: key does not match origin", ErrInvalidContribution)
	}

	bp := signingPool.Get().(*[]byte)
	b := c.appendSigningBytes((*bp)[:0], tier)
	ok := identity.Verify(c.Key, b, c.Signature)
	*bp = b[:0]
	signingPool.Put(bp)

	if !ok {
		return fmt.Errorf("%w: bad signature", ErrInvalidContribution)
	}
	return nil
}

func (c *Contribution) sign(self Identity, tier string) {
	bp := signingPool.Get().(*[]byte)
	b := c.appendSigningBytes((*bp)[:0], tier)
	c.Signature = self.Sign(b)
	*bp = b[:0]
	signingPool.Put(bp)
}

func (c *Contribution) appendSigningBytes(b []byte, tier string) []byte {
	b = binary.AppendUvarint(b, uint64(len(tier)))
	b = append(b, tier...)
	b = binary.AppendUvarint(b, uint64(len(c.Origin)))
	b = append(b, c.Origin...)
	b = binary.AppendUvarint(b, uint64(len(c.Incarnation)))
	b = append(b, c.Incarnation...)
	b = binary.BigEndian.AppendUint64(b, c.First)
	b = binary.BigEndian.AppendUint64(b, c.Counter)
	b = append(b, c.Data...)
	return b
}

var signingPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 512)
		return &b
	},
}

func newContribution(
	self Identity,
	tier string,
	incarnation string,
	first, counter uint64,
	data []byte,
) *Contribution {
	c := &Contribution{
		Origin:      self.ID(),
		Incarnation: incarnation,
		Key:         self.PublicKey(),
		First:       first,
		Counter:     counter,
		Data:        data,
	}
	c.sign(self, tier)
	return c
}

func replicaKey(origin, incarnation string) string {
	return origin + "/" + incarnation
}
