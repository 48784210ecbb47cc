// Package wire implements the signed envelope every mesh message travels in.
//
// An envelope is a 2 byte header (message type and protocol version)
// followed by a msgpack encoded body. The sender signs the type, tier,
// sender ID, timestamp and body with its ed25519 key.
package wire

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ugorji/go/codec"

	"github.com/andydunstall/mesh/pkg/identity"
)

type MessageType uint8

const (
	TypePush MessageType = iota + 1
	TypePull
	TypeDelta
	TypeJoin
	TypeJoinAck
	TypeEcho
	TypeEchoReply
)

func (t MessageType) String() string {
	switch t {
	case TypePush:
		return "push"
	case TypePull:
		return "pull"
	case TypeDelta:
		return "delta"
	case TypeJoin:
		return "join"
	case TypeJoinAck:
		return "join-ack"
	case TypeEcho:
		return "echo"
	case TypeEchoReply:
		return "echo-reply"
	default:
		return "unknown"
	}
}

func (t MessageType) valid() bool {
	return t >= TypePush && t <= TypeEchoReply
}

const (
	supportedVersion uint8 = 0

	// headerLen is the fixed type and version prefix.
	headerLen = 2
)

var (
	ErrMalformed = errors.New("malformed envelope")
)

// Envelope is a signed message.
type Envelope struct {
	Type MessageType
	// Tier is the aggregation tier the message belongs to, such as 'edge'
	// or 'region'.
	Tier      string
	From      string
	Timestamp time.Time
	Body      []byte
	Signature []byte
}

type envelopeBody struct {
	Tier      string `codec:"tier"`
	From      string `codec:"from"`
	Timestamp int64  `codec:"ts"`
	Body      []byte `codec:"body"`
	Signature []byte `codec:"sig"`
}

// Signer signs messages on behalf of the local peer.
type Signer interface {
	ID() string
	Sign(msg []byte) []byte
}

var _ Signer = &identity.Identity{}

// Seal creates an envelope from the signer with the given body, signs it and
// returns its encoding.
func Seal(signer Signer, typ MessageType, tier string, body []byte, now time.Time) ([]byte, error) {
	env := &Envelope{
		Type:      typ,
		Tier:      tier,
		From:      signer.ID(),
		Timestamp: now,
		Body:      body,
	}
	env.Signature = signer.Sign(env.SigningBytes())
	return env.Encode()
}

// Encode encodes the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	var buf bytes.Buffer
	_ = buf.WriteByte(uint8(e.Type))
	_ = buf.WriteByte(supportedVersion)

	if err := codec.NewEncoder(&buf, handle).Encode(&envelopeBody{
		Tier:      e.Tier,
		From:      e.From,
		Timestamp: e.Timestamp.UnixNano(),
		Body:      e.Body,
		Signature: e.Signature,
	}); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

// SigningBytes returns the bytes covered by the signature.
func (e *Envelope) SigningBytes() []byte {
	b := make([]byte, 0, headerLen+len(e.Tier)+len(e.From)+len(e.Body)+2*binary.MaxVarintLen64+8)
	b = append(b, uint8(e.Type), supportedVersion)
	b = binary.AppendUvarint(b, uint64(len(e.Tier)))
	b = append(b, e.Tier...)
	b = binary.AppendUvarint(b, uint64(len(e.From)))
	b = append(b, e.From...)
	b = binary.BigEndian.AppendUint64(b, uint64(e.Timestamp.UnixNano()))
	b = append(b, e.Body...)
	return b
}

// Verify returns whether the envelope is signed by pub.
func (e *Envelope) Verify(pub ed25519.PublicKey) bool {
	return identity.Verify(pub, e.SigningBytes(), e.Signature)
}

// Decode decodes an envelope. The signature is not verified.
func Decode(b []byte) (*Envelope, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("%w: too short", ErrMalformed)
	}
	typ := MessageType(b[0])
	if !typ.valid() {
		return nil, fmt.Errorf("%w: unknown message type: %d", ErrMalformed, b[0])
	}
	if b[1] != supportedVersion {
		return nil, fmt.Errorf("%w: unsupported version: %d", ErrMalformed, b[1])
	}

	var body envelopeBody
	if err := codec.NewDecoderBytes(b[headerLen:], handle).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if body.From == "" {
		return nil, fmt.Errorf("%w: missing sender", ErrMalformed)
	}
	return &Envelope{
		Type:      typ,
		Tier:      body.Tier,
		From:      body.From,
		Timestamp: time.Unix(0, body.Timestamp),
		Body:      body.Body,
		Signature: body.Signature,
	}, nil
}

// Overhead returns an upper bound on the bytes an envelope adds to a body
// sent by from on the given tier.
func Overhead(tier, from string) int {
	// Header, msgpack framing, timestamp and signature.
	return headerLen + 64 + 9 + ed25519.SignatureSize + len(tier) + len(from)
}
