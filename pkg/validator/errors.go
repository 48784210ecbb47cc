package validator

import (
	"errors"
	"fmt"

	"github.com/andydunstall/mesh/pkg/wire"
)

var (
	ErrMalformed     = errors.New("malformed message")
	ErrUnknownSender = errors.New("unknown sender")
	ErrBadSignature  = errors.New("bad signature")
	ErrStaleOrFuture = errors.New("stale or future timestamp")
)

// RejectError describes a rejected message.
type RejectError struct {
	Reason error
	// PeerID is the claimed sender, which may be empty if the message
	// could not be decoded.
	PeerID string
	// Addr is the transport address the message was received from.
	Addr string
	Type wire.MessageType
}

func (e *RejectError) Error() string {
	if e.PeerID == "" {
		return fmt.Sprintf("rejected message from %s: %s", e.Addr, e.Reason)
	}
	return fmt.Sprintf("rejected %s from %s (%s): %s", e.Type, e.PeerID, e.Addr, e.Reason)
}

func (e *RejectError) Unwrap() error {
	return e.Reason
}

// reasonLabel returns a short label for metrics and events.
func reasonLabel(reason error) string {
	switch {
	case errors.Is(reason, ErrMalformed):
		return "malformed"
	case errors.Is(reason, ErrUnknownSender):
		return "unknown_sender"
	case errors.Is(reason, ErrBadSignature):
		return "bad_signature"
	case errors.Is(reason, ErrStaleOrFuture):
		return "stale_or_future"
	default:
		return "other"
	}
}
