package crdt

import (
	"github.com/ugorji/go/codec"
)

// handle encodes maps with sorted keys so encodings are canonical.
var handle = func() *codec.MsgpackHandle {
	var h codec.MsgpackHandle
	h.Canonical = true
	h.WriteExt = true
	return &h
}()

func encode(v any) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, handle).Encode(v); err != nil {
		return nil, err
	}
	return b, nil
}

func decode(b []byte, v any) error {
	return codec.NewDecoderBytes(b, handle).Decode(v)
}
