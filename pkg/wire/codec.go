package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"
)

func newHandle() *codec.MsgpackHandle {
	var h codec.MsgpackHandle
	h.WriteExt = true
	return &h
}

var handle = newHandle()

// EncodeBody encodes a message body.
func EncodeBody(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, handle).Encode(v); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBody decodes a message body encoded with EncodeBody.
func DecodeBody(b []byte, v any) error {
	if err := codec.NewDecoder(bytes.NewReader(b), handle).Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// Size returns the encoded size of v.
func Size(v any) (int, error) {
	b, err := EncodeBody(v)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// Fit returns the number of leading entries whose encodings together fit
// within budget bytes, and the size of those encodings. Encoding the entries
// as an array adds up to ArrayOverhead bytes.
func Fit[T any](entries []T, budget int) (int, int, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, handle)

	size := 0
	for i := range entries {
		buf.Reset()
		if err := enc.Encode(&entries[i]); err != nil {
			return 0, 0, fmt.Errorf("encode: %w", err)
		}
		if size+buf.Len() > budget {
			return i, size, nil
		}
		size += buf.Len()
	}
	return len(entries), size, nil
}

// ArrayOverhead is the maximum size of an array length prefix.
const ArrayOverhead = 5

// EncodeBounded encodes the header followed by as many entries as fit within
// limit bytes. Entries are only ever dropped from the end, so the receiver
// always gets a prefix. Returns the encoding and the number of entries
// included.
func EncodeBounded[T any](header any, entries []T, limit int) ([]byte, int, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, handle)

	if err := enc.Encode(header); err != nil {
		return nil, 0, fmt.Errorf("encode: %w", err)
	}
	if buf.Len() > limit {
		return nil, 0, fmt.Errorf(
			"limit too small for header: %d < %d", limit, buf.Len(),
		)
	}

	// bufLen contains the number of bytes to send, which may be less than
	// buf.Len() if the last entry exceeded the limit.
	bufLen := buf.Len()
	included := 0
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return nil, 0, fmt.Errorf("encode: %w", err)
		}
		if buf.Len() > limit {
			break
		}
		bufLen = buf.Len()
		included++
	}
	return buf.Bytes()[:bufLen], included, nil
}

// DecodeBounded decodes an encoding from EncodeBounded into header and
// returns the entries.
func DecodeBounded[T any](b []byte, header any) ([]T, error) {
	dec := codec.NewDecoder(bytes.NewReader(b), handle)
	if err := dec.Decode(header); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	var entries []T
	for {
		// Read entries until EOF.
		var entry T
		if err := dec.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
