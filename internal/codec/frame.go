// Package codec implements the gateway wire protocol: length-prefixed binary
// audio frames and the JSON control envelope exchanged over the /agent
// WebSocket.
//
// A binary frame is laid out as
//
//	[u32 big-endian headerLen][headerLen bytes of JSON header][payload]
//
// Control messages are JSON envelopes sent as text frames; a binary frame
// whose first byte is '{' is treated as a JSON envelope too (some clients
// cannot send text frames). All decode paths are bounded by [Limits] so a
// malicious peer cannot force large allocations.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame layout constants.
const (
	// headerLenSize is the size of the big-endian length prefix.
	headerLenSize = 4

	// MinHeaderLen and MaxHeaderLen bound the JSON header of a binary frame.
	MinHeaderLen = 1
	MaxHeaderLen = 1024
)

// Default safety limits. Overridable per [Codec] from configuration.
const (
	DefaultMaxFrameBytes = 1 << 20 // 1 MiB
	DefaultMaxJSONBytes  = 64 << 10
)

// Decode error sentinels, matching the protocol error codes sent to clients.
var (
	// ErrBadFrame means the frame is structurally invalid (truncated prefix,
	// header not JSON, header length outside [MinHeaderLen, MaxHeaderLen] as a
	// prefix mismatch).
	ErrBadFrame = errors.New("codec: bad frame")

	// ErrTooLarge means the total frame exceeds MaxFrameBytes, or a JSON
	// envelope exceeds MaxJSONBytes.
	ErrTooLarge = errors.New("codec: payload too large")

	// ErrHeaderTooLong means the declared header length exceeds MaxHeaderLen.
	ErrHeaderTooLong = errors.New("codec: header too long")
)

// Limits bounds frame and envelope sizes for a [Codec].
type Limits struct {
	// MaxFrameBytes caps the total size of a binary frame (prefix + header +
	// payload). Zero means [DefaultMaxFrameBytes].
	MaxFrameBytes int

	// MaxJSONBytes caps the size of a JSON control envelope, including
	// envelopes smuggled in binary frames. Zero means [DefaultMaxJSONBytes].
	MaxJSONBytes int
}

// withDefaults returns l with zero fields replaced by package defaults.
func (l Limits) withDefaults() Limits {
	if l.MaxFrameBytes <= 0 {
		l.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if l.MaxJSONBytes <= 0 {
		l.MaxJSONBytes = DefaultMaxJSONBytes
	}
	return l
}

// Codec encodes and decodes wire frames under a fixed set of [Limits].
// The zero value uses the package defaults. Codec is stateless and safe for
// concurrent use.
type Codec struct {
	limits Limits
}

// New creates a Codec with the given limits. Zero limit fields fall back to
// the package defaults.
func New(limits Limits) *Codec {
	return &Codec{limits: limits.withDefaults()}
}

// Limits returns the effective limits of the codec.
func (c *Codec) Limits() Limits {
	return c.limits.withDefaults()
}

// Encode builds a binary frame from header (any JSON-marshallable value) and
// payload. Returns [ErrHeaderTooLong] if the marshalled header exceeds
// [MaxHeaderLen] and [ErrTooLarge] if the total frame would exceed
// MaxFrameBytes.
func (c *Codec) Encode(header any, payload []byte) ([]byte, error) {
	lim := c.Limits()

	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal header: %w", err)
	}
	if len(hdr) < MinHeaderLen {
		return nil, ErrBadFrame
	}
	if len(hdr) > MaxHeaderLen {
		return nil, ErrHeaderTooLong
	}

	total := headerLenSize + len(hdr) + len(payload)
	if total > lim.MaxFrameBytes {
		return nil, ErrTooLarge
	}

	frame := make([]byte, total)
	binary.BigEndian.PutUint32(frame[:headerLenSize], uint32(len(hdr)))
	copy(frame[headerLenSize:], hdr)
	copy(frame[headerLenSize+len(hdr):], payload)
	return frame, nil
}

// Decode splits a binary frame into its raw JSON header and payload.
// The returned slices alias the input frame; callers must not retain them
// past the lifetime of the frame buffer.
func (c *Codec) Decode(frame []byte) (header json.RawMessage, payload []byte, err error) {
	lim := c.Limits()

	if len(frame) > lim.MaxFrameBytes {
		return nil, nil, ErrTooLarge
	}
	if len(frame) < headerLenSize+MinHeaderLen {
		return nil, nil, ErrBadFrame
	}

	hdrLen := int(binary.BigEndian.Uint32(frame[:headerLenSize]))
	if hdrLen < MinHeaderLen {
		return nil, nil, ErrBadFrame
	}
	if hdrLen > MaxHeaderLen {
		return nil, nil, ErrHeaderTooLong
	}
	if headerLenSize+hdrLen > len(frame) {
		return nil, nil, ErrBadFrame
	}

	hdr := frame[headerLenSize : headerLenSize+hdrLen]
	if !json.Valid(hdr) {
		return nil, nil, ErrBadFrame
	}

	return json.RawMessage(hdr), frame[headerLenSize+hdrLen:], nil
}

// IsJSONBinary reports whether a binary WebSocket message actually carries a
// JSON control envelope. Clients that cannot send text frames prefix-detect
// on '{'.
func IsJSONBinary(msg []byte) bool {
	trimmed := bytes.TrimLeft(msg, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}
