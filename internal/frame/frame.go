package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// Opcode identifies the frame type (RFC 6455 Section 5.2).
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether o is a control opcode (close, ping, pong).
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

func (o Opcode) valid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return fmt.Sprintf("reserved(0x%X)", byte(o))
}

const (
	finBit  = 0x80
	rsvBits = 0x70
	opMask  = 0x0F
	maskBit = 0x80
	lenMask = 0x7F

	len16 = 126
	len64 = 127

	// MaxControlPayload is the largest payload a control frame may carry.
	MaxControlPayload = 125
)

var (
	// ErrIncomplete means the buffer does not hold a whole frame yet.
	// Keep the bytes and call Decode again once more data has arrived.
	ErrIncomplete = errors.New("frame: incomplete")

	// ErrMalformedHeader is returned for reserved opcodes, set RSV bits,
	// oversized or fragmented control frames and a 64-bit length with the MSB set.
	ErrMalformedHeader = errors.New("frame: malformed header")

	// ErrPayloadTooLarge is returned when the declared length exceeds the limit.
	ErrPayloadTooLarge = errors.New("frame: payload too large")

	// ErrMaskingMismatch is returned when the mask bit does not match the
	// direction the frame was read from.
	ErrMaskingMismatch = errors.New("frame: masking mismatch")

	// ErrFragmented is returned for continuation frames and data frames with fin=0.
	ErrFragmented = errors.New("frame: fragmented messages are not supported")
)

// Frame is a single decoded RFC 6455 frame.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	Length  uint64
	MaskKey [4]byte
	Payload []byte // unmasked
}

// Text returns the payload as a string.
func (f *Frame) Text() string {
	return string(f.Payload)
}

// CloseStatus returns the status code and reason carried by a close frame.
// A close frame without a body reports websocket.CloseNoStatusReceived.
func (f *Frame) CloseStatus() (int, string) {
	if len(f.Payload) < 2 {
		return websocket.CloseNoStatusReceived, ""
	}
	return int(binary.BigEndian.Uint16(f.Payload[:2])), string(f.Payload[2:])
}

// Decode parses one frame from the start of buf. masked is the direction the
// frame was read from: true for client to server frames.
//
// It returns the frame and the number of bytes consumed. When buf holds only
// part of a frame it returns ErrIncomplete and buf must be kept for the next call.
// buf is never modified.
func Decode(buf []byte, masked bool) (*Frame, int, error) {
	return DecodeLimit(buf, masked, 0)
}

// DecodeLimit is Decode with an upper bound on the payload length.
// A limit of 0 or less only applies the platform bound.
func DecodeLimit(buf []byte, masked bool, limit int) (*Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrIncomplete
	}

	b0, b1 := buf[0], buf[1]
	f := &Frame{
		Fin:    b0&finBit != 0,
		Opcode: Opcode(b0 & opMask),
		Masked: b1&maskBit != 0,
	}

	if b0&rsvBits != 0 {
		return nil, 0, fmt.Errorf("%w: rsv bits set (0x%02X)", ErrMalformedHeader, b0&rsvBits)
	}
	if !f.Opcode.valid() {
		return nil, 0, fmt.Errorf("%w: %s opcode", ErrMalformedHeader, f.Opcode)
	}
	if f.Masked != masked {
		return nil, 0, fmt.Errorf("%w: mask bit is %t, want %t", ErrMaskingMismatch, f.Masked, masked)
	}

	len7 := b1 & lenMask
	if f.Opcode.IsControl() {
		if !f.Fin {
			return nil, 0, fmt.Errorf("%w: fragmented %s frame", ErrMalformedHeader, f.Opcode)
		}
		if len7 > MaxControlPayload {
			return nil, 0, fmt.Errorf("%w: %s payload longer than %d", ErrMalformedHeader, f.Opcode, MaxControlPayload)
		}
	} else if f.Opcode == OpContinuation || !f.Fin {
		return nil, 0, ErrFragmented
	}

	pos := 2
	switch len7 {
	case len16:
		if len(buf) < pos+2 {
			return nil, 0, ErrIncomplete
		}
		f.Length = uint64(binary.BigEndian.Uint16(buf[pos:]))
		if f.Length < len16 {
			return nil, 0, fmt.Errorf("%w: non-minimal 16-bit length %d", ErrMalformedHeader, f.Length)
		}
		pos += 2
	case len64:
		if len(buf) < pos+8 {
			return nil, 0, ErrIncomplete
		}
		f.Length = binary.BigEndian.Uint64(buf[pos:])
		if f.Length>>63 != 0 {
			return nil, 0, fmt.Errorf("%w: most significant bit of 64-bit length set", ErrMalformedHeader)
		}
		if f.Length <= math.MaxUint16 {
			return nil, 0, fmt.Errorf("%w: non-minimal 64-bit length %d", ErrMalformedHeader, f.Length)
		}
		pos += 8
	default:
		f.Length = uint64(len7)
	}

	bound := uint64(math.MaxInt)
	if limit > 0 {
		bound = uint64(limit)
	}
	if f.Length > bound {
		return nil, 0, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, f.Length, bound)
	}

	if f.Masked {
		if len(buf) < pos+4 {
			return nil, 0, ErrIncomplete
		}
		copy(f.MaskKey[:], buf[pos:pos+4])
		pos += 4
	}

	n := int(f.Length)
	if len(buf)-pos < n {
		return nil, 0, ErrIncomplete
	}

	f.Payload = make([]byte, n)
	copy(f.Payload, buf[pos:pos+n])
	if f.Masked {
		Mask(f.Payload, f.MaskKey)
	}

	return f, pos + n, nil
}

// Encode builds a final text frame carrying text.
// Client to server frames must pass masked=true.
func Encode(text string, masked bool) []byte {
	return EncodeFrame(OpText, []byte(text), masked)
}

// EncodeFrame builds a final frame with the given opcode and payload.
// payload is not modified.
func EncodeFrame(op Opcode, payload []byte, masked bool) []byte {
	n := len(payload)

	size := 2 + n
	switch {
	case n > math.MaxUint16:
		size += 8
	case n >= len16:
		size += 2
	}
	if masked {
		size += 4
	}

	out := make([]byte, size)
	out[0] = finBit | byte(op)

	pos := 2
	switch {
	case n > math.MaxUint16:
		out[1] = len64
		binary.BigEndian.PutUint64(out[pos:], uint64(n))
		pos += 8
	case n >= len16:
		out[1] = len16
		binary.BigEndian.PutUint16(out[pos:], uint16(n))
		pos += 2
	default:
		out[1] = byte(n)
	}

	if masked {
		out[1] |= maskBit
		key := NewMaskKey()
		copy(out[pos:], key[:])
		pos += 4
		copy(out[pos:], payload)
		Mask(out[pos:], key)
		return out
	}

	copy(out[pos:], payload)
	return out
}

// Close builds a close frame with an empty payload.
func Close(masked bool) []byte {
	return EncodeFrame(OpClose, nil, masked)
}

// CloseWithStatus builds a close frame carrying a status code and reason.
// The reason is truncated at a rune boundary to fit a control frame.
func CloseWithStatus(code int, reason string, masked bool) []byte {
	if len(reason) > MaxControlPayload-2 {
		n := MaxControlPayload - 2
		for n > 0 && !utf8.RuneStart(reason[n]) {
			n--
		}
		reason = reason[:n]
	}
	return EncodeFrame(OpClose, websocket.FormatCloseMessage(code, reason), masked)
}

// Ping builds a ping frame with an empty payload.
func Ping(masked bool) []byte {
	return EncodeFrame(OpPing, nil, masked)
}

// Pong builds a pong frame echoing payload, as the answer to a ping.
func Pong(payload []byte, masked bool) []byte {
	if len(payload) > MaxControlPayload {
		payload = payload[:MaxControlPayload]
	}
	return EncodeFrame(OpPong, payload, masked)
}

// Mask XORs b in place with key. Applying it twice restores b.
func Mask(b []byte, key [4]byte) {
	for i := range b {
		b[i] ^= key[i%4]
	}
}

// NewMaskKey returns four random bytes, uniform over 0x00-0xFF.
func NewMaskKey() [4]byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], rand.Uint32())
	return key
}
