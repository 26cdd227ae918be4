// Package protocol implements the browser native-messaging wire format:
// a 4-byte little-endian length followed by that many bytes of UTF-8 JSON.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// HeaderSize is the size of the length prefix.
	HeaderSize = 4

	// MaxPayloadSize is the largest payload accepted in either direction.
	MaxPayloadSize = 1_000_000
)

var (
	// ErrFrameLength is returned when a length prefix is zero or above MaxPayloadSize.
	// Only the 4-byte header has been consumed when this is returned.
	ErrFrameLength = errors.New("protocol: frame length out of bounds")

	// ErrMalformedJSON is returned when a payload is not valid UTF-8 JSON.
	// The whole frame has been consumed when this is returned.
	ErrMalformedJSON = errors.New("protocol: frame payload is not valid JSON")
)

// validLength reports whether n is an acceptable payload length.
func validLength(n uint64) bool {
	return n > 0 && n <= MaxPayloadSize
}

// ReadFrame reads one frame and returns its raw payload.
// A bad length returns ErrFrameLength after reading only the header, so the
// caller can keep reading from the same stream. A clean EOF before any header
// byte is returned as io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(header[:])
	if !validLength(uint64(length)) {
		return nil, fmt.Errorf("%w: %d", ErrFrameLength, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if !utf8.Valid(payload) || !json.Valid(payload) {
		return payload, ErrMalformedJSON
	}
	return payload, nil
}

// EncodeFrame returns header+payload as one buffer.
func EncodeFrame(payload []byte) ([]byte, error) {
	if !validLength(uint64(len(payload))) {
		return nil, fmt.Errorf("%w: %d", ErrFrameLength, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// WriteFrame writes payload as a single frame with one Write call, so
// concurrent writers serialized by the caller never interleave a header
// with another frame's body.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// WriteMessage marshals msg and writes it as a frame.
func WriteMessage(w io.Writer, msg Message) error {
	payload, err := Marshal(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// IsRecoverable reports whether a read error leaves the stream usable.
// Length and JSON errors drop one frame; anything else ends the stream.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrFrameLength) || errors.Is(err, ErrMalformedJSON)
}

// Compact returns payload with insignificant whitespace removed.
// Used only for logging dropped frames.
func Compact(payload []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		if len(payload) > 128 {
			payload = payload[:128]
		}
		return string(payload)
	}
	return buf.String()
}
