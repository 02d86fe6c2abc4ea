// Package protocol implements the wire codec (spec §4.9, "C9"): a
// length-delimited frame reader/writer plus the JSON envelope catalogue
// and binary chunk layout used by the client protocol in spec §6. It is
// a pure encode/decode layer; no session, subscription, or retry logic
// lives here.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// BinaryFrameType is the leading body byte that marks a file-chunk
// frame; any other leading byte means the body is a JSON text frame.
const BinaryFrameType byte = 0x02

const lengthPrefixSize = 4

// ErrPayloadTooLarge is returned by ReadFrame when the decoded length
// prefix exceeds maxSize, before the body itself is read; this is how
// PayloadTooLarge (spec §7) avoids buffering an attacker-controlled size.
var ErrPayloadTooLarge = errors.New("protocol: frame exceeds max payload size")

// Frame is a single decoded wire frame. Binary is true iff Body[0] ==
// BinaryFrameType; otherwise Body is a complete JSON object.
type Frame struct {
	Binary bool
	Body   []byte
}

// ReadFrame reads one [4-byte big-endian length][body] frame from r. A
// maxSize of 0 disables the cap.
func ReadFrame(r io.Reader, maxSize int) (Frame, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if maxSize > 0 && int(n) > maxSize {
		return Frame{}, ErrPayloadTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("reading frame body: %w", err)
	}

	binaryFrame := len(body) > 0 && body[0] == BinaryFrameType
	return Frame{Binary: binaryFrame, Body: body}, nil
}

// WriteFrame writes body prefixed by its 4-byte big-endian length.
func WriteFrame(w io.Writer, body []byte) error {
	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// Envelope is the minimal shape every JSON text frame shares, used to
// sniff the frame type before unmarshaling into a concrete struct.
type Envelope struct {
	Type string `json:"type"`
}

// PeekType extracts the "type" discriminator from a JSON text frame.
func PeekType(body []byte) (string, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return "", fmt.Errorf("decoding envelope: %w", err)
	}
	return e.Type, nil
}

// Encode marshals v as the JSON body of a text frame.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
