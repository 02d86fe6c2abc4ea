package protocol

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"type":"init"}`)
	if err := WriteFrame(&buf, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	frame, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Binary {
		t.Fatal("expected text frame")
	}
	if !bytes.Equal(frame.Body, body) {
		t.Fatalf("Body = %q, want %q", frame.Body, body)
	}
}

func TestReadFrameDetectsBinary(t *testing.T) {
	var buf bytes.Buffer
	body := EncodeChunk(Chunk{FileID: "0123456789012345678901234567890123456789"[:36], ChunkIndex: 1, Payload: []byte("x")})
	_ = WriteFrame(&buf, body)

	frame, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !frame.Binary {
		t.Fatal("expected binary frame")
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, make([]byte, 100))

	if _, err := ReadFrame(&buf, 10); err != ErrPayloadTooLarge {
		t.Fatalf("ReadFrame err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"subscribe","topic":"t"}`))
	if err != nil {
		t.Fatalf("PeekType: %v", err)
	}
	if typ != "subscribe" {
		t.Fatalf("type = %q, want subscribe", typ)
	}
}

func TestChunkEncodeDecodeRoundTrip(t *testing.T) {
	fileID := "01234567-89ab-cdef-0123-456789abcdef"
	payload := []byte("some binary bytes")
	body := EncodeChunk(Chunk{FileID: fileID, ChunkIndex: 42, Payload: payload})

	c, err := DecodeChunk(body)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if c.FileID != fileID || c.ChunkIndex != 42 || !bytes.Equal(c.Payload, payload) {
		t.Fatalf("decoded chunk = %+v", c)
	}
}

func TestDecodeChunkTooShort(t *testing.T) {
	if _, err := DecodeChunk(make([]byte, ChunkHeaderLength-1)); err != ErrChunkTooShort {
		t.Fatalf("DecodeChunk(short) err = %v, want ErrChunkTooShort", err)
	}
}
