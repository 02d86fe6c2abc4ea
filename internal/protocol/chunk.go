package protocol

import (
	"encoding/binary"
	"errors"
)

// FileIDLength is the fixed ASCII width of a fileId in a binary chunk
// frame (spec §4.8: a UUID string).
const FileIDLength = 36

// ChunkHeaderLength is [typeByte:1][fileId:36][chunkIndex:4].
const ChunkHeaderLength = 1 + FileIDLength + 4

// ErrChunkTooShort is returned for a binary frame shorter than the
// minimum valid length (spec §4.8: 41 bytes); such frames are dropped
// silently by the caller, never treated as a protocol error reply.
var ErrChunkTooShort = errors.New("protocol: binary frame shorter than minimum chunk header")

// Chunk is a decoded binary file-chunk frame.
type Chunk struct {
	FileID     string
	ChunkIndex uint32
	Payload    []byte
}

// DecodeChunk parses a binary frame body (including its leading
// BinaryFrameType byte) into a Chunk.
func DecodeChunk(body []byte) (Chunk, error) {
	if len(body) < ChunkHeaderLength {
		return Chunk{}, ErrChunkTooShort
	}
	fileID := string(body[1 : 1+FileIDLength])
	idx := binary.BigEndian.Uint32(body[1+FileIDLength : ChunkHeaderLength])
	return Chunk{FileID: fileID, ChunkIndex: idx, Payload: body[ChunkHeaderLength:]}, nil
}

// EncodeChunk serializes a Chunk into a binary frame body, ready for
// WriteFrame.
func EncodeChunk(c Chunk) []byte {
	buf := make([]byte, ChunkHeaderLength+len(c.Payload))
	buf[0] = BinaryFrameType
	copy(buf[1:1+FileIDLength], c.FileID)
	binary.BigEndian.PutUint32(buf[1+FileIDLength:ChunkHeaderLength], c.ChunkIndex)
	copy(buf[ChunkHeaderLength:], c.Payload)
	return buf
}
