package core

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/klauspost/compress/s2"
)

// Wire framing constants (§4.1).
const (
	MaxChunkSize        = 512
	ChunkHeaderSize      = 64
	MaxPayloadPerChunk  = MaxChunkSize - ChunkHeaderSize // 448
)

// EntityType tags the payload carried by a chunk or message (§4.2).
type EntityType string

const (
	EntityEvent        EntityType = "event"
	EntityEditHistory  EntityType = "edit_history"
	EntityDeviceInfo   EntityType = "device_info"
	EntitySyncLog      EntityType = "sync_log"
)

// Chunk is a bounded byte segment with header, payload and checksum
// (§4.1, §6).
type Chunk struct {
	SourceDeviceID string
	ChunkIndex     int
	TotalChunks    int
	EntityType     EntityType
	Compressed     bool
	Payload        []byte
	Checksum       string // base64(sha256(on-wire payload))
}

// Compressor is the pluggable compression contract: Decompress(Compress(x))
// == x for all byte strings (§4.1). The default implementation uses
// klauspost/compress's s2 codec (a Snappy-family block compressor),
// naming a concrete algorithm
// instead of leaving `compressed` a no-op passthrough.
type Compressor interface {
	Compress(data []byte) []byte
	Decompress(data []byte) ([]byte, error)
}

// S2Compressor is the reference Compressor.
type S2Compressor struct{}

func (S2Compressor) Compress(data []byte) []byte { return s2.Encode(nil, data) }

func (S2Compressor) Decompress(data []byte) ([]byte, error) { return s2.Decode(nil, data) }

// NoopCompressor never compresses: its output is its input. Split still
// marks the chunks Compressed because a compressor was supplied. Useful
// for tests that want byte-identical payloads.
type NoopCompressor struct{}

func (NoopCompressor) Compress(data []byte) []byte { return data }

func (NoopCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

func checksum(wireBytes []byte) string {
	sum := sha256.Sum256(wireBytes)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Split breaks payload into an ordered sequence of chunks no larger than
// MaxPayloadPerChunk each, per §4.1. When compress is non-nil each
// chunk's payload is compressed independently and the checksum is
// computed over the on-wire (post-compression) bytes so corrupt
// decompression is still detected.
func Split(deviceID string, entityType EntityType, payload []byte, compress Compressor) []Chunk {
	total := (len(payload) + MaxPayloadPerChunk - 1) / MaxPayloadPerChunk
	if total == 0 {
		total = 1
	}
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxPayloadPerChunk
		end := start + MaxPayloadPerChunk
		if end > len(payload) {
			end = len(payload)
		}
		segment := payload[start:end]
		compressed := false
		wire := segment
		if compress != nil {
			wire = compress.Compress(segment)
			compressed = true
		}
		chunks = append(chunks, Chunk{
			SourceDeviceID: deviceID,
			ChunkIndex:     i,
			TotalChunks:    total,
			EntityType:     entityType,
			Compressed:     compressed,
			Payload:        wire,
			Checksum:       checksum(wire),
		})
	}
	return chunks
}

// Reassemble verifies and concatenates a received set of chunks back
// into the original payload (§4.1). It fails with a *CodecError when:
// the indices don't cover exactly {0,...,total-1}; any chunk's computed
// checksum disagrees with its declared checksum; or chunks disagree on
// total_chunks/entity type. On failure the caller must discard the
// partial payload — Reassemble never returns a partial result.
func Reassemble(chunks []Chunk, decompress Compressor) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, &CodecError{Kind: CodecInvalid, Message: "no chunks supplied"}
	}
	total := chunks[0].TotalChunks
	entity := chunks[0].EntityType
	seen := make(map[int]Chunk, len(chunks))
	for _, c := range chunks {
		if c.TotalChunks != total || c.EntityType != entity {
			return nil, &CodecError{Kind: CodecInvalid, Message: "chunks disagree on total_chunks or entity_type"}
		}
		if c.ChunkIndex < 0 || c.ChunkIndex >= total {
			return nil, &CodecError{Kind: CodecInvalid, Message: "chunk index out of range"}
		}
		if c.Checksum != checksum(c.Payload) {
			return nil, &CodecError{Kind: CodecInvalid, Message: "checksum mismatch"}
		}
		if _, dup := seen[c.ChunkIndex]; dup {
			return nil, &CodecError{Kind: CodecInvalid, Message: "duplicate chunk index"}
		}
		seen[c.ChunkIndex] = c
	}
	// Combined with the range check above, this guarantees seen's keys
	// are exactly {0,...,total-1}: §4.1 contract (a).
	if len(seen) != total {
		return nil, &CodecError{Kind: CodecInvalid, Message: "incomplete chunk set"}
	}

	out := make([]byte, 0, total*MaxPayloadPerChunk)
	for i := 0; i < total; i++ {
		c := seen[i]
		segment := c.Payload
		if c.Compressed {
			if decompress == nil {
				return nil, &CodecError{Kind: CodecInvalid, Message: "compressed chunk but no decompressor configured"}
			}
			var err error
			segment, err = decompress.Decompress(segment)
			if err != nil {
				return nil, &CodecError{Kind: CodecInvalid, Message: "decompression failed: " + err.Error()}
			}
		}
		out = append(out, segment...)
	}
	return out, nil
}
