// Package chunk provides a concrete SerializedChunk producer: the
// "upstream serializer" collaborator the output buffer core never
// inspects. Row bytes are compressed with S2 (klauspost/compress) before
// being handed to the buffer, so RetainedSizeInBytes reflects what's
// actually held in memory rather than the pre-compression row size.
package chunk

import (
	"github.com/klauspost/compress/s2"
)

// Chunk is an opaque, S2-compressed page payload implementing
// outputbuffer.SerializedChunk.
type Chunk struct {
	rows       uint32
	compressed []byte
}

// Encode compresses rows (already-serialized row bytes, opaque to this
// package too) into a Chunk advertising positionCount rows.
func Encode(positionCount uint32, rows []byte) *Chunk {
	return &Chunk{
		rows:       positionCount,
		compressed: s2.Encode(nil, rows),
	}
}

// PositionCount returns the logical row count advertised at encode time.
func (c *Chunk) PositionCount() uint32 { return c.rows }

// RetainedSizeInBytes returns the compressed footprint actually held in
// memory by this chunk.
func (c *Chunk) RetainedSizeInBytes() uint64 { return uint64(len(c.compressed)) }

// Bytes returns the compressed wire representation. The transport layer
// is responsible for decompressing it on the far side; the buffer core
// never calls this.
func (c *Chunk) Bytes() []byte { return c.compressed }

// Decode reverses Encode, for the transport layer / demo consumer.
func Decode(compressed []byte) ([]byte, error) {
	return s2.Decode(nil, compressed)
}
