package engine

import (
	"encoding/json"
	"math"

	"github.com/klauspost/compress/zstd"
)

// EncodeAll is safe for concurrent use.
var sizeEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))

// EstimateSize is the length of the delta's JSON transfer payload.
func EstimateSize(d Delta) int {
	b, err := json.Marshal(d)
	if err != nil {
		return math.MaxInt
	}
	return len(b)
}

// EstimateCompressedSize is the zstd-compressed payload length, for
// transports that compress frames.
func EstimateCompressedSize(d Delta) int {
	b, err := json.Marshal(d)
	if err != nil {
		return math.MaxInt
	}
	return len(sizeEncoder.EncodeAll(b, nil))
}
