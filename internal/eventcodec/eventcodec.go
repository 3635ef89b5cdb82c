// Package eventcodec compresses stored event payloads.
//
// Token streams and tool results can carry large JSON bodies; payloads
// above a threshold are zstd-compressed before they hit SQLite.
package eventcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies how a stored payload is encoded.
type Compression int

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

// compressThreshold is the payload size below which compression is not
// worth the CPU or the header overhead.
const compressThreshold = 512

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("eventcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("eventcodec: init zstd decoder: %v", err))
	}
}

// Compress returns the encoded payload and its compression tag. Small
// payloads are returned as-is.
func Compress(data []byte) ([]byte, Compression) {
	if len(data) < compressThreshold {
		return data, CompressionNone
	}
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	return compressed, CompressionZstd
}

// Decompress decodes a stored payload according to its compression tag.
func Decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionZstd:
		return decoder.DecodeAll(data, nil)
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("eventcodec: unsupported compression: %d", c)
	}
}
