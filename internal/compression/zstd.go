// Package compression wraps zstd for blob and wire payloads.
//
// Compressed output is only used when it is actually smaller than the
// input. Whether compression was applied travels alongside the payload
// (a blob marker byte, a wire field), never guessed from the bytes: a
// payload that happens to be a zstd frame itself must round-trip
// untouched.
package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// minSize is the smallest payload worth compressing.
const minSize = 128

type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New creates a Compressor with the given speed/ratio level (1..3).
// A disabled compressor never compresses but still decompresses, since
// peers may send compressed bodies regardless of local settings.
func New(level int, enabled bool) (*Compressor, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return &Compressor{decoder: decoder}, nil
	}

	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 3:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		decoder.Close()
		return nil, err
	}

	return &Compressor{encoder: encoder, decoder: decoder}, nil
}

// Compress returns the payload to store or send, and whether zstd was
// applied. The caller must record the flag next to the payload and hand
// it back to Decompress.
func (c *Compressor) Compress(data []byte) ([]byte, bool) {
	if c.encoder == nil || len(data) < minSize {
		return data, false
	}

	compressed := c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) {
		return data, false
	}
	return compressed, true
}

// Decompress reverses Compress given the recorded flag. An
// uncompressed payload is returned unchanged; a flagged payload that
// fails to decode is an error, never silently passed through.
func (c *Compressor) Decompress(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	decompressed, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return decompressed, nil
}

func (c *Compressor) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}
