package wire

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Compressor names
const (
	CompressorS2   = "s2"
	CompressorZstd = "zstd"
	CompressorNone = "none"
)

// Compressors lists the supported compressor names
var Compressors = []string{CompressorS2, CompressorZstd, CompressorNone}

// DefaultCompressor is used when none is configured
const DefaultCompressor = CompressorS2

// Compressor is a general purpose block compressor for mset payloads.
// Both ends of a transfer must use the same Compressor.
type Compressor interface {
	// Name returns the configuration name
	Name() string
	// Compress compresses src, using dst as scratch space if large enough.
	// It returns nil if the data cannot be compressed.
	Compress(dst, src []byte) []byte
	// Decompress decompresses src, which must produce exactly rawLen bytes.
	Decompress(dst, src []byte, rawLen int) ([]byte, error)
}

// NewCompressor returns the Compressor with given name. An empty name selects
// the DefaultCompressor.
func NewCompressor(name string) (Compressor, error) {
	switch name {
	case "", CompressorS2:
		return s2Compressor{}, nil
	case CompressorZstd:
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, errors.Wrap(err, "zstd writer")
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
		if err != nil {
			return nil, errors.Wrap(err, "zstd reader")
		}
		return &zstdCompressor{enc: enc, dec: dec}, nil
	case CompressorNone:
		return noneCompressor{}, nil
	}
	return nil, fmt.Errorf("unknown compressor %q (options: %s)",
		name, strings.Join(Compressors, ", "))
}

type s2Compressor struct{}

func (s2Compressor) Name() string {
	return CompressorS2
}

func (s2Compressor) Compress(dst, src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	return s2.Encode(dst[:cap(dst)], src)
}

func (s2Compressor) Decompress(dst, src []byte, rawLen int) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if n != rawLen {
		return nil, fmt.Errorf("s2 decoded length %d, expected %d", n, rawLen)
	}
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	return s2.Decode(dst[:n], src)
}

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (z *zstdCompressor) Name() string {
	return CompressorZstd
}

func (z *zstdCompressor) Compress(dst, src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	return z.enc.EncodeAll(src, dst[:0])
}

func (z *zstdCompressor) Decompress(dst, src []byte, rawLen int) ([]byte, error) {
	if cap(dst) < rawLen {
		dst = make([]byte, 0, rawLen)
	}
	out, err := z.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, err
	}
	if len(out) != rawLen {
		return nil, fmt.Errorf("zstd decoded length %d, expected %d", len(out), rawLen)
	}
	return out, nil
}

type noneCompressor struct{}

func (noneCompressor) Name() string {
	return CompressorNone
}

func (noneCompressor) Compress(dst, src []byte) []byte {
	return nil
}

func (noneCompressor) Decompress(dst, src []byte, rawLen int) ([]byte, error) {
	return nil, errors.New("compression disabled, but received compressed payload")
}
