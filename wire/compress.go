package wire

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies the algorithm applied to a frame body.
type Compression byte

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionS2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionS2:
		return "s2"
	default:
		return "unknown"
	}
}

// ParseCompression accepts "none", "zstd" or "s2" (case-insensitive).
// The empty string means none.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "s2":
		return CompressionS2, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCompress, s)
}

// maxDecodedSize bounds zstd window allocations regardless of frame limits.
const maxDecodedSize = 64 * 1024 * 1024

// EncodeAll/DecodeAll are safe for concurrent use, so one encoder and one
// decoder serve every connection in the process.
var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(maxDecodedSize))
	})
	return zstdEnc, zstdDec, zstdErr
}

// compress appends the compressed form of src to dst.
func compress(c Compression, dst, src []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return append(dst, src...), nil
	case CompressionZstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(src, dst), nil
	case CompressionS2:
		return append(dst, s2.Encode(nil, src)...), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCompress, c)
}

// decompress reverses compress, refusing output larger than maxSize.
func decompress(c Compression, src []byte, maxSize int) ([]byte, error) {
	switch c {
	case CompressionNone:
		return src, nil
	case CompressionZstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(src, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		if maxSize > 0 && len(out) > maxSize {
			return nil, fmt.Errorf("%w: decompressed %d bytes (max: %d)", ErrFrameTooLarge, len(out), maxSize)
		}
		return out, nil
	case CompressionS2:
		n, err := s2.DecodedLen(src)
		if err != nil {
			return nil, fmt.Errorf("s2: %w", err)
		}
		if maxSize > 0 && n > maxSize {
			return nil, fmt.Errorf("%w: decompressed %d bytes (max: %d)", ErrFrameTooLarge, n, maxSize)
		}
		out, err := s2.Decode(nil, src)
		if err != nil {
			return nil, fmt.Errorf("s2: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCompress, c)
}
