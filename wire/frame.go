package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// DefaultMaxFrameSize is the default limit on a single frame (16MB).
// This prevents a peer from forcing huge allocations.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// ProtocolVersion is written into every frame header.
const ProtocolVersion = 1

// frameHeaderSize is the version byte plus the format/compression byte.
const frameHeaderSize = 2

// Framing errors.
var (
	ErrFrameTooLarge = errors.New("frame size exceeds maximum allowed size")
	ErrBadVersion    = errors.New("unsupported protocol version")
	ErrShortFrame    = errors.New("frame shorter than its header")
)

// ReadFrame reads a length-prefixed frame from the reader.
// Format: [4 bytes length (BigEndian)] [N bytes frame]
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	if maxSize > 0 && uint64(length) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, length, maxSize)
	}
	if length < frameHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return buf, nil
}

// appendFrame appends [length][version][flags][body] to dst.
func appendFrame(dst []byte, flags byte, body []byte, maxSize int) ([]byte, error) {
	size := frameHeaderSize + len(body)
	if size > math.MaxUint32 {
		return nil, fmt.Errorf("%w: frame length %d exceeds uint32 max", ErrFrameTooLarge, size)
	}
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, size, maxSize)
	}

	dst = binary.BigEndian.AppendUint32(dst, uint32(size)) // #nosec G115 - bounds checked above
	dst = append(dst, ProtocolVersion, flags)
	return append(dst, body...), nil
}

// splitFrame validates the header of a frame read by ReadFrame.
func splitFrame(frame []byte) (Format, Compression, []byte, error) {
	if len(frame) < frameHeaderSize {
		return 0, 0, nil, ErrShortFrame
	}
	if frame[0] != ProtocolVersion {
		return 0, 0, nil, fmt.Errorf("%w: %d", ErrBadVersion, frame[0])
	}
	format := Format(frame[1] >> 4)
	compression := Compression(frame[1] & 0x0f)
	return format, compression, frame[frameHeaderSize:], nil
}

func frameFlags(f Format, c Compression) byte {
	return byte(f)<<4 | byte(c)&0x0f
}

// writeFull writes the whole buffer, failing on a zero-length write.
func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}
