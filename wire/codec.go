package wire

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Format identifies how an envelope is serialized inside a frame.
type Format byte

const (
	FormatProto Format = iota
	FormatJSON
)

func (f Format) String() string {
	switch f {
	case FormatProto:
		return "proto"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseFormat accepts "proto" or "json". The empty string means proto.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "proto", "protobuf":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Options controls how an Encoder writes frames. Decoders accept every
// format and compression, because each frame names its own.
type Options struct {
	Format               Format
	Compression          Compression
	CompressionThreshold int
	MaxFrameSize         int
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Format:               FormatProto,
		Compression:          CompressionNone,
		CompressionThreshold: 1024,
		MaxFrameSize:         DefaultMaxFrameSize,
	}
}

// Marshal serializes e as a complete frame.
func Marshal(e *Envelope, opts Options) ([]byte, error) {
	return appendEnvelope(nil, nil, e, opts)
}

// Unmarshal parses a frame produced by Marshal (length prefix included).
func Unmarshal(frame []byte, maxSize int) (*Envelope, error) {
	if len(frame) < 4 {
		return nil, ErrShortFrame
	}
	return parseFrame(frame[4:], maxSize)
}

func appendEnvelope(dst, scratch []byte, e *Envelope, opts Options) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}

	var body []byte
	switch opts.Format {
	case FormatProto:
		body = appendProto(scratch[:0], e)
	case FormatJSON:
		data, err := marshalJSON(e)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal envelope: %w", err)
		}
		body = data
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, opts.Format)
	}

	compression := CompressionNone
	if opts.Compression != CompressionNone && len(body) >= opts.CompressionThreshold {
		packed, err := compress(opts.Compression, nil, body)
		if err != nil {
			return nil, err
		}
		if len(packed) < len(body) {
			body = packed
			compression = opts.Compression
		}
	}

	return appendFrame(dst, frameFlags(opts.Format, compression), body, opts.MaxFrameSize)
}

func parseFrame(frame []byte, maxSize int) (*Envelope, error) {
	format, compression, body, err := splitFrame(frame)
	if err != nil {
		return nil, err
	}
	body, err = decompress(compression, body, maxSize)
	if err != nil {
		return nil, err
	}

	var e *Envelope
	switch format {
	case FormatProto:
		e, err = parseProto(body)
	case FormatJSON:
		e, err = parseJSON(body)
	default:
		err = fmt.Errorf("%w: %d", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, err
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// resetThreshold is the scratch capacity above which Reset releases buffers.
const resetThreshold = 64 * 1024

// Encoder writes envelopes as frames. It is not safe for concurrent use; a
// connection owns one and only its writer goroutine calls it.
type Encoder struct {
	w       io.Writer
	opts    Options
	frame   []byte
	scratch []byte
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer, opts Options) *Encoder {
	return &Encoder{w: w, opts: opts}
}

// Encode writes e as a single frame.
func (enc *Encoder) Encode(e *Envelope) error {
	frame, err := appendEnvelope(enc.frame[:0], enc.scratch, e, enc.opts)
	if err != nil {
		return err
	}
	enc.frame = frame
	if enc.opts.Format == FormatProto && cap(enc.scratch) < len(frame) {
		enc.scratch = make([]byte, 0, len(frame))
	}
	if err := writeFull(enc.w, frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Reset drops buffers that grew past resetThreshold. Writers call it when
// their queue runs dry so one large message does not pin memory.
func (enc *Encoder) Reset() {
	if cap(enc.frame) > resetThreshold {
		enc.frame = nil
	}
	if cap(enc.scratch) > resetThreshold {
		enc.scratch = nil
	}
}

// Decoder reads frames and parses them into envelopes.
type Decoder struct {
	r       *bufio.Reader
	maxSize int
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader, opts Options) *Decoder {
	return &Decoder{r: bufio.NewReader(r), maxSize: opts.MaxFrameSize}
}

// Decode blocks until one envelope has been read.
func (dec *Decoder) Decode() (*Envelope, error) {
	frame, err := ReadFrame(dec.r, dec.maxSize)
	if err != nil {
		return nil, err
	}
	return parseFrame(frame, dec.maxSize)
}
