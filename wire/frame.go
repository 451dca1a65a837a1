package wire

import (
	"github.com/pkg/errors"

	"powerdns.com/platform/snapsync/storage"
)

// Operation names. The set is closed.
const (
	// OpSync is the control request that starts a transfer. It is sent as a
	// control message, never as a stream frame.
	OpSync = "ssdb_sync"
	// OpMSet carries a batch of key/value pairs
	OpMSet = "mset"
	// OpComplete marks the end of the stream
	OpComplete = "complete"
)

// maxOpLen is the longest operation name we accept before deciding that the
// input is garbage. Without it a corrupt length would make us wait forever.
const maxOpLen = 32

// DefaultMaxFrameSize limits the raw and compressed size of a single frame
const DefaultMaxFrameSize = 256 * 1024 * 1024

// AppendString appends the length-prefixed s to dst.
func AppendString(dst, s []byte) []byte {
	dst = AppendLength(dst, uint64(len(s)))
	return append(dst, s...)
}

// Batch accumulates key/value pairs in their serialized form.
// The order of Add calls is preserved on the wire.
type Batch struct {
	raw []byte
	n   int
}

// Add appends a pair. The key and value are copied, so the caller may reuse
// them afterwards.
func (b *Batch) Add(key, value []byte) {
	b.raw = AppendString(b.raw, key)
	b.raw = AppendString(b.raw, value)
	b.n++
}

// Size returns the serialized size in bytes
func (b *Batch) Size() int {
	return len(b.raw)
}

// Len returns the number of pairs
func (b *Batch) Len() int {
	return b.n
}

// Bytes returns the serialized pairs. Only valid until the next Add or Reset.
func (b *Batch) Bytes() []byte {
	return b.raw
}

// Reset empties the batch, keeping the allocated memory
func (b *Batch) Reset() {
	b.raw = b.raw[:0]
	b.n = 0
}

// Encoder builds stream frames.
// An Encoder is not safe for concurrent use.
type Encoder struct {
	c       Compressor
	scratch []byte
}

// NewEncoder returns an Encoder that compresses mset payloads with c
func NewEncoder(c Compressor) *Encoder {
	return &Encoder{c: c}
}

// AppendMSet appends an mset frame with the serialized pairs in raw to dst.
// The compressed form is only used if it is strictly smaller than raw,
// otherwise the raw bytes are stored with a compressed length of 0.
func (e *Encoder) AppendMSet(dst, raw []byte) (out []byte, compressed bool) {
	dst = AppendString(dst, []byte(OpMSet))
	dst = AppendLength(dst, uint64(len(raw)))

	c := e.c.Compress(e.scratch, raw)
	if len(c) > 0 && len(c) < len(raw) {
		e.scratch = c[:0]
		dst = AppendLength(dst, uint64(len(c)))
		return append(dst, c...), true
	}
	// Literal: the payload that follows is exactly len(raw) bytes
	dst = AppendLength(dst, 0)
	return append(dst, raw...), false
}

// AppendComplete appends a complete frame to dst
func (e *Encoder) AppendComplete(dst []byte) []byte {
	return AppendString(dst, []byte(OpComplete))
}

// Frame is a decoded stream frame
type Frame struct {
	Op         string
	Pairs      []storage.KV
	RawSize    int  // size of the uncompressed pairs
	Compressed bool // payload was compressed on the wire
}

// Decoder parses stream frames
type Decoder struct {
	c            Compressor
	maxFrameSize uint64
}

// NewDecoder returns a Decoder that decompresses with c and refuses frames
// larger than maxFrameSize. A maxFrameSize of 0 selects DefaultMaxFrameSize.
func NewDecoder(c Compressor, maxFrameSize uint64) *Decoder {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{c: c, maxFrameSize: maxFrameSize}
}

// Decode decodes a single frame from the start of buf and returns it together
// with the number of bytes it occupied.
// If buf does not hold a complete frame yet, ErrNeedMore is returned and
// nothing must be consumed.
// The returned pairs never reference buf.
func (d *Decoder) Decode(buf []byte) (f Frame, n int, err error) {
	opLen, off, err := DecodeLength(buf)
	if err != nil {
		return f, 0, err
	}
	if opLen > maxOpLen {
		return f, 0, errors.Wrapf(ErrUnknownOperation, "operation name of %d bytes", opLen)
	}
	if uint64(len(buf)-off) < opLen {
		return f, 0, ErrNeedMore
	}
	op := string(buf[off : off+int(opLen)])
	off += int(opLen)

	switch op {
	case OpComplete:
		return Frame{Op: op}, off, nil
	case OpMSet:
		// handled below
	default:
		return f, 0, errors.Wrapf(ErrUnknownOperation, "%q", op)
	}

	rawLen, size, err := DecodeLength(buf[off:])
	if err != nil {
		return f, 0, err
	}
	off += size
	compLen, size, err := DecodeLength(buf[off:])
	if err != nil {
		return f, 0, err
	}
	off += size

	if rawLen > d.maxFrameSize || compLen > d.maxFrameSize {
		return f, 0, errors.Wrapf(ErrFrameTooLarge, "raw %d, compressed %d, limit %d",
			rawLen, compLen, d.maxFrameSize)
	}

	// A compressed length of 0 means the raw bytes follow as is
	payloadLen := compLen
	if compLen == 0 {
		payloadLen = rawLen
	}
	if uint64(len(buf)-off) < payloadLen {
		return f, 0, ErrNeedMore
	}
	payload := buf[off : off+int(payloadLen)]
	off += int(payloadLen)

	var raw []byte
	if compLen == 0 {
		raw = make([]byte, len(payload))
		copy(raw, payload)
	} else {
		raw, err = d.c.Decompress(nil, payload, int(rawLen))
		if err != nil {
			return f, 0, errors.Wrap(ErrDecompression, err.Error())
		}
		if uint64(len(raw)) != rawLen {
			return f, 0, errors.Wrapf(ErrDecompression, "got %d bytes, expected %d",
				len(raw), rawLen)
		}
	}

	pairs, err := ParsePairs(raw)
	if err != nil {
		return f, 0, err
	}
	f = Frame{
		Op:         op,
		Pairs:      pairs,
		RawSize:    len(raw),
		Compressed: compLen > 0,
	}
	return f, off, nil
}

// ParsePairs parses serialized key/value pairs until raw is exhausted.
// The returned slices point into raw.
func ParsePairs(raw []byte) ([]storage.KV, error) {
	var pairs []storage.KV
	for len(raw) > 0 {
		key, rest, err := parseString(raw)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedBatch, "key of pair %d: %v", len(pairs), err)
		}
		val, rest, err := parseString(rest)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedBatch, "value of pair %d: %v", len(pairs), err)
		}
		pairs = append(pairs, storage.KV{Key: key, Value: val})
		raw = rest
	}
	return pairs, nil
}

func parseString(b []byte) (s, rest []byte, err error) {
	n, size, err := DecodeLength(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(b)-size) < n {
		return nil, nil, errors.Errorf("length %d exceeds remaining %d bytes", n, len(b)-size)
	}
	end := size + int(n)
	return b[size:end:end], b[end:], nil
}
