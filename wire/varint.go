// Package wire implements the binary framing used to stream a snapshot from
// one node to another.
//
// All lengths on the wire use a compact variable length encoding with four
// size classes, identified by the top two bits of the first byte:
//
//	00vvvvvv                     6 bit length
//	01vvvvvv vvvvvvvv            14 bit length, big-endian
//	10000000 + 4 bytes           32 bit length, big-endian
//	10000001 + 8 bytes           64 bit length, big-endian
//
// Every frame is fully length-prefixed, so a receiver can always tell if
// enough bytes have arrived before parsing it.
package wire

import (
	"encoding/binary"
	"math"
)

// Length encoding markers
const (
	len6Bit  = 0x00
	len14Bit = 0x40
	len32Bit = 0x80
	len64Bit = 0x81

	typeMask = 0xC0
	valMask  = 0x3F
)

// MaxLengthSize is the maximum number of bytes used to encode a length
const MaxLengthSize = 9

// LengthSize returns the number of bytes AppendLength will use for n.
func LengthSize(n uint64) int {
	switch {
	case n < 1<<6:
		return 1
	case n < 1<<14:
		return 2
	case n <= math.MaxUint32:
		return 5
	default:
		return 9
	}
}

// AppendLength appends the encoded length n to dst and returns the extended
// slice.
func AppendLength(dst []byte, n uint64) []byte {
	switch {
	case n < 1<<6:
		return append(dst, byte(n)|len6Bit)
	case n < 1<<14:
		return append(dst, byte(n>>8)|len14Bit, byte(n))
	case n <= math.MaxUint32:
		dst = append(dst, len32Bit)
		return binary.BigEndian.AppendUint32(dst, uint32(n))
	default:
		dst = append(dst, len64Bit)
		return binary.BigEndian.AppendUint64(dst, n)
	}
}

// DecodeLength decodes a length from the start of b. It returns the value and
// the number of bytes it occupied.
// If b is too short to hold the full length, ErrNeedMore is returned. An
// unknown marker returns ErrMalformedLength.
func DecodeLength(b []byte) (n uint64, size int, err error) {
	if len(b) == 0 {
		return 0, 0, ErrNeedMore
	}
	first := b[0]
	switch first & typeMask {
	case len6Bit:
		return uint64(first & valMask), 1, nil
	case len14Bit:
		if len(b) < 2 {
			return 0, 0, ErrNeedMore
		}
		return uint64(first&valMask)<<8 | uint64(b[1]), 2, nil
	}
	switch first {
	case len32Bit:
		if len(b) < 5 {
			return 0, 0, ErrNeedMore
		}
		return uint64(binary.BigEndian.Uint32(b[1:5])), 5, nil
	case len64Bit:
		if len(b) < 9 {
			return 0, 0, ErrNeedMore
		}
		return binary.BigEndian.Uint64(b[1:9]), 9, nil
	}
	return 0, 0, ErrMalformedLength
}
