package wire

import "github.com/pkg/errors"

var (
	// ErrNeedMore is returned when the buffer does not yet contain a complete
	// length or frame. It is not a failure: the caller must read more data and
	// retry without consuming any input.
	ErrNeedMore = errors.New("need more data")

	// ErrMalformedLength is returned when a length marker byte matches none of
	// the four size classes.
	ErrMalformedLength = errors.New("malformed length encoding")

	// ErrDecompression is returned when a compressed payload cannot be
	// decompressed into exactly the announced raw length.
	ErrDecompression = errors.New("decompression failed")

	// ErrMalformedBatch is returned when the raw payload of an mset frame does
	// not consist of whole key/value pairs.
	ErrMalformedBatch = errors.New("malformed batch")

	// ErrUnknownOperation is returned for an operation name that is not valid
	// inside the stream.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrFrameTooLarge is returned when a frame announces a payload larger than
	// the configured maximum, before any allocation happens.
	ErrFrameTooLarge = errors.New("frame too large")
)
