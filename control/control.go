// Package control implements the line based message format used for
// commands and replies between nodes.
//
// A message is an array of strings. Every element is encoded as its decimal
// length, a newline, the raw bytes and another newline. An empty line ends
// the message:
//
//	9\nssdb_sync\n\n
//
// A carriage return before any of the newlines is tolerated on input.
package control

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
)

// Reply status values
const (
	StatusOK     = "ok"
	StatusError  = "error"
	StatusFailed = "failed"
)

var (
	// ErrNeedMore means that the buffer does not contain a full message yet
	ErrNeedMore = errors.New("incomplete control message")
	// ErrMalformed means the input can never become a valid message
	ErrMalformed = errors.New("malformed control message")
)

// maxLenDigits limits the length line, so that garbage input is detected
// without waiting for a newline that may never come
const maxLenDigits = 10

// MaxElementSize is the largest element accepted by Parse
const MaxElementSize = 32 * 1024 * 1024

// Append appends a message containing items to dst
func Append(dst []byte, items ...string) []byte {
	for _, it := range items {
		dst = strconv.AppendInt(dst, int64(len(it)), 10)
		dst = append(dst, '\n')
		dst = append(dst, it...)
		dst = append(dst, '\n')
	}
	return append(dst, '\n')
}

// Parse parses one message from the start of buf and returns its items and
// the number of bytes it occupied. If buf holds a partial message,
// ErrNeedMore is returned and nothing must be consumed.
func Parse(buf []byte) (items []string, consumed int, err error) {
	off := 0
	for {
		line, n, err := readLine(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		if len(line) == 0 {
			// Message end. A message without items is an empty keepalive.
			return items, off, nil
		}

		size, err := strconv.Atoi(string(line))
		if err != nil || size < 0 {
			return nil, 0, errors.Wrapf(ErrMalformed, "bad element length %q", line)
		}
		if size > MaxElementSize {
			return nil, 0, errors.Wrapf(ErrMalformed, "element of %d bytes too large", size)
		}
		if len(buf)-off < size+1 {
			return nil, 0, ErrNeedMore
		}
		data := buf[off : off+size]
		off += size

		// Element data is followed by a newline, optionally preceded by \r
		switch {
		case buf[off] == '\n':
			off++
		case buf[off] == '\r':
			if len(buf)-off < 2 {
				return nil, 0, ErrNeedMore
			}
			if buf[off+1] != '\n' {
				return nil, 0, errors.Wrap(ErrMalformed, "element not followed by newline")
			}
			off += 2
		default:
			return nil, 0, errors.Wrap(ErrMalformed, "element not followed by newline")
		}
		items = append(items, string(data))
	}
}

// readLine returns the line at the start of b without its line ending
func readLine(b []byte) (line []byte, n int, err error) {
	limit := len(b)
	if limit > maxLenDigits+2 {
		limit = maxLenDigits + 2
	}
	i := bytes.IndexByte(b[:limit], '\n')
	if i < 0 {
		if len(b) >= maxLenDigits+2 {
			return nil, 0, errors.Wrap(ErrMalformed, "length line too long")
		}
		return nil, 0, ErrNeedMore
	}
	line = b[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, i + 1, nil
}

// IsFailure reports whether a reply to a completion or handshake request
// means failure. A missing reply is a failure.
func IsFailure(reply []string) bool {
	if len(reply) == 0 {
		return true
	}
	return reply[0] == StatusFailed || reply[0] == StatusError
}

// IsOK reports whether a reply starts with StatusOK
func IsOK(reply []string) bool {
	return len(reply) > 0 && reply[0] == StatusOK
}
