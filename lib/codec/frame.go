// Package codec implements svalin's chunked object transport: a
// length-delimited framing layer (this file) plus a typed object
// codec (codec.go) built on top of it.
package codec

import (
	"encoding/binary"
	"io"

	"github.com/gravitational/trace"

	"github.com/svalinhq/svalin/lib/defaults"
)

// shortLengthMask marks a 4-byte length prefix in its first byte.
const shortLengthMask = 0x80

// WriteFrame writes a single length-prefixed chunk to w. Lengths below
// defaults.ShortLengthCutoff use a one-byte prefix with the high bit
// clear; larger lengths use a four-byte big-endian prefix with the top
// bit of the first byte set, carrying the remaining 31 bits of length.
func WriteFrame(w io.Writer, chunk []byte) error {
	n := len(chunk)
	if n > defaults.MaxFrameLength {
		return trace.LimitExceeded("frame of %d bytes exceeds maximum of %d", n, defaults.MaxFrameLength)
	}

	if n < defaults.ShortLengthCutoff {
		if _, err := w.Write([]byte{byte(n)}); err != nil {
			return trace.ConnectionProblem(err, "writing frame length")
		}
	} else {
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], uint32(n)|uint32(shortLengthMask)<<24)
		if _, err := w.Write(header[:]); err != nil {
			return trace.ConnectionProblem(err, "writing frame length")
		}
	}

	if _, err := w.Write(chunk); err != nil {
		return trace.ConnectionProblem(err, "writing frame body")
	}
	return nil
}

// ReadFrame reads one length-prefixed chunk from r. A read that ends
// before the declared length is fully consumed returns a Truncated
// error rather than a raw io.EOF, so callers can distinguish a clean
// stream close (nothing read yet) from a peer that died mid-object.
func ReadFrame(r io.Reader) ([]byte, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, trace.ConnectionProblem(err, "reading frame length")
	}

	var length int
	if first[0]&shortLengthMask == 0 {
		length = int(first[0])
	} else {
		var rest [3]byte
		if _, err := io.ReadFull(r, rest[:]); err != nil {
			return nil, truncated(err)
		}
		header := [4]byte{first[0] &^ shortLengthMask, rest[0], rest[1], rest[2]}
		length = int(binary.BigEndian.Uint32(header[:]))
	}

	if length > defaults.MaxFrameLength {
		return nil, trace.LimitExceeded("frame of %d bytes exceeds maximum of %d", length, defaults.MaxFrameLength)
	}

	chunk := make([]byte, length)
	if _, err := io.ReadFull(r, chunk); err != nil {
		return nil, truncated(err)
	}
	return chunk, nil
}

func truncated(cause error) error {
	if cause == io.EOF || cause == io.ErrUnexpectedEOF {
		return trace.Wrap(cause, "truncated frame")
	}
	return trace.ConnectionProblem(cause, "reading frame body")
}
