// Copyright 2024 The go-lagoon Authors
// This file is part of the go-lagoon library.
//
// The go-lagoon library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-lagoon library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-lagoon library. If not, see <http://www.gnu.org/licenses/>.

package http1

import (
	"errors"
	"fmt"
	"io"
)

var ErrBadChunk = errors.New("http1: malformed chunked framing")

// chunkedReader decodes chunked transfer encoding. Chunk headers are read a
// byte at a time; the bytes almost always come out of the connection's
// pipeline buffer, not a syscall.
type chunkedReader struct {
	r         io.Reader
	remaining int64
	done      bool
}

// NewChunkedReader returns a reader decoding a chunked body from r. It
// returns io.EOF after the terminating zero chunk and its trailers.
func NewChunkedReader(r io.Reader) io.Reader {
	return &chunkedReader{r: r}
}

func (cr *chunkedReader) Read(p []byte) (int, error) {
	if cr.done {
		return 0, io.EOF
	}
	if cr.remaining == 0 {
		size, err := cr.readChunkHeader()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			if err := cr.readTrailers(); err != nil {
				return 0, err
			}
			cr.done = true
			return 0, io.EOF
		}
		cr.remaining = size
	}
	if int64(len(p)) > cr.remaining {
		p = p[:cr.remaining]
	}
	n, err := cr.r.Read(p)
	cr.remaining -= int64(n)
	if cr.remaining == 0 && err == nil {
		err = cr.readCRLF()
	}
	if err == io.EOF {
		err = ErrBadChunk
	}
	return n, err
}

// readChunkHeader parses "<hex>[;ext]\r\n".
func (cr *chunkedReader) readChunkHeader() (int64, error) {
	var size int64
	seen := false
	ext := false
	for {
		c, err := cr.readByte()
		if err != nil {
			return 0, err
		}
		switch {
		case c == '\r':
			c, err = cr.readByte()
			if err != nil {
				return 0, err
			}
			if c != '\n' {
				return 0, ErrBadChunk
			}
			if !seen {
				return 0, ErrBadChunk
			}
			return size, nil
		case c == '\n':
			if !seen {
				return 0, ErrBadChunk
			}
			return size, nil
		case c == ';':
			ext = true
		case ext:
			// chunk extension, discarded
		default:
			d := hexval(c)
			if d < 0 {
				return 0, ErrBadChunk
			}
			size = size<<4 | int64(d)
			if size < 0 {
				return 0, ErrBadChunk
			}
			seen = true
		}
	}
}

// readTrailers consumes trailer lines until the blank line ending the body.
func (cr *chunkedReader) readTrailers() error {
	empty := true
	for {
		c, err := cr.readByte()
		if err != nil {
			return err
		}
		switch c {
		case '\r':
			// swallow, decided by the following byte
		case '\n':
			if empty {
				return nil
			}
			empty = true
		default:
			empty = false
		}
	}
}

func (cr *chunkedReader) readCRLF() error {
	c, err := cr.readByte()
	if err != nil {
		return err
	}
	if c == '\r' {
		c, err = cr.readByte()
		if err != nil {
			return err
		}
	}
	if c != '\n' {
		return ErrBadChunk
	}
	return nil
}

func (cr *chunkedReader) readByte() (byte, error) {
	var b [1]byte
	for {
		n, err := cr.r.Read(b[:])
		if n == 1 {
			return b[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
}

func hexval(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}

// ChunkedWriter encodes writes as chunked transfer encoding. Close writes
// the terminating zero chunk; it does not close the underlying writer.
type ChunkedWriter struct {
	W io.Writer
}

func (cw *ChunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(cw.W, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := cw.W.Write(p); err != nil {
		return 0, err
	}
	if _, err := io.WriteString(cw.W, "\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close terminates the chunked body.
func (cw *ChunkedWriter) Close() error {
	_, err := io.WriteString(cw.W, "0\r\n\r\n")
	return err
}
