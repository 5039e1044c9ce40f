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
	"io"
	"net"
	"time"
)

// Conn buffers one side of an HTTP/1.x connection. Reads go through a
// pipeline buffer so that bytes belonging to the next request, received
// early, are retained across request boundaries.
type Conn struct {
	nc   net.Conn
	buf  []byte
	have int // bytes filled
	off  int // bytes consumed
}

// NewConn wraps nc with a buffer of the given size. The size bounds the
// header block of a single request.
func NewConn(nc net.Conn, bufsize int) *Conn {
	return &Conn{nc: nc, buf: make([]byte, bufsize)}
}

// NetConn returns the underlying connection.
func (c *Conn) NetConn() net.Conn {
	return c.nc
}

// Buffered returns the number of unconsumed buffered bytes.
func (c *Conn) Buffered() int {
	return c.have - c.off
}

// NextRequest shifts any pipelined leftover to the front of the buffer,
// making room for the next request's headers.
func (c *Conn) NextRequest() {
	if c.off > 0 {
		copy(c.buf, c.buf[c.off:c.have])
		c.have -= c.off
		c.off = 0
	}
}

// AwaitHeaders reads from the connection until a complete header block is
// buffered and returns it. The deadline bounds the whole wait; a zero
// deadline blocks indefinitely. The returned slice is valid until
// NextRequest is called.
func (c *Conn) AwaitHeaders(deadline time.Time) ([]byte, error) {
	for {
		if n := HeaderComplete(c.buf[c.off:c.have]); n > 0 {
			hdr := c.buf[c.off : c.off+n]
			c.off += n
			return hdr, nil
		}
		if c.have == len(c.buf) {
			return nil, ErrHeaderTooLarge
		}
		if err := c.nc.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := c.nc.Read(c.buf[c.have:])
		c.have += n
		if err != nil {
			return nil, err
		}
	}
}

// Poke blocks until at least one byte of the next request is available,
// either already pipelined or read from the socket. The waiter parks idle
// keep-alive sessions on this.
func (c *Conn) Poke(deadline time.Time) error {
	if c.Buffered() > 0 {
		return nil
	}
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return err
	}
	n, err := c.nc.Read(c.buf[c.have:])
	c.have += n
	if n > 0 {
		return nil
	}
	if err == nil {
		err = io.EOF
	}
	return err
}

// Read drains the pipeline buffer first, then the socket. Body readers are
// layered on top of this.
func (c *Conn) Read(p []byte) (int, error) {
	if c.off < c.have {
		n := copy(p, c.buf[c.off:c.have])
		c.off += n
		return n, nil
	}
	return c.nc.Read(p)
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.nc.SetReadDeadline(t)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// BodyStatus describes how a message body is framed.
type BodyStatus int

const (
	BodyNone BodyStatus = iota
	BodyLength
	BodyChunked
	BodyEOF
	BodyError
)

func (b BodyStatus) String() string {
	switch b {
	case BodyNone:
		return "none"
	case BodyLength:
		return "length"
	case BodyChunked:
		return "chunked"
	case BodyEOF:
		return "eof"
	default:
		return "error"
	}
}

// RespBodyFraming decides the body framing of a backend response to the
// given request method. It returns the framing and, for BodyLength, the
// length.
func RespBodyFraming(method string, resp *HTTP) (BodyStatus, int64) {
	if method == "HEAD" {
		return BodyNone, 0
	}
	switch {
	case resp.Status >= 100 && resp.Status < 200, resp.Status == 204, resp.Status == 304:
		return BodyNone, 0
	}
	if resp.IsChunked() {
		return BodyChunked, -1
	}
	if cl := resp.ContentLength(); cl >= 0 {
		return BodyLength, cl
	}
	if _, ok := resp.GetHdr("Transfer-Encoding"); ok {
		// An encoding other than chunked cannot be framed.
		return BodyError, -1
	}
	return BodyEOF, -1
}

// ReqBodyFraming decides the body framing of a client request.
func ReqBodyFraming(req *HTTP) (BodyStatus, int64) {
	if req.IsChunked() {
		return BodyChunked, -1
	}
	if cl := req.ContentLength(); cl >= 0 {
		return BodyLength, cl
	}
	if _, ok := req.GetHdr("Transfer-Encoding"); ok {
		return BodyError, -1
	}
	return BodyNone, 0
}

// BodyReader returns a reader over one message body with the given framing.
// The reader returns io.EOF at the end of the body; the connection remains
// usable for the next message.
func BodyReader(r io.Reader, status BodyStatus, length int64) io.Reader {
	switch status {
	case BodyNone:
		return eofReader{}
	case BodyLength:
		return &io.LimitedReader{R: r, N: length}
	case BodyChunked:
		return NewChunkedReader(r)
	case BodyEOF:
		return r
	default:
		return eofReader{}
	}
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
