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
	"bytes"
	"errors"
	"strconv"
	"strings"
)

var (
	ErrBadRequestLine  = errors.New("http1: malformed request line")
	ErrBadStatusLine   = errors.New("http1: malformed status line")
	ErrBadHeader       = errors.New("http1: malformed header field")
	ErrObsFold         = errors.New("http1: obsolete header folding")
	ErrHeaderTooLarge  = errors.New("http1: header block too large")
	ErrUnsupportedWire = errors.New("http1: unsupported protocol")
)

// HeaderComplete scans b for a complete header block. Leading empty lines
// are tolerated. It returns the number of bytes up to and including the
// terminating blank line, or 0 if the block is not complete yet.
func HeaderComplete(b []byte) int {
	i := 0
	for i+1 < len(b) && b[i] == '\r' && b[i+1] == '\n' {
		i += 2
	}
	for i < len(b) && b[i] == '\n' {
		i++
	}
	for p := i; p < len(b); p++ {
		if b[p] != '\n' {
			continue
		}
		// b[p] terminates a line; a following CRLF or LF ends the block.
		if p+1 < len(b) && b[p+1] == '\n' {
			return p + 2
		}
		if p+2 < len(b) && b[p+1] == '\r' && b[p+2] == '\n' {
			return p + 3
		}
	}
	return 0
}

// splitLines cuts a header block into its lines, folding obsolete
// line continuations into the previous line when obsFold is set and
// rejecting them otherwise.
func splitLines(b []byte, obsFold bool) ([]string, error) {
	var lines []string
	for len(b) > 0 {
		nl := bytes.IndexByte(b, '\n')
		if nl < 0 {
			return nil, ErrBadHeader
		}
		line := b[:nl]
		b = b[nl+1:]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if len(line) == 0 {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(lines) == 0 {
				return nil, ErrBadHeader
			}
			if !obsFold {
				return nil, ErrObsFold
			}
			lines[len(lines)-1] += " " + strings.Trim(string(line), " \t")
			continue
		}
		lines = append(lines, string(line))
	}
	return lines, nil
}

// DissectRequest parses a complete request header block into h.
func DissectRequest(h *HTTP, b []byte, obsFold bool) error {
	h.Reset()
	lines, err := splitLines(skipEmpty(b), obsFold)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return ErrBadRequestLine
	}
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return ErrBadRequestLine
	}
	h.Method = parts[0]
	h.URL = parts[1]
	h.Proto = strings.TrimSpace(parts[2])
	if h.Proto != "HTTP/1.0" && h.Proto != "HTTP/1.1" {
		return ErrUnsupportedWire
	}
	if err := parseHdrs(h, lines[1:]); err != nil {
		return err
	}
	h.CollectHdr("Cache-Control")
	h.CollectHdr("Vary")
	return nil
}

// DissectResponse parses a complete response header block into h.
func DissectResponse(h *HTTP, b []byte, obsFold bool) error {
	h.Reset()
	lines, err := splitLines(skipEmpty(b), obsFold)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return ErrBadStatusLine
	}
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) < 2 {
		return ErrBadStatusLine
	}
	h.Proto = parts[0]
	if h.Proto != "HTTP/1.0" && h.Proto != "HTTP/1.1" {
		return ErrUnsupportedWire
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return ErrBadStatusLine
	}
	h.Status = code
	if len(parts) == 3 {
		h.Reason = strings.TrimSpace(parts[2])
	}
	if err := parseHdrs(h, lines[1:]); err != nil {
		return err
	}
	h.CollectHdr("Cache-Control")
	h.CollectHdr("Vary")
	return nil
}

func skipEmpty(b []byte) []byte {
	for len(b) > 0 && (b[0] == '\r' || b[0] == '\n') {
		b = b[1:]
	}
	return b
}

func parseHdrs(h *HTTP, lines []string) error {
	for _, line := range lines {
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return ErrBadHeader
		}
		name := line[:colon]
		if strings.ContainsAny(name, " \t") {
			return ErrBadHeader
		}
		for i := 0; i < len(name); i++ {
			if name[i] <= ' ' || name[i] >= 0x7f {
				return ErrBadHeader
			}
		}
		h.Hdrs = append(h.Hdrs, Hdr{
			Name:  name,
			Value: strings.Trim(line[colon+1:], " \t"),
		})
	}
	return nil
}
