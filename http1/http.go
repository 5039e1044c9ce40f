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

// Package http1 implements the HTTP/1.x wire codec: header tables, request
// and response dissection, body framing, and serialization. It is
// deliberately lower level than net/http; the cache needs byte-exact control
// over framing, pipelining and header pass-through.
package http1

import (
	"strconv"
	"strings"
)

// Hdr is one header field. Name case is preserved on the wire, comparisons
// are case-insensitive.
type Hdr struct {
	Name  string
	Value string
}

// HTTP is a request or response header table plus start-line fields, the
// in-memory form every subsystem works on.
type HTTP struct {
	Proto  string // "HTTP/1.0" or "HTTP/1.1"
	Method string // request only
	URL    string // request only
	Status int    // response only
	Reason string // response only
	Hdrs   []Hdr
}

// Reset clears the table for reuse, keeping the header slice capacity.
func (h *HTTP) Reset() {
	h.Proto = ""
	h.Method = ""
	h.URL = ""
	h.Status = 0
	h.Reason = ""
	h.Hdrs = h.Hdrs[:0]
}

// CopyFrom makes h a deep-enough copy of src. Strings are immutable so the
// header slice is the only thing duplicated.
func (h *HTTP) CopyFrom(src *HTTP) {
	h.Proto = src.Proto
	h.Method = src.Method
	h.URL = src.URL
	h.Status = src.Status
	h.Reason = src.Reason
	h.Hdrs = append(h.Hdrs[:0], src.Hdrs...)
}

// Proto11 reports whether the message is HTTP/1.1.
func (h *HTTP) Proto11() bool {
	return h.Proto == "HTTP/1.1"
}

// GetHdr returns the value of the first header with the given name.
func (h *HTTP) GetHdr(name string) (string, bool) {
	for i := range h.Hdrs {
		if strings.EqualFold(h.Hdrs[i].Name, name) {
			return h.Hdrs[i].Value, true
		}
	}
	return "", false
}

// GetHdrToken reports whether the named header contains the given token in
// its comma-separated value list.
func (h *HTTP) GetHdrToken(name, token string) bool {
	v, ok := h.GetHdr(name)
	if !ok {
		return false
	}
	for _, part := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// SetHdr replaces the first header with the given name, or appends it.
func (h *HTTP) SetHdr(name, value string) {
	for i := range h.Hdrs {
		if strings.EqualFold(h.Hdrs[i].Name, name) {
			h.Hdrs[i].Value = value
			return
		}
	}
	h.Hdrs = append(h.Hdrs, Hdr{Name: name, Value: value})
}

// AddHdr appends a header without looking for duplicates.
func (h *HTTP) AddHdr(name, value string) {
	h.Hdrs = append(h.Hdrs, Hdr{Name: name, Value: value})
}

// UnsetHdr removes every header with the given name.
func (h *HTTP) UnsetHdr(name string) {
	kept := h.Hdrs[:0]
	for _, hd := range h.Hdrs {
		if !strings.EqualFold(hd.Name, name) {
			kept = append(kept, hd)
		}
	}
	h.Hdrs = kept
}

// CollectHdr folds duplicate occurrences of the named header into the first
// one, joined with ", ". Cache-Control and Vary are collected this way so
// later processing sees one logical header.
func (h *HTTP) CollectHdr(name string) {
	first := -1
	kept := h.Hdrs[:0]
	for _, hd := range h.Hdrs {
		if !strings.EqualFold(hd.Name, name) {
			kept = append(kept, hd)
			continue
		}
		if first < 0 {
			kept = append(kept, hd)
			first = len(kept) - 1
			continue
		}
		if hd.Value != "" {
			kept[first].Value += ", " + hd.Value
		}
	}
	h.Hdrs = kept
}

// ContentLength returns the parsed Content-Length, or -1 when absent or
// malformed.
func (h *HTTP) ContentLength() int64 {
	v, ok := h.GetHdr("Content-Length")
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// IsChunked reports whether Transfer-Encoding announces chunked framing.
func (h *HTTP) IsChunked() bool {
	return h.GetHdrToken("Transfer-Encoding", "chunked")
}

// ConnClose reports whether the message forces connection close: an explicit
// Connection: close, or an HTTP/1.0 message without keep-alive.
func (h *HTTP) ConnClose() bool {
	if h.GetHdrToken("Connection", "close") {
		return true
	}
	if h.Proto == "HTTP/1.0" && !h.GetHdrToken("Connection", "keep-alive") {
		return true
	}
	return false
}

// StatusText returns the reason phrase for the handful of statuses the cache
// synthesizes itself.
func StatusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 200:
		return "OK"
	case 206:
		return "Partial Content"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 413:
		return "Request Entity Too Large"
	case 417:
		return "Expectation Failed"
	case 416:
		return "Requested Range Not Satisfiable"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown Error"
	}
}
