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
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
)

// hopByHop are connection-scoped headers that never cross the proxy.
var hopByHop = mapset.NewSet(
	"connection",
	"keep-alive",
	"proxy-authenticate",
	"proxy-authorization",
	"te",
	"trailer",
	"trailers",
	"transfer-encoding",
	"upgrade",
)

// perFetchDrop are end-to-end headers the cache owns on the backend side.
var perFetchDrop = mapset.NewSet(
	"range",
	"if-range",
	"if-modified-since",
	"if-none-match",
	"if-match",
	"if-unmodified-since",
)

func lower(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				if b[j] >= 'A' && b[j] <= 'Z' {
					b[j] += 'a' - 'A'
				}
			}
			return string(b)
		}
	}
	return s
}

// FilterReq copies the client request into a backend request, dropping
// hop-by-hop headers and, for cacheable fetches, the conditional and range
// headers the cache answers itself.
func FilterReq(dst, src *HTTP, cacheable bool) {
	dst.Reset()
	dst.Method = src.Method
	dst.URL = src.URL
	dst.Proto = "HTTP/1.1"
	for _, hd := range src.Hdrs {
		n := lower(hd.Name)
		if hopByHop.Contains(n) {
			continue
		}
		if cacheable && perFetchDrop.Contains(n) {
			continue
		}
		dst.Hdrs = append(dst.Hdrs, hd)
	}
}

// FilterResp copies a stored or fetched response into a client response,
// dropping hop-by-hop headers.
func FilterResp(dst, src *HTTP) {
	dst.Reset()
	dst.Proto = src.Proto
	dst.Status = src.Status
	dst.Reason = src.Reason
	for _, hd := range src.Hdrs {
		if hopByHop.Contains(lower(hd.Name)) {
			continue
		}
		dst.Hdrs = append(dst.Hdrs, hd)
	}
}

// WriteReq serializes a request header block.
func WriteReq(w io.Writer, h *HTTP) error {
	buf := make([]byte, 0, 512)
	buf = append(buf, h.Method...)
	buf = append(buf, ' ')
	buf = append(buf, h.URL...)
	buf = append(buf, ' ')
	buf = append(buf, h.Proto...)
	buf = append(buf, "\r\n"...)
	buf = appendHdrs(buf, h)
	_, err := w.Write(buf)
	return err
}

// WriteResp serializes a response header block.
func WriteResp(w io.Writer, h *HTTP) error {
	buf := make([]byte, 0, 512)
	buf = append(buf, h.Proto...)
	buf = append(buf, ' ')
	buf = strconv.AppendInt(buf, int64(h.Status), 10)
	buf = append(buf, ' ')
	reason := h.Reason
	if reason == "" {
		reason = StatusText(h.Status)
	}
	buf = append(buf, reason...)
	buf = append(buf, "\r\n"...)
	buf = appendHdrs(buf, h)
	_, err := w.Write(buf)
	return err
}

func appendHdrs(buf []byte, h *HTTP) []byte {
	for _, hd := range h.Hdrs {
		buf = append(buf, hd.Name...)
		buf = append(buf, ": "...)
		buf = append(buf, hd.Value...)
		buf = append(buf, "\r\n"...)
	}
	return append(buf, "\r\n"...)
}
