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
	"net/http"
	"strings"
	"time"
)

// NotModified decides whether a stored response can be answered with 304
// for the given conditional request. If-None-Match takes precedence over
// If-Modified-Since when both are present.
func NotModified(req, obj *HTTP) bool {
	if inm, ok := req.GetHdr("If-None-Match"); ok {
		etag, has := obj.GetHdr("ETag")
		if !has {
			return false
		}
		for _, cand := range strings.Split(inm, ",") {
			cand = strings.TrimSpace(cand)
			if cand == "*" || etagMatch(cand, etag) {
				return true
			}
		}
		return false
	}
	if ims, ok := req.GetHdr("If-Modified-Since"); ok {
		imsT, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		lm, has := obj.GetHdr("Last-Modified")
		if !has {
			return false
		}
		lmT, err := http.ParseTime(lm)
		if err != nil {
			return false
		}
		return !lmT.After(imsT)
	}
	return false
}

// etagMatch implements the weak comparison: W/ prefixes are stripped.
func etagMatch(a, b string) bool {
	return strings.TrimPrefix(a, "W/") == strings.TrimPrefix(b, "W/")
}

// ParseHTTPDate parses an HTTP date header value.
func ParseHTTPDate(v string) (time.Time, bool) {
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FormatHTTPDate formats t as an RFC1123 GMT date for header use.
func FormatHTTPDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}
