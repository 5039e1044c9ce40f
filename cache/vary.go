// Copyright 2025 The go-lagoon Authors
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

package cache

import (
	"strings"

	"github.com/lagoon-cache/go-lagoon/http1"
)

// Vary fingerprints encode, for each field named by the response's Vary
// header, the request value that produced the stored object:
//
//	name NUL value NUL ... name NUL value NUL
//
// Field names are stored lowercased; absent request headers contribute an
// empty value. A lookup matches when rebuilding the fingerprint from the
// incoming request yields identical bytes.

// VaryCreate builds the fingerprint for a response being fetched with req.
// It returns nil when the response has no Vary header, and ok=false when the
// response varies on "*" and must not be cached.
func VaryCreate(resp, req *http1.HTTP) (fp []byte, ok bool) {
	v, has := resp.GetHdr("Vary")
	if !has || strings.TrimSpace(v) == "" {
		return nil, true
	}
	var buf []byte
	for _, field := range strings.Split(v, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if field == "*" {
			return nil, false
		}
		buf = appendVaryField(buf, field, req)
	}
	return buf, true
}

// VaryMatch reports whether the stored fingerprint matches req.
func VaryMatch(fp []byte, req *http1.HTTP) bool {
	if len(fp) == 0 {
		return true
	}
	b := fp
	for len(b) > 0 {
		nameEnd := indexNul(b)
		if nameEnd < 0 {
			return false
		}
		name := string(b[:nameEnd])
		b = b[nameEnd+1:]
		valEnd := indexNul(b)
		if valEnd < 0 {
			return false
		}
		want := string(b[:valEnd])
		b = b[valEnd+1:]
		have, _ := req.GetHdr(name)
		if have != want {
			return false
		}
	}
	return true
}

func appendVaryField(buf []byte, field string, req *http1.HTTP) []byte {
	buf = append(buf, strings.ToLower(field)...)
	buf = append(buf, 0)
	if v, ok := req.GetHdr(field); ok {
		buf = append(buf, v...)
	}
	return append(buf, 0)
}

func indexNul(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
