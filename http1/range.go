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
	"strconv"
	"strings"
)

// ParseRange parses a single-range "bytes=a-b" spec against an object of
// the given length. Multi-range requests are not served from cache; callers
// fall back to the full body. The returned bounds are inclusive.
func ParseRange(spec string, objlen int64) (lo, hi int64, ok bool) {
	spec = strings.TrimSpace(spec)
	if !strings.HasPrefix(spec, "bytes=") {
		return 0, 0, false
	}
	spec = spec[len("bytes="):]
	if strings.ContainsRune(spec, ',') {
		return 0, 0, false
	}
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return 0, 0, false
	}
	first, last := strings.TrimSpace(spec[:dash]), strings.TrimSpace(spec[dash+1:])
	switch {
	case first == "" && last == "":
		return 0, 0, false
	case first == "":
		// suffix range: last n bytes
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > objlen {
			n = objlen
		}
		return objlen - n, objlen - 1, objlen > 0
	default:
		a, err := strconv.ParseInt(first, 10, 64)
		if err != nil || a < 0 {
			return 0, 0, false
		}
		if a >= objlen {
			return 0, 0, false
		}
		b := objlen - 1
		if last != "" {
			b, err = strconv.ParseInt(last, 10, 64)
			if err != nil || b < a {
				return 0, 0, false
			}
			if b >= objlen {
				b = objlen - 1
			}
		}
		return a, b, true
	}
}
