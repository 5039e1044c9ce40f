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

package vcl

import (
	"strconv"
	"strings"
	"time"

	"github.com/lagoon-cache/go-lagoon/http1"
)

// Builtin is the default policy: conservative caching of GET/HEAD without
// credentials, TTL from the response's cache headers.
type Builtin struct {
	DefaultTTL   time.Duration
	DefaultGrace time.Duration
}

func (b *Builtin) Name() string { return "builtin" }

func (b *Builtin) Recv(ctx *Ctx) Action {
	switch ctx.Req.Method {
	case "GET", "HEAD":
	case "POST", "PUT", "DELETE", "OPTIONS", "TRACE", "PATCH":
		return ActPass
	default:
		// Unknown methods get a raw relay.
		return ActPipe
	}
	if _, ok := ctx.Req.GetHdr("Authorization"); ok {
		return ActPass
	}
	if _, ok := ctx.Req.GetHdr("Cookie"); ok {
		return ActPass
	}
	return ActLookup
}

func (b *Builtin) Hash(ctx *Ctx) Action {
	host, _ := ctx.Req.GetHdr("Host")
	ctx.HashMaterial = append(ctx.HashMaterial, ctx.Req.URL, host)
	return ActLookup
}

func (b *Builtin) Pipe(ctx *Ctx) Action { return ActPipe }
func (b *Builtin) Pass(ctx *Ctx) Action { return ActPass }
func (b *Builtin) Hit(ctx *Ctx) Action  { return ActDeliver }
func (b *Builtin) Miss(ctx *Ctx) Action { return ActFetch }

func (b *Builtin) Fetch(ctx *Ctx) Action {
	resp := ctx.BeResp
	ttl, cacheable := ResponseTTL(resp, b.DefaultTTL)
	ctx.TTL = ttl
	ctx.Grace = b.DefaultGrace
	if !cacheable {
		return ActHitForPass
	}
	if _, ok := resp.GetHdr("Set-Cookie"); ok {
		return ActHitForPass
	}
	return ActDeliver
}

func (b *Builtin) Deliver(ctx *Ctx) Action { return ActDeliver }
func (b *Builtin) Error(ctx *Ctx) Action   { return ActDeliver }

// cacheableStatus lists the response statuses the cache will store.
func cacheableStatus(code int) bool {
	switch code {
	case 200, 203, 300, 301, 302, 404, 410:
		return true
	}
	return false
}

// ResponseTTL derives the storage TTL from a response: s-maxage beats
// max-age beats Expires beats the configured default. Uncacheable responses
// return cacheable false.
func ResponseTTL(resp *http1.HTTP, def time.Duration) (time.Duration, bool) {
	if !cacheableStatus(resp.Status) {
		return 0, false
	}
	cc, _ := resp.GetHdr("Cache-Control")
	if cc != "" {
		lcc := strings.ToLower(cc)
		if strings.Contains(lcc, "no-store") || strings.Contains(lcc, "no-cache") ||
			strings.Contains(lcc, "private") {
			return 0, false
		}
		if v, ok := ccValue(lcc, "s-maxage"); ok {
			return time.Duration(v) * time.Second, v > 0
		}
		if v, ok := ccValue(lcc, "max-age"); ok {
			return time.Duration(v) * time.Second, v > 0
		}
	}
	if exp, ok := resp.GetHdr("Expires"); ok {
		expT, ok := http1.ParseHTTPDate(exp)
		if !ok {
			return 0, false
		}
		var base time.Time
		if d, ok := resp.GetHdr("Date"); ok {
			if dT, ok := http1.ParseHTTPDate(d); ok {
				base = dT
			}
		}
		if base.IsZero() {
			base = time.Now()
		}
		ttl := expT.Sub(base)
		return ttl, ttl > 0
	}
	return def, def > 0
}

// ccValue extracts an integer cache-control directive from a lowercased
// header value.
func ccValue(lcc, directive string) (int64, bool) {
	i := strings.Index(lcc, directive+"=")
	if i < 0 {
		return 0, false
	}
	rest := lcc[i+len(directive)+1:]
	rest = strings.TrimLeft(rest, " \t\"")
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	v, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
