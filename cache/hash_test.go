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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagoon-cache/go-lagoon/common/mclock"
	"github.com/lagoon-cache/go-lagoon/http1"
	"github.com/lagoon-cache/go-lagoon/params"
)

// nopOps satisfies StorageOps for objects built by hand in tests.
type nopOps struct{ freed int }

func (n *nopOps) Name() string             { return "test" }
func (n *nopOps) Trim(st *Storage, sz int) {}
func (n *nopOps) Free(st *Storage)         { n.freed++ }

func testCache(sl Slinger, clk mclock.Clock) *Cache {
	pa := params.Defaults()
	return New(sl, clk, pa)
}

func fillObj(c *Cache, oc *ObjCore, clk mclock.Clock, ttl time.Duration, ops *nopOps, body string) *Object {
	o := &Object{
		XID:         1,
		HTTP:        new(http1.HTTP),
		Entered:     time.Now(),
		EnteredMono: clk.Now(),
		TTL:         ttl,
		Grace:       10 * time.Second,
		Len:         int64(len(body)),
	}
	o.HTTP.Status = 200
	o.Body = []*Storage{{Bytes: []byte(body), Len: len(body), Ops: ops}}
	oc.Obj = o
	o.OC = oc
	c.Unbusy(oc)
	return o
}

func reqFor(url string) *http1.HTTP {
	h := &http1.HTTP{Method: "GET", URL: url, Proto: "HTTP/1.1"}
	h.SetHdr("Host", "test")
	return h
}

func TestMissThenHit(t *testing.T) {
	var clk mclock.Simulated
	c := testCache(NewCritbit(), &clk)
	ops := &nopOps{}
	d := DigestOf("/a", "test")

	oc, parked := c.Lookup(&LookupReq{Digest: d, Req: reqFor("/a"), BackendHealthy: true})
	require.False(t, parked)
	require.True(t, oc.IsBusy())

	fillObj(c, oc, &clk, time.Minute, ops, "abc")
	// Holder's miss reference plus the cache's own.
	assert.Equal(t, 2, c.Refcount(oc))
	c.Deref(oc)

	oc2, parked := c.Lookup(&LookupReq{Digest: d, Req: reqFor("/a"), BackendHealthy: true})
	require.False(t, parked)
	require.False(t, oc2.IsBusy())
	assert.Same(t, oc, oc2)
	assert.Equal(t, int64(1), oc2.Obj.Hits.Load())
	c.Deref(oc2)
}

func TestCoalescing(t *testing.T) {
	var clk mclock.Simulated
	c := testCache(NewCritbit(), &clk)
	d := DigestOf("/slow", "test")

	var woken []Waiter
	c.Wake = func(w Waiter) bool {
		woken = append(woken, w)
		return true
	}

	oc, parked := c.Lookup(&LookupReq{Digest: d, Req: reqFor("/slow"), BackendHealthy: true})
	require.False(t, parked)
	require.True(t, oc.IsBusy())

	// Concurrent lookups for the same digest park instead of fetching.
	for i := 0; i < 3; i++ {
		got, p := c.Lookup(&LookupReq{
			Digest: d, Req: reqFor("/slow"), BackendHealthy: true,
			Waiter: fmt.Sprintf("sess%d", i),
		})
		require.Nil(t, got)
		require.True(t, p)
	}

	// Nested ESI lookups never park; they become a second fetcher.
	got, p := c.Lookup(&LookupReq{Digest: d, Req: reqFor("/slow"), BackendHealthy: true, ESILevel: 1})
	require.False(t, p)
	require.True(t, got.IsBusy())
	c.DropBusy(got)
	woken = nil // DropBusy rushed the waiters; re-park them for Unbusy
	for i := 0; i < 3; i++ {
		_, p := c.Lookup(&LookupReq{
			Digest: d, Req: reqFor("/slow"), BackendHealthy: true,
			Waiter: fmt.Sprintf("re%d", i),
		})
		require.True(t, p)
	}

	ops := &nopOps{}
	fillObj(c, oc, &clk, time.Minute, ops, "body")
	// rush_exponent bounds one rush batch.
	assert.Len(t, woken, 3)
	c.Deref(oc)
}

func TestDropBusyRushesAll(t *testing.T) {
	var clk mclock.Simulated
	c := testCache(NewSimpleList(), &clk)
	d := DigestOf("/fail", "test")

	var woken []Waiter
	c.Wake = func(w Waiter) bool { woken = append(woken, w); return true }

	oc, _ := c.Lookup(&LookupReq{Digest: d, Req: reqFor("/fail"), BackendHealthy: true})
	require.True(t, oc.IsBusy())
	_, parked := c.Lookup(&LookupReq{Digest: d, Req: reqFor("/fail"), BackendHealthy: true, Waiter: "w1"})
	require.True(t, parked)

	c.DropBusy(oc)
	assert.Equal(t, []Waiter{Waiter("w1")}, woken)
}

func TestVariants(t *testing.T) {
	var clk mclock.Simulated
	c := testCache(NewClassic(64), &clk)
	ops := &nopOps{}
	d := DigestOf("/v", "test")

	reqGz := reqFor("/v")
	reqGz.SetHdr("Accept-Encoding", "gzip")
	reqPlain := reqFor("/v")

	oc, _ := c.Lookup(&LookupReq{Digest: d, Req: reqGz, BackendHealthy: true})
	require.True(t, oc.IsBusy())
	resp := &http1.HTTP{Status: 200}
	resp.SetHdr("Vary", "Accept-Encoding")
	vary, ok := VaryCreate(resp, reqGz)
	require.True(t, ok)
	require.NotNil(t, vary)
	o := fillObj(c, oc, &clk, time.Minute, ops, "gzbody")
	o.Vary = vary
	c.Deref(oc)

	// Same digest, different Accept-Encoding: no match, new fetch.
	oc2, parked := c.Lookup(&LookupReq{Digest: d, Req: reqPlain, BackendHealthy: true})
	require.False(t, parked)
	require.True(t, oc2.IsBusy())
	c.DropBusy(oc2)

	// Matching variant hits.
	oc3, _ := c.Lookup(&LookupReq{Digest: d, Req: reqGz, BackendHealthy: true})
	require.False(t, oc3.IsBusy())
	c.Deref(oc3)
}

func TestGraceSelection(t *testing.T) {
	var clk mclock.Simulated
	c := testCache(NewCritbit(), &clk)
	ops := &nopOps{}
	d := DigestOf("/g", "test")

	oc, _ := c.Lookup(&LookupReq{Digest: d, Req: reqFor("/g"), BackendHealthy: true})
	fillObj(c, oc, &clk, time.Minute, ops, "stale-ok")
	c.Deref(oc)

	// Past TTL, within grace, healthy backend: forced fetch.
	clk.Run(65 * time.Second)
	oc2, parked := c.Lookup(&LookupReq{Digest: d, Req: reqFor("/g"), BackendHealthy: true})
	require.False(t, parked)
	require.True(t, oc2.IsBusy())

	// With the fetch busy, a concurrent client is served the stale copy.
	oc3, parked := c.Lookup(&LookupReq{Digest: d, Req: reqFor("/g"), BackendHealthy: true})
	require.False(t, parked)
	require.False(t, oc3.IsBusy())
	assert.Equal(t, "stale-ok", string(oc3.Obj.BodyBytes()))
	c.Deref(oc3)

	c.DropBusy(oc2)

	// Sick backend, no busy fetch: grace also serves.
	oc4, _ := c.Lookup(&LookupReq{Digest: d, Req: reqFor("/g"), BackendHealthy: false})
	require.False(t, oc4.IsBusy())
	c.Deref(oc4)

	// Past grace: nothing to serve, new fetch even when sick.
	clk.Run(time.Hour)
	oc5, _ := c.Lookup(&LookupReq{Digest: d, Req: reqFor("/g"), BackendHealthy: false})
	require.True(t, oc5.IsBusy())
	c.DropBusy(oc5)
}

func TestRefcountFreesOnce(t *testing.T) {
	var clk mclock.Simulated
	c := testCache(NewCritbit(), &clk)
	ops := &nopOps{}
	d := DigestOf("/free", "test")

	oc, _ := c.Lookup(&LookupReq{Digest: d, Req: reqFor("/free"), BackendHealthy: true})
	fillObj(c, oc, &clk, time.Minute, ops, "x")
	c.Deref(oc) // session

	require.True(t, c.DropCacheRef(oc))
	assert.Equal(t, 1, ops.freed)
	// Second claim must lose.
	assert.False(t, c.DropCacheRef(oc))
	assert.Equal(t, 1, ops.freed)

	// The objhead is gone with its last objcore.
	cb := c.Slinger().(*CritbitSlinger)
	assert.Equal(t, 0, cb.Len())
}

func TestPurge(t *testing.T) {
	var clk mclock.Simulated
	c := testCache(NewCritbit(), &clk)
	ops := &nopOps{}
	d := DigestOf("/p", "test")

	oc, _ := c.Lookup(&LookupReq{Digest: d, Req: reqFor("/p"), BackendHealthy: true})
	fillObj(c, oc, &clk, time.Hour, ops, "purge-me")
	c.Deref(oc)

	n := c.Purge(d, 0, 0)
	assert.Equal(t, 1, n)

	// TTL rewritten to zero: next lookup must miss.
	oc2, _ := c.Lookup(&LookupReq{Digest: d, Req: reqFor("/p"), BackendHealthy: true})
	require.True(t, oc2.IsBusy())
	c.DropBusy(oc2)
}

func TestHashAlwaysMiss(t *testing.T) {
	var clk mclock.Simulated
	c := testCache(NewCritbit(), &clk)
	ops := &nopOps{}
	d := DigestOf("/am", "test")

	oc, _ := c.Lookup(&LookupReq{Digest: d, Req: reqFor("/am"), BackendHealthy: true})
	fillObj(c, oc, &clk, time.Hour, ops, "v1")
	c.Deref(oc)

	oc2, parked := c.Lookup(&LookupReq{Digest: d, Req: reqFor("/am"), AlwaysMiss: true, BackendHealthy: true})
	require.False(t, parked)
	assert.True(t, oc2.IsBusy())
	c.DropBusy(oc2)
}

func TestDigestOf(t *testing.T) {
	a := DigestOf("/x", "host")
	b := DigestOf("/x", "host")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, DigestOf("/y", "host"))
	// Material boundaries matter.
	assert.NotEqual(t, DigestOf("ab", "c"), DigestOf("a", "bc"))
}
