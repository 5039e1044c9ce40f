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

package expiry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagoon-cache/go-lagoon/cache"
	"github.com/lagoon-cache/go-lagoon/common/mclock"
	"github.com/lagoon-cache/go-lagoon/http1"
	"github.com/lagoon-cache/go-lagoon/params"
)

type countOps struct{ freed chan struct{} }

func (c *countOps) Name() string              { return "test" }
func (c *countOps) Trim(*cache.Storage, int)  {}
func (c *countOps) Free(st *cache.Storage)    { c.freed <- struct{}{} }

func newFilled(t *testing.T, c *cache.Cache, clk mclock.Clock, url string, ttl, grace time.Duration, ops cache.StorageOps) *cache.ObjCore {
	t.Helper()
	d := cache.DigestOf(url)
	req := &http1.HTTP{Method: "GET", URL: url, Proto: "HTTP/1.1"}
	oc, parked := c.Lookup(&cache.LookupReq{Digest: d, Req: req, BackendHealthy: true})
	require.False(t, parked)
	require.True(t, oc.IsBusy())
	o := &cache.Object{
		HTTP:        new(http1.HTTP),
		Entered:     time.Now(),
		EnteredMono: clk.Now(),
		TTL:         ttl,
		Grace:       grace,
		Len:         1,
	}
	o.Body = []*cache.Storage{{Bytes: []byte("x"), Len: 1, Ops: ops}}
	oc.Obj = o
	o.OC = oc
	c.Unbusy(oc)
	return oc
}

func TestExpiresAtDeadline(t *testing.T) {
	clk := new(mclock.Simulated)
	pa := params.Defaults()
	c := cache.New(cache.NewCritbit(), clk, pa)
	e := New(c, clk, pa)
	e.Start()
	defer e.Stop()

	ops := &countOps{freed: make(chan struct{}, 1)}
	oc := newFilled(t, c, clk, "/exp", time.Minute, 0, ops)
	e.Insert(oc)
	c.Deref(oc) // session done, cache ref remains

	// Not yet due.
	pump(clk, 30*time.Second, 3)
	select {
	case <-ops.freed:
		t.Fatal("expired early")
	case <-time.After(50 * time.Millisecond):
	}

	if !pumpUntil(clk, 31*time.Second, ops.freed) {
		t.Fatal("object not reclaimed at deadline")
	}
}

// pump advances the simulated clock in slices, yielding real time between
// them so the expiry thread can re-arm its timers.
func pump(clk *mclock.Simulated, total time.Duration, slices int) {
	for i := 0; i < slices; i++ {
		clk.Run(total / time.Duration(slices))
		time.Sleep(10 * time.Millisecond)
	}
}

// pumpUntil advances the clock past the deadline repeatedly until ch fires.
func pumpUntil(clk *mclock.Simulated, step time.Duration, ch chan struct{}) bool {
	for i := 0; i < 100; i++ {
		clk.Run(step)
		select {
		case <-ch:
			return true
		case <-time.After(20 * time.Millisecond):
		}
	}
	return false
}

func TestRearmMovesDeadline(t *testing.T) {
	clk := new(mclock.Simulated)
	pa := params.Defaults()
	c := cache.New(cache.NewCritbit(), clk, pa)
	e := New(c, clk, pa)
	e.Start()
	defer e.Stop()

	ops := &countOps{freed: make(chan struct{}, 1)}
	oc := newFilled(t, c, clk, "/rearm", time.Minute, 0, ops)
	e.Insert(oc)
	c.Deref(oc)

	// Push the deadline out before it fires.
	oc.Obj.TTL = time.Hour
	e.Rearm(oc)

	pump(clk, 2*time.Minute, 3)
	select {
	case <-ops.freed:
		t.Fatal("rearmed object expired on the old deadline")
	case <-time.After(50 * time.Millisecond):
	}

	if !pumpUntil(clk, 10*time.Minute, ops.freed) {
		t.Fatal("rearmed object never expired")
	}
}

func TestNukeOne(t *testing.T) {
	clk := new(mclock.Simulated)
	pa := params.Defaults()
	c := cache.New(cache.NewCritbit(), clk, pa)
	e := New(c, clk, pa)

	lru := cache.NewLRU()
	ops := &countOps{freed: make(chan struct{}, 4)}

	oldest := newFilled(t, c, clk, "/n1", time.Hour, 0, ops)
	lru.Add(oldest, clk.Now())
	e.Insert(oldest)
	c.Deref(oldest)

	clk.Run(time.Second)
	newer := newFilled(t, c, clk, "/n2", time.Hour, 0, ops)
	lru.Add(newer, clk.Now())
	e.Insert(newer)
	c.Deref(newer)

	require.True(t, e.NukeOne(lru))
	// The oldest went; its storage came back synchronously since no
	// reader held it.
	assert.Len(t, ops.freed, 1)
	assert.Equal(t, 1, lru.Len())
	assert.Same(t, newer, lru.Candidate())

	require.True(t, e.NukeOne(lru))
	assert.False(t, e.NukeOne(lru))
}

func TestNukeWaitsForReaders(t *testing.T) {
	clk := new(mclock.Simulated)
	pa := params.Defaults()
	c := cache.New(cache.NewCritbit(), clk, pa)
	e := New(c, clk, pa)

	lru := cache.NewLRU()
	ops := &countOps{freed: make(chan struct{}, 1)}
	oc := newFilled(t, c, clk, "/busyread", time.Hour, 0, ops)
	lru.Add(oc, clk.Now())
	e.Insert(oc)
	// The session still reads the object: nuking must not free bytes
	// out from under it.
	require.True(t, e.NukeOne(lru))
	assert.Len(t, ops.freed, 0)

	c.Deref(oc)
	assert.Len(t, ops.freed, 1)
}
