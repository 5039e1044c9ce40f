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
	"crypto/sha256"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/lagoon-cache/go-lagoon/common/mclock"
	"github.com/lagoon-cache/go-lagoon/http1"
	"github.com/lagoon-cache/go-lagoon/params"
)

// DigestOf computes the digest over the policy-chosen hash material.
func DigestOf(material ...string) Digest {
	h := sha256.New()
	for _, m := range material {
		h.Write([]byte(m))
		h.Write([]byte{0})
	}
	var d Digest
	h.Sum(d[:0])
	return d
}

// Slinger indexes digests onto objheads. Lookup returns the objhead with one
// reference added, creating it when absent; Deref drops one reference and
// destroys the objhead when it reaches zero with empty lists.
type Slinger interface {
	Name() string
	Lookup(d Digest) *ObjHead
	Deref(oh *ObjHead) bool
	// Walk visits every live objhead; used by the admin dump.
	Walk(fn func(*ObjHead))
}

// Expirer is the expiry subsystem as seen from the cache: it owns the timer
// heap slot of every activated objcore.
type Expirer interface {
	Insert(oc *ObjCore)
	Rearm(oc *ObjCore)
	Remove(oc *ObjCore)
}

// BanChecker tests an object against bans added since it last passed.
type BanChecker interface {
	Check(o *Object, req *http1.HTTP) bool
	DerefObj(oc *ObjCore)
}

// WakeFunc re-queues a parked session onto a worker pool. It returns false
// when the session could not be queued, in which case the remaining waiters
// stay parked.
type WakeFunc func(Waiter) bool

// Cache binds a slinger, the expiry subsystem and the ban list into the
// lookup protocol.
type Cache struct {
	slinger Slinger
	clock   mclock.Clock
	pa      *params.Params

	Expiry Expirer
	Bans   BanChecker
	Wake   WakeFunc

	hits      metrics.Counter
	hitsPass  metrics.Counter
	hitsGrace metrics.Counter
	misses    metrics.Counter
	parked    metrics.Counter
	purged    metrics.Counter
	objects   metrics.Counter
}

// New creates a cache over the given slinger.
func New(sl Slinger, clock mclock.Clock, pa *params.Params) *Cache {
	return &Cache{
		slinger:   sl,
		clock:     clock,
		pa:        pa,
		hits:      metrics.GetOrRegisterCounter("cache/hit", nil),
		hitsPass:  metrics.GetOrRegisterCounter("cache/hitpass", nil),
		hitsGrace: metrics.GetOrRegisterCounter("cache/hit_grace", nil),
		misses:    metrics.GetOrRegisterCounter("cache/miss", nil),
		parked:    metrics.GetOrRegisterCounter("cache/coalesced", nil),
		purged:    metrics.GetOrRegisterCounter("cache/purged", nil),
		objects:   metrics.GetOrRegisterCounter("cache/objects", nil),
	}
}

// Slinger returns the hash slinger in use.
func (c *Cache) Slinger() Slinger { return c.slinger }

// LookupReq carries the inputs of one cache lookup.
type LookupReq struct {
	Digest         Digest
	Req            *http1.HTTP
	AlwaysMiss     bool // debug: force a miss without disturbing stored objects
	ESILevel       int
	BackendHealthy bool
	Waiter         Waiter
}

// Lookup resolves a request against the cache. Outcomes:
//
//   - A usable objcore (live, grace or hit-for-pass) with one reference
//     added: oc non-nil, oc.IsBusy() false.
//   - A fresh BUSY objcore the caller must fetch for: oc non-nil,
//     oc.IsBusy() true. The caller owns one reference.
//   - Parked: oc nil, parked true. The session has been placed on the
//     objhead's waiting list and will be re-queued by Unbusy's rush; the
//     caller must not touch it again.
func (c *Cache) Lookup(lr *LookupReq) (oc *ObjCore, parked bool) {
	now := c.clock.Now()
	oh := c.slinger.Lookup(lr.Digest)

	oh.Mtx.Lock()
	var busyOC, liveOC, graceOC *ObjCore
	for _, cand := range oh.objcs {
		if cand.IsBusy() {
			if busyOC == nil {
				busyOC = cand
			}
			continue
		}
		if cand.Flags&OCBanned != 0 {
			continue
		}
		o := cand.Obj
		if c.Bans != nil && cand.Flags&OCPriv == 0 && c.Bans.Check(o, lr.Req) {
			c.kill(cand, now)
			continue
		}
		if !VaryMatch(o.Vary, lr.Req) {
			continue
		}
		if o.Live(now) {
			liveOC = cand
			break
		}
		if o.InGrace(now) {
			if graceOC == nil || o.ExpWhen() > graceOC.Obj.ExpWhen() {
				graceOC = cand
			}
		}
	}

	sel := liveOC
	grace := false
	if sel == nil && graceOC != nil && (busyOC != nil || !lr.BackendHealthy) {
		sel = graceOC
		grace = true
	}

	if sel != nil && !lr.AlwaysMiss {
		sel.refcnt++
		sel.Obj.Hit()
		sel.Obj.LastUse.Store(int64(now))
		pass := sel.IsPass()
		oh.Mtx.Unlock()
		c.slinger.Deref(oh)
		switch {
		case pass:
			c.hitsPass.Inc(1)
		case grace:
			c.hitsGrace.Inc(1)
		default:
			c.hits.Inc(1)
		}
		return sel, false
	}

	if busyOC != nil && lr.ESILevel == 0 {
		oh.waiting = append(oh.waiting, lr.Waiter)
		oh.Mtx.Unlock()
		// The parked session owns the objhead reference taken above; it
		// is released by the rush on its behalf before re-queueing.
		c.parked.Inc(1)
		return nil, true
	}

	// Become the fetcher: busy objcores go at the tail so concurrent
	// searches keep skipping them.
	oc = &ObjCore{
		refcnt:  1,
		Flags:   OCBusy,
		Head:    oh,
		HeapIdx: -1,
	}
	oh.objcs = append(oh.objcs, oc)
	// The lookup's objhead reference is inherited by the new objcore.
	oh.Mtx.Unlock()
	c.misses.Inc(1)
	c.objects.Inc(1)
	return oc, false
}

// kill marks a banned objcore for reclaim: it stops matching lookups at
// once, the storage goes when the expiry thread gets to it.
func (c *Cache) kill(oc *ObjCore, now mclock.AbsTime) {
	oc.Head.Mtx.AssertHeld()
	oc.Flags |= OCBanned
	if o := oc.Obj; o != nil {
		o.TTL = 0
		o.Grace = 0
	}
	if c.Expiry != nil {
		c.Expiry.Rearm(oc)
	}
}

// Unbusy publishes a filled objcore: it moves to the head of the objhead
// list where lookups find it, loses its BUSY flag, gains the cache's own
// reference, and the waiting list is rushed. Calling Unbusy on a non-busy
// objcore is a programming error.
func (c *Cache) Unbusy(oc *ObjCore) {
	oh := oc.Head
	oh.Mtx.Lock()
	if !oc.IsBusy() {
		panic("cache: Unbusy on non-busy objcore")
	}
	oc.Flags &^= OCBusy
	oc.refcnt++ // the cache's own reference, dropped by expiry or the nuker
	oc.cacheRef.Store(true)
	moveToHead(oh, oc)
	batch := c.rushBatch(oh)
	oh.Mtx.Unlock()
	c.wake(oh, batch)
}

// DropBusy abandons a busy objcore whose fetch failed: the objcore is
// removed and all waiters are rushed so one of them can become the next
// fetcher.
func (c *Cache) DropBusy(oc *ObjCore) {
	oh := oc.Head
	oh.Mtx.Lock()
	if !oc.IsBusy() {
		panic("cache: DropBusy on non-busy objcore")
	}
	oc.refcnt--
	if oc.refcnt != 0 {
		panic("cache: busy objcore with readers")
	}
	removeOC(oh, oc)
	batch := append([]Waiter(nil), oh.waiting...)
	oh.waiting = oh.waiting[:0]
	oh.Mtx.Unlock()
	c.objects.Dec(1)
	c.wake(oh, batch)
	c.slinger.Deref(oh)
}

// rushBatch pops up to rush_exponent waiters. Called with the objhead mutex
// held.
func (c *Cache) rushBatch(oh *ObjHead) []Waiter {
	n := c.pa.RushExponent
	if n > len(oh.waiting) {
		n = len(oh.waiting)
	}
	if n == 0 {
		return nil
	}
	batch := append([]Waiter(nil), oh.waiting[:n]...)
	rest := oh.waiting[:0]
	rest = append(rest, oh.waiting[n:]...)
	oh.waiting = rest
	return batch
}

// wake re-queues rushed waiters. Each parked session owns one objhead
// reference which is released here, on its behalf, before it re-runs the
// lookup. Waiters that cannot be queued are put back.
func (c *Cache) wake(oh *ObjHead, batch []Waiter) {
	for i, w := range batch {
		if c.Wake == nil {
			c.slinger.Deref(oh)
			continue
		}
		if !c.Wake(w) {
			oh.Mtx.Lock()
			oh.waiting = append(batch[i:], oh.waiting...)
			oh.Mtx.Unlock()
			return
		}
		c.slinger.Deref(oh)
	}
}

// Deref drops one objcore reference. At zero the objcore leaves every list
// and its object's storage is returned to the stevedore. Every deref also
// rushes a batch off the waiting list; that chain is what makes the rush
// exponential, each woken session wakes another batch when it finishes.
func (c *Cache) Deref(oc *ObjCore) {
	oh := oc.Head
	oh.Mtx.Lock()
	if oc.refcnt < 1 {
		panic("cache: deref of unreferenced objcore")
	}
	oc.refcnt--
	batch := c.rushBatch(oh)
	if oc.refcnt > 0 {
		oh.Mtx.Unlock()
		c.wake(oh, batch)
		return
	}
	removeOC(oh, oc)
	oh.Mtx.Unlock()
	c.wake(oh, batch)

	if oc.onLRU != nil {
		oc.onLRU.Remove(oc)
	}
	if c.Expiry != nil {
		c.Expiry.Remove(oc)
	}
	if c.Bans != nil && oc.Flags&OCPriv == 0 {
		c.Bans.DerefObj(oc)
	}
	freeObj(oc.Obj)
	oc.Obj = nil
	c.objects.Dec(1)
	c.slinger.Deref(oh)
}

// Refcount returns the objcore's reference count. Test use only.
func (c *Cache) Refcount(oc *ObjCore) int {
	oc.Head.Mtx.Lock()
	defer oc.Head.Mtx.Unlock()
	return oc.refcnt
}

// Ref adds a reference to an already-held objcore.
func (c *Cache) Ref(oc *ObjCore) {
	oc.Head.Mtx.Lock()
	oc.refcnt++
	oc.Head.Mtx.Unlock()
}

// DropCacheRef claims and drops the cache's own reference on oc. Exactly
// one caller wins; the expiry thread and the nuker both go through here.
func (c *Cache) DropCacheRef(oc *ObjCore) bool {
	if !oc.cacheRef.CompareAndSwap(true, false) {
		return false
	}
	c.Deref(oc)
	return true
}

// Purge expires every non-busy objcore under the digest, rewriting TTL and
// grace to the given values (normally zero). It returns the number of
// objcores hit.
func (c *Cache) Purge(d Digest, ttl, grace time.Duration) int {
	oh := c.slinger.Lookup(d)
	oh.Mtx.Lock()
	var snap []*ObjCore
	for _, oc := range oh.objcs {
		if oc.IsBusy() {
			continue
		}
		oc.refcnt++
		snap = append(snap, oc)
	}
	oh.Mtx.Unlock()

	now := c.clock.Now()
	for _, oc := range snap {
		o := oc.Obj
		o.EnteredMono = now
		o.TTL = ttl
		o.Grace = grace
		if c.Expiry != nil {
			c.Expiry.Rearm(oc)
		}
		c.Deref(oc)
	}
	c.slinger.Deref(oh)
	c.purged.Inc(int64(len(snap)))
	return len(snap)
}

// Insert adds a pre-filled object under its digest, used by persistence
// replay. The objcore arrives carrying only the cache's reference.
func (c *Cache) Insert(d Digest, o *Object) *ObjCore {
	oh := c.slinger.Lookup(d)
	oc := &ObjCore{
		refcnt:  1,
		Head:    oh,
		Obj:     o,
		HeapIdx: -1,
	}
	o.OC = oc
	oc.cacheRef.Store(true)
	oh.Mtx.Lock()
	oh.objcs = append([]*ObjCore{oc}, oh.objcs...)
	oh.Mtx.Unlock()
	// The lookup reference becomes the objcore's head reference.
	c.objects.Inc(1)
	if c.Expiry != nil {
		c.Expiry.Insert(oc)
	}
	return oc
}

func moveToHead(oh *ObjHead, oc *ObjCore) {
	for i, cand := range oh.objcs {
		if cand == oc {
			copy(oh.objcs[1:i+1], oh.objcs[:i])
			oh.objcs[0] = oc
			return
		}
	}
	panic("cache: objcore not on its objhead")
}

func removeOC(oh *ObjHead, oc *ObjCore) {
	for i, cand := range oh.objcs {
		if cand == oc {
			oh.objcs = append(oh.objcs[:i], oh.objcs[i+1:]...)
			return
		}
	}
	panic("cache: objcore not on its objhead")
}

func freeObj(o *Object) {
	if o == nil {
		return
	}
	for _, st := range o.Body {
		st.Ops.Free(st)
	}
	o.Body = nil
}
