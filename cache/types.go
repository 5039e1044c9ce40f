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

// Package cache implements the object cache: the objhead/objcore/object
// entity graph, the pluggable hash slingers indexing it, and the lookup
// protocol with request coalescing.
//
// The refcount contract, in one place:
//
//   - An objhead's refcount equals its number of objcores plus outside
//     references (slinger lookups in flight, parked sessions).
//   - An objcore holds exactly one objhead reference for its whole life.
//   - A cached, filled objcore carries one reference owned by the cache
//     itself (dropped by expiry, nuking or bans) plus one per active reader.
//   - A session parked on a waiting list owns one objhead reference.
package cache

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/lagoon-cache/go-lagoon/common/mclock"
	"github.com/lagoon-cache/go-lagoon/http1"
	"github.com/lagoon-cache/go-lagoon/lck"
)

// Digest is the 32-byte digest of the hash material chosen by policy.
type Digest [32]byte

// Objcore flags.
const (
	OCBusy        uint16 = 1 << iota // fetch in progress, not yet usable
	OCPass                           // hit-for-pass marker, never deliverable
	OCOnLRU                          // linked on its stevedore's LRU
	OCLRUDontMove                    // pinned, exempt from nuking
	OCPriv                           // never on the ban list
	OCBanned                         // failed a ban check, awaiting reclaim
	OCOnHeap                         // linked on the expiry heap
)

// ObjHead anchors one cache bucket: every object variant sharing a digest
// hangs off the same objhead. The mutex guards the objcore list, the waiting
// list and the refcounts/flags of every objcore in the list.
type ObjHead struct {
	Mtx    *lck.Mutex
	Digest Digest

	refcnt  int
	objcs   []*ObjCore
	waiting []Waiter

	// slinger private: bucket link or tree node
	hashPriv any
}

// Refs returns the current reference count. Test and dump use only.
func (oh *ObjHead) Refs() int {
	oh.Mtx.Lock()
	defer oh.Mtx.Unlock()
	return oh.refcnt
}

// Objcores returns a snapshot of the objcore list. Dump use only.
func (oh *ObjHead) Objcores() []*ObjCore {
	oh.Mtx.Lock()
	defer oh.Mtx.Unlock()
	return append([]*ObjCore(nil), oh.objcs...)
}

// ObjCore is the housekeeping shadow of a cached object: everything the
// cache needs to find, expire, nuke or ban the object without touching the
// object's own storage.
type ObjCore struct {
	refcnt int
	Flags  uint16
	Head   *ObjHead
	Obj    *Object

	// Ban bookkeeping: the most recent ban this object has been checked
	// against. Maintained by the ban list.
	BanRef atomic.Value

	// LRU links, guarded by the owning LRU's mutex.
	lruPrev, lruNext *ObjCore
	onLRU            *LRU
	lastLRU          atomic.Int64 // mclock.AbsTime of last LRU re-home

	// Expiry heap slot, -1 when not on the heap. Guarded by the heap mutex.
	HeapIdx int

	// Timer key cached for the heap: entered + ttl + grace.
	timerWhen mclock.AbsTime

	// cacheRef claims the cache's own reference: whoever swaps it to
	// false (expiry thread, nuker) gets to drop that reference, exactly
	// once.
	cacheRef atomic.Bool
}

// IsBusy reports whether a fetch owns this objcore.
func (oc *ObjCore) IsBusy() bool { return oc.Flags&OCBusy != 0 }

// IsPass reports whether this is a hit-for-pass marker.
func (oc *ObjCore) IsPass() bool { return oc.Flags&OCPass != 0 }

// LastLRU returns the monotonic instant of the last LRU re-home.
func (oc *ObjCore) LastLRU() mclock.AbsTime {
	return mclock.AbsTime(oc.lastLRU.Load())
}

// OnLRU returns the LRU list currently holding oc, or nil.
func (oc *ObjCore) OnLRU() *LRU { return oc.onLRU }

// TimerWhen returns the cached expiry instant.
func (oc *ObjCore) TimerWhen() mclock.AbsTime { return oc.timerWhen }

// SetTimerWhen caches the expiry instant. Called with the expiry heap lock
// held.
func (oc *ObjCore) SetTimerWhen(t mclock.AbsTime) { oc.timerWhen = t }

// Object is the user-visible cached content: stored response headers, the
// body chunk list and the TTL bookkeeping. Created once by fetch; immutable
// afterwards except for the atomics and TTL updates through expiry Rearm.
type Object struct {
	XID uint64
	OC  *ObjCore

	HTTP *http1.HTTP // stored response headers
	Body []*Storage  // FIFO body chunks
	Len  int64

	// Entered is the wall-clock instant the object entered the cache, the
	// base for Age arithmetic. EnteredMono is the same instant on the
	// monotonic clock, the base for expiry arithmetic.
	Entered     time.Time
	EnteredMono mclock.AbsTime
	TTL         time.Duration
	Grace       time.Duration

	// Vary fingerprint derived from the response Vary header and the
	// request that fetched the object. Empty means no variance.
	Vary []byte

	// Response flags of interest to delivery.
	Gzipped  bool
	ESIData  any // fetch-time parsed ESI program, nil when not ESI
	Response *http1.HTTP

	LastUse atomic.Int64 // mclock.AbsTime
	Hits    atomic.Int64
	BanTime atomic.Int64 // wall nanos of last passed ban check
}

// Hit counts one cache hit, saturating instead of wrapping.
func (o *Object) Hit() {
	for {
		h := o.Hits.Load()
		if h == int64(^uint64(0)>>1) {
			return
		}
		if o.Hits.CompareAndSwap(h, h+1) {
			return
		}
	}
}

// ExpWhen returns the effective expiry instant: entered + ttl + grace.
func (o *Object) ExpWhen() mclock.AbsTime {
	return o.EnteredMono.Add(o.TTL + o.Grace)
}

// Live reports whether the object is within its TTL at the given instant.
func (o *Object) Live(now mclock.AbsTime) bool {
	return now < o.EnteredMono.Add(o.TTL)
}

// InGrace reports whether the object is past TTL but within grace.
func (o *Object) InGrace(now mclock.AbsTime) bool {
	return !o.Live(now) && now < o.ExpWhen()
}

// Age returns the object age in whole seconds at the given wall time.
func (o *Object) Age(now time.Time) int64 {
	age := int64(now.Sub(o.Entered).Seconds())
	if age < 0 {
		age = 0
	}
	return age
}

// BodyBytes assembles the body into one contiguous copy. ESI parsing and
// tests use it; delivery writes the chunks directly.
func (o *Object) BodyBytes() []byte {
	out := make([]byte, 0, o.Len)
	for _, st := range o.Body {
		out = append(out, st.Bytes[:st.Len]...)
	}
	return out
}

// WriteBodyTo streams the whole body to w, chunk by chunk.
func (o *Object) WriteBodyTo(w io.Writer) error {
	for _, st := range o.Body {
		if _, err := w.Write(st.Bytes[:st.Len]); err != nil {
			return err
		}
	}
	return nil
}

// BodyReader returns a reader over the stored body chunks.
func (o *Object) BodyReader() io.Reader {
	return &bodyReader{o: o}
}

type bodyReader struct {
	o   *Object
	ci  int
	off int
}

func (r *bodyReader) Read(p []byte) (int, error) {
	for r.ci < len(r.o.Body) {
		st := r.o.Body[r.ci]
		if r.off < st.Len {
			n := copy(p, st.Bytes[r.off:st.Len])
			r.off += n
			return n, nil
		}
		r.ci++
		r.off = 0
	}
	return 0, io.EOF
}

// WriteBodySpanTo streams body bytes [off, off+n) to w.
func (o *Object) WriteBodySpanTo(w io.Writer, off, n int64) error {
	for _, st := range o.Body {
		if n <= 0 {
			break
		}
		l := int64(st.Len)
		if off >= l {
			off -= l
			continue
		}
		take := l - off
		if take > n {
			take = n
		}
		if _, err := w.Write(st.Bytes[off : off+take]); err != nil {
			return err
		}
		off = 0
		n -= take
	}
	return nil
}

// Storage is one contiguous byte segment owned by a stevedore. Bytes holds
// the full allocation; Len is the used prefix.
type Storage struct {
	Bytes []byte
	Len   int
	Priv  any // stevedore private: slab offset, mmap region
	Ops   StorageOps
}

// Space returns the unused tail capacity.
func (st *Storage) Space() int { return len(st.Bytes) - st.Len }

// StorageOps is the part of a stevedore the cache itself needs: returning
// chunks when an object dies. The full allocation interface lives in the
// storage package.
type StorageOps interface {
	Name() string
	Trim(st *Storage, size int)
	Free(st *Storage)
}

// Waiter is an opaque handle for a session parked on a waiting list. The
// server hands them in at Lookup and receives them back through the wakeup
// callback when the busy objcore is resolved.
type Waiter any
