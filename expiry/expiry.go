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

// Package expiry runs TTL expiry: a binary heap keyed on each object's
// effective expiry instant (entered + ttl + grace), drained by one thread
// that sleeps until the root comes due. The nuker lives here too, it is
// expiry by another trigger.
package expiry

import (
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/lagoon-cache/go-lagoon/cache"
	"github.com/lagoon-cache/go-lagoon/common/mclock"
	"github.com/lagoon-cache/go-lagoon/common/prque"
	"github.com/lagoon-cache/go-lagoon/lck"
	"github.com/lagoon-cache/go-lagoon/log"
	"github.com/lagoon-cache/go-lagoon/params"
)

// Expiry owns the timer heap. It implements cache.Expirer.
type Expiry struct {
	c     *cache.Cache
	clock mclock.Clock
	pa    *params.Params

	mtx  *lck.Mutex
	heap *prque.Prque[*cache.ObjCore]

	wakeCh chan struct{}
	quitCh chan struct{}
	doneCh chan struct{}

	nExpired metrics.Counter
	nNuked   metrics.Counter
	nOnHeap  metrics.Gauge
}

// New creates the expiry subsystem and wires it into c.
func New(c *cache.Cache, clock mclock.Clock, pa *params.Params) *Expiry {
	e := &Expiry{
		c:        c,
		clock:    clock,
		pa:       pa,
		mtx:      lck.New("exp"),
		wakeCh:   make(chan struct{}, 1),
		quitCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		nExpired: metrics.GetOrRegisterCounter("expiry/expired", nil),
		nNuked:   metrics.GetOrRegisterCounter("expiry/nuked", nil),
		nOnHeap:  metrics.GetOrRegisterGauge("expiry/onheap", nil),
	}
	e.heap = prque.New[*cache.ObjCore](func(oc *cache.ObjCore, i int) {
		oc.HeapIdx = i
	})
	c.Expiry = e
	return e
}

// Start launches the expiry thread.
func (e *Expiry) Start() {
	go e.loop()
}

// Stop terminates the expiry thread.
func (e *Expiry) Stop() {
	close(e.quitCh)
	<-e.doneCh
}

// Insert indexes a freshly activated objcore.
func (e *Expiry) Insert(oc *cache.ObjCore) {
	when := oc.Obj.ExpWhen()
	e.mtx.Lock()
	if oc.HeapIdx >= 0 {
		panic("expiry: double insert")
	}
	oc.SetTimerWhen(when)
	e.heap.Push(oc, int64(when))
	e.nOnHeap.Update(int64(e.heap.Size()))
	e.mtx.Unlock()
	e.kick()
}

// Rearm recomputes the heap key after a TTL change and updates the heap in
// place. An objcore that is not on the heap stays off it; one the expiry
// thread has just popped is re-inserted by that thread.
func (e *Expiry) Rearm(oc *cache.ObjCore) {
	when := oc.Obj.ExpWhen()
	e.mtx.Lock()
	oc.SetTimerWhen(when)
	if oc.HeapIdx >= 0 {
		e.heap.Update(oc.HeapIdx, int64(when))
	}
	e.mtx.Unlock()
	e.kick()
}

// Remove takes an objcore off the heap, if it is on it.
func (e *Expiry) Remove(oc *cache.ObjCore) {
	e.mtx.Lock()
	if oc.HeapIdx >= 0 {
		e.heap.Remove(oc.HeapIdx)
		e.nOnHeap.Update(int64(e.heap.Size()))
	}
	e.mtx.Unlock()
}

// kick nudges the thread to re-evaluate its sleep after a heap change.
func (e *Expiry) kick() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

func (e *Expiry) loop() {
	defer close(e.doneCh)
	for {
		e.mtx.Lock()
		if e.heap.Empty() {
			e.mtx.Unlock()
			select {
			case <-e.wakeCh:
			case <-e.clock.After(e.pa.ExpirySleep):
			case <-e.quitCh:
				return
			}
			continue
		}
		oc, when := e.heap.Peek()
		now := e.clock.Now()
		if mclock.AbsTime(when) > now {
			e.mtx.Unlock()
			select {
			case <-e.clock.After(mclock.AbsTime(when).Sub(now)):
			case <-e.wakeCh:
			case <-e.quitCh:
				return
			}
			continue
		}
		e.heap.Pop()
		e.nOnHeap.Update(int64(e.heap.Size()))
		e.mtx.Unlock()

		// A racing Rearm may have pushed the deadline out after the Pop
		// released the mutex; such objcores go straight back on the heap.
		if o := oc.Obj; o != nil && o.ExpWhen() > now {
			e.Insert(oc)
			continue
		}
		log.Debug("Object timed out", "xid", xidOf(oc))
		e.nExpired.Inc(1)
		e.c.DropCacheRef(oc)
	}
}

// NukeOne evicts the oldest eligible objcore on the LRU to make room. It
// reports whether an eviction was initiated; the storage comes back only
// once concurrent readers release their references.
func (e *Expiry) NukeOne(lru *cache.LRU) bool {
	oc := lru.Candidate()
	if oc == nil {
		return false
	}
	e.Remove(oc)
	if !e.c.DropCacheRef(oc) {
		// The expiry thread beat us to it; that also frees space.
		return true
	}
	log.Debug("Object nuked", "xid", xidOf(oc))
	e.nNuked.Inc(1)
	return true
}

// NukeAlloc calls alloc, nuking one objcore from lru and retrying, up to
// limit times, while alloc fails.
func NukeAlloc(e *Expiry, alloc func() *cache.Storage, lru *cache.LRU, limit int) *cache.Storage {
	for i := 0; ; i++ {
		if st := alloc(); st != nil {
			return st
		}
		if i >= limit || !e.NukeOne(lru) {
			return nil
		}
	}
}

// Touch refreshes the LRU position of a delivered objcore, rate-limited by
// the lru_interval parameter.
func (e *Expiry) Touch(oc *cache.ObjCore, interval time.Duration) {
	if lru := oc.OnLRU(); lru != nil {
		lru.Touch(oc, e.clock.Now(), interval)
	}
}

func xidOf(oc *cache.ObjCore) uint64 {
	if oc.Obj != nil {
		return oc.Obj.XID
	}
	return 0
}
