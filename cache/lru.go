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
	"time"

	"github.com/lagoon-cache/go-lagoon/common/mclock"
	"github.com/lagoon-cache/go-lagoon/lck"
)

// LRU is the per-stevedore eviction list. Oldest objcores are at the head,
// the most recently used at the tail. Touch only re-homes an objcore when
// enough time has passed since its last move, amortizing lock traffic on
// hot objects.
type LRU struct {
	mtx        *lck.Mutex
	head, tail *ObjCore
	count      int
}

// NewLRU creates an empty LRU list.
func NewLRU() *LRU {
	return &LRU{mtx: lck.New("lru")}
}

// Len returns the number of listed objcores.
func (l *LRU) Len() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.count
}

// Add links oc at the MRU end and marks it listed.
func (l *LRU) Add(oc *ObjCore, now mclock.AbsTime) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if oc.Flags&OCOnLRU != 0 {
		panic("lru: objcore already listed")
	}
	l.linkTail(oc)
	oc.onLRU = l
	oc.Flags |= OCOnLRU
	oc.lastLRU.Store(int64(now))
	l.count++
}

// Remove unlinks oc if it is listed. Safe to call on an unlisted objcore.
func (l *LRU) Remove(oc *ObjCore) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if oc.Flags&OCOnLRU == 0 {
		return
	}
	l.unlink(oc)
	oc.onLRU = nil
	oc.Flags &^= OCOnLRU
	l.count--
}

// Touch moves oc to the MRU end when more than interval has passed since its
// last move. Called on every delivery of the object.
func (l *LRU) Touch(oc *ObjCore, now mclock.AbsTime, interval time.Duration) {
	last := mclock.AbsTime(oc.lastLRU.Load())
	if now.Sub(last) < interval {
		return
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if oc.Flags&OCOnLRU == 0 || oc.Flags&OCLRUDontMove != 0 {
		return
	}
	l.unlink(oc)
	l.linkTail(oc)
	oc.lastLRU.Store(int64(now))
}

// Candidate returns the oldest nukeable objcore: listed, not busy, not
// pinned. Returns nil when the list holds no eligible entry.
func (l *LRU) Candidate() *ObjCore {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for oc := l.head; oc != nil; oc = oc.lruNext {
		if oc.Flags&(OCBusy|OCLRUDontMove) == 0 {
			return oc
		}
	}
	return nil
}

func (l *LRU) linkTail(oc *ObjCore) {
	oc.lruPrev = l.tail
	oc.lruNext = nil
	if l.tail != nil {
		l.tail.lruNext = oc
	} else {
		l.head = oc
	}
	l.tail = oc
}

func (l *LRU) unlink(oc *ObjCore) {
	if oc.lruPrev != nil {
		oc.lruPrev.lruNext = oc.lruNext
	} else {
		l.head = oc.lruNext
	}
	if oc.lruNext != nil {
		oc.lruNext.lruPrev = oc.lruPrev
	} else {
		l.tail = oc.lruPrev
	}
	oc.lruPrev = nil
	oc.lruNext = nil
}
