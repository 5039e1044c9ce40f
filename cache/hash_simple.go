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
	"github.com/lagoon-cache/go-lagoon/lck"
)

// SimpleListSlinger keeps every objhead on one linear list under one lock.
// The reference implementation for the slinger contract; usable for debug,
// hopeless for load.
type SimpleListSlinger struct {
	mtx  *lck.Mutex
	objs []*ObjHead
}

// NewSimpleList creates the simple_list slinger.
func NewSimpleList() *SimpleListSlinger {
	return &SimpleListSlinger{mtx: lck.New("hsl")}
}

func (s *SimpleListSlinger) Name() string { return "simple_list" }

func (s *SimpleListSlinger) Lookup(d Digest) *ObjHead {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, oh := range s.objs {
		if oh.Digest == d {
			oh.Mtx.Lock()
			oh.refcnt++
			oh.Mtx.Unlock()
			return oh
		}
	}
	oh := newObjHead(d)
	s.objs = append(s.objs, oh)
	return oh
}

func (s *SimpleListSlinger) Deref(oh *ObjHead) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !derefHead(oh) {
		return false
	}
	for i, cand := range s.objs {
		if cand == oh {
			s.objs = append(s.objs[:i], s.objs[i+1:]...)
			return true
		}
	}
	panic("hsl: objhead not listed")
}

func (s *SimpleListSlinger) Walk(fn func(*ObjHead)) {
	s.mtx.Lock()
	snap := append([]*ObjHead(nil), s.objs...)
	s.mtx.Unlock()
	for _, oh := range snap {
		fn(oh)
	}
}

func newObjHead(d Digest) *ObjHead {
	return &ObjHead{
		Mtx:    lck.New("objhead"),
		Digest: d,
		refcnt: 1,
	}
}

// derefHead drops one reference and reports whether the objhead is now dead
// and must leave the index. Called with the slinger lock held.
func derefHead(oh *ObjHead) bool {
	oh.Mtx.Lock()
	defer oh.Mtx.Unlock()
	if oh.refcnt < 1 {
		panic("cache: deref of unreferenced objhead")
	}
	oh.refcnt--
	if oh.refcnt > 0 {
		return false
	}
	if len(oh.objcs) != 0 || len(oh.waiting) != 0 {
		panic("cache: objhead died with occupants")
	}
	return true
}
