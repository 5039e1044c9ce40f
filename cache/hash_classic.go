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
	"github.com/cespare/xxhash/v2"

	"github.com/lagoon-cache/go-lagoon/lck"
)

// ClassicSlinger is a fixed-width bucketed hash table with one lock per
// bucket. The digest is already uniformly distributed, the xxhash fold just
// decouples bucket choice from digest prefix.
type ClassicSlinger struct {
	buckets []classicBucket
}

type classicBucket struct {
	mtx  *lck.Mutex
	objs []*ObjHead
}

// NewClassic creates the classic slinger with the given table width.
func NewClassic(width int) *ClassicSlinger {
	if width < 1 {
		width = 16383
	}
	s := &ClassicSlinger{buckets: make([]classicBucket, width)}
	for i := range s.buckets {
		s.buckets[i].mtx = lck.New("hcl")
	}
	return s
}

func (s *ClassicSlinger) Name() string { return "classic" }

func (s *ClassicSlinger) bucket(d Digest) *classicBucket {
	return &s.buckets[xxhash.Sum64(d[:])%uint64(len(s.buckets))]
}

func (s *ClassicSlinger) Lookup(d Digest) *ObjHead {
	b := s.bucket(d)
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for _, oh := range b.objs {
		if oh.Digest == d {
			oh.Mtx.Lock()
			oh.refcnt++
			oh.Mtx.Unlock()
			return oh
		}
	}
	oh := newObjHead(d)
	b.objs = append(b.objs, oh)
	return oh
}

func (s *ClassicSlinger) Deref(oh *ObjHead) bool {
	b := s.bucket(oh.Digest)
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if !derefHead(oh) {
		return false
	}
	for i, cand := range b.objs {
		if cand == oh {
			b.objs = append(b.objs[:i], b.objs[i+1:]...)
			return true
		}
	}
	panic("hcl: objhead not in its bucket")
}

func (s *ClassicSlinger) Walk(fn func(*ObjHead)) {
	for i := range s.buckets {
		b := &s.buckets[i]
		b.mtx.Lock()
		snap := append([]*ObjHead(nil), b.objs...)
		b.mtx.Unlock()
		for _, oh := range snap {
			fn(oh)
		}
	}
}
