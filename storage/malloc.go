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

package storage

import (
	"github.com/rcrowley/go-metrics"

	"github.com/lagoon-cache/go-lagoon/cache"
	"github.com/lagoon-cache/go-lagoon/lck"
)

// Malloc is the heap stevedore: every segment is its own allocation, byte
// accounting bounds the total. With max 0 it is unbounded, which is how the
// Transient instance runs.
type Malloc struct {
	name string
	mtx  *lck.Mutex
	max  int64
	used int64
	lru  *cache.LRU

	nAlloc metrics.Counter
	nBytes metrics.Counter
	nFail  metrics.Counter
}

// NewMalloc creates a malloc stevedore bounded at max bytes (0 = unbounded).
func NewMalloc(name string, max int64) *Malloc {
	return &Malloc{
		name:   name,
		mtx:    lck.New("sma"),
		max:    max,
		lru:    cache.NewLRU(),
		nAlloc: metrics.GetOrRegisterCounter("storage/"+name+"/alloc", nil),
		nBytes: metrics.GetOrRegisterCounter("storage/"+name+"/bytes", nil),
		nFail:  metrics.GetOrRegisterCounter("storage/"+name+"/fail", nil),
	}
}

func (s *Malloc) Name() string    { return "malloc " + s.name }
func (s *Malloc) Open() error     { return nil }
func (s *Malloc) LRU() *cache.LRU { return s.lru }

func (s *Malloc) Used() int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.used
}

func (s *Malloc) Cap() int64 { return s.max }

func (s *Malloc) Alloc(size int) *cache.Storage {
	s.mtx.Lock()
	if s.max > 0 && s.used+int64(size) > s.max {
		s.mtx.Unlock()
		s.nFail.Inc(1)
		return nil
	}
	s.used += int64(size)
	s.mtx.Unlock()
	s.nAlloc.Inc(1)
	s.nBytes.Inc(int64(size))
	return &cache.Storage{
		Bytes: make([]byte, size),
		Ops:   s,
	}
}

// Trim gives back the unused tail. Deltas under 256 bytes are not worth the
// copy.
func (s *Malloc) Trim(st *cache.Storage, size int) {
	delta := len(st.Bytes) - size
	if delta < 256 {
		return
	}
	b := make([]byte, size)
	copy(b, st.Bytes[:size])
	st.Bytes = b
	s.mtx.Lock()
	s.used -= int64(delta)
	s.mtx.Unlock()
	s.nBytes.Dec(int64(delta))
}

func (s *Malloc) Free(st *cache.Storage) {
	s.mtx.Lock()
	s.used -= int64(len(st.Bytes))
	s.mtx.Unlock()
	s.nBytes.Dec(int64(len(st.Bytes)))
	st.Bytes = nil
}
