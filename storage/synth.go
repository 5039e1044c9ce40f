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
	"sync/atomic"

	"github.com/lagoon-cache/go-lagoon/cache"
)

// Synth backs synthesized error bodies: one growable segment per object,
// no bounds, no LRU pressure. Error pages must come out even when the real
// stevedores are full.
type Synth struct {
	lru  *cache.LRU
	used atomic.Int64
}

// NewSynth creates the synth stevedore.
func NewSynth() *Synth {
	return &Synth{lru: cache.NewLRU()}
}

func (s *Synth) Name() string    { return "synth" }
func (s *Synth) Open() error     { return nil }
func (s *Synth) LRU() *cache.LRU { return s.lru }
func (s *Synth) Used() int64     { return s.used.Load() }
func (s *Synth) Cap() int64      { return 0 }

func (s *Synth) Alloc(size int) *cache.Storage {
	s.used.Add(int64(size))
	return &cache.Storage{
		Bytes: make([]byte, size),
		Ops:   s,
	}
}

// Grow extends st to hold at least size bytes, preserving content.
func (s *Synth) Grow(st *cache.Storage, size int) {
	if size <= len(st.Bytes) {
		return
	}
	b := make([]byte, size)
	copy(b, st.Bytes[:st.Len])
	s.used.Add(int64(size - len(st.Bytes)))
	st.Bytes = b
}

func (s *Synth) Trim(st *cache.Storage, size int) {
	// Synth segments are short-lived, trimming is not worth it.
}

func (s *Synth) Free(st *cache.Storage) {
	s.used.Add(-int64(len(st.Bytes)))
	st.Bytes = nil
}
