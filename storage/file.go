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
	"math/bits"
	"os"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/lagoon-cache/go-lagoon/cache"
	"github.com/lagoon-cache/go-lagoon/lck"
)

const (
	filePageSize = 4096
	fileBuckets  = 16 // power-of-two page classes, last is the catchall
)

// File is the mmap-file stevedore: one file mapped whole, carved by a
// first-fit allocator with power-of-two size-class free lists and
// coalescing of address-adjacent free blocks. Content does not survive a
// restart, the map starts empty.
type File struct {
	name string
	path string
	size int64

	mtx  *lck.Mutex
	lru  *cache.LRU
	f    *os.File
	mem  []byte
	used int64

	order *smf                // address-ordered block list
	free  [fileBuckets][]*smf // free lists by size class

	nAlloc metrics.Counter
	nBytes metrics.Counter
	nFail  metrics.Counter
}

// smf is one block of the mapped region.
type smf struct {
	off   int64
	size  int64
	alloc bool
	prev  *smf
	next  *smf
}

// NewFile creates a file stevedore over path with the given size.
func NewFile(name, path string, size int64) *File {
	size = size &^ (filePageSize - 1)
	return &File{
		name:   name,
		path:   path,
		size:   size,
		mtx:    lck.New("smf"),
		lru:    cache.NewLRU(),
		nAlloc: metrics.GetOrRegisterCounter("storage/"+name+"/alloc", nil),
		nBytes: metrics.GetOrRegisterCounter("storage/"+name+"/bytes", nil),
		nFail:  metrics.GetOrRegisterCounter("storage/"+name+"/fail", nil),
	}
}

func (s *File) Name() string    { return "file " + s.name }
func (s *File) LRU() *cache.LRU { return s.lru }
func (s *File) Cap() int64      { return s.size }

func (s *File) Used() int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.used
}

func (s *File) Open() error {
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return errors.Wrap(err, "smf: open")
	}
	if err := f.Truncate(s.size); err != nil {
		f.Close()
		return errors.Wrap(err, "smf: truncate")
	}
	mem, err := mapFile(f, s.size)
	if err != nil {
		f.Close()
		return errors.Wrap(err, "smf: map")
	}
	s.f = f
	s.mem = mem
	whole := &smf{size: s.size}
	s.order = whole
	s.insertFree(whole)
	return nil
}

// Close unmaps the region. No storage may be live.
func (s *File) Close() error {
	if s.mem != nil {
		if err := unmapFile(s.mem); err != nil {
			return err
		}
		s.mem = nil
	}
	if s.f != nil {
		return s.f.Close()
	}
	return nil
}

// bucket classifies a block size in pages: class i holds sizes in
// [2^i, 2^(i+1)) pages, the last class everything larger.
func bucket(size int64) int {
	pages := size / filePageSize
	b := bits.Len64(uint64(pages)) - 1
	if b >= fileBuckets {
		b = fileBuckets - 1
	}
	if b < 0 {
		b = 0
	}
	return b
}

func roundPage(n int) int64 {
	return (int64(n) + filePageSize - 1) &^ (filePageSize - 1)
}

func (s *File) insertFree(b *smf) {
	b.alloc = false
	i := bucket(b.size)
	s.free[i] = append(s.free[i], b)
}

func (s *File) removeFree(b *smf) {
	i := bucket(b.size)
	list := s.free[i]
	for j, cand := range list {
		if cand == b {
			s.free[i] = append(list[:j], list[j+1:]...)
			return
		}
	}
	panic("smf: free block not in its bucket")
}

func (s *File) Alloc(size int) *cache.Storage {
	need := roundPage(size)
	s.mtx.Lock()
	b := s.firstFit(need)
	if b == nil {
		s.mtx.Unlock()
		s.nFail.Inc(1)
		return nil
	}
	s.removeFree(b)
	if b.size > need {
		s.split(b, need)
	}
	b.alloc = true
	s.used += b.size
	s.mtx.Unlock()
	s.nAlloc.Inc(1)
	s.nBytes.Inc(need)
	return &cache.Storage{
		Bytes: s.mem[b.off : b.off+b.size],
		Priv:  b,
		Ops:   s,
	}
}

// firstFit scans the block's own class and upward. Called locked.
func (s *File) firstFit(need int64) *smf {
	for i := bucket(need); i < fileBuckets; i++ {
		for _, b := range s.free[i] {
			if b.size >= need {
				return b
			}
		}
	}
	return nil
}

// split cuts the tail off b, leaving b at need bytes, and returns the
// remainder to the free lists. Called locked, with b off the free lists.
func (s *File) split(b *smf, need int64) {
	rest := &smf{
		off:  b.off + need,
		size: b.size - need,
		prev: b,
		next: b.next,
	}
	if b.next != nil {
		b.next.prev = rest
	}
	b.next = rest
	b.size = need
	s.insertFree(rest)
}

// Trim gives the tail pages of st back to the allocator.
func (s *File) Trim(st *cache.Storage, size int) {
	b := st.Priv.(*smf)
	keep := roundPage(size)
	if keep == 0 {
		keep = filePageSize
	}
	if b.size-keep < filePageSize {
		return
	}
	s.mtx.Lock()
	s.split(b, keep)
	rest := b.next
	s.removeFree(rest)
	s.used -= rest.size
	freed := rest.size
	s.coalesce(rest)
	s.mtx.Unlock()
	s.nBytes.Dec(freed)
	st.Bytes = st.Bytes[:keep]
}

func (s *File) Free(st *cache.Storage) {
	b := st.Priv.(*smf)
	s.mtx.Lock()
	if !b.alloc {
		panic("smf: double free")
	}
	b.alloc = false
	s.used -= b.size
	freed := b.size
	s.coalesce(b)
	s.mtx.Unlock()
	s.nBytes.Dec(freed)
	st.Bytes = nil
}

// coalesce merges b with free address-adjacent neighbors and files the
// result. Called locked with b off the free lists and not allocated.
func (s *File) coalesce(b *smf) {
	if p := b.prev; p != nil && !p.alloc {
		s.removeFree(p)
		p.size += b.size
		p.next = b.next
		if b.next != nil {
			b.next.prev = p
		}
		b = p
	}
	if n := b.next; n != nil && !n.alloc {
		s.removeFree(n)
		b.size += n.size
		b.next = n.next
		if n.next != nil {
			n.next.prev = b
		}
	}
	s.insertFree(b)
}
