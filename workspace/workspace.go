// Copyright 2024 The go-lagoon Authors
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

// Package workspace implements the per-request bump allocator. Short-lived
// request-scoped byte data (parsed header copies, formatted lines, rewritten
// URLs) is carved out of one linear region that is reset wholesale between
// requests, instead of going through the garbage collector one string at a
// time.
package workspace

import (
	"fmt"
)

// Mark is a snapshot of the allocation position, taken with Snapshot and
// restored with Reset.
type Mark int

// Workspace is a linear scratch region. It is owned by exactly one session or
// worker and is not safe for concurrent use.
type Workspace struct {
	name     string
	buf      []byte
	free     int
	reserved int // length handed out by Reserve, 0 when none
	overflow bool
}

// New creates a workspace of the given size.
func New(name string, size int) *Workspace {
	return &Workspace{name: name, buf: make([]byte, size)}
}

// Name returns the workspace name, used in overflow diagnostics.
func (ws *Workspace) Name() string {
	return ws.name
}

// Len returns the total size of the region.
func (ws *Workspace) Len() int {
	return len(ws.buf)
}

// Free returns the number of unallocated bytes.
func (ws *Workspace) Free() int {
	return len(ws.buf) - ws.free
}

// Overflowed reports whether any allocation has failed since the last full
// reset. An overflowed workspace fails all further allocations.
func (ws *Workspace) Overflowed() bool {
	return ws.overflow
}

// Snapshot records the current allocation position.
func (ws *Workspace) Snapshot() Mark {
	if ws.reserved != 0 {
		panic(fmt.Sprintf("workspace %s: snapshot with open reservation", ws.name))
	}
	return Mark(ws.free)
}

// Reset rewinds the allocation position to a previously taken snapshot.
// Resetting to mark 0 also clears the overflow flag.
func (ws *Workspace) Reset(m Mark) {
	if int(m) > ws.free {
		panic(fmt.Sprintf("workspace %s: reset past allocation point", ws.name))
	}
	ws.free = int(m)
	ws.reserved = 0
	if m == 0 {
		ws.overflow = false
	}
}

// Alloc returns a zeroed n-byte slice out of the region, or nil if the
// workspace cannot satisfy the request. Failure sets the overflow flag.
func (ws *Workspace) Alloc(n int) []byte {
	if ws.reserved != 0 {
		panic(fmt.Sprintf("workspace %s: alloc with open reservation", ws.name))
	}
	if ws.overflow || n > len(ws.buf)-ws.free {
		ws.overflow = true
		return nil
	}
	b := ws.buf[ws.free : ws.free+n]
	for i := range b {
		b[i] = 0
	}
	ws.free += n
	return b
}

// Copy allocates a copy of b inside the workspace, or nil on overflow.
func (ws *Workspace) Copy(b []byte) []byte {
	d := ws.Alloc(len(b))
	if d == nil {
		return nil
	}
	copy(d, b)
	return d
}

// Reserve hands out the whole free tail of the region for incremental
// writing. The reservation must be closed with Release before any other
// allocation.
func (ws *Workspace) Reserve() []byte {
	if ws.reserved != 0 {
		panic(fmt.Sprintf("workspace %s: double reservation", ws.name))
	}
	b := ws.buf[ws.free:]
	ws.reserved = len(b)
	if ws.reserved == 0 {
		ws.overflow = true
		return nil
	}
	return b
}

// Release closes the open reservation, keeping its first n bytes allocated.
func (ws *Workspace) Release(n int) {
	if ws.reserved == 0 {
		panic(fmt.Sprintf("workspace %s: release without reservation", ws.name))
	}
	if n > ws.reserved {
		panic(fmt.Sprintf("workspace %s: release %d exceeds reservation %d", ws.name, n, ws.reserved))
	}
	ws.free += n
	ws.reserved = 0
}
