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
	"time"
)

// Pool groups the configured stevedores with the always-present Transient
// instance and applies the placement policy: short-lived objects and salvage
// allocations go to Transient, everything else round-robins over the
// configured set. A single object's chunks never span stevedores; the
// fetch holds on to the stevedore the object started on.
type Pool struct {
	stv       []Stevedore
	transient *Malloc
	next      atomic.Uint64
	short     time.Duration
}

// NewPool builds the stevedore set. When stvs is empty a single unbounded
// malloc stevedore is used.
func NewPool(stvs []Stevedore, shortlived time.Duration) *Pool {
	if len(stvs) == 0 {
		stvs = []Stevedore{NewMalloc("s0", 0)}
	}
	return &Pool{
		stv:       stvs,
		transient: NewMalloc("Transient", 0),
		short:     shortlived,
	}
}

// Open readies every stevedore.
func (p *Pool) Open() error {
	for _, s := range p.stv {
		if err := s.Open(); err != nil {
			return err
		}
	}
	return p.transient.Open()
}

// Transient returns the transient stevedore.
func (p *Pool) Transient() *Malloc { return p.transient }

// All returns the configured stevedores plus Transient, for storage.list.
func (p *Pool) All() []Stevedore {
	return append(append([]Stevedore(nil), p.stv...), p.transient)
}

// Pick chooses the stevedore for a new object with the given effective TTL.
// Objects at or below the shortlived threshold never hit the persistent-ish
// stevedores.
func (p *Pool) Pick(ttl time.Duration) Stevedore {
	if ttl <= p.short {
		return p.transient
	}
	return p.stv[p.next.Add(1)%uint64(len(p.stv))]
}
