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

// Package lck wraps sync.Mutex with held-assertions and contention counters.
// Every long-lived lock in the cache (objhead, stevedore, ban list, stats)
// goes through this wrapper so lock discipline violations fail loudly and
// contention shows up in the metrics registry.
package lck

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
)

// Mutex is an instrumented mutual exclusion lock.
type Mutex struct {
	mu    sync.Mutex
	class string
	held  atomic.Bool

	locks metrics.Counter
	colls metrics.Counter
}

// New creates a named mutex. The class name groups the contention counters
// in the registry; all objhead locks share one class.
func New(class string) *Mutex {
	return &Mutex{
		class: class,
		locks: metrics.GetOrRegisterCounter("lck/"+class+"/locks", nil),
		colls: metrics.GetOrRegisterCounter("lck/"+class+"/colls", nil),
	}
}

// Lock acquires the mutex, counting the acquisition and whether it collided
// with another holder.
func (m *Mutex) Lock() {
	if !m.mu.TryLock() {
		m.colls.Inc(1)
		m.mu.Lock()
	}
	m.locks.Inc(1)
	m.held.Store(true)
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool {
	if !m.mu.TryLock() {
		m.colls.Inc(1)
		return false
	}
	m.locks.Inc(1)
	m.held.Store(true)
	return true
}

// Unlock releases the mutex. Unlocking a mutex not held is a programming
// error.
func (m *Mutex) Unlock() {
	if !m.held.Load() {
		panic(fmt.Sprintf("lck %s: unlock of unheld mutex", m.class))
	}
	m.held.Store(false)
	m.mu.Unlock()
}

// AssertHeld panics unless the mutex is currently held. Callers use it to
// document and enforce that they are inside the critical section.
func (m *Mutex) AssertHeld() {
	if !m.held.Load() {
		panic(fmt.Sprintf("lck %s: not held", m.class))
	}
}
