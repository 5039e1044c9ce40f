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

package mclock

import (
	"sync"
	"time"
)

// Simulated implements a virtual Clock for reproducible time-sensitive tests.
// It does not advance on its own, time moves only when Run is called.
//
// The zero value is ready to use.
type Simulated struct {
	now     AbsTime
	waiters []simWaiter
	mu      sync.Mutex
	cond    *sync.Cond
}

type simWaiter struct {
	at AbsTime
	ch chan AbsTime
}

// Run moves the clock by the given duration, notifying every waiter whose
// deadline has been reached.
func (s *Simulated) Run(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	s.now = s.now.Add(d)
	kept := s.waiters[:0]
	for _, w := range s.waiters {
		if w.at <= s.now {
			w.ch <- s.now
		} else {
			kept = append(kept, w)
		}
	}
	s.waiters = kept
	s.cond.Broadcast()
}

// WaiterCount returns the number of goroutines blocked in Sleep or After.
func (s *Simulated) WaiterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// Now returns the current virtual time.
func (s *Simulated) Now() AbsTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Sleep blocks until the clock has advanced by d.
func (s *Simulated) Sleep(d time.Duration) {
	<-s.After(d)
}

// After returns a channel which receives the current time after the clock
// has advanced by d.
func (s *Simulated) After(d time.Duration) <-chan AbsTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	ch := make(chan AbsTime, 1)
	s.waiters = append(s.waiters, simWaiter{at: s.now.Add(d), ch: ch})
	s.cond.Broadcast()
	return ch
}

func (s *Simulated) init() {
	if s.cond == nil {
		s.cond = sync.NewCond(&s.mu)
	}
}
