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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSimulatedAfter(t *testing.T) {
	var c Simulated

	ch := c.After(10 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Run(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Run(time.Second)
	select {
	case at := <-ch:
		assert.Equal(t, AbsTime(10*time.Second), at)
	default:
		t.Fatal("did not fire")
	}
}

func TestSimulatedNow(t *testing.T) {
	var c Simulated
	assert.Equal(t, AbsTime(0), c.Now())
	c.Run(time.Minute)
	assert.Equal(t, AbsTime(time.Minute), c.Now())
}

func TestAbsTimeArith(t *testing.T) {
	t0 := AbsTime(0).Add(3 * time.Second)
	assert.Equal(t, 3*time.Second, t0.Sub(AbsTime(0)))
	assert.Equal(t, 3.0, t0.Seconds())
}
