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

package prque

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	id  int
	idx int
}

func TestPopOrder(t *testing.T) {
	q := New[*entry](func(e *entry, i int) { e.idx = i })

	prios := rand.Perm(1000)
	for i, p := range prios {
		q.Push(&entry{id: i}, int64(p))
	}
	require.Equal(t, 1000, q.Size())

	var got []int64
	for !q.Empty() {
		_, p := q.Pop()
		got = append(got, p)
	}
	require.Len(t, got, 1000)
	assert.True(t, sort.SliceIsSorted(got, func(a, b int) bool { return got[a] < got[b] }))
}

func TestIndexTracking(t *testing.T) {
	q := New[*entry](func(e *entry, i int) { e.idx = i })

	es := make([]*entry, 100)
	for i := range es {
		es[i] = &entry{id: i}
		q.Push(es[i], int64(1000-i))
	}
	// Every live entry knows its slot.
	for _, e := range es {
		v := q.Remove(e.idx)
		require.Same(t, e, v)
		assert.Equal(t, -1, e.idx)
	}
	assert.True(t, q.Empty())
}

func TestUpdate(t *testing.T) {
	q := New[*entry](func(e *entry, i int) { e.idx = i })

	a, b, c := &entry{id: 1}, &entry{id: 2}, &entry{id: 3}
	q.Push(a, 10)
	q.Push(b, 20)
	q.Push(c, 30)

	// Promote c to the front.
	q.Update(c.idx, 5)
	v, p := q.Peek()
	assert.Same(t, c, v)
	assert.Equal(t, int64(5), p)

	// Demote it past everything.
	q.Update(c.idx, 100)
	v, _ = q.Pop()
	assert.Same(t, a, v)
	v, _ = q.Pop()
	assert.Same(t, b, v)
	v, _ = q.Pop()
	assert.Same(t, c, v)
}

func TestGrowsPastBlockSize(t *testing.T) {
	q := New[*entry](nil)
	n := blockSize*2 + 17
	for i := 0; i < n; i++ {
		q.Push(&entry{id: i}, int64(i))
	}
	require.Equal(t, n, q.Size())
	for i := 0; i < n; i++ {
		_, p := q.Pop()
		require.Equal(t, int64(i), p)
	}
}
