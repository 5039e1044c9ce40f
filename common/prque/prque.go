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

// Package prque implements a min-priority queue with index tracking, so
// entries can be updated or removed in place. The cache expiry heap is built
// on it: the priority is the effective expiry instant and the index callback
// lets an objcore find its own heap slot when its TTL is rearmed.
package prque

import (
	"container/heap"
)

// SetIndexCallback is called when an item's heap position changes. Index -1
// means the item has left the queue.
type SetIndexCallback[V any] func(data V, index int)

// Prque is a min-priority queue keyed by int64 priority.
type Prque[V any] struct {
	cont *stack[V]
}

// New creates a new priority queue. setIndex may be nil.
func New[V any](setIndex SetIndexCallback[V]) *Prque[V] {
	return &Prque[V]{newStack[V](setIndex)}
}

// Push inserts a value with the given priority.
func (p *Prque[V]) Push(data V, priority int64) {
	heap.Push(p.cont, &item[V]{data, priority})
}

// Peek returns the value with the smallest priority without popping it.
func (p *Prque[V]) Peek() (V, int64) {
	it := p.cont.blocks[0][0]
	return it.value, it.priority
}

// Pop removes and returns the value with the smallest priority.
func (p *Prque[V]) Pop() (V, int64) {
	it := heap.Pop(p.cont).(*item[V])
	return it.value, it.priority
}

// Remove removes the element at the given heap index.
func (p *Prque[V]) Remove(i int) V {
	return heap.Remove(p.cont, i).(*item[V]).value
}

// Update re-establishes heap ordering after the element at index i changed
// its priority.
func (p *Prque[V]) Update(i int, priority int64) {
	p.cont.blocks[i/blockSize][i%blockSize].priority = priority
	heap.Fix(p.cont, i)
}

// Empty reports whether the queue holds no elements.
func (p *Prque[V]) Empty() bool {
	return p.cont.Len() == 0
}

// Size returns the number of queued elements.
func (p *Prque[V]) Size() int {
	return p.cont.Len()
}

// Reset drops all queued elements.
func (p *Prque[V]) Reset() {
	p.cont = newStack[V](p.cont.setIndex)
}

const blockSize = 4096

// item wraps a value with its priority.
type item[V any] struct {
	value    V
	priority int64
}

// stack is the heap.Interface backing store, a dynamically growing list of
// fixed-size blocks so that growth never copies the whole queue. Slot i lives
// at blocks[i/blockSize][i%blockSize].
type stack[V any] struct {
	setIndex SetIndexCallback[V]
	size     int
	blocks   [][]*item[V]
}

func newStack[V any](setIndex SetIndexCallback[V]) *stack[V] {
	return &stack[V]{
		setIndex: setIndex,
		blocks:   [][]*item[V]{make([]*item[V], blockSize)},
	}
}

func (s *stack[V]) Len() int {
	return s.size
}

func (s *stack[V]) Less(a, b int) bool {
	return s.blocks[a/blockSize][a%blockSize].priority < s.blocks[b/blockSize][b%blockSize].priority
}

func (s *stack[V]) Swap(a, b int) {
	ia, ja := s.blocks[a/blockSize][a%blockSize], s.blocks[b/blockSize][b%blockSize]
	s.blocks[a/blockSize][a%blockSize], s.blocks[b/blockSize][b%blockSize] = ja, ia
	if s.setIndex != nil {
		s.setIndex(ja.value, a)
		s.setIndex(ia.value, b)
	}
}

func (s *stack[V]) Push(data any) {
	if s.size/blockSize == len(s.blocks) {
		s.blocks = append(s.blocks, make([]*item[V], blockSize))
	}
	it := data.(*item[V])
	s.blocks[s.size/blockSize][s.size%blockSize] = it
	if s.setIndex != nil {
		s.setIndex(it.value, s.size)
	}
	s.size++
}

func (s *stack[V]) Pop() any {
	s.size--
	popped := s.blocks[s.size/blockSize][s.size%blockSize]
	s.blocks[s.size/blockSize][s.size%blockSize] = nil
	if s.setIndex != nil {
		s.setIndex(popped.value, -1)
	}
	return popped
}
