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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagoon-cache/go-lagoon/cache"
)

func TestMallocBounds(t *testing.T) {
	s := NewMalloc("t0", 1024)
	require.NoError(t, s.Open())

	a := s.Alloc(512)
	require.NotNil(t, a)
	b := s.Alloc(512)
	require.NotNil(t, b)
	assert.Equal(t, int64(1024), s.Used())

	assert.Nil(t, s.Alloc(1))

	s.Free(a)
	assert.Equal(t, int64(512), s.Used())
	c := s.Alloc(256)
	require.NotNil(t, c)
	s.Free(b)
	s.Free(c)
	assert.Equal(t, int64(0), s.Used())
}

func TestMallocTrim(t *testing.T) {
	s := NewMalloc("t1", 0)
	st := s.Alloc(4096)
	require.NotNil(t, st)
	copy(st.Bytes, "data")
	st.Len = 4

	s.Trim(st, 4)
	assert.Equal(t, int64(4), s.Used())
	assert.Equal(t, "data", string(st.Bytes[:4]))

	// Small deltas are left alone.
	st2 := s.Alloc(100)
	s.Trim(st2, 90)
	assert.Len(t, st2.Bytes, 100)
}

func TestFileStevedore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	s := NewFile("t2", path, 1<<20)
	require.NoError(t, s.Open())
	defer s.Close()

	a := s.Alloc(10000)
	require.NotNil(t, a)
	assert.GreaterOrEqual(t, len(a.Bytes), 10000)
	copy(a.Bytes, "persist-me")

	b := s.Alloc(20000)
	require.NotNil(t, b)

	used := s.Used()
	assert.Greater(t, used, int64(0))

	// Trim returns tail pages.
	a.Len = 4096
	s.Trim(a, a.Len)
	assert.Less(t, s.Used(), used)
	assert.Equal(t, "persist-me", string(a.Bytes[:10]))

	s.Free(b)
	s.Free(a)
	assert.Equal(t, int64(0), s.Used())

	// After free+coalesce the whole region is one block again.
	c := s.Alloc(1 << 19)
	require.NotNil(t, c)
	s.Free(c)
}

func TestFileExhaustion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.bin")
	s := NewFile("t3", path, 64*1024)
	require.NoError(t, s.Open())
	defer s.Close()

	var all []*cache.Storage
	for {
		st := s.Alloc(16 * 1024)
		if st == nil {
			break
		}
		all = append(all, st)
	}
	require.Len(t, all, 4)
	for _, st := range all {
		s.Free(st)
	}
}

func TestObjBuilding(t *testing.T) {
	s := NewMalloc("t4", 0)
	o := AllocObj(s, 42, 0)
	require.NotNil(t, o)

	span := ObjGetSpace(o, s, 8)
	require.Len(t, span, 8)
	copy(span, "abc")
	ObjExtend(o, 3)
	span = ObjGetSpace(o, s, 8)
	require.Len(t, span, 5)
	copy(span, "defgh")
	ObjExtend(o, 5)

	// Chunk full: the next span comes from a fresh chunk.
	span = ObjGetSpace(o, s, 8)
	require.Len(t, span, 8)
	copy(span, "ij")
	ObjExtend(o, 2)
	ObjTrim(o)

	assert.Equal(t, int64(10), o.Len)
	assert.Equal(t, "abcdefghij", string(o.BodyBytes()))
}

func TestPoolPlacement(t *testing.T) {
	p := NewPool(nil, 10*time.Second)
	require.NoError(t, p.Open())

	assert.Same(t, p.Transient(), p.Pick(5*time.Second))
	assert.Same(t, p.Transient(), p.Pick(10*time.Second))
	assert.NotSame(t, p.Transient(), p.Pick(time.Minute))
	assert.Len(t, p.All(), 2)
}

func TestParseConfig(t *testing.T) {
	c, err := ParseConfig("malloc,1M")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), c.Size)

	c, err = ParseConfig("file,/tmp/x,64M")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", c.Path)
	assert.Equal(t, int64(64<<20), c.Size)

	_, err = ParseConfig("magnetic-drum")
	assert.Error(t, err)
	_, err = ParseConfig("file")
	assert.Error(t, err)
}
