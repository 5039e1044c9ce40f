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

package ban

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagoon-cache/go-lagoon/cache"
	"github.com/lagoon-cache/go-lagoon/http1"
)

func testObj(url string) (*cache.Object, *http1.HTTP) {
	oc := &cache.ObjCore{HeapIdx: -1}
	o := &cache.Object{HTTP: new(http1.HTTP), OC: oc}
	oc.Obj = o
	o.HTTP.SetHdr("Content-Type", "text/html")
	req := &http1.HTTP{Method: "GET", URL: url, Proto: "HTTP/1.1"}
	return o, req
}

func TestBanMatchesNewObjectsNot(t *testing.T) {
	l := NewList(time.Hour)
	o, req := testObj("/doomed")
	// Object registered after the boot ban, before any real ban.
	l.RegisterObj(o.OC)
	assert.False(t, l.Check(o, req))

	_, err := l.AddURL("^/doomed$")
	require.NoError(t, err)
	assert.True(t, l.Check(o, req))

	// An object cached after the ban is not affected.
	o2, req2 := testObj("/doomed")
	l.RegisterObj(o2.OC)
	assert.False(t, l.Check(o2, req2))
}

func TestBanPointerAdvances(t *testing.T) {
	l := NewList(time.Hour)
	o, req := testObj("/safe")
	l.RegisterObj(o.OC)

	_, err := l.AddURL("^/other$")
	require.NoError(t, err)
	require.False(t, l.Check(o, req))

	// After a clean check the object rests on the head; the old ban's
	// refcount moved along with it.
	bans := l.Dump()
	require.Len(t, bans, 2)
	assert.Equal(t, int64(1), bans[0].Refs())
	assert.Equal(t, int64(0), bans[1].Refs())
}

func TestBanFields(t *testing.T) {
	l := NewList(time.Hour)
	o, req := testObj("/f")
	req.SetHdr("User-Agent", "curl/7.0")
	l.RegisterObj(o.OC)

	_, err := l.Add("req.http.User-Agent ~ curl && obj.http.Content-Type == text/html")
	require.NoError(t, err)
	assert.True(t, l.Check(o, req))

	o2, req2 := testObj("/f")
	req2.SetHdr("User-Agent", "browser")
	l.RegisterObj(o2.OC)
	_, err = l.Add("req.http.User-Agent ~ curl")
	require.NoError(t, err)
	assert.False(t, l.Check(o2, req2))
}

func TestBanParseErrors(t *testing.T) {
	l := NewList(time.Hour)
	_, err := l.Add("req.url")
	assert.Error(t, err)
	_, err = l.Add("req.url <> x")
	assert.Error(t, err)
	_, err = l.Add("rec.url == x")
	assert.Error(t, err)
	_, err = l.Add("req.url ~ [")
	assert.Error(t, err)
}

func TestRetirement(t *testing.T) {
	l := NewList(time.Hour)
	o, req := testObj("/r")
	l.RegisterObj(o.OC)

	l.AddURL("^/a$")
	l.AddURL("^/b$")
	require.Len(t, l.Dump(), 3)

	// The object still rests on the boot ban; nothing can retire.
	l.retire()
	require.Len(t, l.Dump(), 3)

	// Advance the object to the head, then the tail is garbage.
	require.False(t, l.Check(o, req))
	l.retire()
	bans := l.Dump()
	require.Len(t, bans, 1)
	assert.Equal(t, int64(1), bans[0].Refs())

	// Objects leaving the cache release their resting reference.
	l.DerefObj(o.OC)
	assert.Equal(t, int64(0), bans[0].Refs())
}
