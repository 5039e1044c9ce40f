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

// Package storage implements the stevedores: pluggable byte storage the
// cache carves object bodies out of. Each stevedore owns an LRU list of the
// objcores stored in it, walked by the nuker when allocation fails.
package storage

import (
	"fmt"
	"strings"

	units "github.com/docker/go-units"
	"github.com/pkg/errors"

	"github.com/lagoon-cache/go-lagoon/cache"
	"github.com/lagoon-cache/go-lagoon/http1"
)

// Stevedore is a byte-storage backend.
type Stevedore interface {
	cache.StorageOps

	// Open readies the stevedore for allocation (maps files, reserves
	// arenas). Called once, single-threaded, at startup.
	Open() error

	// Alloc obtains a segment of up to size bytes. It may return a
	// smaller segment; nil means the stevedore is full.
	Alloc(size int) *cache.Storage

	// LRU returns the eviction list of objcores stored here.
	LRU() *cache.LRU

	// Used and Cap report byte accounting; Cap is 0 for unbounded.
	Used() int64
	Cap() int64
}

// AllocObj creates the in-core object for a fetch. When the caller already
// knows the body length it passes it as estimate and the first chunk is
// carved immediately; further chunks are allocated lazily as bytes arrive.
// Returns nil when the estimate cannot be satisfied.
func AllocObj(stv Stevedore, xid uint64, estimate int) *cache.Object {
	o := &cache.Object{
		XID:  xid,
		HTTP: new(http1.HTTP),
	}
	if estimate > 0 {
		st := stv.Alloc(estimate)
		if st == nil {
			return nil
		}
		o.Body = append(o.Body, st)
	}
	return o
}

// ObjGetSpace returns a writable span of the object's current tail chunk,
// allocating a fresh chunk from stv when the current one is full. Returns
// nil when the stevedore cannot provide more space; the caller decides
// between nuking and failing.
func ObjGetSpace(o *cache.Object, stv Stevedore, chunksize int) []byte {
	if n := len(o.Body); n > 0 {
		st := o.Body[n-1]
		if st.Space() > 0 {
			return st.Bytes[st.Len:]
		}
	}
	st := stv.Alloc(chunksize)
	if st == nil {
		return nil
	}
	o.Body = append(o.Body, st)
	return st.Bytes
}

// ObjExtend commits n bytes written into the span returned by ObjGetSpace.
func ObjExtend(o *cache.Object, n int) {
	st := o.Body[len(o.Body)-1]
	st.Len += n
	o.Len += int64(n)
}

// ObjTrim returns the unused tail of the object's last chunk to the
// stevedore. Called once when the body is complete.
func ObjTrim(o *cache.Object) {
	if n := len(o.Body); n > 0 {
		st := o.Body[n-1]
		if st.Len == 0 {
			st.Ops.Free(st)
			o.Body = o.Body[:n-1]
		} else if st.Space() > 0 {
			st.Ops.Trim(st, st.Len)
		}
	}
}

// Config is one -storage specification.
type Config struct {
	Kind string // malloc, file, synth
	Path string // file only
	Size int64  // 0 = unbounded
}

// ParseConfig parses a "kind[,arg[,arg]]" storage specification:
//
//	malloc[,size]
//	file,path[,size]
//	synth
func ParseConfig(spec string) (Config, error) {
	parts := strings.Split(spec, ",")
	c := Config{Kind: strings.TrimSpace(parts[0])}
	switch c.Kind {
	case "malloc":
		if len(parts) > 2 {
			return c, fmt.Errorf("storage: malloc takes at most one argument: %q", spec)
		}
		if len(parts) == 2 {
			sz, err := units.RAMInBytes(strings.TrimSpace(parts[1]))
			if err != nil {
				return c, errors.Wrapf(err, "storage: bad malloc size in %q", spec)
			}
			c.Size = sz
		}
	case "file":
		if len(parts) < 2 || len(parts) > 3 {
			return c, fmt.Errorf("storage: file takes a path and an optional size: %q", spec)
		}
		c.Path = strings.TrimSpace(parts[1])
		c.Size = 512 * 1024 * 1024
		if len(parts) == 3 {
			sz, err := units.RAMInBytes(strings.TrimSpace(parts[2]))
			if err != nil {
				return c, errors.Wrapf(err, "storage: bad file size in %q", spec)
			}
			c.Size = sz
		}
	case "synth":
		if len(parts) > 1 {
			return c, fmt.Errorf("storage: synth takes no arguments: %q", spec)
		}
	default:
		return c, fmt.Errorf("storage: unknown stevedore kind %q", c.Kind)
	}
	return c, nil
}

// FromConfig builds the stevedore described by c.
func FromConfig(c Config) (Stevedore, error) {
	switch c.Kind {
	case "malloc":
		return NewMalloc("s0", c.Size), nil
	case "file":
		return NewFile("s0", c.Path, c.Size), nil
	case "synth":
		return NewSynth(), nil
	default:
		return nil, fmt.Errorf("storage: unknown stevedore kind %q", c.Kind)
	}
}
