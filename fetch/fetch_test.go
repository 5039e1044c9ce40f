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

package fetch

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagoon-cache/go-lagoon/cache"
	"github.com/lagoon-cache/go-lagoon/common/mclock"
	"github.com/lagoon-cache/go-lagoon/esi"
	"github.com/lagoon-cache/go-lagoon/expiry"
	"github.com/lagoon-cache/go-lagoon/http1"
	"github.com/lagoon-cache/go-lagoon/params"
	"github.com/lagoon-cache/go-lagoon/storage"
	"github.com/lagoon-cache/go-lagoon/vgz"
)

func newFetcher(pa *params.Params) *Fetcher {
	clk := new(mclock.Simulated)
	c := cache.New(cache.NewCritbit(), clk, pa)
	return New(pa, NewDirector(), expiry.New(c, clk, pa))
}

func bereqFor(url, host string) *http1.HTTP {
	h := &http1.HTTP{Method: "GET", URL: url, Proto: "HTTP/1.1"}
	h.SetHdr("Host", host)
	return h
}

func originAddr(t *testing.T, fn http.HandlerFunc) string {
	t.Helper()
	s := httptest.NewServer(fn)
	t.Cleanup(s.Close)
	return strings.TrimPrefix(s.URL, "http://")
}

func fetchInto(t *testing.T, f *Fetcher, be *Backend, url string, mode VFPMode) (*cache.Object, *http1.HTTP) {
	t.Helper()
	stv := storage.NewMalloc("ft", 0)
	var beresp http1.HTTP
	bereq := bereqFor(url, be.Addr)
	bc, err := f.Hdr(be, bereq, &beresp, nil)
	require.NoError(t, err)
	o := storage.AllocObj(stv, 1, 0)
	require.NoError(t, f.Body(o, stv, bc, "GET", &beresp, mode, "h", url))
	return o, &beresp
}

func TestHdrAndLengthBody(t *testing.T) {
	pa := params.Defaults()
	addr := originAddr(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello")
	})
	be := NewBackend("b", addr, pa)
	f := newFetcher(pa)

	o, beresp := fetchInto(t, f, be, "/x", VfpNop)
	assert.Equal(t, 200, beresp.Status)
	assert.Equal(t, int64(5), o.Len)
	assert.Equal(t, "hello", string(o.BodyBytes()))
}

func TestConnRecycling(t *testing.T) {
	pa := params.Defaults()
	var conns atomic.Int32
	s := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	s.Config.ConnState = func(c net.Conn, st http.ConnState) {
		if st == http.StateNew {
			conns.Add(1)
		}
	}
	s.Start()
	t.Cleanup(s.Close)
	be := NewBackend("b", strings.TrimPrefix(s.URL, "http://"), pa)
	f := newFetcher(pa)

	for i := 0; i < 3; i++ {
		fetchInto(t, f, be, "/r", VfpNop)
	}
	assert.Equal(t, int32(1), conns.Load())
}

func TestGunzipVFP(t *testing.T) {
	pa := params.Defaults()
	gz, err := vgz.Gzip([]byte("plaintext"), 6)
	require.NoError(t, err)
	addr := originAddr(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(gz)
	})
	be := NewBackend("b", addr, pa)
	f := newFetcher(pa)

	o, _ := fetchInto(t, f, be, "/gz", VfpGunzip)
	assert.False(t, o.Gzipped)
	assert.Equal(t, "plaintext", string(o.BodyBytes()))
}

func TestGzipVFP(t *testing.T) {
	pa := params.Defaults()
	addr := originAddr(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "compress me please, repeatedly, repeatedly, repeatedly")
	})
	be := NewBackend("b", addr, pa)
	f := newFetcher(pa)

	o, _ := fetchInto(t, f, be, "/plain", VfpGzip)
	require.True(t, o.Gzipped)
	plain, err := vgz.Gunzip(o.BodyBytes())
	require.NoError(t, err)
	assert.Equal(t, "compress me please, repeatedly, repeatedly, repeatedly", string(plain))
}

func TestTestGzipVFPRejectsCorrupt(t *testing.T) {
	pa := params.Defaults()
	addr := originAddr(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		io.WriteString(w, "this is not gzip at all")
	})
	be := NewBackend("b", addr, pa)
	f := newFetcher(pa)

	stv := storage.NewMalloc("tg", 0)
	var beresp http1.HTTP
	bc, err := f.Hdr(be, bereqFor("/bad", be.Addr), &beresp, nil)
	require.NoError(t, err)
	o := storage.AllocObj(stv, 1, 0)
	err = f.Body(o, stv, bc, "GET", &beresp, VfpTestGzip, "h", "/bad")
	assert.Error(t, err)
}

func TestEsiVFP(t *testing.T) {
	pa := params.Defaults()
	addr := originAddr(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `pre<esi:include src="/frag"/>post`)
	})
	be := NewBackend("b", addr, pa)
	f := newFetcher(pa)

	o, _ := fetchInto(t, f, be, "/tmpl", VfpEsi)
	prog, ok := o.ESIData.(*esi.Program)
	require.True(t, ok)
	assert.Equal(t, 1, prog.Includes())
}

func TestStreamBodyChunked(t *testing.T) {
	pa := params.Defaults()
	addr := originAddr(t, func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		io.WriteString(w, "first ")
		fl.Flush()
		io.WriteString(w, "second")
	})
	be := NewBackend("b", addr, pa)
	f := newFetcher(pa)

	var beresp http1.HTTP
	bc, err := f.Hdr(be, bereqFor("/ch", be.Addr), &beresp, nil)
	require.NoError(t, err)
	var out bytes.Buffer
	n, err := f.StreamBody(bc, "GET", &beresp, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(len("first second")), n)
	assert.Equal(t, "first second", out.String())
}

func TestDirector(t *testing.T) {
	pa := params.Defaults()
	d := NewDirector()
	_, err := d.Pick("")
	assert.Error(t, err)

	a := NewBackend("alpha", "127.0.0.1:1", pa)
	b := NewBackend("beta", "127.0.0.1:2", pa)
	d.Add(a)
	d.Add(b)

	got, err := d.Pick("")
	require.NoError(t, err)
	assert.Same(t, a, got) // first added is the default

	got, err = d.Pick("beta")
	require.NoError(t, err)
	assert.Same(t, b, got)

	_, err = d.Pick("gamma")
	assert.Error(t, err)
}

func TestConnectFailure(t *testing.T) {
	pa := params.Defaults()
	be := NewBackend("dead", "127.0.0.1:1", pa)
	f := newFetcher(pa)
	var beresp http1.HTTP
	_, err := f.Hdr(be, bereqFor("/", "h"), &beresp, nil)
	assert.Error(t, err)
}
