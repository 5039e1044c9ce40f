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

package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/lagoon-cache/go-lagoon/fetch"
	"github.com/lagoon-cache/go-lagoon/params"
	"github.com/lagoon-cache/go-lagoon/storage"
	"github.com/lagoon-cache/go-lagoon/vcl"
	"github.com/lagoon-cache/go-lagoon/vgz"
)

// origin is a scriptable backend with connection and hit accounting.
type origin struct {
	*httptest.Server
	mux   *http.ServeMux
	conns atomic.Int32
	hits  map[string]*atomic.Int32
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{mux: http.NewServeMux(), hits: make(map[string]*atomic.Int32)}
	o.Server = httptest.NewUnstartedServer(o.mux)
	o.Server.Config.ConnState = func(c net.Conn, st http.ConnState) {
		if st == http.StateNew {
			o.conns.Add(1)
		}
	}
	o.Server.Start()
	t.Cleanup(o.Server.Close)
	return o
}

func (o *origin) addr() string {
	return strings.TrimPrefix(o.URL, "http://")
}

func (o *origin) handle(path string, fn http.HandlerFunc) *atomic.Int32 {
	n := new(atomic.Int32)
	o.hits[path] = n
	o.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		fn(w, r)
	})
	return n
}

// testPolicy layers test-only decisions over the builtin.
type testPolicy struct {
	*vcl.Builtin
}

func (p *testPolicy) Recv(ctx *vcl.Ctx) vcl.Action {
	if strings.HasPrefix(ctx.Req.URL, "/pipe") {
		return vcl.ActPipe
	}
	return p.Builtin.Recv(ctx)
}

func (p *testPolicy) Fetch(ctx *vcl.Ctx) vcl.Action {
	act := p.Builtin.Fetch(ctx)
	if strings.HasPrefix(ctx.BeReq.URL, "/parent") || strings.HasPrefix(ctx.BeReq.URL, "/esi") {
		ctx.DoESI = true
	}
	return act
}

func startCache(t *testing.T, o *origin, tweak func(*params.Params)) *Server {
	t.Helper()
	pa := params.Defaults()
	pa.ListenAddress = "127.0.0.1:0"
	pa.ThreadPools = 1
	pa.ThreadPoolMin = 4
	pa.ThreadPoolMax = 64
	pa.SessTimeout = 2 * time.Second
	if tweak != nil {
		tweak(pa)
	}
	pol := &testPolicy{&vcl.Builtin{DefaultTTL: pa.DefaultTTL, DefaultGrace: pa.DefaultGrace}}
	srv, err := New(pa, Options{
		Backends: []*fetch.Backend{fetch.NewBackend("default", o.addr(), pa)},
		Policy:   pol,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

// roundTrip sends one raw request on a fresh connection and parses the
// response.
func roundTrip(t *testing.T, addr, raw string) (*http.Response, string) {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer nc.Close()
	return sendOn(t, nc, raw)
}

func sendOn(t *testing.T, nc net.Conn, raw string) (*http.Response, string) {
	t.Helper()
	_, err := io.WriteString(nc, raw)
	require.NoError(t, err)
	nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(nc), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

func get(url string) string {
	return fmt.Sprintf("GET %s HTTP/1.1\r\nHost: h\r\n\r\n", url)
}

func TestSimpleHit(t *testing.T) {
	o := newOrigin(t)
	hits := o.handle("/a", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "abc")
	})
	srv := startCache(t, o, nil)
	addr := srv.Addr().String()

	resp, body := roundTrip(t, addr, get("/a"))
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "abc", body)
	assert.Equal(t, "3", resp.Header.Get("Content-Length"))
	require.Len(t, strings.Fields(resp.Header.Get("X-Lagoon")), 1)

	resp, body = roundTrip(t, addr, get("/a"))
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "abc", body)
	assert.Len(t, strings.Fields(resp.Header.Get("X-Lagoon")), 2)
	age := resp.Header.Get("Age")
	require.NotEmpty(t, age)
	assert.GreaterOrEqual(t, age, "0")

	assert.Equal(t, int32(1), hits.Load())
}

func TestPassOnCookie(t *testing.T) {
	o := newOrigin(t)
	hits := o.handle("/dyn", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "dynamic")
	})
	srv := startCache(t, o, nil)
	addr := srv.Addr().String()

	raw := "GET /dyn HTTP/1.1\r\nHost: h\r\nCookie: foo=bar\r\n\r\n"
	for i := 0; i < 2; i++ {
		resp, body := roundTrip(t, addr, raw)
		require.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "dynamic", body)
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestRange(t *testing.T) {
	o := newOrigin(t)
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	o.handle("/big", func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})
	srv := startCache(t, o, nil)
	addr := srv.Addr().String()

	// Warm the cache.
	roundTrip(t, addr, get("/big"))

	raw := "GET /big HTTP/1.1\r\nHost: h\r\nRange: bytes=10-19\r\n\r\n"
	resp, body := roundTrip(t, addr, raw)
	require.Equal(t, 206, resp.StatusCode)
	assert.Equal(t, "bytes 10-19/100", resp.Header.Get("Content-Range"))
	assert.Equal(t, "10", resp.Header.Get("Content-Length"))
	assert.Equal(t, string(payload[10:20]), body)
}

func TestGunzipOnSend(t *testing.T) {
	o := newOrigin(t)
	gz, err := vgz.Gzip([]byte("hello"), 6)
	require.NoError(t, err)
	o.handle("/gz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Length", fmt.Sprint(len(gz)))
		w.Write(gz)
	})
	srv := startCache(t, o, nil)
	addr := srv.Addr().String()

	// A client without Accept-Encoding gets plaintext, chunked.
	resp, body := roundTrip(t, addr, get("/gz"))
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello", body)
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Contains(t, resp.TransferEncoding, "chunked")

	// A gzip-capable client gets the stored gzip verbatim.
	raw := "GET /gz HTTP/1.1\r\nHost: h\r\nAccept-Encoding: gzip\r\n\r\n"
	resp, body = roundTrip(t, addr, raw)
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	assert.Equal(t, string(gz), body)
}

func TestESI(t *testing.T) {
	o := newOrigin(t)
	o.handle("/parent", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `A<esi:include src="/child"/>B`)
	})
	childHits := o.handle("/child", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "X")
	})
	srv := startCache(t, o, nil)
	addr := srv.Addr().String()

	resp, body := roundTrip(t, addr, get("/parent"))
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "AXB", body)
	assert.Contains(t, resp.TransferEncoding, "chunked")

	// Both parent and child are cached now; a second expansion costs no
	// origin traffic.
	before := childHits.Load()
	_, body = roundTrip(t, addr, get("/parent"))
	assert.Equal(t, "AXB", body)
	assert.Equal(t, before, childHits.Load())
}

func TestCoalescing(t *testing.T) {
	o := newOrigin(t)
	hits := o.handle("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		io.WriteString(w, "slow")
	})
	srv := startCache(t, o, nil)
	addr := srv.Addr().String()

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			resp, body := roundTrip(t, addr, get("/slow"))
			if resp.StatusCode != 200 || body != "slow" {
				return fmt.Errorf("got %d %q", resp.StatusCode, body)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), hits.Load())
}

func TestBanForcesRefetch(t *testing.T) {
	o := newOrigin(t)
	hits := o.handle("/banme", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "v")
	})
	srv := startCache(t, o, nil)
	addr := srv.Addr().String()

	roundTrip(t, addr, get("/banme"))
	roundTrip(t, addr, get("/banme"))
	require.Equal(t, int32(1), hits.Load())

	_, err := srv.Bans.AddURL("^/banme$")
	require.NoError(t, err)

	roundTrip(t, addr, get("/banme"))
	assert.Equal(t, int32(2), hits.Load())
}

func TestNotModified(t *testing.T) {
	o := newOrigin(t)
	lm := "Mon, 02 Jan 2006 15:04:05 GMT"
	o.handle("/cond", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", lm)
		io.WriteString(w, "content")
	})
	srv := startCache(t, o, nil)
	addr := srv.Addr().String()

	roundTrip(t, addr, get("/cond"))

	raw := fmt.Sprintf("GET /cond HTTP/1.1\r\nHost: h\r\nIf-Modified-Since: %s\r\n\r\n", lm)
	resp, body := roundTrip(t, addr, raw)
	assert.Equal(t, 304, resp.StatusCode)
	assert.Empty(t, body)
}

func TestHitForPass(t *testing.T) {
	o := newOrigin(t)
	hits := o.handle("/setcookie", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-Cookie", "sid=123")
		io.WriteString(w, "personal")
	})
	srv := startCache(t, o, nil)
	addr := srv.Addr().String()

	for i := 0; i < 3; i++ {
		resp, body := roundTrip(t, addr, get("/setcookie"))
		require.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "personal", body)
	}
	// Every request went to the origin; none coalesced or cached.
	assert.Equal(t, int32(3), hits.Load())
}

func TestExpectContinue(t *testing.T) {
	o := newOrigin(t)
	o.handle("/post", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Write(b)
	})
	srv := startCache(t, o, nil)
	addr := srv.Addr().String()

	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer nc.Close()

	io.WriteString(nc, "POST /post HTTP/1.1\r\nHost: h\r\nContent-Length: 4\r\nExpect: 100-continue\r\n\r\n")
	br := bufio.NewReader(nc)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 100 Continue\r\n", line)
	blank, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\r\n", blank)

	io.WriteString(nc, "ping")
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ping", string(body))
}

func TestKeepAlivePipelining(t *testing.T) {
	o := newOrigin(t)
	o.handle("/k", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "keep")
	})
	srv := startCache(t, o, nil)
	addr := srv.Addr().String()

	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer nc.Close()

	// Two requests in one write; two responses on the same connection.
	io.WriteString(nc, get("/k")+get("/k"))
	br := bufio.NewReader(nc)
	for i := 0; i < 2; i++ {
		resp, err := http.ReadResponse(br, nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "keep", string(body))
	}
}

func TestPipe(t *testing.T) {
	o := newOrigin(t)
	o.handle("/pipe", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "piped")
	})
	srv := startCache(t, o, nil)
	addr := srv.Addr().String()

	resp, body := roundTrip(t, addr, get("/pipe"))
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "piped", body)
}

func TestBadRequestLine(t *testing.T) {
	o := newOrigin(t)
	srv := startCache(t, o, nil)
	addr := srv.Addr().String()

	resp, _ := roundTrip(t, addr, "TOTAL GARBAGE\r\n\r\n")
	assert.Equal(t, 400, resp.StatusCode)
}

func TestBackendDown(t *testing.T) {
	o := newOrigin(t)
	srv := startCache(t, o, nil)
	addr := srv.Addr().String()
	o.Server.Close()

	resp, _ := roundTrip(t, addr, get("/whatever"))
	assert.Equal(t, 503, resp.StatusCode)
}

func TestLRUNuking(t *testing.T) {
	o := newOrigin(t)
	payload := strings.Repeat("z", 8192)
	hits := new(atomic.Int32)
	o.mux.HandleFunc("/obj/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, payload)
	})

	pa := params.Defaults()
	pa.ListenAddress = "127.0.0.1:0"
	pa.ThreadPools = 1
	pa.ThreadPoolMin = 2
	pa.ThreadPoolMax = 8
	pa.FetchChunksize = 8 * 1024
	pa.Shortlived = 0 // keep everything on the bounded stevedore

	stv := storage.NewMalloc("bounded", 64*1024)
	srv, err := New(pa, Options{
		Stevedores: []storage.Stevedore{stv},
		Backends:   []*fetch.Backend{fetch.NewBackend("default", o.addr(), pa)},
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	addr := srv.Addr().String()

	// Far more objects than the stevedore holds: old ones must be nuked
	// to make room, and every request must still succeed.
	for i := 0; i < 20; i++ {
		resp, body := roundTrip(t, addr, get(fmt.Sprintf("/obj/%d", i)))
		require.Equal(t, 200, resp.StatusCode, "object %d", i)
		require.Equal(t, payload, body, "object %d", i)
	}
	require.Equal(t, int32(20), hits.Load())
	assert.LessOrEqual(t, stv.Used(), int64(64*1024))

	// The oldest object was evicted; asking again refetches.
	resp, _ := roundTrip(t, addr, get("/obj/0"))
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int32(21), hits.Load())
}
