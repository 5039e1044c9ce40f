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
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rcrowley/go-metrics"

	"github.com/lagoon-cache/go-lagoon/http1"
	"github.com/lagoon-cache/go-lagoon/log"
	"github.com/lagoon-cache/go-lagoon/params"
)

// Backend is one origin server with its idle-connection pool and health
// state.
type Backend struct {
	Name string
	Addr string // host:port

	// Probe configuration; empty URL disables probing and the backend
	// counts as healthy.
	ProbeURL    string
	ProbeStatus int

	pa      *params.Params
	healthy atomic.Bool
	connID  atomic.Uint64
	idle    *lru.Cache // connID -> net.Conn, evict closes

	nConn    metrics.Counter
	nReuse   metrics.Counter
	nRecycle metrics.Counter
	nFail    metrics.Counter

	quitCh chan struct{}
	wg     sync.WaitGroup
}

// NewBackend creates a backend. Idle connections beyond max_backend_idle
// are closed as they age out of the pool.
func NewBackend(name, addr string, pa *params.Params) *Backend {
	b := &Backend{
		Name:     name,
		Addr:     addr,
		pa:       pa,
		nConn:    metrics.GetOrRegisterCounter("backend/"+name+"/conn", nil),
		nReuse:   metrics.GetOrRegisterCounter("backend/"+name+"/reuse", nil),
		nRecycle: metrics.GetOrRegisterCounter("backend/"+name+"/recycle", nil),
		nFail:    metrics.GetOrRegisterCounter("backend/"+name+"/fail", nil),
		quitCh:   make(chan struct{}),
	}
	b.idle, _ = lru.NewWithEvict(pa.MaxBackendIdle, func(_, v interface{}) {
		v.(net.Conn).Close()
	})
	b.healthy.Store(true)
	return b
}

// Healthy reports the probe verdict; unprobed backends are healthy.
func (b *Backend) Healthy() bool { return b.healthy.Load() }

// GetConn returns a connection to the backend and whether it was recycled.
func (b *Backend) GetConn() (net.Conn, bool, error) {
	if _, v, ok := b.idle.RemoveOldest(); ok {
		b.nReuse.Inc(1)
		return v.(net.Conn), true, nil
	}
	nc, err := net.DialTimeout("tcp", b.Addr, b.pa.ConnectTimeout)
	if err != nil {
		b.nFail.Inc(1)
		return nil, false, err
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	b.nConn.Inc(1)
	return nc, false, nil
}

// PutConn returns a cleanly finished connection to the idle pool.
func (b *Backend) PutConn(nc net.Conn) {
	nc.SetDeadline(time.Time{})
	b.idle.Add(b.connID.Add(1), nc)
	b.nRecycle.Inc(1)
}

// StartProbe launches the health poller when a probe is configured.
func (b *Backend) StartProbe() {
	if b.ProbeURL == "" {
		return
	}
	if b.ProbeStatus == 0 {
		b.ProbeStatus = 200
	}
	b.wg.Add(1)
	go b.probeLoop()
}

// Stop terminates the prober and closes pooled connections.
func (b *Backend) Stop() {
	close(b.quitCh)
	b.wg.Wait()
	b.idle.Purge()
}

func (b *Backend) probeLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.pa.ProbeInterval)
	defer ticker.Stop()
	for {
		ok := b.probeOnce()
		was := b.healthy.Swap(ok)
		if was != ok {
			if ok {
				log.Info("Backend healthy", "backend", b.Name)
			} else {
				log.Warn("Backend sick", "backend", b.Name)
			}
		}
		select {
		case <-ticker.C:
		case <-b.quitCh:
			return
		}
	}
}

func (b *Backend) probeOnce() bool {
	nc, err := net.DialTimeout("tcp", b.Addr, b.pa.ConnectTimeout)
	if err != nil {
		return false
	}
	defer nc.Close()
	nc.SetDeadline(time.Now().Add(b.pa.FirstByteTimeout))
	req := &http1.HTTP{
		Method: "GET",
		URL:    b.ProbeURL,
		Proto:  "HTTP/1.1",
	}
	req.SetHdr("Host", b.Addr)
	req.SetHdr("Connection", "close")
	if err := http1.WriteReq(nc, req); err != nil {
		return false
	}
	hc := http1.NewConn(nc, 8192)
	hdr, err := hc.AwaitHeaders(time.Now().Add(b.pa.FirstByteTimeout))
	if err != nil {
		return false
	}
	var resp http1.HTTP
	if err := http1.DissectResponse(&resp, hdr, true); err != nil {
		return false
	}
	return resp.Status == b.ProbeStatus
}

// Director holds the named backends and picks one per request.
type Director struct {
	mu       sync.RWMutex
	backends map[string]*Backend
	def      string
}

// NewDirector creates a director; the first backend added becomes the
// default.
func NewDirector() *Director {
	return &Director{backends: make(map[string]*Backend)}
}

// Add registers a backend.
func (d *Director) Add(b *Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.backends) == 0 {
		d.def = b.Name
	}
	d.backends[b.Name] = b
}

// Pick resolves a backend by name; the empty name picks the default.
func (d *Director) Pick(name string) (*Backend, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if name == "" {
		name = d.def
	}
	b, ok := d.backends[name]
	if !ok {
		return nil, fmt.Errorf("fetch: no backend named %q", name)
	}
	return b, nil
}

// All snapshots the backends.
func (d *Director) All() []*Backend {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Backend, 0, len(d.backends))
	for _, b := range d.backends {
		out = append(out, b)
	}
	return out
}

// StartProbes launches every configured prober.
func (d *Director) StartProbes() {
	for _, b := range d.All() {
		b.StartProbe()
	}
}

// Stop terminates probers and drains idle pools.
func (d *Director) Stop() {
	for _, b := range d.All() {
		b.Stop()
	}
}
