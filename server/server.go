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

// Package server ties the cache together: the acceptor, the waiter that
// parks idle keep-alive connections, the per-session request state machine,
// and the wiring of cache, storage, expiry, bans, fetch, policy and worker
// pools into one running instance.
package server

import (
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/time/rate"

	"github.com/lagoon-cache/go-lagoon/ban"
	"github.com/lagoon-cache/go-lagoon/cache"
	"github.com/lagoon-cache/go-lagoon/common/mclock"
	"github.com/lagoon-cache/go-lagoon/expiry"
	"github.com/lagoon-cache/go-lagoon/fetch"
	"github.com/lagoon-cache/go-lagoon/log"
	"github.com/lagoon-cache/go-lagoon/params"
	"github.com/lagoon-cache/go-lagoon/pool"
	"github.com/lagoon-cache/go-lagoon/storage"
	"github.com/lagoon-cache/go-lagoon/vcl"
)

// Options configures a Server beyond the parameter table.
type Options struct {
	Clock      mclock.Clock
	Stevedores []storage.Stevedore
	Backends   []*fetch.Backend
	Policy     vcl.Policy
	RulesPath  string
}

// Server is one running cache instance.
type Server struct {
	pa    *params.Params
	clock mclock.Clock

	C      *cache.Cache
	Exp    *expiry.Expiry
	Bans   *ban.List
	Stv    *storage.Pool
	Synth  *storage.Synth
	F      *fetch.Fetcher
	VCL    *vcl.Manager
	Pools  *pool.Group
	waiter *waiter

	ln      net.Listener
	xid     atomic.Uint64
	sessID  atomic.Uint64
	started atomic.Bool
	quitCh  chan struct{}
	wg      sync.WaitGroup

	nSess    metrics.Counter
	nDropped metrics.Counter
	gSess    metrics.Counter
}

// New assembles a server. Start brings it to life.
func New(pa *params.Params, opts Options) (*Server, error) {
	if err := pa.Validate(); err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = mclock.System{}
	}

	var sl cache.Slinger
	switch pa.HashSlinger {
	case "simple_list":
		sl = cache.NewSimpleList()
	case "classic":
		sl = cache.NewClassic(pa.HashBuckets)
	default:
		sl = cache.NewCritbit()
	}

	srv := &Server{
		pa:       pa,
		clock:    clock,
		quitCh:   make(chan struct{}),
		nSess:    metrics.GetOrRegisterCounter("client/conn", nil),
		nDropped: metrics.GetOrRegisterCounter("client/dropped", nil),
		gSess:    metrics.GetOrRegisterCounter("client/sess_open", nil),
	}

	srv.C = cache.New(sl, clock, pa)
	srv.Exp = expiry.New(srv.C, clock, pa)
	srv.Bans = ban.NewList(pa.BanLurkerSleep)
	srv.C.Bans = srv.Bans
	srv.Stv = storage.NewPool(opts.Stevedores, pa.Shortlived)
	srv.Synth = storage.NewSynth()

	dir := fetch.NewDirector()
	for _, b := range opts.Backends {
		dir.Add(b)
	}
	srv.F = fetch.New(pa, dir, srv.Exp)

	policy := opts.Policy
	if policy == nil {
		policy = &vcl.Builtin{DefaultTTL: pa.DefaultTTL, DefaultGrace: pa.DefaultGrace}
	}
	srv.VCL = vcl.NewManager(policy)

	srv.Pools = pool.NewGroup(pa, clock)
	srv.C.Wake = func(w cache.Waiter) bool {
		return srv.Pools.Queue(w.(*Session).Task())
	}
	srv.waiter = newWaiter(srv)

	// xids start at a random base so two instances are distinguishable
	// in shared logs.
	srv.xid.Store(uint64(rand.Int31()))

	if opts.RulesPath != "" {
		base := &vcl.Builtin{DefaultTTL: pa.DefaultTTL, DefaultGrace: pa.DefaultGrace}
		if err := srv.VCL.WatchRules(opts.RulesPath, base); err != nil {
			return nil, err
		}
	}
	return srv, nil
}

// Start opens storage, launches the background threads and begins
// accepting.
func (srv *Server) Start() error {
	if !srv.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := srv.Stv.Open(); err != nil {
		return err
	}
	srv.Exp.Start()
	srv.Bans.Start()
	srv.Pools.Start()
	srv.F.Director().StartProbes()

	ln, err := net.Listen("tcp", srv.pa.ListenAddress)
	if err != nil {
		return err
	}
	srv.ln = ln
	srv.wg.Add(1)
	go srv.acceptLoop()
	log.Info("Cache child started", "listen", ln.Addr().String(), "slinger", srv.C.Slinger().Name())
	return nil
}

// Stop shuts the instance down. In-flight sessions finish their current
// request.
func (srv *Server) Stop() {
	if !srv.started.CompareAndSwap(true, false) {
		return
	}
	close(srv.quitCh)
	if srv.ln != nil {
		srv.ln.Close()
	}
	srv.wg.Wait()
	srv.VCL.Close()
	srv.F.Director().Stop()
	srv.Pools.Stop()
	srv.Bans.Stop()
	srv.Exp.Stop()
	log.Info("Cache child stopped")
}

// Addr returns the bound listen address.
func (srv *Server) Addr() net.Addr {
	if srv.ln == nil {
		return nil
	}
	return srv.ln.Addr()
}

// acceptLoop accepts connections and queues a FIRST task for each. Accept
// failures are rate-limited so a blown fd table does not melt the log.
func (srv *Server) acceptLoop() {
	defer srv.wg.Done()
	lim := rate.NewLimiter(rate.Every(time.Second), 5)
	for {
		nc, err := srv.ln.Accept()
		if err != nil {
			select {
			case <-srv.quitCh:
				return
			default:
			}
			if lim.Allow() {
				log.Warn("Accept failed", "err", err)
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		srv.nSess.Inc(1)
		srv.gSess.Inc(1)
		sess := srv.newSession(nc)
		if !srv.Pools.Queue(sess.Task()) {
			// Queue full: shed the connection before spending anything
			// more on it.
			srv.nDropped.Inc(1)
			srv.gSess.Dec(1)
			nc.Close()
		}
	}
}

// sessClosed accounts a destroyed session.
func (srv *Server) sessClosed(s *Session) {
	srv.gSess.Dec(1)
}

// nextXID hands out transaction ids.
func (srv *Server) nextXID() uint64 {
	return srv.xid.Add(1)
}

// SeedXID resets the xid counter, debug surface only.
func (srv *Server) SeedXID(base uint64) {
	srv.xid.Store(base)
}

// waiter parks idle keep-alive sessions without a worker. The runtime
// netpoller does the readiness wait; the goroutine costs a few KB and
// vanishes when bytes or the timeout arrive.
type waiter struct {
	srv   *Server
	gIdle metrics.Counter
}

func newWaiter(srv *Server) *waiter {
	return &waiter{
		srv:   srv,
		gIdle: metrics.GetOrRegisterCounter("client/sess_idle", nil),
	}
}

// Hand takes ownership of a workerless session until the next request's
// first bytes arrive, then queues it back onto a pool.
func (w *waiter) Hand(s *Session) {
	w.gIdle.Inc(1)
	go func() {
		defer w.gIdle.Dec(1)
		err := s.hc.Poke(time.Now().Add(w.srv.pa.SessTimeout))
		if err != nil {
			s.doClose = "session timeout"
			s.destroy()
			return
		}
		if !w.srv.Pools.Queue(s.Task()) {
			s.doClose = "dropped late"
			w.srv.nDropped.Inc(1)
			s.destroy()
		}
	}()
}
