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
	"io"
	"net"

	"github.com/lagoon-cache/go-lagoon/cache"
	"github.com/lagoon-cache/go-lagoon/common/mclock"
	"github.com/lagoon-cache/go-lagoon/fetch"
	"github.com/lagoon-cache/go-lagoon/http1"
	"github.com/lagoon-cache/go-lagoon/log"
	"github.com/lagoon-cache/go-lagoon/pool"
	"github.com/lagoon-cache/go-lagoon/storage"
	"github.com/lagoon-cache/go-lagoon/vcl"
	"github.com/lagoon-cache/go-lagoon/workspace"
)

// Step is a state of the request state machine.
type Step int

const (
	StepFirst Step = iota
	StepWait
	StepStart
	StepRecv
	StepLookup
	StepHit
	StepMiss
	StepPass
	StepPipe
	StepFetch
	StepFetchBody
	StepStream
	StepPrepResp
	StepDeliver
	StepError
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepFirst:
		return "first"
	case StepWait:
		return "wait"
	case StepStart:
		return "start"
	case StepRecv:
		return "recv"
	case StepLookup:
		return "lookup"
	case StepHit:
		return "hit"
	case StepMiss:
		return "miss"
	case StepPass:
		return "pass"
	case StepPipe:
		return "pipe"
	case StepFetch:
		return "fetch"
	case StepFetchBody:
		return "fetchbody"
	case StepStream:
		return "stream"
	case StepPrepResp:
		return "prepresp"
	case StepDeliver:
		return "deliver"
	case StepError:
		return "error"
	case StepDone:
		return "done"
	default:
		return "invalid"
	}
}

// Session is one client connection and the request currently on it. A
// session is driven by at most one worker at a time; between requests it is
// parked on the waiter, during coalescing on an objhead waiting list.
type Session struct {
	ID  uint64
	XID uint64

	srv  *Server
	nc   net.Conn
	hc   *http1.Conn
	ws   *workspace.Workspace
	wrk  *pool.Worker
	step Step

	// Request state.
	rawHdr  []byte
	Req     http1.HTTP
	ReqOrig http1.HTTP // pristine copy restored on restart
	digest  cache.Digest
	vclSet  *vcl.Set
	ctx     vcl.Ctx

	// Cache state.
	oc  *cache.ObjCore
	obj *cache.Object

	// Fetch state.
	be       *fetch.Backend
	bc       *fetch.BConn
	stv      storage.Stevedore
	fetchAct vcl.Action

	// ESI state.
	esiLevel int
	esiSink  io.Writer // non-nil while serving an include: body-only output

	restarts  int
	wantPass  bool
	doClose   string // close reason; empty keeps the connection alive
	errStatus int
	errReason string

	tOpen mclock.AbsTime
	tReq  mclock.AbsTime

	hdrBytes  int64
	bodyBytes int64
}

// newSession wraps an accepted connection.
func (srv *Server) newSession(nc net.Conn) *Session {
	return &Session{
		ID:    srv.sessID.Add(1),
		srv:   srv,
		nc:    nc,
		hc:    http1.NewConn(nc, srv.pa.MaxReqHeaderBytes),
		ws:    workspace.New("sess", srv.pa.SessWorkspace),
		step:  StepFirst,
		tOpen: srv.clock.Now(),
	}
}

// Task adapts the session to the worker pool.
func (s *Session) Task() pool.Task {
	return func(w *pool.Worker) {
		s.Run(w)
	}
}

// Run drives the state machine until the session yields: parked, handed to
// the waiter, or destroyed. The session must not be touched after Run
// returns.
func (s *Session) Run(w *pool.Worker) {
	s.wrk = w
	for {
		var yield bool
		switch s.step {
		case StepFirst:
			yield = s.stepFirst()
		case StepWait:
			yield = s.stepWait()
		case StepStart:
			yield = s.stepStart()
		case StepRecv:
			yield = s.stepRecv()
		case StepLookup:
			yield = s.stepLookup()
		case StepHit:
			yield = s.stepHit()
		case StepMiss:
			yield = s.stepMiss()
		case StepPass:
			yield = s.stepPass()
		case StepPipe:
			yield = s.stepPipe()
		case StepFetch:
			yield = s.stepFetch()
		case StepFetchBody:
			yield = s.stepFetchBody()
		case StepStream:
			yield = s.stepStream()
		case StepPrepResp:
			yield = s.stepPrepResp()
		case StepDeliver:
			yield = s.stepDeliver()
		case StepError:
			yield = s.stepError()
		case StepDone:
			yield = s.stepDone()
		default:
			log.Crit("Session in invalid step", "step", int(s.step))
		}
		if yield {
			return
		}
	}
}

// destroy closes and accounts the session.
func (s *Session) destroy() {
	if s.vclSet != nil {
		s.vclSet.Deref()
		s.vclSet = nil
	}
	s.releaseObj()
	if s.bc != nil {
		s.bc.Close()
		s.bc = nil
	}
	s.nc.Close()
	s.srv.sessClosed(s)
	log.Debug("Session closed", "id", s.ID, "reason", s.doClose)
}

// releaseObj drops the object references held for delivery.
func (s *Session) releaseObj() {
	if s.oc != nil {
		s.srv.C.Deref(s.oc)
		s.oc = nil
	}
	s.obj = nil
}

// account folds the request's byte counts into the worker stats.
func (s *Session) account() {
	if s.wrk == nil {
		return
	}
	s.wrk.Stats.HdrBytes += s.hdrBytes
	s.wrk.Stats.BodyBytes += s.bodyBytes
	s.hdrBytes = 0
	s.bodyBytes = 0
}

// failErr routes a request into the ERROR state.
func (s *Session) failErr(status int, reason string) {
	s.errStatus = status
	s.errReason = reason
	s.step = StepError
}
