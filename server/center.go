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

// The request state machine. Each step returns false to fall through to the
// next dispatch, true to yield the session: a yielded session is parked,
// queued elsewhere, or gone, and must not be touched.

package server

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/lagoon-cache/go-lagoon/cache"
	"github.com/lagoon-cache/go-lagoon/fetch"
	"github.com/lagoon-cache/go-lagoon/http1"
	"github.com/lagoon-cache/go-lagoon/log"
	"github.com/lagoon-cache/go-lagoon/storage"
	"github.com/lagoon-cache/go-lagoon/vcl"
)

// stepFirst does the one-time per-connection setup.
func (s *Session) stepFirst() bool {
	if tc, ok := s.nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	s.step = StepWait
	return false
}

// stepWait blocks until a complete request header block is buffered. On a
// fresh connection the worker waits here; on keep-alive the waiter has
// already seen the first bytes.
func (s *Session) stepWait() bool {
	deadline := time.Now().Add(s.srv.pa.SessTimeout)
	hdr, err := s.hc.AwaitHeaders(deadline)
	if err != nil {
		switch {
		case err == http1.ErrHeaderTooLarge:
			s.doClose = "header overflow"
			s.failErr(413, "request header too large")
			return false
		case err == io.EOF:
			s.doClose = "remote closed"
		default:
			s.doClose = "rx timeout"
		}
		s.destroy()
		return true
	}
	s.rawHdr = hdr
	s.step = StepStart
	return false
}

// stepStart dissects the request, records the pristine copy and answers
// Expect: 100-continue.
func (s *Session) stepStart() bool {
	s.XID = s.srv.nextXID()
	s.tReq = s.srv.clock.Now()
	s.hdrBytes += int64(len(s.rawHdr))
	// Active processing runs under the receive timeout, not the idle one.
	s.nc.SetReadDeadline(time.Now().Add(s.srv.pa.RecvTimeout))
	if err := http1.DissectRequest(&s.Req, s.rawHdr, s.srv.pa.HTTPObsFold); err != nil {
		log.Debug("Request parse failed", "id", s.ID, "err", err)
		s.doClose = "bad request"
		s.failErr(400, "Bad Request")
		return false
	}
	s.ReqOrig.CopyFrom(&s.Req)
	s.vclSet = s.srv.VCL.Active()

	if v, ok := s.Req.GetHdr("Expect"); ok {
		if !strings.EqualFold(strings.TrimSpace(v), "100-continue") {
			s.doClose = "expectation failed"
			s.failErr(417, "Expectation Failed")
			return false
		}
		if _, err := io.WriteString(s.nc, "HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
			s.doClose = "tx error"
			s.destroy()
			return true
		}
		s.Req.UnsetHdr("Expect")
	}
	s.step = StepRecv
	return false
}

// stepRecv runs the recv policy and computes the hash.
func (s *Session) stepRecv() bool {
	if s.restarts > s.srv.pa.MaxRestarts {
		s.failErr(503, "too many restarts")
		return false
	}
	s.ctx = vcl.Ctx{
		Client:   s.nc.RemoteAddr(),
		Req:      &s.Req,
		Restarts: s.restarts,
		ESILevel: s.esiLevel,
	}
	s.wantPass = false

	switch vcl.Check(vcl.HookRecv, s.vclSet.Recv(&s.ctx)) {
	case vcl.ActLookup:
		vcl.Check(vcl.HookHash, s.vclSet.Hash(&s.ctx))
		s.digest = cache.DigestOf(s.ctx.HashMaterial...)
		s.ctx.HashMaterial = s.ctx.HashMaterial[:0]
		s.step = StepLookup
	case vcl.ActPipe:
		s.step = StepPipe
	case vcl.ActPass:
		s.step = StepPass
	default:
		s.failErr(s.ctx.Status, s.ctx.Reason)
	}
	return false
}

// stepLookup indexes the digest. Three ways out: a usable objcore, a fresh
// busy one, or parked on the waiting list.
func (s *Session) stepLookup() bool {
	be, err := s.srv.F.Director().Pick(s.ctx.Backend)
	if err != nil {
		s.failErr(503, "no backend")
		return false
	}
	s.be = be

	// The instant the session parks it can be rushed onto another
	// worker, so it must already look workerless going in.
	w := s.wrk
	s.wrk = nil
	oc, parked := s.srv.C.Lookup(&cache.LookupReq{
		Digest:         s.digest,
		Req:            &s.Req,
		AlwaysMiss:     s.srv.pa.HashAlwaysMiss,
		ESILevel:       s.esiLevel,
		BackendHealthy: be.Healthy(),
		Waiter:         s,
	})
	if parked {
		return true
	}
	s.wrk = w
	if oc.IsBusy() {
		s.oc = oc
		s.wrk.Stats.CacheMiss++
		s.step = StepMiss
		return false
	}
	if oc.IsPass() {
		// Hit-for-pass: the stored decision is "do not coalesce, do
		// not cache"; the marker itself is not deliverable.
		s.srv.C.Deref(oc)
		s.step = StepPass
		return false
	}
	s.oc = oc
	s.obj = oc.Obj
	s.wrk.Stats.CacheHit++
	s.step = StepHit
	return false
}

// stepHit runs the hit policy against a deliverable object.
func (s *Session) stepHit() bool {
	s.srv.Exp.Touch(s.oc, s.srv.pa.LRUInterval)
	s.ctx.Resp = s.obj.HTTP
	switch vcl.Check(vcl.HookHit, s.vclSet.Hit(&s.ctx)) {
	case vcl.ActDeliver:
		s.step = StepPrepResp
	case vcl.ActPass:
		s.releaseObj()
		s.step = StepPass
	case vcl.ActRestart:
		s.releaseObj()
		s.restart()
	default:
		s.releaseObj()
		s.failErr(s.ctx.Status, s.ctx.Reason)
	}
	return false
}

// stepMiss runs the miss policy while holding the busy objcore.
func (s *Session) stepMiss() bool {
	switch vcl.Check(vcl.HookMiss, s.vclSet.Miss(&s.ctx)) {
	case vcl.ActFetch:
		s.step = StepFetch
	case vcl.ActPass:
		s.dropBusy()
		s.step = StepPass
	case vcl.ActRestart:
		s.dropBusy()
		s.restart()
	default:
		s.dropBusy()
		s.failErr(s.ctx.Status, s.ctx.Reason)
	}
	return false
}

// stepPass marks the request uncacheable and fetches.
func (s *Session) stepPass() bool {
	s.wantPass = true
	switch vcl.Check(vcl.HookPass, s.vclSet.Pass(&s.ctx)) {
	case vcl.ActPass:
		s.step = StepFetch
	default:
		s.failErr(s.ctx.Status, s.ctx.Reason)
	}
	return false
}

// stepFetch runs the header phase against the backend and the fetch policy
// on its answer.
func (s *Session) stepFetch() bool {
	if s.be == nil {
		be, err := s.srv.F.Director().Pick(s.ctx.Backend)
		if err != nil {
			s.dropBusy()
			s.failErr(503, "no backend")
			return false
		}
		s.be = be
	}
	w := s.wrk
	bereq := &w.BeReq
	http1.FilterReq(bereq, &s.Req, !s.wantPass)
	if !s.wantPass {
		// Cache fills always fetch the full entity.
		bereq.Method = "GET"
	}
	if _, ok := bereq.GetHdr("Host"); !ok {
		bereq.SetHdr("Host", s.be.Addr)
	}
	s.addXFF(bereq)
	if s.srv.pa.HTTPGzipSupport && !s.wantPass {
		bereq.SetHdr("Accept-Encoding", "gzip")
	}

	var reqBody io.Reader
	if s.wantPass {
		framing, length := http1.ReqBodyFraming(&s.Req)
		switch framing {
		case http1.BodyLength:
			reqBody = http1.BodyReader(s.hc, framing, length)
		case http1.BodyChunked:
			// Re-frame: the hop-by-hop filter dropped the client's
			// Transfer-Encoding, so the backend gets a length.
			body, err := io.ReadAll(http1.BodyReader(s.hc, framing, length))
			if err != nil {
				s.doClose = "bad request body"
				s.destroy()
				return true
			}
			bereq.SetHdr("Content-Length", strconv.Itoa(len(body)))
			reqBody = bytes.NewReader(body)
		case http1.BodyError:
			s.failErr(400, "unframeable request body")
			return false
		}
	}

	bc, err := s.srv.F.Hdr(s.be, bereq, &w.BeResp, reqBody)
	if err != nil {
		log.Debug("Fetch failed", "xid", s.XID, "err", err)
		s.wrk.Stats.FetchFailed++
		s.dropBusy()
		s.failErr(503, "backend fetch failed")
		return false
	}
	s.bc = bc

	s.ctx.BeReq = bereq
	s.ctx.BeResp = &w.BeResp
	s.fetchAct = vcl.Check(vcl.HookFetch, s.vclSet.Fetch(&s.ctx))
	s.step = StepFetchBody
	return false
}

// stepFetchBody allocates the object and reads the body per the fetch
// verdict.
func (s *Session) stepFetchBody() bool {
	w := s.wrk
	beresp := &w.BeResp

	switch s.fetchAct {
	case vcl.ActRestart:
		s.bc.Close()
		s.bc = nil
		s.dropBusy()
		s.restart()
		return false

	case vcl.ActError:
		s.bc.Close()
		s.bc = nil
		s.dropBusy()
		s.failErr(s.ctx.Status, s.ctx.Reason)
		return false

	case vcl.ActPass:
		// Deliver without caching.
		s.dropBusy()
		s.step = StepStream
		return false

	case vcl.ActHitForPass:
		if s.oc != nil {
			s.insertHitForPass(beresp)
		}
		s.step = StepStream
		return false
	}

	// ActDeliver: store and then deliver from the cache.
	if s.wantPass || s.oc == nil {
		s.step = StepStream
		return false
	}
	vary, ok := cache.VaryCreate(beresp, &s.Req)
	if !ok {
		// Vary: * is uncacheable.
		s.insertHitForPass(beresp)
		s.step = StepStream
		return false
	}
	ttl, grace := s.ctx.TTL, s.ctx.Grace

	stv, o := s.allocObj(beresp.ContentLength(), &ttl)
	if o == nil {
		s.bc.Close()
		s.bc = nil
		s.dropBusy()
		s.failErr(503, "storage allocation failed")
		return false
	}
	s.stv = stv

	mode, strip := s.vfpMode(beresp)
	if err := s.srv.F.Body(o, stv, s.bc, w.BeReq.Method, beresp, mode, s.beHost(), w.BeReq.URL); err != nil {
		log.Debug("Fetch body failed", "xid", s.XID, "err", err)
		s.wrk.Stats.FetchFailed++
		s.bc = nil
		s.dropBusy()
		s.failErr(503, "backend body failed")
		return false
	}
	s.bc = nil

	http1.FilterResp(o.HTTP, beresp)
	if strip {
		o.HTTP.UnsetHdr("Content-Encoding")
		o.HTTP.UnsetHdr("Content-Length")
	}
	if _, ok := o.HTTP.GetHdr("Content-Length"); !ok && o.ESIData == nil {
		o.HTTP.SetHdr("Content-Length", itoa64(o.Len))
	}
	o.Vary = vary
	o.Entered = time.Now()
	o.EnteredMono = s.srv.clock.Now()
	o.TTL = ttl
	o.Grace = grace
	o.XID = s.XID
	o.LastUse.Store(int64(o.EnteredMono))

	s.finalize(o)
	s.obj = o
	s.step = StepPrepResp
	return false
}

// finalize publishes a filled object: LRU, ban registration, unbusy (which
// rushes the waiting list) and the expiry heap.
func (s *Session) finalize(o *cache.Object) {
	oc := s.oc
	oc.Obj = o
	o.OC = oc
	s.stv.LRU().Add(oc, s.srv.clock.Now())
	s.srv.Bans.RegisterObj(oc)
	s.srv.C.Unbusy(oc)
	s.srv.Exp.Insert(oc)
}

// insertHitForPass converts the busy objcore into a pass marker so later
// requests skip coalescing for the TTL of the decision.
func (s *Session) insertHitForPass(beresp *http1.HTTP) {
	oc := s.oc
	s.oc = nil
	o := &cache.Object{
		XID:         s.XID,
		HTTP:        new(http1.HTTP),
		Entered:     time.Now(),
		EnteredMono: s.srv.clock.Now(),
		TTL:         s.srv.pa.DefaultTTL,
	}
	if s.ctx.TTL > 0 {
		o.TTL = s.ctx.TTL
	}
	o.HTTP.CopyFrom(beresp)
	o.OC = oc
	oc.Obj = o
	oc.Flags |= cache.OCPass
	s.srv.Bans.RegisterObj(oc)
	s.srv.C.Unbusy(oc)
	s.srv.Exp.Insert(oc)
	s.srv.C.Deref(oc)
}

// allocObj picks the stevedore and creates the object, salvaging on
// Transient with a shortened TTL when the first choice is full even after
// nuking.
func (s *Session) allocObj(estimate int64, ttl *time.Duration) (storage.Stevedore, *cache.Object) {
	est := int(estimate)
	if est < 0 {
		est = 0
	}
	stv := s.srv.Stv.Pick(*ttl)
	if o := s.allocOn(stv, est); o != nil {
		return stv, o
	}
	// Salvage: Transient, shortened TTL.
	tr := s.srv.Stv.Transient()
	if *ttl > s.srv.pa.Shortlived {
		*ttl = s.srv.pa.Shortlived
	}
	if o := s.allocOn(tr, est); o != nil {
		return tr, o
	}
	return nil, nil
}

func (s *Session) allocOn(stv storage.Stevedore, est int) *cache.Object {
	for i := 0; ; i++ {
		if o := storage.AllocObj(stv, s.XID, est); o != nil {
			return o
		}
		if i >= s.srv.pa.NukeLimit || !s.srv.Exp.NukeOne(stv.LRU()) {
			return nil
		}
	}
}

// vfpMode picks the body processor stack; strip reports whether the stored
// headers must lose Content-Encoding/Content-Length.
func (s *Session) vfpMode(beresp *http1.HTTP) (mode fetch.VFPMode, strip bool) {
	gz := beresp.GetHdrToken("Content-Encoding", "gzip")
	switch {
	case s.ctx.DoESI && gz:
		return fetch.VfpEsiGzip, true
	case s.ctx.DoESI:
		return fetch.VfpEsi, false
	case gz && s.srv.pa.HTTPGzipSupport:
		return fetch.VfpTestGzip, false
	case gz:
		return fetch.VfpGunzip, true
	default:
		return fetch.VfpNop, false
	}
}

// dropBusy abandons the busy objcore, if the session holds one.
func (s *Session) dropBusy() {
	if s.oc != nil && s.oc.IsBusy() {
		s.srv.C.DropBusy(s.oc)
		s.oc = nil
	}
}

// restart loops the request back through RECV with the pristine header
// copy.
func (s *Session) restart() {
	s.restarts++
	s.Req.CopyFrom(&s.ReqOrig)
	s.be = nil
	s.step = StepRecv
}

func (s *Session) beHost() string {
	if h, ok := s.wrk.BeReq.GetHdr("Host"); ok {
		return h
	}
	return ""
}

func (s *Session) addXFF(bereq *http1.HTTP) {
	host, _, err := net.SplitHostPort(s.nc.RemoteAddr().String())
	if err != nil {
		return
	}
	if prev, ok := bereq.GetHdr("X-Forwarded-For"); ok {
		bereq.SetHdr("X-Forwarded-For", prev+", "+host)
	} else {
		bereq.SetHdr("X-Forwarded-For", host)
	}
}

func itoa64(n int64) string {
	return strconv.FormatInt(n, 10)
}
