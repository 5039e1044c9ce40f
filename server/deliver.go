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

// Response assembly: build the client response from the stored object,
// answer conditionals with 304, serve ranges, gunzip on the fly for clients
// without gzip, and expand ESI programs through sub-requests.

package server

import (
	"fmt"
	"io"
	"time"

	"github.com/lagoon-cache/go-lagoon/cache"
	"github.com/lagoon-cache/go-lagoon/esi"
	"github.com/lagoon-cache/go-lagoon/fetch"
	"github.com/lagoon-cache/go-lagoon/http1"
	"github.com/lagoon-cache/go-lagoon/log"
	"github.com/lagoon-cache/go-lagoon/vcl"
	"github.com/lagoon-cache/go-lagoon/vgz"
)

// stepPrepResp builds the response headers and runs the deliver policy.
func (s *Session) stepPrepResp() bool {
	w := s.wrk
	resp := &w.Resp
	http1.FilterResp(resp, s.obj.HTTP)
	resp.Proto = s.Req.Proto
	resp.SetHdr("Age", itoa64(s.obj.Age(time.Now())))
	resp.SetHdr("Via", "1.1 lagoon")
	resp.SetHdr("X-Lagoon", s.xidHeader())

	s.ctx.Resp = resp
	switch vcl.Check(vcl.HookDeliver, s.vclSet.Deliver(&s.ctx)) {
	case vcl.ActDeliver:
		s.step = StepDeliver
	case vcl.ActRestart:
		s.releaseObj()
		s.restart()
	default:
		s.releaseObj()
		s.failErr(s.ctx.Status, s.ctx.Reason)
	}
	return false
}

// xidHeader carries the request xid, and on a hit also the xid of the fetch
// that stored the object.
func (s *Session) xidHeader() string {
	if s.obj != nil && s.obj.XID != s.XID {
		return fmt.Sprintf("%d %d", s.XID, s.obj.XID)
	}
	return fmt.Sprintf("%d", s.XID)
}

// stepDeliver writes the stored object to the client.
func (s *Session) stepDeliver() bool {
	w := s.wrk
	resp := &w.Resp
	o := s.obj
	err := s.writeObj(resp, o)
	if err != nil {
		s.doClose = "tx error"
	}
	s.releaseObj()
	s.step = StepDone
	return false
}

// writeObj picks the delivery mode for a stored object.
func (s *Session) writeObj(resp *http1.HTTP, o *cache.Object) error {
	head := s.Req.Method == "HEAD"

	// Conditional requests against a fresh object.
	if resp.Status == 200 && http1.NotModified(&s.Req, o.HTTP) {
		resp.Status = 304
		resp.Reason = ""
		resp.UnsetHdr("Content-Length")
		resp.UnsetHdr("Content-Encoding")
		return s.writeHdr(resp)
	}

	prog, isESI := o.ESIData.(*esi.Program)
	gunzip := o.Gzipped && !s.Req.GetHdrToken("Accept-Encoding", "gzip")

	switch {
	case isESI:
		return s.deliverESI(resp, o, prog, head)
	case gunzip:
		return s.deliverGunzip(resp, o, head)
	default:
		return s.deliverPlain(resp, o, head)
	}
}

// deliverPlain writes the stored bytes as they are, honoring Range.
func (s *Session) deliverPlain(resp *http1.HTTP, o *cache.Object, head bool) error {
	resp.SetHdr("Content-Length", itoa64(o.Len))
	if s.srv.pa.HTTPRangeSupp && resp.Status == 200 && !head {
		if spec, ok := s.Req.GetHdr("Range"); ok {
			if lo, hi, ok := http1.ParseRange(spec, o.Len); ok {
				resp.Status = 206
				resp.Reason = ""
				resp.SetHdr("Content-Range",
					fmt.Sprintf("bytes %d-%d/%d", lo, hi, o.Len))
				resp.SetHdr("Content-Length", itoa64(hi-lo+1))
				if err := s.writeHdr(resp); err != nil {
					return err
				}
				cw := &countWriter{s: s}
				return o.WriteBodySpanTo(cw, lo, hi-lo+1)
			}
		}
	}
	if err := s.writeHdr(resp); err != nil {
		return err
	}
	if head {
		return nil
	}
	cw := &countWriter{s: s}
	return o.WriteBodyTo(cw)
}

// deliverGunzip inflates a stored-gzip object for a client that did not ask
// for gzip. The plaintext length is unknown until inflated, so HTTP/1.1
// clients get chunked framing and HTTP/1.0 clients get close-framing.
func (s *Session) deliverGunzip(resp *http1.HTTP, o *cache.Object, head bool) error {
	resp.UnsetHdr("Content-Encoding")
	resp.UnsetHdr("Content-Length")
	chunked := s.Req.Proto11() && s.esiSink == nil
	if chunked {
		resp.SetHdr("Transfer-Encoding", "chunked")
	} else if s.esiSink == nil {
		s.doClose = "http/1.0 eof framing"
		resp.SetHdr("Connection", "close")
	}
	if err := s.writeHdr(resp); err != nil {
		return err
	}
	if head {
		return nil
	}
	zr, err := vgz.NewReader(o.BodyReader())
	if err != nil {
		return err
	}
	defer zr.Close()
	var dst io.Writer = &countWriter{s: s}
	if chunked {
		cw := &http1.ChunkedWriter{W: dst}
		if _, err := io.Copy(cw, zr); err != nil {
			return err
		}
		return cw.Close()
	}
	_, err = io.Copy(dst, zr)
	return err
}

// deliverESI replays the compiled program: verbatim spans from storage,
// includes through sub-requests whose bodies land inline.
func (s *Session) deliverESI(resp *http1.HTTP, o *cache.Object, prog *esi.Program, head bool) error {
	resp.UnsetHdr("Content-Length")
	resp.UnsetHdr("Content-Encoding")
	chunked := s.Req.Proto11() && s.esiSink == nil
	if chunked {
		resp.SetHdr("Transfer-Encoding", "chunked")
	} else if s.esiSink == nil {
		s.doClose = "http/1.0 eof framing"
		resp.SetHdr("Connection", "close")
	}
	if err := s.writeHdr(resp); err != nil {
		return err
	}
	if head {
		return nil
	}
	var dst io.Writer = &countWriter{s: s}
	var cw *http1.ChunkedWriter
	if chunked {
		cw = &http1.ChunkedWriter{W: dst}
		dst = cw
	}
	if err := s.runProgram(o, prog, dst); err != nil {
		return err
	}
	if cw != nil {
		return cw.Close()
	}
	return nil
}

// runProgram writes one ESI program to dst. Nested ESI objects re-enter
// through the include sub-request, bounded by max_esi_includes.
func (s *Session) runProgram(o *cache.Object, prog *esi.Program, dst io.Writer) error {
	for _, seg := range prog.Segs {
		switch seg.Kind {
		case esi.SegVerbatim:
			if err := o.WriteBodySpanTo(dst, seg.Off, seg.Len); err != nil {
				return err
			}
		case esi.SegInclude:
			if s.esiLevel >= s.srv.pa.MaxEsiIncludes {
				log.Warn("ESI include depth capped", "xid", s.XID, "url", seg.URL)
				continue
			}
			if err := s.esiInclude(seg.Host, seg.URL, dst); err != nil {
				return err
			}
		}
	}
	return nil
}

// esiInclude runs a sub-request inline: the session's request state is
// snapshotted, rewritten to the include target, and the state machine is
// re-entered from RECV with the body-only sink installed. The parent state
// comes back whatever happens inside.
func (s *Session) esiInclude(host, url string, dst io.Writer) error {
	saved := esiFrame{
		req:      cloneHTTP(&s.Req),
		reqOrig:  cloneHTTP(&s.ReqOrig),
		ctx:      s.ctx,
		oc:       s.oc,
		obj:      s.obj,
		be:       s.be,
		step:     s.step,
		wantPass: s.wantPass,
		restarts: s.restarts,
		sink:     s.esiSink,
		digest:   s.digest,
	}
	s.oc = nil
	s.obj = nil
	s.be = nil
	s.restarts = 0
	s.wantPass = false
	s.esiLevel++
	s.esiSink = dst

	s.Req.Method = "GET"
	s.Req.URL = url
	if host != "" {
		s.Req.SetHdr("Host", host)
	}
	s.Req.UnsetHdr("Range")
	s.Req.UnsetHdr("If-Modified-Since")
	s.Req.UnsetHdr("If-None-Match")
	s.Req.UnsetHdr("Content-Length")
	s.Req.UnsetHdr("Transfer-Encoding")
	s.ReqOrig.CopyFrom(&s.Req)

	s.step = StepRecv
	for s.step != StepDone {
		s.runInnerStep()
	}

	s.esiLevel--
	s.esiSink = saved.sink
	s.Req.CopyFrom(saved.req)
	s.ReqOrig.CopyFrom(saved.reqOrig)
	s.ctx = saved.ctx
	s.oc = saved.oc
	s.obj = saved.obj
	s.be = saved.be
	s.step = saved.step
	s.wantPass = saved.wantPass
	s.restarts = saved.restarts
	s.digest = saved.digest
	return nil
}

type esiFrame struct {
	req      *http1.HTTP
	reqOrig  *http1.HTTP
	ctx      vcl.Ctx
	oc       *cache.ObjCore
	obj      *cache.Object
	be       *fetch.Backend
	step     Step
	wantPass bool
	restarts int
	sink     io.Writer
	digest   cache.Digest
}

// runInnerStep dispatches one step for an include sub-request. Includes
// never park: the lookup rule keeps nested levels off the waiting list.
func (s *Session) runInnerStep() {
	switch s.step {
	case StepRecv:
		s.stepRecv()
	case StepLookup:
		s.stepLookup()
	case StepHit:
		s.stepHit()
	case StepMiss:
		s.stepMiss()
	case StepPass:
		s.stepPass()
	case StepPipe:
		// Pipe makes no sense inside a template; drop the include.
		log.Warn("ESI include resolved to pipe, dropped", "xid", s.XID)
		s.step = StepDone
	case StepFetch:
		s.stepFetch()
	case StepFetchBody:
		s.stepFetchBody()
	case StepStream:
		s.stepStream()
	case StepPrepResp:
		s.stepPrepResp()
	case StepDeliver:
		s.stepDeliver()
	case StepError:
		s.stepError()
	default:
		log.Crit("ESI include in invalid step", "step", s.step.String())
	}
}

// writeHdr writes the response header block, suppressed entirely for
// include sub-requests.
func (s *Session) writeHdr(resp *http1.HTTP) error {
	if s.esiSink != nil {
		return nil
	}
	if s.doClose != "" {
		resp.SetHdr("Connection", "close")
	}
	hw := &hdrCountWriter{s: s}
	return http1.WriteResp(hw, resp)
}

// countWriter routes body bytes to the client or the ESI sink, accounting
// as it goes.
type countWriter struct {
	s *Session
}

func (cw *countWriter) Write(p []byte) (int, error) {
	s := cw.s
	var w io.Writer = s.nc
	if s.esiSink != nil {
		w = s.esiSink
	}
	n, err := w.Write(p)
	s.bodyBytes += int64(n)
	return n, err
}

type hdrCountWriter struct {
	s *Session
}

func (hw *hdrCountWriter) Write(p []byte) (int, error) {
	n, err := hw.s.nc.Write(p)
	hw.s.hdrBytes += int64(n)
	return n, err
}

// stepDone tears the request down and recycles or closes the connection.
func (s *Session) stepDone() bool {
	s.account()
	if s.vclSet != nil {
		s.vclSet.Deref()
		s.vclSet = nil
	}
	s.releaseObj()

	// An unconsumed request body would bleed into the next request.
	if s.doClose == "" && !s.wantPass {
		if framing, _ := http1.ReqBodyFraming(&s.Req); framing != http1.BodyNone {
			s.doClose = "unconsumed request body"
		}
	}
	if s.doClose == "" && s.Req.ConnClose() {
		s.doClose = "client close"
	}
	if s.doClose != "" {
		s.destroy()
		return true
	}

	// Keep-alive: pipelined bytes run the next request on this worker;
	// otherwise linger briefly, then hand the session to the waiter.
	s.hc.NextRequest()
	s.resetReq()
	s.step = StepWait
	if s.hc.Buffered() > 0 {
		return false
	}
	if err := s.hc.Poke(time.Now().Add(s.srv.pa.SessionLinger)); err == nil {
		return false
	}
	s.wrk = nil
	s.srv.waiter.Hand(s)
	return true
}

// resetReq clears the per-request state for the next request on the
// connection.
func (s *Session) resetReq() {
	s.Req.Reset()
	s.ReqOrig.Reset()
	s.ctx = vcl.Ctx{}
	s.restarts = 0
	s.wantPass = false
	s.errStatus = 0
	s.errReason = ""
	s.be = nil
	s.fetchAct = vcl.ActError
	s.ws.Reset(0)
}

func cloneHTTP(h *http1.HTTP) *http1.HTTP {
	c := new(http1.HTTP)
	c.CopyFrom(h)
	return c
}
