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
	"fmt"
	"time"

	"github.com/lagoon-cache/go-lagoon/http1"
	"github.com/lagoon-cache/go-lagoon/vcl"
)

// stepError synthesizes an error response. The body lives on the synth
// stevedore, which has no bounds: error pages must come out even when every
// real stevedore is full.
func (s *Session) stepError() bool {
	if s.errStatus == 0 {
		s.errStatus = 503
	}
	if s.errReason == "" {
		s.errReason = http1.StatusText(s.errStatus)
	}
	s.ctx.Status = s.errStatus
	s.ctx.Reason = s.errReason

	if s.vclSet != nil {
		if vcl.Check(vcl.HookError, s.vclSet.Error(&s.ctx)) == vcl.ActRestart &&
			s.restarts < s.srv.pa.MaxRestarts {
			s.restart()
			return false
		}
		s.errStatus = s.ctx.Status
		s.errReason = s.ctx.Reason
	}

	body := fmt.Sprintf(
		"<html>\n<head><title>%d %s</title></head>\n<body>\n<h1>Error %d %s</h1>\n<p>%s</p>\n<h3>Guru Meditation:</h3>\n<p>XID: %d</p>\n</body>\n</html>\n",
		s.errStatus, s.errReason, s.errStatus, s.errReason, s.errReason, s.XID)

	st := s.srv.Synth.Alloc(len(body))
	copy(st.Bytes, body)
	st.Len = len(body)

	resp := &s.wrk.Resp
	resp.Reset()
	resp.Proto = s.Req.Proto
	if resp.Proto == "" {
		resp.Proto = "HTTP/1.1"
	}
	resp.Status = s.errStatus
	resp.Reason = s.errReason
	resp.SetHdr("Server", "lagoon")
	resp.SetHdr("Date", http1.FormatHTTPDate(time.Now()))
	resp.SetHdr("Content-Type", "text/html; charset=utf-8")
	resp.SetHdr("Content-Length", itoa64(int64(st.Len)))
	resp.SetHdr("X-Lagoon", s.xidHeader())

	if err := s.writeHdr(resp); err == nil && s.esiSink == nil {
		cw := &countWriter{s: s}
		cw.Write(st.Bytes[:st.Len])
	}
	st.Ops.Free(st)

	if s.errStatus >= 500 {
		s.doClose = "error"
	}
	s.step = StepDone
	return false
}
