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

	"github.com/lagoon-cache/go-lagoon/http1"
	"github.com/lagoon-cache/go-lagoon/log"
)

// stepStream relays the current backend response to the client as the bytes
// arrive, without caching anything. Pass traffic and uncacheable responses
// end up here.
func (s *Session) stepStream() bool {
	w := s.wrk
	beresp := &w.BeResp
	resp := &w.Resp
	http1.FilterResp(resp, beresp)
	resp.Proto = s.Req.Proto
	resp.SetHdr("Via", "1.1 lagoon")
	resp.SetHdr("X-Lagoon", s.xidHeader())

	framing, length := http1.RespBodyFraming(w.BeReq.Method, beresp)
	chunked := false
	switch framing {
	case http1.BodyNone:
	case http1.BodyLength:
		resp.SetHdr("Content-Length", itoa64(length))
	default:
		resp.UnsetHdr("Content-Length")
		if s.esiSink != nil {
			// Include bodies flow raw into the parent's framing.
		} else if s.Req.Proto11() {
			chunked = true
			resp.SetHdr("Transfer-Encoding", "chunked")
		} else {
			s.doClose = "http/1.0 eof framing"
			resp.SetHdr("Connection", "close")
		}
	}
	if beresp.ConnClose() && framing == http1.BodyEOF {
		s.doClose = "backend eof framing"
	}

	if err := s.writeHdr(resp); err != nil {
		s.doClose = "tx error"
		s.bc.Close()
		s.bc = nil
		s.step = StepDone
		return false
	}

	var dst io.Writer = &countWriter{s: s}
	var cw *http1.ChunkedWriter
	if chunked {
		cw = &http1.ChunkedWriter{W: dst}
		dst = cw
	}
	_, err := s.srv.F.StreamBody(s.bc, w.BeReq.Method, beresp, dst)
	s.bc = nil
	if err != nil {
		log.Debug("Stream failed", "xid", s.XID, "err", err)
		s.doClose = "stream error"
	} else if cw != nil {
		if err := cw.Close(); err != nil {
			s.doClose = "tx error"
		}
	}
	s.step = StepDone
	return false
}
