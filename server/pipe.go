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

	"golang.org/x/sync/errgroup"

	"github.com/lagoon-cache/go-lagoon/http1"
	"github.com/lagoon-cache/go-lagoon/log"
	"github.com/lagoon-cache/go-lagoon/vcl"
)

// stepPipe turns the connection into a raw relay: the request goes to the
// backend as-is and from then on bytes flow both ways until either side
// closes. Nothing after this request is interpreted as HTTP.
func (s *Session) stepPipe() bool {
	vcl.Check(vcl.HookPipe, s.vclSet.Pipe(&s.ctx))

	be, err := s.srv.F.Director().Pick(s.ctx.Backend)
	if err != nil {
		s.failErr(503, "no backend")
		return false
	}
	bnc, _, err := be.GetConn()
	if err != nil {
		s.failErr(503, "backend connect failed")
		return false
	}

	bereq := &s.wrk.BeReq
	http1.FilterReq(bereq, &s.Req, false)
	bereq.SetHdr("Connection", "close")
	if _, ok := bereq.GetHdr("Host"); !ok {
		bereq.SetHdr("Host", be.Addr)
	}
	if err := http1.WriteReq(bnc, bereq); err != nil {
		bnc.Close()
		s.failErr(503, "backend write failed")
		return false
	}

	var g errgroup.Group
	var up, down int64
	g.Go(func() error {
		// Client to backend, starting with anything already buffered.
		n, err := io.Copy(bnc, s.hc)
		up = n
		bnc.Close()
		return err
	})
	g.Go(func() error {
		n, err := io.Copy(s.nc, bnc)
		down = n
		s.nc.Close()
		return err
	})
	err = g.Wait()
	s.bodyBytes += up + down
	if err != nil {
		log.Debug("Pipe ended", "id", s.ID, "err", err)
	}

	s.doClose = "pipe"
	s.step = StepDone
	return false
}
