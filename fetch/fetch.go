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

// Package fetch talks to the origins: backend selection and connection
// pooling, the two-phase fetch (headers, then body through a processor
// stack into object storage), and the single retry on a stale recycled
// connection.
package fetch

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/lagoon-cache/go-lagoon/cache"
	"github.com/lagoon-cache/go-lagoon/esi"
	"github.com/lagoon-cache/go-lagoon/expiry"
	"github.com/lagoon-cache/go-lagoon/http1"
	"github.com/lagoon-cache/go-lagoon/log"
	"github.com/lagoon-cache/go-lagoon/params"
	"github.com/lagoon-cache/go-lagoon/storage"
	"github.com/lagoon-cache/go-lagoon/vgz"
)

// VFPMode selects the body processor stack.
type VFPMode int

const (
	VfpNop      VFPMode = iota // store as received
	VfpGunzip                  // inflate, store plaintext
	VfpGzip                    // deflate, store gzip
	VfpTestGzip                // store gzip verbatim, validating
	VfpEsi                     // store plaintext, compile ESI program
	VfpEsiGzip                 // gzip'd input: inflate, then as VfpEsi
)

// Fetcher runs fetches against a director.
type Fetcher struct {
	pa  *params.Params
	dir *Director
	exp *expiry.Expiry

	nHead    metrics.Counter
	nLength  metrics.Counter
	nChunked metrics.Counter
	nEOF     metrics.Counter
	nBodyErr metrics.Counter
	nRetry   metrics.Counter
	nFailed  metrics.Counter
}

// New creates a fetcher.
func New(pa *params.Params, dir *Director, exp *expiry.Expiry) *Fetcher {
	return &Fetcher{
		pa:       pa,
		dir:      dir,
		exp:      exp,
		nHead:    metrics.GetOrRegisterCounter("fetch/head", nil),
		nLength:  metrics.GetOrRegisterCounter("fetch/length", nil),
		nChunked: metrics.GetOrRegisterCounter("fetch/chunked", nil),
		nEOF:     metrics.GetOrRegisterCounter("fetch/eof", nil),
		nBodyErr: metrics.GetOrRegisterCounter("fetch/bad", nil),
		nRetry:   metrics.GetOrRegisterCounter("fetch/retry", nil),
		nFailed:  metrics.GetOrRegisterCounter("fetch/failed", nil),
	}
}

// Director returns the backend director.
func (f *Fetcher) Director() *Director { return f.dir }

// BConn is an established backend connection mid-fetch.
type BConn struct {
	be       *Backend
	nc       net.Conn
	hc       *http1.Conn
	recycled bool
	reusable bool
}

// Conn exposes the raw connection; pipe mode relays on it directly.
func (bc *BConn) Conn() net.Conn { return bc.nc }

// Reader exposes the buffered read side.
func (bc *BConn) Reader() *http1.Conn { return bc.hc }

// Hdr runs the header phase: connect (or reuse), send the filtered request
// and its body, read and dissect the status line and headers. A dead
// recycled connection is retried once on a fresh one; requests with a body
// are never retried, the body reader is gone.
func (f *Fetcher) Hdr(be *Backend, bereq, beresp *http1.HTTP, reqBody io.Reader) (*BConn, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		nc, recycled, err := be.GetConn()
		if err != nil {
			f.nFailed.Inc(1)
			return nil, errors.Wrap(err, "fetch: connect")
		}
		nc.SetWriteDeadline(time.Now().Add(f.pa.SendTimeout))
		if err = http1.WriteReq(nc, bereq); err == nil && reqBody != nil {
			_, err = io.Copy(nc, reqBody)
		}
		if err == nil {
			hc := http1.NewConn(nc, f.pa.MaxRespHeaderBytes)
			var hdr []byte
			hdr, err = hc.AwaitHeaders(time.Now().Add(f.pa.FirstByteTimeout))
			if err == nil {
				if derr := http1.DissectResponse(beresp, hdr, f.pa.HTTPObsFold); derr != nil {
					nc.Close()
					f.nFailed.Inc(1)
					return nil, derr
				}
				f.nHead.Inc(1)
				return &BConn{be: be, nc: nc, hc: hc, recycled: recycled}, nil
			}
		}
		nc.Close()
		lastErr = err
		if !recycled || reqBody != nil {
			break
		}
		// The pooled connection died under us; one fresh retry.
		f.nRetry.Inc(1)
	}
	f.nFailed.Inc(1)
	return nil, errors.Wrap(lastErr, "fetch: header phase")
}

// Body runs the body phase: frame the backend body, pass it through the
// processor stack for mode, and store it on o out of stv. On return the
// body is complete and trimmed, and the connection is recycled or closed.
func (f *Fetcher) Body(o *cache.Object, stv storage.Stevedore, bc *BConn, method string, beresp *http1.HTTP, mode VFPMode, esiHost, esiURL string) error {
	framing, length := http1.RespBodyFraming(method, beresp)
	switch framing {
	case http1.BodyError:
		bc.Close()
		f.nBodyErr.Inc(1)
		return errors.New("fetch: unframeable body")
	case http1.BodyLength:
		f.nLength.Inc(1)
	case http1.BodyChunked:
		f.nChunked.Inc(1)
	case http1.BodyEOF:
		f.nEOF.Inc(1)
	}
	bc.reusable = framing != http1.BodyEOF && !beresp.ConnClose()

	src := http1.BodyReader(&beReader{f: f, bc: bc}, framing, length)
	ow := &objWriter{f: f, o: o, stv: stv}

	err := f.runVFP(src, ow, o, mode, esiHost, esiURL)
	if err != nil {
		bc.Close()
		f.nFailed.Inc(1)
		return err
	}
	storage.ObjTrim(o)
	bc.Release()
	return nil
}

func (f *Fetcher) runVFP(src io.Reader, ow *objWriter, o *cache.Object, mode VFPMode, esiHost, esiURL string) error {
	switch mode {
	case VfpNop:
		_, err := io.Copy(ow, src)
		return err

	case VfpGunzip:
		zr, err := vgz.NewReader(src)
		if err != nil {
			return err
		}
		if _, err := io.Copy(ow, zr); err != nil {
			return err
		}
		return zr.Close()

	case VfpGzip:
		zw, err := vgz.NewWriter(ow, f.pa.GzipLevel)
		if err != nil {
			return err
		}
		if _, err := io.Copy(zw, src); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		o.Gzipped = true
		return nil

	case VfpTestGzip:
		tr := vgz.NewTestReader(src)
		if _, err := io.Copy(ow, tr); err != nil {
			return err
		}
		o.Gzipped = true
		return nil

	case VfpEsi, VfpEsiGzip:
		in := src
		if mode == VfpEsiGzip {
			zr, err := vgz.NewReader(src)
			if err != nil {
				return err
			}
			defer zr.Close()
			in = zr
		}
		if _, err := io.Copy(ow, in); err != nil {
			return err
		}
		prog := esi.Parse(o.BodyBytes(), esiHost, esiURL)
		o.ESIData = prog
		log.Debug("ESI compiled", "xid", o.XID, "segments", len(prog.Segs), "includes", prog.Includes())
		return nil

	default:
		return errors.New("fetch: unknown vfp mode")
	}
}

// StreamBody relays the response body to w without storing anything. Used
// by pass and other uncached deliveries.
func (f *Fetcher) StreamBody(bc *BConn, method string, beresp *http1.HTTP, w io.Writer) (int64, error) {
	framing, length := http1.RespBodyFraming(method, beresp)
	if framing == http1.BodyError {
		bc.Close()
		f.nBodyErr.Inc(1)
		return 0, errors.New("fetch: unframeable body")
	}
	bc.reusable = framing != http1.BodyEOF && !beresp.ConnClose()
	src := http1.BodyReader(&beReader{f: f, bc: bc}, framing, length)
	n, err := io.Copy(w, src)
	if err != nil {
		bc.Close()
		f.nFailed.Inc(1)
		return n, err
	}
	bc.Release()
	return n, nil
}

// Close abandons the backend connection.
func (bc *BConn) Close() {
	bc.nc.Close()
}

// Release recycles the connection when the response allowed it.
func (bc *BConn) Release() {
	if !bc.reusable || bc.hc.Buffered() > 0 {
		bc.nc.Close()
		return
	}
	bc.be.PutConn(bc.nc)
}

// beReader reads the backend body, arming the between-bytes timeout before
// every read and honoring the fragfetch debug parameter.
type beReader struct {
	f  *Fetcher
	bc *BConn
}

func (r *beReader) Read(p []byte) (int, error) {
	if frag := r.f.pa.FragFetch; frag > 0 && len(p) > frag {
		p = p[:frag]
	}
	r.bc.hc.SetReadDeadline(time.Now().Add(r.f.pa.BetweenBytesTimeout))
	return r.bc.hc.Read(p)
}

// objWriter stores fetched bytes on the object, chunk by chunk, nuking LRU
// entries when the stevedore runs full.
type objWriter struct {
	f   *Fetcher
	o   *cache.Object
	stv storage.Stevedore
}

func (ow *objWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		span := ow.space()
		if span == nil {
			return written, errors.New("fetch: storage allocation failed")
		}
		n := copy(span, p)
		storage.ObjExtend(ow.o, n)
		p = p[n:]
		written += n
	}
	return written, nil
}

func (ow *objWriter) space() []byte {
	if span := storage.ObjGetSpace(ow.o, ow.stv, ow.f.pa.FetchChunksize); span != nil {
		return span
	}
	// The stevedore is full: evict and retry, bounded by nuke_limit.
	for i := 0; i < ow.f.pa.NukeLimit; i++ {
		if !ow.f.exp.NukeOne(ow.stv.LRU()) {
			return nil
		}
		if span := storage.ObjGetSpace(ow.o, ow.stv, ow.f.pa.FetchChunksize); span != nil {
			return span
		}
	}
	return nil
}
