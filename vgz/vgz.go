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

// Package vgz wraps the deflate machinery behind the three streaming shapes
// the cache needs: compress-while-storing, decompress-while-storing, and
// validate-while-storing.
package vgz

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// NewWriter returns a gzip compressor writing to w at the given level.
func NewWriter(w io.Writer, level int) (*gzip.Writer, error) {
	zw, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, errors.Wrap(err, "vgz: writer")
	}
	return zw, nil
}

// NewReader returns a gzip decompressor reading from r.
func NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "vgz: reader")
	}
	return zr, nil
}

// TestReader passes gzip'd bytes through unchanged while inflating them on
// the side; a Read fails when the stream is not valid gzip. Storing a
// backend's gzip verbatim goes through this so a corrupt stream never
// enters the cache.
type TestReader struct {
	src  io.Reader
	pr   *io.PipeReader
	pw   *io.PipeWriter
	res  chan error
	done bool
	verr error
}

// NewTestReader wraps src in a validating passthrough.
func NewTestReader(src io.Reader) *TestReader {
	pr, pw := io.Pipe()
	t := &TestReader{src: src, pr: pr, pw: pw, res: make(chan error, 1)}
	go func() {
		zr, err := gzip.NewReader(pr)
		if err == nil {
			_, err = io.Copy(io.Discard, zr)
			if err == nil {
				err = zr.Close()
			}
		}
		// Unstick the writing side if inflation stopped early.
		pr.CloseWithError(err)
		t.res <- err
	}()
	return t
}

func (t *TestReader) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 {
		if _, werr := t.pw.Write(p[:n]); werr != nil && werr != io.ErrClosedPipe {
			return n, errors.Wrap(werr, "vgz: test")
		}
	}
	if err == io.EOF && !t.done {
		t.done = true
		t.pw.Close()
		t.verr = <-t.res
	}
	if err == io.EOF && t.verr != nil {
		return n, errors.Wrap(t.verr, "vgz: invalid gzip stream")
	}
	return n, err
}

// Close tears the validator down without a verdict.
func (t *TestReader) Close() error {
	t.pw.CloseWithError(io.ErrClosedPipe)
	return nil
}

// Gzip compresses b in one go. Test and synthesis helper.
func Gzip(b []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(b); err != nil {
		return nil, errors.Wrap(err, "vgz: compress")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "vgz: compress")
	}
	return buf.Bytes(), nil
}

// Gunzip decompresses b in one go.
func Gunzip(b []byte) ([]byte, error) {
	zr, err := NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "vgz: decompress")
	}
	if err := zr.Close(); err != nil {
		return nil, errors.Wrap(err, "vgz: decompress")
	}
	return out, nil
}
