// Copyright 2024 The go-lagoon Authors
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

package log

import (
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AsyncFileWriter decouples log writes from disk latency: Write enqueues the
// record and a single background goroutine drains the queue into a rotating
// lumberjack sink. When the queue is full the record is dropped rather than
// stalling the caller.
type AsyncFileWriter struct {
	sink *lumberjack.Logger

	bufCh   chan []byte
	quitCh  chan struct{}
	doneCh  chan struct{}
	started atomic.Bool
	dropped atomic.Int64

	wg sync.WaitGroup
}

// NewAsyncFileWriter creates a writer rotating at maxSizeMB, keeping
// maxBackups rotated files for at most maxAgeDays.
func NewAsyncFileWriter(filePath string, maxSizeMB, maxBackups, maxAgeDays int) *AsyncFileWriter {
	return &AsyncFileWriter{
		sink: &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		},
		bufCh:  make(chan []byte, 4096),
		quitCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the drain goroutine.
func (w *AsyncFileWriter) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case buf := <-w.bufCh:
				w.sink.Write(buf)
			case <-w.quitCh:
				// Drain what is queued, then stop.
				for {
					select {
					case buf := <-w.bufCh:
						w.sink.Write(buf)
					default:
						close(w.doneCh)
						return
					}
				}
			}
		}
	}()
}

// Write enqueues p. The slice is copied, the caller may reuse it.
func (w *AsyncFileWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case w.bufCh <- buf:
	default:
		w.dropped.Add(1)
	}
	return len(p), nil
}

// Dropped returns the number of records dropped due to queue overflow.
func (w *AsyncFileWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Stop flushes queued records and closes the sink.
func (w *AsyncFileWriter) Stop() error {
	if !w.started.CompareAndSwap(true, false) {
		return nil
	}
	close(w.quitCh)
	<-w.doneCh
	w.wg.Wait()
	return w.sink.Close()
}
