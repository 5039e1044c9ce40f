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

// Package pool runs the worker pools that drive sessions. Each pool keeps a
// stack of idle workers and an overflow queue; a herder grows the worker
// count, idle workers above the pool minimum retire on their own timeout, and
// a herdtimer publishes queue and thread gauges. Each worker folds its own
// statistics into the global registry under a trylock.
package pool

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/time/rate"

	"github.com/lagoon-cache/go-lagoon/common/mclock"
	"github.com/lagoon-cache/go-lagoon/http1"
	"github.com/lagoon-cache/go-lagoon/lck"
	"github.com/lagoon-cache/go-lagoon/log"
	"github.com/lagoon-cache/go-lagoon/params"
	"github.com/lagoon-cache/go-lagoon/workspace"
)

// Task is one unit of work handed to a worker, normally "run this session".
type Task func(w *Worker)

// Stats are the per-worker counters, summed into the registry by SumStats.
// Plain fields: only the owning worker writes them between sums.
type Stats struct {
	ClientReq   int64
	CacheHit    int64
	CacheMiss   int64
	FetchFailed int64
	HdrBytes    int64
	BodyBytes   int64
}

// Worker is one pool thread: scratch workspace, the three HTTP work tables
// and the local stats.
type Worker struct {
	WS     *workspace.Workspace
	BeReq  http1.HTTP
	BeResp http1.HTTP
	Resp   http1.HTTP
	Stats  Stats

	pool     *Pool
	taskCh   chan Task
	lastUsed mclock.AbsTime
}

// Reset readies the worker for the next task.
func (w *Worker) Reset() {
	w.WS.Reset(0)
	w.BeReq.Reset()
	w.BeResp.Reset()
	w.Resp.Reset()
}

// Pool is one worker pool with its queue.
type Pool struct {
	id    int
	group *Group

	mtx    *lck.Mutex
	idle   []*Worker
	queue  []Task
	nthr   int
	queued int64 // monotonic count of queue inserts, watched by the herder

	gQueue  metrics.Gauge
	gThr    metrics.Gauge
	nDrops  metrics.Counter
	nQueued metrics.Counter
}

// Group is the set of pools plus the background herders.
type Group struct {
	pa    *params.Params
	clock mclock.Clock
	pools []*Pool
	next  atomic.Uint64

	statsMtx *lck.Mutex
	sReq     metrics.Counter
	sHit     metrics.Counter
	sMiss    metrics.Counter
	sFetchF  metrics.Counter
	sHdrB    metrics.Counter
	sBodyB   metrics.Counter

	addLimit *rate.Limiter
	wg       sync.WaitGroup
	quitCh   chan struct{}
}

// NewGroup creates the pools. Start must be called before queueing.
func NewGroup(pa *params.Params, clock mclock.Clock) *Group {
	g := &Group{
		pa:       pa,
		clock:    clock,
		statsMtx: lck.New("wstat"),
		sReq:     metrics.GetOrRegisterCounter("client/req", nil),
		sHit:     metrics.GetOrRegisterCounter("worker/cache_hit", nil),
		sMiss:    metrics.GetOrRegisterCounter("worker/cache_miss", nil),
		sFetchF:  metrics.GetOrRegisterCounter("worker/fetch_failed", nil),
		sHdrB:    metrics.GetOrRegisterCounter("client/hdrbytes", nil),
		sBodyB:   metrics.GetOrRegisterCounter("client/bodybytes", nil),
		addLimit: rate.NewLimiter(rate.Limit(pa.ThreadPoolAddRate), 1),
		quitCh:   make(chan struct{}),
	}
	for i := 0; i < pa.ThreadPools; i++ {
		g.pools = append(g.pools, g.newPool(i))
	}
	return g
}

func (g *Group) newPool(id int) *Pool {
	return &Pool{
		id:      id,
		group:   g,
		mtx:     lck.New("wq"),
		gQueue:  metrics.GetOrRegisterGauge(poolMetric(id, "lqueue"), nil),
		gThr:    metrics.GetOrRegisterGauge(poolMetric(id, "threads"), nil),
		nDrops:  metrics.GetOrRegisterCounter(poolMetric(id, "drops"), nil),
		nQueued: metrics.GetOrRegisterCounter(poolMetric(id, "queued"), nil),
	}
}

func poolMetric(id int, name string) string {
	return "pool/" + strconv.Itoa(id) + "/" + name
}

// Start spins up the minimum workers and the background threads.
func (g *Group) Start() {
	for _, p := range g.pools {
		for i := 0; i < g.pa.ThreadPoolMin; i++ {
			p.addWorker()
		}
	}
	g.wg.Add(2)
	go g.herder()
	go g.herdtimer()
}

// Stop terminates the background threads and the workers, and waits for all
// of them. Parked workers exit at once; a worker busy with a task finishes it,
// and any tasks still queued, before it exits.
func (g *Group) Stop() {
	close(g.quitCh)
	g.wg.Wait()
}

// Queue dispatches a task: to an idle worker when one is parked, to the
// overflow queue while it has room, otherwise the task is dropped and the
// caller must fail the session.
func (g *Group) Queue(t Task) bool {
	p := g.pools[g.next.Add(1)%uint64(len(g.pools))]
	return p.queueTask(t)
}

func (p *Pool) queueTask(t Task) bool {
	p.mtx.Lock()
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mtx.Unlock()
		w.taskCh <- t
		return true
	}
	if len(p.queue) >= p.group.pa.QueueMax {
		p.mtx.Unlock()
		p.nDrops.Inc(1)
		return false
	}
	p.queue = append(p.queue, t)
	p.queued++
	p.mtx.Unlock()
	p.nQueued.Inc(1)
	return true
}

// addWorker creates one worker thread.
func (p *Pool) addWorker() {
	g := p.group
	w := &Worker{
		WS:     workspace.New("wrk", g.pa.WorkWorkspace),
		pool:   p,
		taskCh: make(chan Task, 1),
	}
	p.mtx.Lock()
	p.nthr++
	p.mtx.Unlock()
	g.wg.Add(1)
	go w.run()
}

func (w *Worker) run() {
	g := w.pool.group
	defer g.wg.Done()
	p := w.pool
	for {
		// Prefer queued work; park on the idle stack otherwise.
		p.mtx.Lock()
		var t Task
		if len(p.queue) > 0 {
			t = p.queue[0]
			p.queue = p.queue[1:]
			p.mtx.Unlock()
		} else {
			p.idle = append(p.idle, w)
			p.mtx.Unlock()
			t = w.wait()
			if t == nil {
				return
			}
		}
		w.lastUsed = g.clock.Now()
		w.Reset()
		t(w)
		w.SumStats()
	}
}

// wait blocks on the hand-off channel while the worker sits on the idle
// stack. It returns nil when the worker retires: idle past the pool
// timeout with the pool above its minimum, or group shutdown. A worker
// already claimed by a queuer always waits out its task.
func (w *Worker) wait() Task {
	p := w.pool
	g := p.group
	for {
		select {
		case t := <-w.taskCh:
			return t
		case <-g.clock.After(g.pa.ThreadPoolTimeout):
			if w.tryRetire(false) {
				return nil
			}
		case <-g.quitCh:
			if w.tryRetire(true) {
				return nil
			}
			// Claimed: the task is on its way, run it before dying.
			return <-w.taskCh
		}
	}
}

// tryRetire unparks and exits the worker when allowed. Returns false when
// the worker was already claimed or must stay for the pool minimum.
func (w *Worker) tryRetire(force bool) bool {
	p := w.pool
	g := p.group
	p.mtx.Lock()
	defer p.mtx.Unlock()
	idx := -1
	for i, cand := range p.idle {
		if cand == w {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	if !force && p.nthr <= g.pa.ThreadPoolMin {
		return false
	}
	p.idle = append(p.idle[:idx], p.idle[idx+1:]...)
	p.nthr--
	return true
}

// SumStats folds the worker's local stats into the registry. The global
// stats lock is only tried; under contention the deltas ride along until
// the next attempt.
func (w *Worker) SumStats() {
	g := w.pool.group
	if !g.statsMtx.TryLock() {
		return
	}
	s := &w.Stats
	g.sReq.Inc(s.ClientReq)
	g.sHit.Inc(s.CacheHit)
	g.sMiss.Inc(s.CacheMiss)
	g.sFetchF.Inc(s.FetchFailed)
	g.sHdrB.Inc(s.HdrBytes)
	g.sBodyB.Inc(s.BodyBytes)
	g.statsMtx.Unlock()
	*s = Stats{}
}

// herder grows pools whose queue is growing and not draining, within the
// aggregate thread bound, paced by the add rate limiter.
func (g *Group) herder() {
	defer g.wg.Done()
	lastQueued := make([]int64, len(g.pools))
	lastLen := make([]int, len(g.pools))
	for {
		select {
		case <-g.quitCh:
			return
		case <-g.clock.After(g.pa.ThreadAddDelay):
		}
		total := 0
		for _, p := range g.pools {
			p.mtx.Lock()
			total += p.nthr
			p.mtx.Unlock()
		}
		for i, p := range g.pools {
			p.mtx.Lock()
			nthr := p.nthr
			qlen := len(p.queue)
			queued := p.queued
			p.mtx.Unlock()

			grew := queued > lastQueued[i]
			shrunk := qlen < lastLen[i]
			lastQueued[i] = queued
			lastLen[i] = qlen

			if nthr < g.pa.ThreadPoolMin || (grew && !shrunk) {
				if total >= g.pa.ThreadPoolMax*len(g.pools) {
					continue
				}
				if !g.addLimit.Allow() {
					// Pace thread creation; failures get the long delay.
					g.clock.Sleep(g.pa.ThreadFailDelay)
					continue
				}
				p.addWorker()
				total++
				log.Debug("Worker added", "pool", p.id, "threads", nthr+1)
			}
		}
	}
}

// herdtimer publishes queue and thread gauges. It does not sum worker
// statistics: deltas a worker could not fold in stay with that worker until
// its next successful SumStats.
func (g *Group) herdtimer() {
	defer g.wg.Done()
	for {
		select {
		case <-g.quitCh:
			return
		case <-g.clock.After(g.pa.WthreadStatsRate):
		}
		for _, p := range g.pools {
			p.mtx.Lock()
			p.gQueue.Update(int64(len(p.queue)))
			p.gThr.Update(int64(p.nthr))
			p.mtx.Unlock()
		}
	}
}

// Threads returns the aggregate worker count.
func (g *Group) Threads() int {
	n := 0
	for _, p := range g.pools {
		p.mtx.Lock()
		n += p.nthr
		p.mtx.Unlock()
	}
	return n
}
