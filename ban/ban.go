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

// Package ban implements lazy invalidation: bans are predicates appended to
// an ordered list, and each object is tested against the bans added since
// it last passed, at lookup time. Nothing is walked eagerly; a background
// thread retires fully-tested bans from the tail.
package ban

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/lagoon-cache/go-lagoon/cache"
	"github.com/lagoon-cache/go-lagoon/http1"
	"github.com/lagoon-cache/go-lagoon/lck"
	"github.com/lagoon-cache/go-lagoon/log"
)

// Op is a ban predicate operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpMatch
	OpNoMatch
)

func (op Op) String() string {
	switch op {
	case OpEq:
		return "=="
	case OpNe:
		return "!="
	case OpMatch:
		return "~"
	default:
		return "!~"
	}
}

// Pred is one predicate: a field selector, an operator and an operand.
type Pred struct {
	Field string // "req.url", "req.http.<name>" or "obj.http.<name>"
	Op    Op
	Value string
	re    *regexp.Regexp
}

// Ban is one entry on the list. Bans never mutate after insertion; the
// refcount counts objects whose ban pointer rests on this entry.
type Ban struct {
	preds []Pred
	t     time.Time
	refs  atomic.Int64

	// list links, guarded by the list mutex; newer is toward the head
	older *Ban
	newer *Ban
}

// String renders the ban the way ban.list shows it.
func (b *Ban) String() string {
	if len(b.preds) == 0 {
		return "(boot)"
	}
	parts := make([]string, len(b.preds))
	for i, p := range b.preds {
		parts[i] = fmt.Sprintf("%s %s %s", p.Field, p.Op, p.Value)
	}
	return strings.Join(parts, " && ")
}

// Refs returns the number of objects resting on this ban.
func (b *Ban) Refs() int64 { return b.refs.Load() }

// Time returns the insertion timestamp.
func (b *Ban) Time() time.Time { return b.t }

// List is the ordered ban list. The head pointer is read lock-free on the
// lookup path; insertion and retirement take the mutex.
type List struct {
	mtx  *lck.Mutex
	head atomic.Pointer[Ban]
	tail *Ban

	quitCh chan struct{}
	doneCh chan struct{}
	sleep  time.Duration

	nAdded   metrics.Counter
	nRetired metrics.Counter
	nTests   metrics.Counter
	nObjKill metrics.Counter
}

// NewList creates the ban list, seeded with a boot ban that matches nothing
// so every object always has an entry to rest on.
func NewList(lurkerSleep time.Duration) *List {
	l := &List{
		mtx:      lck.New("ban"),
		quitCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		sleep:    lurkerSleep,
		nAdded:   metrics.GetOrRegisterCounter("ban/added", nil),
		nRetired: metrics.GetOrRegisterCounter("ban/retired", nil),
		nTests:   metrics.GetOrRegisterCounter("ban/obj_tests", nil),
		nObjKill: metrics.GetOrRegisterCounter("ban/obj_killed", nil),
	}
	boot := &Ban{t: time.Now()}
	l.head.Store(boot)
	l.tail = boot
	return l
}

// Start launches the retirement thread.
func (l *List) Start() {
	go l.lurker()
}

// Stop terminates the retirement thread.
func (l *List) Stop() {
	close(l.quitCh)
	<-l.doneCh
}

// Add parses and appends a ban expression:
//
//	<field> <op> <operand> [&& <field> <op> <operand>]...
//
// with fields req.url, req.http.<name>, obj.http.<name> and operators
// ==, !=, ~, !~.
func (l *List) Add(expr string) (*Ban, error) {
	preds, err := parse(expr)
	if err != nil {
		return nil, err
	}
	b := &Ban{preds: preds, t: time.Now()}
	l.mtx.Lock()
	old := l.head.Load()
	b.older = old
	old.newer = b
	l.head.Store(b)
	l.mtx.Unlock()
	l.nAdded.Inc(1)
	log.Info("Ban added", "ban", b.String())
	return b, nil
}

// AddURL appends the common "req.url ~ pattern" ban.
func (l *List) AddURL(pattern string) (*Ban, error) {
	return l.Add("req.url ~ " + pattern)
}

// Dump lists the live bans, newest first.
func (l *List) Dump() []*Ban {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	var out []*Ban
	for b := l.head.Load(); b != nil; b = b.older {
		out = append(out, b)
	}
	return out
}

// RegisterObj rests a newly cached object on the current head ban. Called
// once when the object is activated.
func (l *List) RegisterObj(oc *cache.ObjCore) {
	h := l.head.Load()
	h.refs.Add(1)
	oc.BanRef.Store(h)
	if oc.Obj != nil {
		oc.Obj.BanTime.Store(time.Now().UnixNano())
	}
}

// Check implements cache.BanChecker: it evaluates o against every ban newer
// than the one it rests on, newest to oldest. On a match the object is
// reported banned; otherwise its ban pointer advances to the head so the
// walk is amortized. Runs under the objhead mutex, which serializes
// concurrent checks of the same object.
func (l *List) Check(o *cache.Object, req *http1.HTTP) bool {
	head := l.head.Load()
	cur, _ := o.OC.BanRef.Load().(*Ban)
	if cur == head {
		return false
	}
	for b := head; b != nil && b != cur; b = b.older {
		l.nTests.Inc(1)
		if b.match(o, req) {
			l.nObjKill.Inc(1)
			log.Debug("Object banned", "xid", o.XID, "ban", b.String())
			return true
		}
	}
	if cur != nil {
		cur.refs.Add(-1)
	}
	head.refs.Add(1)
	o.OC.BanRef.Store(head)
	o.BanTime.Store(time.Now().UnixNano())
	return false
}

// DerefObj drops the object's resting reference when it leaves the cache.
func (l *List) DerefObj(oc *cache.ObjCore) {
	if b, _ := oc.BanRef.Load().(*Ban); b != nil {
		b.refs.Add(-1)
	}
}

// match evaluates the predicates; all must hold.
func (b *Ban) match(o *cache.Object, req *http1.HTTP) bool {
	if len(b.preds) == 0 {
		return false
	}
	for _, p := range b.preds {
		var subject string
		switch {
		case p.Field == "req.url":
			subject = req.URL
		case strings.HasPrefix(p.Field, "req.http."):
			subject, _ = req.GetHdr(p.Field[len("req.http."):])
		case strings.HasPrefix(p.Field, "obj.http."):
			subject, _ = o.HTTP.GetHdr(p.Field[len("obj.http."):])
		default:
			return false
		}
		var hit bool
		switch p.Op {
		case OpEq:
			hit = subject == p.Value
		case OpNe:
			hit = subject != p.Value
		case OpMatch:
			hit = p.re.MatchString(subject)
		case OpNoMatch:
			hit = !p.re.MatchString(subject)
		}
		if !hit {
			return false
		}
	}
	return true
}

// lurker retires zero-reference bans from the tail. The head ban is never
// retired; new objects rest on it.
func (l *List) lurker() {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.sleep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.retire()
		case <-l.quitCh:
			return
		}
	}
}

func (l *List) retire() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for l.tail != l.head.Load() && l.tail.refs.Load() == 0 {
		t := l.tail
		l.tail = t.newer
		l.tail.older = nil
		t.newer = nil
		l.nRetired.Inc(1)
	}
}

func parse(expr string) ([]Pred, error) {
	var preds []Pred
	for _, clause := range strings.Split(expr, "&&") {
		fields := strings.Fields(clause)
		if len(fields) < 3 {
			return nil, fmt.Errorf("ban: need <field> <op> <operand>: %q", strings.TrimSpace(clause))
		}
		p := Pred{Field: fields[0], Value: strings.Join(fields[2:], " ")}
		switch fields[1] {
		case "==":
			p.Op = OpEq
		case "!=":
			p.Op = OpNe
		case "~":
			p.Op = OpMatch
		case "!~":
			p.Op = OpNoMatch
		default:
			return nil, fmt.Errorf("ban: unknown operator %q", fields[1])
		}
		if !strings.HasPrefix(p.Field, "req.http.") &&
			!strings.HasPrefix(p.Field, "obj.http.") && p.Field != "req.url" {
			return nil, fmt.Errorf("ban: unknown field %q", p.Field)
		}
		if p.Op == OpMatch || p.Op == OpNoMatch {
			re, err := regexp.Compile(p.Value)
			if err != nil {
				return nil, fmt.Errorf("ban: bad pattern %q: %v", p.Value, err)
			}
			p.re = re
		}
		preds = append(preds, p)
	}
	return preds, nil
}
