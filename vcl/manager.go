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

package vcl

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/lagoon-cache/go-lagoon/log"
)

// Set is a refcounted installed policy. Every session takes a reference at
// START and holds it to DONE, so replacing the active policy never yanks it
// out from under a request in flight.
type Set struct {
	Policy
	name string
	refs atomic.Int64
}

// SetName returns the installation name of the set.
func (s *Set) SetName() string { return s.name }

// Ref takes a reference.
func (s *Set) Ref() { s.refs.Add(1) }

// Deref drops a reference.
func (s *Set) Deref() {
	if s.refs.Add(-1) < 0 {
		panic("vcl: set refcount underflow")
	}
}

// Refs returns the live reference count.
func (s *Set) Refs() int64 { return s.refs.Load() }

// Manager tracks installed policy sets and which one is active.
type Manager struct {
	mu     sync.Mutex
	active *Set
	sets   map[string]*Set

	watcher *fsnotify.Watcher
	doneCh  chan struct{}
}

// NewManager creates a manager with the given policy installed and active
// under the name "boot".
func NewManager(boot Policy) *Manager {
	m := &Manager{sets: make(map[string]*Set)}
	s := &Set{Policy: boot, name: "boot"}
	m.sets[s.name] = s
	m.active = s
	return m
}

// Active returns the active set with one reference taken.
func (m *Manager) Active() *Set {
	m.mu.Lock()
	s := m.active
	s.Ref()
	m.mu.Unlock()
	return s
}

// Install registers a policy under a name and makes it active.
func (m *Manager) Install(name string, p Policy) *Set {
	s := &Set{Policy: p, name: name}
	m.mu.Lock()
	m.sets[name] = s
	prev := m.active
	m.active = s
	m.mu.Unlock()
	log.Info("Policy installed", "name", name, "previous", prev.name)
	return s
}

// Use switches the active set to a previously installed name.
func (m *Manager) Use(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[name]
	if !ok {
		return fmt.Errorf("vcl: no set named %q", name)
	}
	m.active = s
	return nil
}

// List snapshots (name, refs, active) for every installed set.
func (m *Manager) List() []struct {
	Name   string
	Refs   int64
	Active bool
} {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []struct {
		Name   string
		Refs   int64
		Active bool
	}
	for name, s := range m.sets {
		out = append(out, struct {
			Name   string
			Refs   int64
			Active bool
		}{name, s.Refs(), s == m.active})
	}
	return out
}

// WatchRules loads a rule-policy file and reinstalls it whenever the file
// changes. Sessions in flight drain against the set they started with.
func (m *Manager) WatchRules(path string, base *Builtin) error {
	p, err := LoadRules(path, base)
	if err != nil {
		return err
	}
	m.Install("rules-"+uuid.New().String()[:8], p)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}
	m.watcher = w
	m.doneCh = make(chan struct{})
	go func() {
		defer close(m.doneCh)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				p, err := LoadRules(path, base)
				if err != nil {
					log.Error("Policy reload failed, keeping previous", "path", path, "err", err)
					continue
				}
				m.Install("rules-"+uuid.New().String()[:8], p)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("Policy watcher error", "err", err)
			}
		}
	}()
	return nil
}

// Close stops the rule watcher.
func (m *Manager) Close() {
	if m.watcher != nil {
		m.watcher.Close()
		<-m.doneCh
	}
}
