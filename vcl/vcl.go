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

// Package vcl defines the policy hooks the request state machine calls at
// its decision points, the per-hook allowlists of legal return actions, and
// the refcounted policy-set management that lets a new policy install while
// old sessions drain against the one they started with.
package vcl

import (
	"net"
	"time"

	"github.com/lagoon-cache/go-lagoon/http1"
	"github.com/lagoon-cache/go-lagoon/log"
)

// Action is a policy hook's verdict.
type Action int

const (
	ActError Action = iota
	ActLookup
	ActPipe
	ActPass
	ActFetch
	ActDeliver
	ActHitForPass
	ActRestart
)

func (a Action) String() string {
	switch a {
	case ActError:
		return "error"
	case ActLookup:
		return "lookup"
	case ActPipe:
		return "pipe"
	case ActPass:
		return "pass"
	case ActFetch:
		return "fetch"
	case ActDeliver:
		return "deliver"
	case ActHitForPass:
		return "hit_for_pass"
	case ActRestart:
		return "restart"
	default:
		return "invalid"
	}
}

// Hook identifies a policy entry point.
type Hook int

const (
	HookRecv Hook = iota
	HookHash
	HookPipe
	HookPass
	HookHit
	HookMiss
	HookFetch
	HookDeliver
	HookError
)

func (h Hook) String() string {
	switch h {
	case HookRecv:
		return "recv"
	case HookHash:
		return "hash"
	case HookPipe:
		return "pipe"
	case HookPass:
		return "pass"
	case HookHit:
		return "hit"
	case HookMiss:
		return "miss"
	case HookFetch:
		return "fetch"
	case HookDeliver:
		return "deliver"
	case HookError:
		return "error"
	default:
		return "invalid"
	}
}

// allowed is the per-hook allowlist. A policy returning anything else is a
// fatal programming error, not a request error.
var allowed = map[Hook][]Action{
	HookRecv:    {ActLookup, ActPipe, ActPass, ActError},
	HookHash:    {ActLookup},
	HookPipe:    {ActPipe, ActError},
	HookPass:    {ActPass, ActError},
	HookHit:     {ActDeliver, ActPass, ActError, ActRestart},
	HookMiss:    {ActFetch, ActPass, ActError, ActRestart},
	HookFetch:   {ActDeliver, ActHitForPass, ActPass, ActError, ActRestart},
	HookDeliver: {ActDeliver, ActRestart, ActError},
	HookError:   {ActDeliver, ActRestart},
}

// Check validates a hook's verdict against its allowlist. Illegal verdicts
// abort the process.
func Check(h Hook, a Action) Action {
	for _, ok := range allowed[h] {
		if a == ok {
			return a
		}
	}
	log.Crit("Policy returned illegal action", "hook", h.String(), "action", a.String())
	return ActError
}

// Ctx is the per-request view a policy works on. The state machine fills
// the fields relevant to each hook before calling it.
type Ctx struct {
	Client net.Addr

	Req    *http1.HTTP // client request, mutable in recv
	BeReq  *http1.HTTP // backend request, fetch-time
	BeResp *http1.HTTP // backend response, fetch hook
	Resp   *http1.HTTP // response being delivered, deliver hook

	// Hash material, appended by the hash hook. Host and URL by default.
	HashMaterial []string

	// Backend name chosen by recv; empty selects the default.
	Backend string

	// Fetch hook outputs.
	TTL   time.Duration
	Grace time.Duration
	DoESI bool

	// Error hook state.
	Status int
	Reason string

	Restarts int
	ESILevel int
}

// Policy is a compiled configuration: one method per hook.
type Policy interface {
	Name() string
	Recv(*Ctx) Action
	Hash(*Ctx) Action
	Pipe(*Ctx) Action
	Pass(*Ctx) Action
	Hit(*Ctx) Action
	Miss(*Ctx) Action
	Fetch(*Ctx) Action
	Deliver(*Ctx) Action
	Error(*Ctx) Action
}
