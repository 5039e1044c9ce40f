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
	"os"
	"strings"
	"time"

	"github.com/naoina/toml"
	"github.com/pkg/errors"
)

// RulesFile is the declarative policy layered over the builtin: URL-prefix
// driven pass/pipe/TTL/ESI decisions without writing Go.
type RulesFile struct {
	PassOnCookie *bool  `toml:"pass_on_cookie"`
	DefaultTTL   string `toml:"default_ttl"`
	Backend      string `toml:"backend"`

	Rule []struct {
		Prefix  string `toml:"prefix"`
		Action  string `toml:"action"` // "", "pass" or "pipe"
		TTL     string `toml:"ttl"`
		ESI     bool   `toml:"esi"`
		Backend string `toml:"backend"`
	} `toml:"rule"`
}

// Rules is the compiled rule policy.
type Rules struct {
	*Builtin
	passOnCookie bool
	backend      string
	rules        []compiledRule
}

type compiledRule struct {
	prefix  string
	action  Action // ActLookup for default
	ttl     time.Duration
	hasTTL  bool
	esi     bool
	backend string
}

// LoadRules reads and compiles a TOML rules file over the builtin policy.
func LoadRules(path string, base *Builtin) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "vcl: rules file")
	}
	var rf RulesFile
	if err := toml.Unmarshal(data, &rf); err != nil {
		return nil, errors.Wrap(err, "vcl: rules file")
	}
	r := &Rules{Builtin: base, passOnCookie: true, backend: rf.Backend}
	if rf.PassOnCookie != nil {
		r.passOnCookie = *rf.PassOnCookie
	}
	if rf.DefaultTTL != "" {
		d, err := time.ParseDuration(rf.DefaultTTL)
		if err != nil {
			return nil, errors.Wrap(err, "vcl: default_ttl")
		}
		b := *base
		b.DefaultTTL = d
		r.Builtin = &b
	}
	for _, raw := range rf.Rule {
		cr := compiledRule{prefix: raw.Prefix, action: ActLookup, esi: raw.ESI, backend: raw.Backend}
		switch raw.Action {
		case "", "lookup":
		case "pass":
			cr.action = ActPass
		case "pipe":
			cr.action = ActPipe
		default:
			return nil, errors.Errorf("vcl: unknown rule action %q", raw.Action)
		}
		if raw.TTL != "" {
			d, err := time.ParseDuration(raw.TTL)
			if err != nil {
				return nil, errors.Wrapf(err, "vcl: rule ttl for %q", raw.Prefix)
			}
			cr.ttl = d
			cr.hasTTL = true
		}
		r.rules = append(r.rules, cr)
	}
	return r, nil
}

func (r *Rules) Name() string { return "rules" }

func (r *Rules) match(url string) *compiledRule {
	for i := range r.rules {
		if strings.HasPrefix(url, r.rules[i].prefix) {
			return &r.rules[i]
		}
	}
	return nil
}

func (r *Rules) Recv(ctx *Ctx) Action {
	if r.backend != "" {
		ctx.Backend = r.backend
	}
	if cr := r.match(ctx.Req.URL); cr != nil {
		if cr.backend != "" {
			ctx.Backend = cr.backend
		}
		if cr.action != ActLookup {
			return cr.action
		}
	}
	switch ctx.Req.Method {
	case "GET", "HEAD":
	case "POST", "PUT", "DELETE", "OPTIONS", "TRACE", "PATCH":
		return ActPass
	default:
		return ActPipe
	}
	if _, ok := ctx.Req.GetHdr("Authorization"); ok {
		return ActPass
	}
	if r.passOnCookie {
		if _, ok := ctx.Req.GetHdr("Cookie"); ok {
			return ActPass
		}
	}
	return ActLookup
}

func (r *Rules) Fetch(ctx *Ctx) Action {
	act := r.Builtin.Fetch(ctx)
	if cr := r.match(ctx.BeReq.URL); cr != nil {
		if cr.hasTTL {
			ctx.TTL = cr.ttl
			if act == ActHitForPass && cr.ttl > 0 && ctx.BeResp.Status == 200 {
				act = ActDeliver
			}
		}
		if cr.esi {
			ctx.DoESI = true
		}
	}
	return act
}
