// Copyright 2025 The go-lagoon Authors
// This file is part of go-lagoon.
//
// go-lagoon is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-lagoon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-lagoon. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/naoina/toml"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/lagoon-cache/go-lagoon/fetch"
	"github.com/lagoon-cache/go-lagoon/params"
	"github.com/lagoon-cache/go-lagoon/server"
	"github.com/lagoon-cache/go-lagoon/storage"
)

// fileConfig is the TOML configuration file layout.
type fileConfig struct {
	Params  params.Params `toml:"params"`
	Rules   string        `toml:"rules"`
	Storage []string      `toml:"storage"`
	Backend []struct {
		Name        string `toml:"name"`
		Addr        string `toml:"addr"`
		ProbeURL    string `toml:"probe_url"`
		ProbeStatus int    `toml:"probe_status"`
	} `toml:"backend"`
}

// buildConfig merges defaults, the config file and the command line, in
// that order.
func buildConfig(ctx *cli.Context) (*params.Params, server.Options, error) {
	pa := params.Defaults()
	var opts server.Options

	var fc fileConfig
	fc.Params = *pa
	if path := ctx.String(configFlag.Name); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, opts, errors.Wrap(err, "config file")
		}
		if err := toml.Unmarshal(data, &fc); err != nil {
			return nil, opts, errors.Wrap(err, "config file")
		}
	}
	*pa = fc.Params
	opts.RulesPath = fc.Rules

	if v := ctx.String(listenFlag.Name); v != "" {
		pa.ListenAddress = v
	}
	if v := ctx.String(adminFlag.Name); v != "" {
		pa.AdminAddress = v
	}
	if v := ctx.String(hashFlag.Name); v != "" {
		pa.HashSlinger = v
	}
	if v := ctx.String(rulesFlag.Name); v != "" {
		opts.RulesPath = v
	}

	specs := fc.Storage
	if v := ctx.StringSlice(storageFlag.Name); len(v) > 0 {
		specs = v
	}
	for _, spec := range specs {
		c, err := storage.ParseConfig(spec)
		if err != nil {
			return nil, opts, err
		}
		stv, err := storage.FromConfig(c)
		if err != nil {
			return nil, opts, err
		}
		opts.Stevedores = append(opts.Stevedores, stv)
	}

	for _, b := range fc.Backend {
		be := fetch.NewBackend(b.Name, b.Addr, pa)
		be.ProbeURL = b.ProbeURL
		be.ProbeStatus = b.ProbeStatus
		opts.Backends = append(opts.Backends, be)
	}
	for i, spec := range ctx.StringSlice(backendFlag.Name) {
		be, err := parseBackend(spec, i, pa)
		if err != nil {
			return nil, opts, err
		}
		opts.Backends = append(opts.Backends, be)
	}
	if len(opts.Backends) == 0 {
		return nil, opts, fmt.Errorf("no backend configured; use -b host:port")
	}
	return pa, opts, nil
}

// parseBackend parses "[name=]host:port[@probe-url]".
func parseBackend(spec string, idx int, pa *params.Params) (*fetch.Backend, error) {
	name := fmt.Sprintf("b%d", idx)
	rest := spec
	if eq := strings.IndexByte(rest, '='); eq >= 0 {
		name = rest[:eq]
		rest = rest[eq+1:]
	}
	probe := ""
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		probe = rest[at+1:]
		rest = rest[:at]
	}
	if rest == "" {
		return nil, fmt.Errorf("empty backend address in %q", spec)
	}
	be := fetch.NewBackend(name, rest, pa)
	be.ProbeURL = probe
	return be, nil
}
