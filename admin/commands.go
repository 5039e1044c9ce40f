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

package admin

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/lagoon-cache/go-lagoon/cache"
	"github.com/lagoon-cache/go-lagoon/params"
	"github.com/lagoon-cache/go-lagoon/server"
)

// Bind registers the standard command set against a server instance.
func Bind(c *CLI, srv *server.Server, pa *params.Params) {
	c.Register("start", 0, 0, "start", func([]string) (int, string) {
		if err := srv.Start(); err != nil {
			return StatusCant, err.Error()
		}
		return StatusOK, "Child started"
	})
	c.Register("stop", 0, 0, "stop", func([]string) (int, string) {
		srv.Stop()
		return StatusOK, "Child stopped"
	})
	c.Register("status", 0, 0, "status", func([]string) (int, string) {
		if srv.Addr() == nil {
			return StatusOK, "Child stopped"
		}
		return StatusOK, "Child in state running"
	})

	c.Register("param.show", 0, 1, "param.show [<param>]", func(args []string) (int, string) {
		return paramShow(pa, args)
	})
	c.Register("param.set", 2, 2, "param.set <param> <value>", func(args []string) (int, string) {
		return paramSet(pa, args[0], args[1])
	})

	c.Register("storage.list", 0, 0, "storage.list", func([]string) (int, string) {
		var b strings.Builder
		tw := tablewriter.NewWriter(&b)
		tw.SetHeader([]string{"Storage", "Used", "Capacity", "LRU"})
		for _, stv := range srv.Stv.All() {
			tw.Append([]string{
				stv.Name(),
				strconv.FormatInt(stv.Used(), 10),
				strconv.FormatInt(stv.Cap(), 10),
				strconv.Itoa(stv.LRU().Len()),
			})
		}
		tw.Render()
		return StatusOK, b.String()
	})

	c.Register("ban.url", 1, 1, "ban.url <regexp>", func(args []string) (int, string) {
		if _, err := srv.Bans.AddURL(args[0]); err != nil {
			return StatusParam, err.Error()
		}
		return StatusOK, ""
	})
	c.Register("ban", 3, -1, "ban <field> <op> <arg> [&& ...]", func(args []string) (int, string) {
		if _, err := srv.Bans.Add(strings.Join(args, " ")); err != nil {
			return StatusParam, err.Error()
		}
		return StatusOK, ""
	})
	c.Register("ban.list", 0, 0, "ban.list", func([]string) (int, string) {
		var b strings.Builder
		tw := tablewriter.NewWriter(&b)
		tw.SetHeader([]string{"Time", "Refs", "Ban"})
		for _, bn := range srv.Bans.Dump() {
			tw.Append([]string{
				bn.Time().Format(time.RFC3339),
				strconv.FormatInt(bn.Refs(), 10),
				bn.String(),
			})
		}
		tw.Render()
		return StatusOK, b.String()
	})
	// The v2 purge surface is ban-based.
	c.Register("purge.url", 1, 1, "purge.url <regexp>", func(args []string) (int, string) {
		if _, err := srv.Bans.AddURL(args[0]); err != nil {
			return StatusParam, err.Error()
		}
		return StatusOK, ""
	})

	c.Register("debug.xid", 0, 1, "debug.xid [<base>]", func(args []string) (int, string) {
		if len(args) == 1 {
			base, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return StatusParam, "not a number"
			}
			srv.SeedXID(base)
		}
		return StatusOK, "XID base set"
	})
	c.Register("debug.srandom", 0, 1, "debug.srandom [<seed>]", func(args []string) (int, string) {
		seed := int64(1)
		if len(args) == 1 {
			v, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return StatusParam, "not a number"
			}
			seed = v
		}
		rand.Seed(seed)
		return StatusOK, ""
	})
	c.Register("debug.fragfetch", 1, 1, "debug.fragfetch <maxbytes>", func(args []string) (int, string) {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 0 {
			return StatusParam, "not a byte count"
		}
		pa.FragFetch = v
		return StatusOK, ""
	})
	c.Register("debug.listen_address", 0, 0, "debug.listen_address", func([]string) (int, string) {
		addr := srv.Addr()
		if addr == nil {
			return StatusCant, "not listening"
		}
		return StatusOK, addr.String()
	})

	c.Register("hcb.dump", 0, 0, "hcb.dump", func([]string) (int, string) {
		var b strings.Builder
		tw := tablewriter.NewWriter(&b)
		tw.SetHeader([]string{"Digest", "Refs", "Objcores"})
		srv.C.Slinger().Walk(func(oh *cache.ObjHead) {
			tw.Append([]string{
				hex.EncodeToString(oh.Digest[:8]),
				strconv.Itoa(oh.Refs()),
				strconv.Itoa(len(oh.Objcores())),
			})
		})
		tw.Render()
		return StatusOK, b.String()
	})
}

// paramShow renders one or all tunables via their toml tags.
func paramShow(pa *params.Params, args []string) (int, string) {
	v := reflect.ValueOf(pa).Elem()
	t := v.Type()
	var b strings.Builder
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("toml")
		if tag == "" {
			continue
		}
		if len(args) == 1 && tag != args[0] {
			continue
		}
		fmt.Fprintf(&b, "%-24s %v\n", tag, v.Field(i).Interface())
	}
	if b.Len() == 0 {
		return StatusParam, "No such parameter"
	}
	return StatusOK, b.String()
}

// paramSet updates one scalar tunable in place.
func paramSet(pa *params.Params, name, value string) (int, string) {
	v := reflect.ValueOf(pa).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("toml") != name {
			continue
		}
		f := v.Field(i)
		switch f.Interface().(type) {
		case time.Duration:
			d, err := time.ParseDuration(value)
			if err != nil {
				return StatusParam, err.Error()
			}
			f.SetInt(int64(d))
		case int:
			n, err := strconv.Atoi(value)
			if err != nil {
				return StatusParam, err.Error()
			}
			f.SetInt(int64(n))
		case bool:
			bv, err := strconv.ParseBool(value)
			if err != nil {
				return StatusParam, err.Error()
			}
			f.SetBool(bv)
		case float64:
			fv, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return StatusParam, err.Error()
			}
			f.SetFloat(fv)
		case string:
			f.SetString(value)
		default:
			return StatusCant, "parameter not settable"
		}
		return StatusOK, ""
	}
	return StatusParam, "No such parameter"
}
