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
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagoon-cache/go-lagoon/params"
	"github.com/lagoon-cache/go-lagoon/server"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"ban.url", "^/x$"}, tokenize("ban.url ^/x$"))
	assert.Equal(t, []string{"ban", "req.url", "~", "two words"}, tokenize(`ban req.url ~ "two words"`))
	assert.Equal(t, []string{"a", "", "b"}, tokenize(`a "" b`))
	assert.Nil(t, tokenize("   "))
}

func TestDispatchStatuses(t *testing.T) {
	c := New()
	c.Register("echo", 1, 2, "echo <a> [<b>]", func(args []string) (int, string) {
		return StatusOK, strings.Join(args, "|")
	})

	st, body := c.Dispatch("echo one two")
	assert.Equal(t, StatusOK, st)
	assert.Equal(t, "one|two", body)

	st, _ = c.Dispatch("echo")
	assert.Equal(t, StatusTooFew, st)
	st, _ = c.Dispatch("echo a b c")
	assert.Equal(t, StatusTooMany, st)
	st, _ = c.Dispatch("frobnicate")
	assert.Equal(t, StatusUnknown, st)

	st, body = c.Dispatch("help")
	assert.Equal(t, StatusOK, st)
	assert.Contains(t, body, "echo <a> [<b>]")
}

func newBoundServer(t *testing.T) (*server.Server, *params.Params) {
	t.Helper()
	pa := params.Defaults()
	pa.ListenAddress = "127.0.0.1:0"
	srv, err := server.New(pa, server.Options{})
	require.NoError(t, err)
	return srv, pa
}

func TestBoundCommands(t *testing.T) {
	srv, pa := newBoundServer(t)
	c := New()
	Bind(c, srv, pa)

	st, body := c.Dispatch("param.show default_ttl")
	assert.Equal(t, StatusOK, st)
	assert.Contains(t, body, "default_ttl")

	st, _ = c.Dispatch("param.set max_restarts 7")
	assert.Equal(t, StatusOK, st)
	assert.Equal(t, 7, pa.MaxRestarts)

	st, _ = c.Dispatch("param.set lru_interval 5s")
	assert.Equal(t, StatusOK, st)

	st, _ = c.Dispatch("param.set no_such_thing 1")
	assert.Equal(t, StatusParam, st)

	st, _ = c.Dispatch("ban.url ^/gone$")
	assert.Equal(t, StatusOK, st)
	st, body = c.Dispatch("ban.list")
	assert.Equal(t, StatusOK, st)
	assert.Contains(t, body, "^/gone$")

	st, _ = c.Dispatch("ban req.url bogus-op x")
	assert.Equal(t, StatusParam, st)

	st, body = c.Dispatch("storage.list")
	assert.Equal(t, StatusOK, st)
	assert.Contains(t, body, "Transient")

	st, _ = c.Dispatch("debug.listen_address")
	assert.Equal(t, StatusCant, st) // not started

	st, _ = c.Dispatch("status")
	assert.Equal(t, StatusOK, st)

	st, body = c.Dispatch("hcb.dump")
	assert.Equal(t, StatusOK, st)
	assert.Contains(t, body, "DIGEST")
}

func TestWireProtocol(t *testing.T) {
	c := New()
	c.Register("ping", 0, 0, "ping", func([]string) (int, string) {
		return StatusOK, "pong"
	})
	require.NoError(t, c.Start("127.0.0.1:0"))
	defer c.Stop()

	nc, err := net.Dial("tcp", c.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	fmt.Fprintf(nc, "ping\n")
	br := bufio.NewReader(nc)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "200 4\n", line)
	body, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "pong\n", body)
}
