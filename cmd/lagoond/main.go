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

// lagoond is the HTTP accelerator daemon: an in-memory caching reverse
// proxy with request coalescing, grace, bans and ESI.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/lagoon-cache/go-lagoon/admin"
	"github.com/lagoon-cache/go-lagoon/log"
	"github.com/lagoon-cache/go-lagoon/server"
)

var (
	listenFlag = &cli.StringFlag{
		Name:    "listen",
		Aliases: []string{"a"},
		Usage:   "client listen `address`",
	}
	adminFlag = &cli.StringFlag{
		Name:    "admin",
		Aliases: []string{"T"},
		Usage:   "admin CLI listen `address`",
	}
	backendFlag = &cli.StringSliceFlag{
		Name:    "backend",
		Aliases: []string{"b"},
		Usage:   "backend origin as [name=]host:port[@probe-url], repeatable",
	}
	storageFlag = &cli.StringSliceFlag{
		Name:    "storage",
		Aliases: []string{"s"},
		Usage:   "storage spec: malloc[,size] | file,path[,size] | synth, repeatable",
	}
	hashFlag = &cli.StringFlag{
		Name:  "hash",
		Usage: "hash slinger: critbit, classic or simple_list",
	}
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"f"},
		Usage:   "TOML configuration `file`",
	}
	rulesFlag = &cli.StringFlag{
		Name:  "rules",
		Usage: "TOML policy rules `file`, watched for changes",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity: 0=crit .. 5=trace",
		Value: 3,
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "write logs to a rotating `file` instead of the terminal",
	}
)

func main() {
	app := &cli.App{
		Name:   "lagoond",
		Usage:  "HTTP accelerator daemon",
		Flags:  []cli.Flag{listenFlag, adminFlag, backendFlag, storageFlag, hashFlag, configFlag, rulesFlag, verbosityFlag, logFileFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	setupLogging(ctx)

	pa, opts, err := buildConfig(ctx)
	if err != nil {
		return err
	}

	srv, err := server.New(pa, opts)
	if err != nil {
		return err
	}

	cl := admin.New()
	admin.Bind(cl, srv, pa)
	if err := cl.Start(pa.AdminAddress); err != nil {
		return err
	}
	defer cl.Stop()

	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	got := <-sig
	log.Info("Shutting down", "signal", got.String())
	return nil
}

func setupLogging(ctx *cli.Context) {
	lvl := log.FromLegacyLevel(ctx.Int(verbosityFlag.Name))
	if path := ctx.String(logFileFlag.Name); path != "" {
		w := log.NewAsyncFileWriter(path, 100, 10, 28)
		w.Start()
		log.SetDefault(log.NewLogger(log.NewLogfmtHandler(w, lvl)))
		return
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandler(os.Stderr, lvl)))
}
