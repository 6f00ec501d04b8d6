// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package l4pcmd implements l4p's command-line interface, the ambient
// collaborator the core proxy is handed off to. It is intentionally
// thin: configuration loading and process wiring live here; the relay
// engine and routing decisions live in internal/.
package l4pcmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"

	"github.com/caddyserver/l4p/internal/l4log"
)

// version is overwritten at build time via -ldflags.
var version = "dev"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "l4p",
		Short: "l4p is a Layer-4 reverse proxy",
		Long: `l4p accepts client TCP connections on configured listener sockets
and relays byte streams to one of several upstream destinations chosen
by a routing policy. TLS traffic can be routed by Server Name
Indication without terminating TLS.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newValidateCommand())
	root.AddCommand(newVersionCommand())
	return root
}

// Main is the entry point called from cmd/l4p/main.go. It exits the
// process with code 0 on clean shutdown and 1 on any error, matching
// spec.md §6.
func Main() {
	logger := l4log.L()

	// Match the container's CPU quota (if any). See runtime#GOMAXPROCS.
	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
	defer undo()
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	// Match the container's memory quota (if any) or system memory.
	// See runtime/debug#SetMemoryLimit.
	_, _ = memlimit.SetGoMemLimitWithOpts(
		memlimit.WithLogger(slog.New(zapslog.NewHandler(logger.Core()))),
		memlimit.WithProvider(memlimit.ApplyFallback(
			memlimit.FromCgroup,
			memlimit.FromSystem,
		)),
	)

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
