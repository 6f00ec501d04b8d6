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

package proxyserver

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caddyserver/l4p/internal/config"
	"github.com/caddyserver/l4p/internal/l4log"
)

// Server owns every configured Listener and runs them in parallel until
// an orderly shutdown is requested.
type Server struct {
	Listeners []*Listener
}

// NewServer builds a Server from a validated configuration snapshot.
func NewServer(cfg *config.Config) *Server {
	listeners := make([]*Listener, 0, len(cfg.Listeners))
	for _, lc := range cfg.Listeners {
		listeners = append(listeners, newListenerFromConfig(lc))
	}
	return &Server{Listeners: listeners}
}

func newListenerFromConfig(lc config.Listener) *Listener {
	return NewListener(lc.Name, lc.Listen, lc.Protocol, lc.TLS, lc.SNIMap, lc.Default, lc.MaxClients, lc.ProxyProtocol, lc.Via, lc.Upstreams)
}

// Run starts every listener concurrently and blocks until either all of
// them exit, or a shutdown signal arrives, in which case the accept
// loops are cancelled and in-flight connections are left to drain (no
// forced cancellation in the baseline).
//
// Listeners do not share a cancel-on-error context: a ListenerFailure in
// one listener is fatal to that listener only (spec §7) and must not
// cancel the context the others are waiting on, so a plain errgroup.Group
// is used instead of errgroup.WithContext, with the signal-derived ctx
// passed to every listener unchanged.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer stop()

	var g errgroup.Group
	for _, ln := range s.Listeners {
		ln := ln
		g.Go(func() error {
			err := ln.Run(ctx)
			if err != nil {
				l4log.L().Error("listener terminated", zap.String("name", ln.Name), zap.Error(err))
			}
			return err
		})
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	select {
	case err := <-waitErr:
		return err
	case <-ctx.Done():
	}
	l4log.L().Info("shutdown requested, draining in-flight connections")

	return <-waitErr
}
