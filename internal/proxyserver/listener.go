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

// Package proxyserver owns one listening socket per configured entry,
// runs its bounded-concurrency accept loop, makes the routing decision
// for each accepted connection, and dispatches to the selected
// upstream.
package proxyserver

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pires/go-proxyproto"
	"go.uber.org/zap"

	"github.com/caddyserver/l4p/internal/chain"
	"github.com/caddyserver/l4p/internal/l4log"
	"github.com/caddyserver/l4p/internal/sni"
	"github.com/caddyserver/l4p/internal/upstream"
)

// peekBufferSize is the maximum number of ClientHello bytes read via a
// non-consuming peek to make the SNI routing decision.
const peekBufferSize = 1024

// Listener owns one listening socket and its routing table. All fields
// are set once at construction and never mutated afterward; concurrent
// connection tasks only ever read them.
type Listener struct {
	Name          string
	Addr          string
	Network       string // tcp|tcp4|tcp6
	TLS           bool
	SNIMap        map[string]string // lowercased server name -> upstream name
	Default       string
	MaxClients    int
	ProxyProtocol bool
	Via           chain.Config
	Upstreams     *upstream.Registry

	permits chan struct{}
}

// NewListener constructs a Listener ready to Run. SNIMap keys are
// lowercased so matching is always case-insensitive, per spec.
func NewListener(name, addr, network string, tls bool, sniMap map[string]string, def string, maxClients int, proxyProtocol bool, via chain.Config, upstreams *upstream.Registry) *Listener {
	lowered := make(map[string]string, len(sniMap))
	for k, v := range sniMap {
		lowered[strings.ToLower(k)] = v
	}
	return &Listener{
		Name:          name,
		Addr:          addr,
		Network:       network,
		TLS:           tls,
		SNIMap:        lowered,
		Default:       def,
		MaxClients:    maxClients,
		ProxyProtocol: proxyProtocol,
		Via:           via,
		Upstreams:     upstreams,
		permits:       make(chan struct{}, maxClients),
	}
}

// Run binds the listening socket and accepts connections until ctx is
// cancelled or a non-retryable accept error occurs. It blocks until the
// accept loop exits.
func (l *Listener) Run(ctx context.Context) error {
	network := l.Network
	if network == "" {
		network = "tcp"
	}
	ln, err := net.Listen(network, l.Addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	l4log.L().Info("listener started",
		zap.String("name", l.Name),
		zap.String("addr", l.Addr),
		zap.Int("max_clients", l.MaxClients),
	)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case l.permits <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			<-l.permits
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-l.permits }()
			l.handle(ctx, conn)
		}()
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()
	logger := l4log.L().With(
		zap.String("listener", l.Name),
		zap.String("conn_id", connID),
		zap.String("remote", conn.RemoteAddr().String()),
	)
	defer conn.Close()

	working := net.Conn(conn)
	if l.ProxyProtocol {
		working = proxyproto.NewConn(conn)
	}

	buffered := newBufConn(working)

	if l.ProxyProtocol {
		// Touch the stream once so the header is parsed before routing;
		// Peek(1) is enough to force the underlying Read.
		if _, err := buffered.Peek(1); err != nil {
			logger.Warn("proxy protocol / connection read failed", zap.Error(err))
			return
		}
		if ppConn, ok := working.(*proxyproto.Conn); ok && ppConn.ProxyHeader() == nil {
			logger.Warn("proxy protocol header required but absent")
			return
		}
		logger = logger.With(zap.String("proxy_source", working.RemoteAddr().String()))
	}

	name := l.route(buffered, logger)

	up, ok := l.Upstreams.Lookup(name)
	if !ok {
		logger.Warn("selected upstream not found, falling back to default",
			zap.String("selected", name), zap.String("default", l.Default))
		up, ok = l.Upstreams.Lookup(l.Default)
		if !ok {
			logger.Error("default upstream also missing; closing connection")
			return
		}
	}

	logger.Info("dispatching connection", zap.String("upstream", up.Name))
	if err := up.Process(ctx, buffered, l.Via); err != nil {
		logger.Warn("connection ended with error", zap.Error(err))
	}
}

// route makes the upstream-name selection described in spec.md §4.6: a
// non-TLS listener always uses its default; a TLS listener peeks the
// ClientHello, checks the returned server names in order against the
// sni_map and uses the first one that matches, falling back to default
// on a miss or on no SNI at all.
func (l *Listener) route(conn *bufConn, logger *zap.Logger) string {
	if !l.TLS {
		return l.Default
	}

	// Peek only what has already arrived in one read: a ClientHello is
	// sent as a single flight by every real TLS client, so waiting past
	// the first underlying Read would mean blocking on a client that
	// never sends more than it already has.
	if _, err := conn.Peek(1); err != nil {
		logger.Debug("clienthello peek failed, using default upstream", zap.Error(err))
		return l.Default
	}
	n := conn.Buffered()
	if n > peekBufferSize {
		n = peekBufferSize
	}
	data, err := conn.Peek(n)
	if err != nil && len(data) == 0 {
		logger.Debug("clienthello peek failed, using default upstream", zap.Error(err))
		return l.Default
	}

	names := sni.ServerNames(data)
	for _, name := range names {
		if target, ok := l.SNIMap[strings.ToLower(name)]; ok {
			return target
		}
	}
	return l.Default
}

// bufConn wraps a net.Conn with a bufio.Reader so the TLS ClientHello
// can be inspected via Peek without losing any bytes: everything peeked
// remains available to subsequent Reads (by the relay, by the CONNECT
// chainer, etc), which is what makes this a non-consuming peek from the
// caller's point of view even though bytes really were read off the
// wire into the buffer.
type bufConn struct {
	net.Conn
	br *bufio.Reader
}

func newBufConn(c net.Conn) *bufConn {
	return &bufConn{Conn: c, br: bufio.NewReaderSize(c, peekBufferSize)}
}

func (b *bufConn) Read(p []byte) (int, error) { return b.br.Read(p) }

func (b *bufConn) Peek(n int) ([]byte, error) { return b.br.Peek(n) }

func (b *bufConn) Buffered() int { return b.br.Buffered() }

func (b *bufConn) CloseWrite() error {
	if hc, ok := b.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return b.Conn.Close()
}
