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

// Package upstream implements the four upstream behaviors a connection
// can be dispatched to: Ban, Echo, Health, and Proxy. Upstream is a
// closed, tagged variant — one arm per behavior — dispatched by a single
// switch at Process time, deliberately avoiding polymorphic inheritance.
package upstream

import (
	"context"
	"fmt"
	"net"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/caddyserver/l4p/internal/chain"
	"github.com/caddyserver/l4p/internal/l4log"
	"github.com/caddyserver/l4p/internal/relay"
	"github.com/caddyserver/l4p/internal/resolver"
)

// Kind discriminates the Upstream variant.
type Kind int

const (
	KindBan Kind = iota
	KindEcho
	KindHealth
	KindProxy
)

const (
	Ban    = "ban"
	Echo   = "echo"
	Health = "health"
)

// Upstream is the immutable descriptor for one upstream destination.
// Only the Proxy kind uses Addr/Protocol/resolver; the reserved kinds
// need no further state. Chaining (ViaConfig) is a per-listener setting,
// not part of the upstream descriptor — it is supplied to Process by
// the caller, matching spec.md's ProxyListener.via.
type Upstream struct {
	Kind     Kind
	Name     string
	Addr     string // Proxy only: host:port
	Protocol string // Proxy only: tcp|tcp4|tcp6

	resolver *resolver.Resolver // Proxy only, built by NewProxy
}

// NewBan returns the reserved Ban upstream.
func NewBan() Upstream { return Upstream{Kind: KindBan, Name: Ban} }

// NewEcho returns the reserved Echo upstream.
func NewEcho() Upstream { return Upstream{Kind: KindEcho, Name: Echo} }

// NewHealth returns the reserved Health upstream.
func NewHealth() Upstream { return Upstream{Kind: KindHealth, Name: Health} }

// NewProxy returns a Proxy upstream targeting addr over protocol.
func NewProxy(name, addr, protocol string) Upstream {
	return Upstream{
		Kind:     KindProxy,
		Name:     name,
		Addr:     addr,
		Protocol: protocol,
		resolver: resolver.New(addr, resolver.ModeFromProtocol(protocol)),
	}
}

// Process dispatches the accepted connection to this upstream's
// behavior. via only applies to the Proxy kind; it is ignored
// otherwise. It returns nil on success; callers log and discard any
// error without treating it as fatal to the listener.
func (u Upstream) Process(ctx context.Context, conn net.Conn, via chain.Config) error {
	switch u.Kind {
	case KindBan:
		return processBan(conn)
	case KindEcho:
		return processEcho(conn)
	case KindHealth:
		return processHealth(conn)
	case KindProxy:
		return u.processProxy(ctx, conn, via)
	default:
		return fmt.Errorf("upstream: unknown kind %d", u.Kind)
	}
}

func processBan(conn net.Conn) error {
	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = hc.CloseWrite()
	}
	return conn.Close()
}

func processEcho(conn net.Conn) error {
	relay.Copy(conn, conn)
	return nil
}

func (u Upstream) processProxy(ctx context.Context, inbound net.Conn, via chain.Config) error {
	addrs, err := u.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("upstream %s: resolve: %w", u.Name, err)
	}

	var outbound net.Conn
	if via.Enabled() {
		outbound, err = chain.Dial(ctx, addrs, via)
		if err != nil {
			return fmt.Errorf("upstream %s: via: %w", u.Name, err)
		}
	} else {
		outbound, err = dialFirst(ctx, addrs)
		if err != nil {
			return fmt.Errorf("upstream %s: dial: %w", u.Name, err)
		}
	}
	defer outbound.Close()

	if tcpConn, ok := inbound.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	if tcpConn, ok := outbound.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	result := relay.Join(outbound, inbound)
	l4log.L().Debug("relay finished",
		zap.String("upstream", u.Name),
		zap.Int64("inbound_to_outbound", result.InboundToOutbound),
		zap.Int64("outbound_to_inbound", result.OutboundToInbound),
		zap.String("sent", humanize.Bytes(uint64(result.InboundToOutbound))),
		zap.String("received", humanize.Bytes(uint64(result.OutboundToInbound))),
	)
	return nil
}

func dialFirst(ctx context.Context, addrs []net.Addr) (net.Conn, error) {
	var d net.Dialer
	var lastErr error
	for _, addr := range addrs {
		conn, err := d.DialContext(ctx, "tcp", addr.String())
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses to dial")
	}
	return nil, lastErr
}
