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

// Package resolver caches resolved upstream socket addresses with a
// validity TTL. A failed lookup is recorded as an empty entry with a
// short negative TTL; an empty entry is never served from the cache, so
// the next call after a failure performs a fresh lookup.
package resolver

import (
	"context"
	"net"
	"sync"
	"time"
)

// Mode selects which address families a resolution keeps.
type Mode int

const (
	Both Mode = iota
	IPv4Only
	IPv6Only
)

// ModeFromProtocol maps a server protocol tag to a resolution Mode.
func ModeFromProtocol(protocol string) Mode {
	switch protocol {
	case "tcp4":
		return IPv4Only
	case "tcp6":
		return IPv6Only
	default:
		return Both
	}
}

const (
	positiveTTL = 60 * time.Second
	negativeTTL = 3 * time.Second
)

// Resolver caches the resolved addresses of a single host:port under a
// mutex-protected, copy-on-write snapshot. The zero value is not usable;
// construct with New.
type Resolver struct {
	hostPort string
	mode     Mode

	mu         sync.RWMutex
	addresses  []net.Addr
	resolvedAt time.Time
	ttl        time.Duration

	// lookupHost is overridable for tests.
	lookupHost func(ctx context.Context, host string) ([]string, error)
}

// New creates a Resolver for hostPort (host:port, hostname or IP literal)
// under the given resolution mode.
func New(hostPort string, mode Mode) *Resolver {
	return &Resolver{
		hostPort:   hostPort,
		mode:       mode,
		lookupHost: net.DefaultResolver.LookupHost,
	}
}

func (r *Resolver) valid() ([]net.Addr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.addresses) == 0 {
		return nil, false
	}
	if time.Since(r.resolvedAt) >= r.ttl {
		return nil, false
	}
	out := make([]net.Addr, len(r.addresses))
	copy(out, r.addresses)
	return out, true
}

// Resolve returns the cached addresses if still valid, otherwise performs
// a fresh hostname lookup, filters by mode, and updates the cache. On
// lookup failure the cache is set to an empty, negatively-cached result
// and the error is returned.
func (r *Resolver) Resolve(ctx context.Context) ([]net.Addr, error) {
	if addrs, ok := r.valid(); ok {
		return addrs, nil
	}
	return r.refresh(ctx)
}

func (r *Resolver) refresh(ctx context.Context) ([]net.Addr, error) {
	host, port, err := net.SplitHostPort(r.hostPort)
	if err != nil {
		// No port present; treat the whole string as a host with no port,
		// matching net.LookupHost semantics for bare hostnames.
		host = r.hostPort
		port = ""
	}

	names, err := r.lookupHost(ctx, host)
	if err != nil {
		r.mu.Lock()
		r.addresses = nil
		r.resolvedAt = time.Now()
		r.ttl = negativeTTL
		r.mu.Unlock()
		return nil, err
	}

	addrs := make([]net.Addr, 0, len(names))
	for _, ip := range names {
		if !matchesMode(ip, r.mode) {
			continue
		}
		addr := ip
		if port != "" {
			addr = net.JoinHostPort(ip, port)
		}
		tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			continue
		}
		addrs = append(addrs, tcpAddr)
	}

	r.mu.Lock()
	r.addresses = addrs
	r.resolvedAt = time.Now()
	r.ttl = positiveTTL
	r.mu.Unlock()

	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no addresses matched resolution mode", Name: r.hostPort}
	}
	return addrs, nil
}

func matchesMode(ip string, mode Mode) bool {
	if mode == Both {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	isV4 := parsed.To4() != nil
	if mode == IPv4Only {
		return isV4
	}
	return !isV4
}
