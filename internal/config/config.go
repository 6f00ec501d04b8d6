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

// Package config loads and validates the YAML configuration describing
// listeners and upstreams, producing the immutable model consumed by
// internal/proxyserver. Parsing the YAML document itself is treated as
// an external, out-of-core concern (spec §1); this package is the
// ambient collaborator that does it, in the teacher's idiom.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/caddyserver/l4p/internal/chain"
	"github.com/caddyserver/l4p/internal/upstream"
)

// EnvOverride is the environment variable that may override the config
// file path.
const EnvOverride = "L4P_CONFIG"

// rawDocument mirrors the on-disk YAML shape.
type rawDocument struct {
	Version  int                  `yaml:"version"`
	Log      string               `yaml:"log"`
	Upstream map[string]string    `yaml:"upstream"`
	Servers  map[string]rawServer `yaml:"servers"`
}

type rawServer struct {
	Listen        []string          `yaml:"listen"`
	Protocol      string            `yaml:"protocol"`
	TLS           bool              `yaml:"tls"`
	SNI           map[string]string `yaml:"sni"`
	Default       string            `yaml:"default"`
	MaxClients    int               `yaml:"maxclients"`
	ProxyProtocol bool              `yaml:"proxy_protocol"`
	Via           rawVia            `yaml:"via"`
}

type rawVia struct {
	Target string `yaml:"target"`
	// Headers is decoded as a raw mapping node, not a Go map, so header
	// order survives from the YAML document into chain.Config.Headers:
	// spec.md §4.5 requires headers to be emitted in iteration order,
	// and a Go map's iteration order is randomized.
	Headers        yaml.Node     `yaml:"headers"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Listener is one validated, ready-to-run listener configuration.
type Listener struct {
	Name          string
	Listen        string
	Protocol      string
	TLS           bool
	SNIMap        map[string]string
	Default       string
	MaxClients    int
	ProxyProtocol bool
	Via           chain.Config
	Upstreams     *upstream.Registry
}

// Config is the fully validated, immutable model handed to the server.
type Config struct {
	LogTarget string
	Listeners []Listener
}

// Error reports a configuration problem that must refuse startup,
// corresponding to the ConfigInvalid taxonomy entry in the spec.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// Load resolves the config path (explicit path, else L4P_CONFIG, else
// the conventional search locations), reads it, and validates it.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func resolvePath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if env := os.Getenv(EnvOverride); env != "" {
		return env, nil
	}
	candidates := []string{
		"/etc/l4p/l4p.yaml",
		"/etc/l4p/config.yaml",
		"l4p.yaml",
		"config.yaml",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", invalid("could not find a config file; tried %v (set %s to override)", candidates, EnvOverride)
}

// Parse validates and converts raw YAML bytes into a Config.
func Parse(data []byte) (*Config, error) {
	var doc rawDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if doc.Version != 1 {
		return nil, invalid("unsupported config version %d", doc.Version)
	}

	customUpstreams, err := parseUpstreams(doc.Upstream)
	if err != nil {
		return nil, err
	}
	registry := upstream.NewRegistry(customUpstreams)

	listeners, err := parseServers(doc.Servers, registry)
	if err != nil {
		return nil, err
	}

	return &Config{LogTarget: doc.Log, Listeners: listeners}, nil
}

func parseUpstreams(raw map[string]string) (map[string]upstream.Upstream, error) {
	result := make(map[string]upstream.Upstream, len(raw))
	for name, target := range raw {
		if isReserved(name) {
			return nil, invalid("upstream name %q is reserved", name)
		}
		addr, protocol, err := parseUpstreamURL(target)
		if err != nil {
			return nil, invalid("invalid upstream %q: %v", name, err)
		}
		result[name] = upstream.NewProxy(name, addr, protocol)
	}
	return result, nil
}

func parseUpstreamURL(raw string) (addr, protocol string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid upstream url %q", raw)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
	default:
		return "", "", fmt.Errorf("invalid upstream scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("invalid upstream url %q", raw)
	}
	return u.Host, u.Scheme, nil
}

func isReserved(name string) bool {
	return name == upstream.Ban || name == upstream.Echo || name == upstream.Health
}

func parseServers(raw map[string]rawServer, registry *upstream.Registry) ([]Listener, error) {
	seenListen := make(map[string]bool)
	var listeners []Listener

	for name, server := range raw {
		protocol := server.Protocol
		if protocol == "" {
			protocol = "tcp"
		}
		def := server.Default
		if def == "" {
			def = upstream.Ban
		}
		if _, ok := registry.Lookup(def); !ok {
			return nil, invalid("server %q: default upstream %q not found", name, def)
		}
		for _, sniName := range server.SNI {
			if _, ok := registry.Lookup(sniName); !ok {
				return nil, invalid("server %q: upstream %q not found", name, sniName)
			}
		}
		if server.MaxClients < 1 {
			return nil, invalid("server %q: maxclients must be >= 1", name)
		}

		viaCfg, err := parseVia(server.Via)
		if err != nil {
			return nil, invalid("server %q: %v", name, err)
		}

		for _, listen := range server.Listen {
			if seenListen[listen] {
				return nil, invalid("duplicate listen address %q", listen)
			}
			seenListen[listen] = true

			listeners = append(listeners, Listener{
				Name:          name,
				Listen:        listen,
				Protocol:      protocol,
				TLS:           server.TLS,
				SNIMap:        server.SNI,
				Default:       def,
				MaxClients:    server.MaxClients,
				ProxyProtocol: server.ProxyProtocol,
				Via:           viaCfg,
				Upstreams:     registry,
			})
		}
	}
	return listeners, nil
}

func parseVia(raw rawVia) (chain.Config, error) {
	if raw.Target == "" {
		return chain.Config{}, nil
	}
	headers, err := orderedHeaders(raw.Headers)
	if err != nil {
		return chain.Config{}, err
	}
	return chain.Config{
		Target:         raw.Target,
		Headers:        headers,
		ConnectTimeout: raw.ConnectTimeout,
	}, nil
}

// orderedHeaders walks a "headers" mapping node's Content pairs directly,
// rather than decoding into a Go map, so the YAML document's key order
// survives into chain.Config.Headers.
func orderedHeaders(node yaml.Node) ([]chain.Header, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, invalid("via.headers must be a mapping")
	}
	headers := make([]chain.Header, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var name, value string
		if err := node.Content[i].Decode(&name); err != nil {
			return nil, invalid("via.headers: %v", err)
		}
		if err := node.Content[i+1].Decode(&value); err != nil {
			return nil, invalid("via.headers: %v", err)
		}
		headers = append(headers, chain.Header{Name: name, Value: value})
	}
	return headers, nil
}
