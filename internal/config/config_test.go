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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caddyserver/l4p/internal/upstream"
)

func TestLoad_RespectsEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "l4p.yaml")
	doc := []byte(`
version: 1
servers:
  main:
    listen: ["127.0.0.1:0"]
    maxclients: 1
`)
	require.NoError(t, os.WriteFile(path, doc, 0o644))
	t.Setenv(EnvOverride, path)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Len(t, cfg.Listeners, 1)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/to/l4p.yaml")
	require.Error(t, err)
}

func TestParse_Minimal(t *testing.T) {
	doc := []byte(`
version: 1
servers:
  main:
    listen: ["127.0.0.1:54500"]
    default: up1
    maxclients: 10
upstream:
  up1: tcp://127.0.0.1:54599
`)
	cfg, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, cfg.Listeners, 1)

	l := cfg.Listeners[0]
	assert.Equal(t, "127.0.0.1:54500", l.Listen)
	assert.Equal(t, "tcp", l.Protocol)
	assert.Equal(t, "up1", l.Default)
	assert.Equal(t, 10, l.MaxClients)

	up, ok := l.Upstreams.Lookup("up1")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:54599", up.Addr)
	assert.Equal(t, "tcp", up.Protocol)
}

func TestParse_DefaultsToBan(t *testing.T) {
	doc := []byte(`
version: 1
servers:
  main:
    listen: ["127.0.0.1:0"]
    maxclients: 1
`)
	cfg, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, upstream.Ban, cfg.Listeners[0].Default)
}

func TestParse_UnsupportedVersion(t *testing.T) {
	doc := []byte(`version: 2`)
	_, err := Parse(doc)
	require.Error(t, err)
	var cfgErr *Error
	assert.ErrorAs(t, err, &cfgErr)
}

func TestParse_ReservedUpstreamNameRejected(t *testing.T) {
	doc := []byte(`
version: 1
servers:
  main:
    listen: ["127.0.0.1:0"]
    maxclients: 1
upstream:
  echo: tcp://127.0.0.1:1
`)
	_, err := Parse(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")
}

func TestParse_UnknownDefaultUpstreamRejected(t *testing.T) {
	doc := []byte(`
version: 1
servers:
  main:
    listen: ["127.0.0.1:0"]
    default: missing
    maxclients: 1
`)
	_, err := Parse(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestParse_UnknownSNIUpstreamRejected(t *testing.T) {
	doc := []byte(`
version: 1
servers:
  main:
    listen: ["127.0.0.1:0"]
    tls: true
    sni:
      a.example: missing
    maxclients: 1
`)
	_, err := Parse(doc)
	require.Error(t, err)
}

func TestParse_DuplicateListenAddressRejected(t *testing.T) {
	doc := []byte(`
version: 1
servers:
  a:
    listen: ["127.0.0.1:9000"]
    maxclients: 1
  b:
    listen: ["127.0.0.1:9000"]
    maxclients: 1
`)
	_, err := Parse(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate listen address")
}

func TestParse_MaxClientsZeroRejected(t *testing.T) {
	doc := []byte(`
version: 1
servers:
  main:
    listen: ["127.0.0.1:0"]
    maxclients: 0
`)
	_, err := Parse(doc)
	require.Error(t, err)
}

func TestParse_InvalidUpstreamScheme(t *testing.T) {
	doc := []byte(`
version: 1
servers:
  main:
    listen: ["127.0.0.1:0"]
    maxclients: 1
    default: up1
upstream:
  up1: udp://127.0.0.1:1
`)
	_, err := Parse(doc)
	require.Error(t, err)
}

func TestParse_ViaConfig(t *testing.T) {
	doc := []byte(`
version: 1
servers:
  main:
    listen: ["127.0.0.1:0"]
    maxclients: 1
    default: up1
    via:
      target: host:443
      connect_timeout: 2s
      headers:
        X-Auth: "Bearer ${TOKEN}"
upstream:
  up1: tcp://127.0.0.1:1
`)
	cfg, err := Parse(doc)
	require.NoError(t, err)
	via := cfg.Listeners[0].Via
	assert.True(t, via.Enabled())
	assert.Equal(t, "host:443", via.Target)
	assert.Equal(t, 2*time.Second, via.ConnectTimeout)
	require.Len(t, via.Headers, 1)
	assert.Equal(t, "X-Auth", via.Headers[0].Name)
	assert.Equal(t, "Bearer ${TOKEN}", via.Headers[0].Value)
}

func TestParse_ViaHeadersPreserveDocumentOrder(t *testing.T) {
	doc := []byte(`
version: 1
servers:
  main:
    listen: ["127.0.0.1:0"]
    maxclients: 1
    default: up1
    via:
      target: host:443
      headers:
        X-Third: "3"
        X-First: "1"
        X-Second: "2"
upstream:
  up1: tcp://127.0.0.1:1
`)
	cfg, err := Parse(doc)
	require.NoError(t, err)
	via := cfg.Listeners[0].Via
	require.Len(t, via.Headers, 3)
	assert.Equal(t, "X-Third", via.Headers[0].Name)
	assert.Equal(t, "X-First", via.Headers[1].Name)
	assert.Equal(t, "X-Second", via.Headers[2].Name)
}

func TestParse_NoViaMeansDisabled(t *testing.T) {
	doc := []byte(`
version: 1
servers:
  main:
    listen: ["127.0.0.1:0"]
    maxclients: 1
`)
	cfg, err := Parse(doc)
	require.NoError(t, err)
	assert.False(t, cfg.Listeners[0].Via.Enabled())
}

func TestParse_MultipleListenAddressesShareRegistry(t *testing.T) {
	doc := []byte(`
version: 1
servers:
  main:
    listen: ["127.0.0.1:9001", "127.0.0.1:9002"]
    maxclients: 1
`)
	cfg, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, cfg.Listeners, 2)
	assert.Same(t, cfg.Listeners[0].Upstreams, cfg.Listeners[1].Upstreams)
}
