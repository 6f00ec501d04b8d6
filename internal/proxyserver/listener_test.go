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
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caddyserver/l4p/internal/chain"
	"github.com/caddyserver/l4p/internal/upstream"
)

// freeAddr grabs an ephemeral port from the OS and immediately releases
// it so a Listener can be constructed with a known, almost-certainly-free
// address before Run binds it for real.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startListener(t *testing.T, l *Listener) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
		}
	})
	waitForListen(t, l.Addr)
}

func waitForListen(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener at %s never came up", addr)
}

func TestListener_PlainTCPProxy(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstreamLn.Close()
	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 2)
		io.ReadFull(conn, buf)
		conn.Write([]byte("hello"))
	}()

	reg := upstream.NewRegistry(map[string]upstream.Upstream{
		"up1": upstream.NewProxy("up1", upstreamLn.Addr().String(), "tcp"),
	})
	addr := freeAddr(t)
	l := NewListener("main", addr, "tcp", false, nil, "up1", 10, false, chain.Config{}, reg)
	startListener(t, l)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hi"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

func TestListener_Echo(t *testing.T) {
	reg := upstream.NewRegistry(nil)
	addr := freeAddr(t)
	l := NewListener("main", addr, "tcp", false, nil, upstream.Echo, 10, false, chain.Config{}, reg)
	startListener(t, l)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	for b := byte(0); b <= 0x0A; b++ {
		_, err := conn.Write([]byte{b})
		require.NoError(t, err)
		got := make([]byte, 1)
		_, err = io.ReadFull(conn, got)
		require.NoError(t, err)
		require.Equal(t, b, got[0])
	}
}

func TestListener_Ban(t *testing.T) {
	reg := upstream.NewRegistry(nil)
	addr := freeAddr(t)
	l := NewListener("main", addr, "tcp", false, nil, upstream.Ban, 10, false, chain.Config{}, reg)
	startListener(t, l)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestListener_SNIDispatch(t *testing.T) {
	upA, _ := newClientHelloEchoBackend(t)
	defer upA.Close()
	upB, _ := newClientHelloEchoBackend(t)
	defer upB.Close()

	reg := upstream.NewRegistry(map[string]upstream.Upstream{
		"upA": upstream.NewProxy("upA", upA.Addr().String(), "tcp"),
		"upB": upstream.NewProxy("upB", upB.Addr().String(), "tcp"),
	})
	addr := freeAddr(t)
	sniMap := map[string]string{"a.example": "upA", "b.example": "upB"}
	l := NewListener("main", addr, "tcp", true, sniMap, upstream.Ban, 10, false, chain.Config{}, reg)
	startListener(t, l)

	// SNI b.example routes to upB.
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write(buildClientHelloRecord("b.example"))
	require.NoError(t, err)
	marker := make([]byte, 1)
	_, err = io.ReadFull(conn, marker)
	require.NoError(t, err)
	require.Equal(t, byte('B'), marker[0])
	conn.Close()

	// SNI c.example matches nothing in sni_map, falls back to default (ban).
	conn2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn2.Close()
	_, err = conn2.Write(buildClientHelloRecord("c.example"))
	require.NoError(t, err)
	n, err := conn2.Read(marker)
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
}

// newClientHelloEchoBackend starts a TCP listener that, for every
// connection, writes a single identifying byte (markerFor hands out 'A'
// to the first backend created, 'B' to the second, and so on) so SNI
// routing tests can tell
// which backend a connection landed on without implementing a second TLS
// stack.
func newClientHelloEchoBackend(t *testing.T) (net.Listener, byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	marker := markerFor(ln.Addr().String())
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				conn.Write([]byte{marker})
			}()
		}
	}()
	return ln, marker
}

var markerSeq = byte('A')

func markerFor(string) byte {
	m := markerSeq
	markerSeq++
	return m
}

// buildClientHelloRecord constructs a minimal TLS record containing a
// ClientHello with a single server_name extension, matching the wire
// format internal/sni parses.
func buildClientHelloRecord(name string) []byte {
	u16 := func(n int) []byte { return []byte{byte(n >> 8), byte(n)} }
	u24 := func(n int) []byte { return []byte{byte(n >> 16), byte(n >> 8), byte(n)} }

	serverNameEntry := append([]byte{0x00}, u16(len(name))...)
	serverNameEntry = append(serverNameEntry, name...)

	serverNameList := append(u16(len(serverNameEntry)), serverNameEntry...)

	sniExt := append([]byte{0x00, 0x00}, u16(len(serverNameList))...)
	sniExt = append(sniExt, serverNameList...)

	hello := []byte{0x03, 0x03}
	hello = append(hello, make([]byte, 32)...)
	hello = append(hello, 0x00)
	hello = append(hello, u16(2)...)
	hello = append(hello, 0x00, 0x00)
	hello = append(hello, 0x01, 0x00)
	hello = append(hello, u16(len(sniExt))...)
	hello = append(hello, sniExt...)

	handshake := []byte{0x01}
	handshake = append(handshake, u24(len(hello))...)
	handshake = append(handshake, hello...)

	record := []byte{0x16, 0x03, 0x01}
	record = append(record, u16(len(handshake))...)
	record = append(record, handshake...)
	return record
}
