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

// Package relay provides the half-duplex byte-copy primitive and the
// bidirectional joiner used to splice two connections together.
package relay

import (
	"io"
)

// halfCloser is satisfied by any connection that supports shutting down
// its write side without closing the whole socket (net.TCPConn,
// tls.Conn's underlying conn, etc).
type halfCloser interface {
	CloseWrite() error
}

// Copy reads from r until EOF and writes everything to w. When the
// reader is exhausted, it shuts down the write side of w (if supported)
// so the peer observes end-of-stream. Read errors are swallowed: Copy
// returns 0 bytes rather than propagating them, matching the relay's
// policy of never treating a reset peer as a fatal proxy error.
func Copy(w io.Writer, r io.Reader) int64 {
	n, err := io.Copy(w, r)
	if hc, ok := w.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
	if err != nil {
		return 0
	}
	return n
}

// Result is the byte count pair returned by a completed Join.
type Result struct {
	InboundToOutbound int64
	OutboundToInbound int64
}

// Join runs two Copy operations concurrently: inbound->outbound and
// outbound->inbound. It returns once both directions have finished.
// There is no application-level cancellation of one direction when the
// other fails fatally; a failed Copy returns 0 and its goroutine exits,
// which in practice unblocks the peer's read via the connection's own
// close, matching the half-duplex semantics of the baseline.
func Join(outbound, inbound io.ReadWriter) Result {
	type copyResult struct {
		n   int64
		dir int
	}
	done := make(chan copyResult, 2)

	go func() {
		n := Copy(outbound, inbound)
		done <- copyResult{n, 0}
	}()
	go func() {
		n := Copy(inbound, outbound)
		done <- copyResult{n, 1}
	}()

	var res Result
	for i := 0; i < 2; i++ {
		r := <-done
		switch r.dir {
		case 0:
			res.InboundToOutbound = r.n
		case 1:
			res.OutboundToInbound = r.n
		}
	}
	return res
}
