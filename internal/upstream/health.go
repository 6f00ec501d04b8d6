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

package upstream

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// healthRouter answers GET and HEAD requests on any path with 200 OK /
// body "OK". It is built once and reused by every Health-dispatched
// connection.
var healthRouter = func() http.Handler {
	r := chi.NewRouter()
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
	r.Get("/*", handler)
	r.Head("/*", handler)
	return r
}()

// processHealth serves exactly one HTTP/1.1 request on conn using the
// package's health router, then closes the connection.
func processHealth(conn net.Conn) error {
	listener := &singleConnListener{conn: conn}
	// Serve returns as soon as the second Accept fails, while conn is
	// still being served in its own goroutine; wait for the server to
	// finish with conn before returning.
	done := make(chan struct{})
	server := &http.Server{
		Handler: healthRouter,
		ConnState: func(_ net.Conn, state http.ConnState) {
			if state == http.StateClosed || state == http.StateHijacked {
				close(done)
			}
		},
	}
	server.SetKeepAlivesEnabled(false)
	_ = server.Serve(listener)
	<-done
	return nil
}

// singleConnListener is a net.Listener that yields exactly one
// already-accepted connection and then reports the listener closed.
type singleConnListener struct {
	conn net.Conn
	used bool
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.used {
		return nil, net.ErrClosed
	}
	l.used = true
	return l.conn, nil
}

func (l *singleConnListener) Close() error   { return nil }
func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }
