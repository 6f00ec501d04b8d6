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

// Package sni extracts the server_name extension (RFC 6066) from the
// first TLS record of a ClientHello, given only a non-consuming peek of
// its leading bytes. It never terminates or validates the handshake; a
// malformed or truncated buffer simply yields no names.
package sni

const (
	recordTypeHandshake = 0x16
	handshakeTypeHello  = 0x01

	extensionServerName    = 0x0000
	serverNameTypeHostname = 0x00
)

// ServerNames returns the ordered list of server_name values found in
// buf, which holds the first bytes of a TLS handshake obtained via a
// non-destructive peek. It never panics: any structural problem in buf
// (too short, wrong record/handshake type, malformed extension) yields
// nil.
func ServerNames(buf []byte) []string {
	r := &reader{buf: buf}

	// TLS record header: type(1) version(2) length(2)
	recordType, ok := r.byte()
	if !ok || recordType != recordTypeHandshake {
		return nil
	}
	if !r.skip(2) { // protocol version
		return nil
	}
	recordLen, ok := r.uint16()
	if !ok {
		return nil
	}
	body, ok := r.slice(int(recordLen))
	if !ok {
		return nil
	}

	return serverNamesFromHandshake(body)
}

func serverNamesFromHandshake(body []byte) []string {
	r := &reader{buf: body}

	handshakeType, ok := r.byte()
	if !ok || handshakeType != handshakeTypeHello {
		return nil
	}
	// handshake message length is a 3-byte big-endian integer
	msgLen, ok := r.uint24()
	if !ok {
		return nil
	}
	msg, ok := r.slice(int(msgLen))
	if !ok {
		return nil
	}

	mr := &reader{buf: msg}
	if !mr.skip(2) { // client_version
		return nil
	}
	if !mr.skip(32) { // random
		return nil
	}
	sessionIDLen, ok := mr.byte()
	if !ok || !mr.skip(int(sessionIDLen)) {
		return nil
	}
	cipherSuitesLen, ok := mr.uint16()
	if !ok || !mr.skip(int(cipherSuitesLen)) {
		return nil
	}
	compressionLen, ok := mr.byte()
	if !ok || !mr.skip(int(compressionLen)) {
		return nil
	}
	if mr.remaining() == 0 {
		// No extensions present; legal but has no SNI.
		return nil
	}
	extensionsLen, ok := mr.uint16()
	if !ok {
		return nil
	}
	extensions, ok := mr.slice(int(extensionsLen))
	if !ok {
		return nil
	}

	return parseExtensions(extensions)
}

func parseExtensions(buf []byte) []string {
	r := &reader{buf: buf}
	for r.remaining() > 0 {
		extType, ok := r.uint16()
		if !ok {
			return nil
		}
		extLen, ok := r.uint16()
		if !ok {
			return nil
		}
		extBody, ok := r.slice(int(extLen))
		if !ok {
			return nil
		}
		if extType == extensionServerName {
			return parseServerNameList(extBody)
		}
	}
	return nil
}

func parseServerNameList(buf []byte) []string {
	r := &reader{buf: buf}
	listLen, ok := r.uint16()
	if !ok {
		return nil
	}
	list, ok := r.slice(int(listLen))
	if !ok {
		return nil
	}

	lr := &reader{buf: list}
	var names []string
	for lr.remaining() > 0 {
		nameType, ok := lr.byte()
		if !ok {
			return nil
		}
		nameLen, ok := lr.uint16()
		if !ok {
			return nil
		}
		name, ok := lr.slice(int(nameLen))
		if !ok {
			return nil
		}
		if nameType == serverNameTypeHostname {
			names = append(names, string(name))
		}
	}
	return names
}

// reader is a tiny bounds-checked cursor over a byte slice. Every
// accessor returns ok=false instead of panicking on short input.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) byte() (byte, bool) {
	if r.remaining() < 1 {
		return 0, false
	}
	b := r.buf[r.pos]
	r.pos++
	return b, true
}

func (r *reader) uint16() (uint16, bool) {
	if r.remaining() < 2 {
		return 0, false
	}
	v := uint16(r.buf[r.pos])<<8 | uint16(r.buf[r.pos+1])
	r.pos += 2
	return v, true
}

func (r *reader) uint24() (uint32, bool) {
	if r.remaining() < 3 {
		return 0, false
	}
	v := uint32(r.buf[r.pos])<<16 | uint32(r.buf[r.pos+1])<<8 | uint32(r.buf[r.pos+2])
	r.pos += 3
	return v, true
}

func (r *reader) skip(n int) bool {
	if n < 0 || r.remaining() < n {
		return false
	}
	r.pos += n
	return true
}

func (r *reader) slice(n int) ([]byte, bool) {
	if n < 0 || r.remaining() < n {
		return nil, false
	}
	s := r.buf[r.pos : r.pos+n]
	r.pos += n
	return s, true
}
