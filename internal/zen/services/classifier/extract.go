package classifier

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// dnsQuery decodes a DNS message from payload. overTCP strips the 2-byte
// length prefix DNS-over-TCP carries before the message. Returns the first
// question name for queries; response is true for answers (QR=1), which are
// never matched. ok is false when the payload is not a parseable DNS message.
func dnsQuery(payload []byte, overTCP bool) (name string, response, ok bool) {
	if overTCP {
		if len(payload) < 2 {
			return "", false, false
		}
		msgLen := int(binary.BigEndian.Uint16(payload[:2]))
		if msgLen == 0 || len(payload) < 2+msgLen {
			return "", false, false
		}
		payload = payload[2 : 2+msgLen]
	}
	var msg layers.DNS
	if err := msg.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return "", false, false
	}
	if msg.QR {
		return "", true, true
	}
	if len(msg.Questions) == 0 {
		return "", false, false
	}
	return string(msg.Questions[0].Name), false, true
}

// tlsSNI walks a TLS ClientHello for the server_name extension: record type
// 22, handshake type 1, then past version, random, session ID, cipher
// suites, and compression methods to the extension list. Every length field
// is bounds-checked; truncated or lying input returns ok=false, never
// panics.
func tlsSNI(payload []byte) (string, bool) {
	if len(payload) < 5 || payload[0] != 22 {
		return "", false
	}
	recLen := int(binary.BigEndian.Uint16(payload[3:5]))
	if len(payload) < 5+recLen {
		return "", false
	}
	hs := payload[5 : 5+recLen]
	if len(hs) < 4 || hs[0] != 1 {
		return "", false
	}

	p := 4 + 2 + 32 // handshake header, client version, random
	if p >= len(hs) {
		return "", false
	}
	p += 1 + int(hs[p]) // session ID
	if p+2 > len(hs) {
		return "", false
	}
	p += 2 + int(binary.BigEndian.Uint16(hs[p:p+2])) // cipher suites
	if p >= len(hs) {
		return "", false
	}
	p += 1 + int(hs[p]) // compression methods
	if p+2 > len(hs) {
		return "", false
	}

	extEnd := p + 2 + int(binary.BigEndian.Uint16(hs[p:p+2]))
	p += 2
	if extEnd > len(hs) {
		extEnd = len(hs)
	}
	for p+4 <= extEnd {
		extType := binary.BigEndian.Uint16(hs[p : p+2])
		extLen := int(binary.BigEndian.Uint16(hs[p+2 : p+4]))
		p += 4
		if extType != 0 { // server_name
			p += extLen
			continue
		}
		if p+2 > len(hs) {
			return "", false
		}
		listEnd := p + 2 + int(binary.BigEndian.Uint16(hs[p:p+2]))
		if listEnd > len(hs) {
			listEnd = len(hs)
		}
		for q := p + 2; q+3 <= listEnd; {
			nameType := hs[q]
			nameLen := int(binary.BigEndian.Uint16(hs[q+1 : q+3]))
			q += 3
			if q+nameLen > len(hs) {
				return "", false
			}
			if nameType == 0 { // host_name
				return string(hs[q : q+nameLen]), true
			}
			q += nameLen
		}
		return "", false
	}
	return "", false
}

// httpHost scans a plaintext HTTP request head for the Host header. The
// first line must look like a request line; the header value is returned
// without any port suffix.
func httpHost(payload []byte) (string, bool) {
	head := payload
	if i := bytes.Index(head, []byte("\r\n\r\n")); i >= 0 {
		head = head[:i]
	}
	lines := bytes.Split(head, []byte("\r\n"))
	if !httpRequestLine(lines[0]) {
		return "", false
	}
	for _, line := range lines[1:] {
		if len(line) < 6 || !strings.EqualFold(string(line[:5]), "host:") {
			continue
		}
		host := stripPort(strings.TrimSpace(string(line[5:])))
		if host == "" {
			return "", false
		}
		return host, true
	}
	return "", false
}

// httpRequestLine reports whether line has the METHOD SP TARGET SP HTTP/x
// shape.
func httpRequestLine(line []byte) bool {
	parts := bytes.Split(line, []byte(" "))
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return false
	}
	return bytes.HasPrefix(parts[2], []byte("HTTP/"))
}

// stripPort removes a trailing :port from a Host header value, leaving
// bracketed IPv6 literals intact.
func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i > strings.LastIndexByte(host, ']') {
		return host[:i]
	}
	return host
}
