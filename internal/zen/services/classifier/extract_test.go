package classifier

import (
	"bytes"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// clientHello builds a minimal TLS ClientHello record with the given SNI,
// preceded by an unrelated extension so extraction has to walk.
func clientHello(host string) []byte {
	var body []byte
	body = append(body, 3, 3)                         // client version
	body = append(body, make([]byte, 32)...)          // random
	body = append(body, 0)                            // session id length
	body = append(body, 0, 4, 0x13, 0x01, 0x13, 0x02) // cipher suites
	body = append(body, 1, 0)                         // compression methods

	name := []byte(host)
	entry := append([]byte{0, byte(len(name) >> 8), byte(len(name))}, name...)
	list := append([]byte{byte(len(entry) >> 8), byte(len(entry))}, entry...)
	sni := append([]byte{0, 0, byte(len(list) >> 8), byte(len(list))}, list...)
	exts := append([]byte{0, 0x0a, 0, 2, 0, 0x1d}, sni...) // supported_groups first
	body = append(body, byte(len(exts)>>8), byte(len(exts)))
	body = append(body, exts...)

	hs := append([]byte{1, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}, body...)
	return append([]byte{22, 3, 1, byte(len(hs) >> 8), byte(len(hs))}, hs...)
}

func TestTLSSNI_WellFormed(t *testing.T) {
	got, ok := tlsSNI(clientHello("feed.social.example"))
	if !ok || got != "feed.social.example" {
		t.Fatalf("tlsSNI = %q, %v; want feed.social.example", got, ok)
	}
}

func TestTLSSNI_TruncationNeverPanics(t *testing.T) {
	full := clientHello("feed.social.example")
	for i := 0; i < len(full); i++ {
		prefix := append([]byte{}, full[:i]...)
		if got, ok := tlsSNI(prefix); ok {
			t.Fatalf("truncation at %d extracted %q", i, got)
		}
		if i < 5 {
			continue
		}
		// Re-frame the record to claim exactly the truncated bytes so the
		// handshake walk itself runs against the cut.
		prefix[3] = byte((i - 5) >> 8)
		prefix[4] = byte(i - 5)
		if got, ok := tlsSNI(prefix); ok {
			t.Fatalf("reframed truncation at %d extracted %q", i, got)
		}
	}
}

func TestTLSSNI_Malformed(t *testing.T) {
	full := clientHello("social.example")
	notHandshake := append([]byte{}, full...)
	notHandshake[0] = 23 // application data

	notClientHello := append([]byte{}, full...)
	notClientHello[5] = 2 // ServerHello

	lyingSessionID := append([]byte{}, full...)
	lyingSessionID[43] = 0xFF // session id length past the record

	cases := map[string][]byte{
		"empty":              nil,
		"not tls":            []byte("GET / HTTP/1.1\r\n"),
		"not handshake":      notHandshake,
		"not clienthello":    notClientHello,
		"lying session id":   lyingSessionID,
		"record header only": full[:5],
	}
	for name, payload := range cases {
		if got, ok := tlsSNI(payload); ok {
			t.Errorf("%s: extracted %q from malformed input", name, got)
		}
	}
}

func TestTLSSNI_NoServerName(t *testing.T) {
	// A hello whose only extension is supported_groups.
	var body []byte
	body = append(body, 3, 3)
	body = append(body, make([]byte, 32)...)
	body = append(body, 0)
	body = append(body, 0, 2, 0x13, 0x01)
	body = append(body, 1, 0)
	exts := []byte{0, 0x0a, 0, 2, 0, 0x1d}
	body = append(body, byte(len(exts)>>8), byte(len(exts)))
	body = append(body, exts...)
	hs := append([]byte{1, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}, body...)
	rec := append([]byte{22, 3, 1, byte(len(hs) >> 8), byte(len(hs))}, hs...)

	if got, ok := tlsSNI(rec); ok {
		t.Errorf("extracted %q from a hello without server_name", got)
	}
}

func TestHTTPHost(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    string
		ok      bool
	}{
		{"plain", "GET / HTTP/1.1\r\nHost: social.example\r\nAccept: */*\r\n\r\n", "social.example", true},
		{"port stripped", "GET / HTTP/1.1\r\nHost: social.example:8080\r\n\r\n", "social.example", true},
		{"case insensitive", "POST /api HTTP/1.0\r\nhost: Social.Example\r\n\r\n", "Social.Example", true},
		{"ipv6 literal", "GET / HTTP/1.1\r\nHost: [2001:db8::1]:8080\r\n\r\n", "[2001:db8::1]", true},
		{"no host header", "GET / HTTP/1.1\r\nAccept: */*\r\n\r\n", "", false},
		{"response not request", "HTTP/1.1 200 OK\r\nHost: social.example\r\n\r\n", "", false},
		{"not http", "\x16\x03\x01junk", "", false},
		{"empty host value", "GET / HTTP/1.1\r\nHost: \r\n\r\n", "", false},
		{"host after body cut", "GET / HTTP/1.1\r\n\r\nHost: social.example\r\n", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := httpHost([]byte(tc.payload))
			if ok != tc.ok || got != tc.want {
				t.Errorf("httpHost = %q, %v; want %q, %v", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func serializeDNS(t testing.TB, dns *layers.DNS) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	if err := dns.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}); err != nil {
		t.Fatalf("serializing dns: %v", err)
	}
	return buf.Bytes()
}

func dnsQueryBytes(t testing.TB, qname string) []byte {
	t.Helper()
	return serializeDNS(t, &layers.DNS{
		ID: 0x1234,
		RD: true,
		Questions: []layers.DNSQuestion{{
			Name:  []byte(qname),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
		}},
	})
}

func TestDNSQuery_UDP(t *testing.T) {
	name, response, ok := dnsQuery(dnsQueryBytes(t, "social.example"), false)
	if !ok || response || name != "social.example" {
		t.Fatalf("dnsQuery = %q, %v, %v", name, response, ok)
	}
}

func TestDNSQuery_ResponseFlagged(t *testing.T) {
	msg := &layers.DNS{
		ID: 0x1234,
		QR: true,
		Questions: []layers.DNSQuestion{{
			Name:  []byte("social.example"),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
		}},
	}
	_, response, ok := dnsQuery(serializeDNS(t, msg), false)
	if !ok || !response {
		t.Fatalf("response not flagged: %v, %v", response, ok)
	}
}

func TestDNSQuery_OverTCP(t *testing.T) {
	raw := dnsQueryBytes(t, "social.example")
	framed := append([]byte{byte(len(raw) >> 8), byte(len(raw))}, raw...)

	name, response, ok := dnsQuery(framed, true)
	if !ok || response || name != "social.example" {
		t.Fatalf("dnsQuery over tcp = %q, %v, %v", name, response, ok)
	}

	for _, bad := range [][]byte{
		nil,
		{0x00},
		{0x00, 0x00},           // zero message length
		framed[:len(framed)-1], // truncated message
	} {
		if _, _, ok := dnsQuery(bad, true); ok {
			t.Errorf("parsed malformed tcp frame %v", bad)
		}
	}
}

func TestDNSQuery_Garbage(t *testing.T) {
	if _, _, ok := dnsQuery(bytes.Repeat([]byte{0xFF}, 3), false); ok {
		t.Error("parsed garbage as dns")
	}
}
