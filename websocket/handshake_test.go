package websocket

import (
	"net/http"
	"strings"
	"testing"
)

// TestComputeAcceptKey checks the worked example from RFC 6455 Section 1.3.
func TestComputeAcceptKey(t *testing.T) {
	got := computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Errorf("computeAcceptKey() = %q, want %q", got, want)
	}
}

// TestParseServerHandshakeRequest_Valid exercises the success path of
// the server-side validation.
func TestParseServerHandshakeRequest_Valid(t *testing.T) {
	block := strings.Join([]string{
		"GET /chat HTTP/1.1",
		"Host: example.com",
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version: 13",
		"Sec-WebSocket-Protocol: chat, superchat",
		"",
	}, "\r\n")

	hs, code, err := parseServerHandshakeRequest(block, []string{"superchat"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != http.StatusSwitchingProtocols {
		t.Errorf("expected 101, got %d", code)
	}
	if hs.key != "dGhlIHNhbXBsZSBub25jZQ==" {
		t.Errorf("unexpected key: %q", hs.key)
	}
	if hs.protocol != "superchat" {
		t.Errorf("expected negotiated protocol 'superchat', got %q", hs.protocol)
	}
}

// TestParseServerHandshakeRequest_Rejections checks each failure
// branch maps to the HTTP status code it should (RFC 6455 Section 4.2.1).
func TestParseServerHandshakeRequest_Rejections(t *testing.T) {
	base := map[string]string{
		"Host":                  "example.com",
		"Upgrade":               "websocket",
		"Connection":            "Upgrade",
		"Sec-WebSocket-Key":     "dGhlIHNhbXBsZSBub25jZQ==",
		"Sec-WebSocket-Version": "13",
	}

	buildRequest := func(method string, overrides map[string]string) string {
		headers := map[string]string{}
		for k, v := range base {
			headers[k] = v
		}
		for k, v := range overrides {
			if v == "" {
				delete(headers, k)
			} else {
				headers[k] = v
			}
		}
		lines := []string{method + " /ws HTTP/1.1"}
		for k, v := range headers {
			lines = append(lines, k+": "+v)
		}
		lines = append(lines, "")
		return strings.Join(lines, "\r\n")
	}

	cases := []struct {
		name     string
		method   string
		override map[string]string
		wantCode int
	}{
		{"missing host", "GET", map[string]string{"Host": ""}, http.StatusBadRequest},
		{"missing upgrade", "GET", map[string]string{"Upgrade": ""}, http.StatusBadRequest},
		{"wrong upgrade value", "GET", map[string]string{"Upgrade": "h2c"}, http.StatusBadRequest},
		{"missing connection", "GET", map[string]string{"Connection": ""}, http.StatusBadRequest},
		{"missing key", "GET", map[string]string{"Sec-WebSocket-Key": ""}, http.StatusBadRequest},
		{"wrong version", "GET", map[string]string{"Sec-WebSocket-Version": "8"}, http.StatusUpgradeRequired},
		{"wrong method", "POST", nil, http.StatusMethodNotAllowed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			block := buildRequest(tc.method, tc.override)
			_, code, err := parseServerHandshakeRequest(block, nil)
			if err == nil {
				t.Fatal("expected an error")
			}
			if code != tc.wantCode {
				t.Errorf("expected status %d, got %d (err=%v)", tc.wantCode, code, err)
			}
		})
	}
}

// TestNegotiateProtocol checks the client's preference order wins over
// the server's listed order (RFC 6455 Section 1.9).
func TestNegotiateProtocol(t *testing.T) {
	got := negotiateProtocol("chat, superchat", []string{"superchat", "chat"})
	if got != "chat" {
		t.Errorf("expected 'chat' (client's first preference), got %q", got)
	}

	if got := negotiateProtocol("", []string{"chat"}); got != "" {
		t.Errorf("expected no negotiation with empty client header, got %q", got)
	}
	if got := negotiateProtocol("chat", nil); got != "" {
		t.Errorf("expected no negotiation with no server protocols, got %q", got)
	}
}

// TestBuildClientHandshakeRequest_RoundTrip builds a request and parses
// it back with the server-side parser, as a sanity cross-check between
// the two halves of the codec.
func TestBuildClientHandshakeRequest_RoundTrip(t *testing.T) {
	req, key := buildClientHandshakeRequest("example.com", 80, "/chat", []string{"chat"})

	block := string(req)
	idx := findHandshakeTerminator([]byte(block))
	if idx < 0 {
		t.Fatal("request missing terminator")
	}

	hs, code, err := parseServerHandshakeRequest(block[:idx], []string{"chat"})
	if err != nil {
		t.Fatalf("server rejected client's own request: %v (code %d)", err, code)
	}
	if hs.key != key {
		t.Errorf("expected key %q, got %q", key, hs.key)
	}
	if hs.protocol != "chat" {
		t.Errorf("expected protocol 'chat', got %q", hs.protocol)
	}
}

// TestParseClientHandshakeResponse_Accepted covers a 101 response.
func TestParseClientHandshakeResponse_Accepted(t *testing.T) {
	acceptKey := computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	resp := buildSwitchingProtocolsResponse(acceptKey, "chat", "wsrelay")

	block := string(resp)
	idx := findHandshakeTerminator([]byte(block))
	parsed, err := parseClientHandshakeResponse(block[:idx])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.status != 101 {
		t.Errorf("expected status 101, got %d", parsed.status)
	}
	if got := parsed.headers.Get("Sec-WebSocket-Accept"); got != acceptKey {
		t.Errorf("expected accept key %q, got %q", acceptKey, got)
	}
}

// TestFindHandshakeTerminator covers the boundary-scan used by the
// Engine's read pipeline to detect the end of the header block.
func TestFindHandshakeTerminator(t *testing.T) {
	if idx := findHandshakeTerminator([]byte("GET / HTTP/1.1\r\nHost: x\r\n")); idx != -1 {
		t.Errorf("expected -1 for incomplete block, got %d", idx)
	}

	block := "GET / HTTP/1.1\r\nHost: x\r\n\r\ntrailing-bytes"
	idx := findHandshakeTerminator([]byte(block))
	if idx < 0 {
		t.Fatal("expected terminator to be found")
	}
	if block[idx:] != "trailing-bytes" {
		t.Errorf("expected trailing bytes 'trailing-bytes', got %q", block[idx:])
	}
}
