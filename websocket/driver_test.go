package websocket

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

// runDriverTestPeer plays the client side of a handshake-then-echo
// exchange directly over conn, bypassing Engine/Driver entirely so the
// test stays an honest end-to-end check of the server side.
func runDriverTestPeer(conn net.Conn, done chan<- error) {
	req, key := buildClientHandshakeRequest("example.com", 80, "/", nil)
	if _, err := conn.Write(req); err != nil {
		done <- err
		return
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		done <- err
		return
	}
	resp := string(buf[:n])
	if !strings.HasPrefix(resp, "HTTP/1.1 101") {
		done <- fmt.Errorf("unexpected response: %q", resp)
		return
	}
	if want := computeAcceptKey(key); !strings.Contains(resp, want) {
		done <- fmt.Errorf("accept key %q missing from response %q", want, resp)
		return
	}

	frame := encodeFrame(OpcodeText, []byte("ping from peer"), true, true, false, false, false)
	if _, err := conn.Write(frame); err != nil {
		done <- err
		return
	}

	n, err = conn.Read(buf)
	if err != nil {
		done <- err
		return
	}
	h, err := decodeHeader(buf[:n], RoleClient)
	if err != nil {
		done <- err
		return
	}
	payload := decodePayload(buf[:n], h)
	if string(payload) != "ping from peer" {
		done <- fmt.Errorf("expected echoed payload, got %q", payload)
		return
	}
	done <- nil
}

// TestDriver_HandshakeAcceptAndEcho runs a full server Engine through a
// real Driver event loop over a net.Pipe connection: handshake, Accept
// dispatched from the event consumer, and a message echoed back.
func TestDriver_HandshakeAcceptAndEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	driver := NewDriver(DriverOptions{})
	go driver.Run(ctx)

	serverConn, peerConn := net.Pipe()
	e := NewServerEngine(serverConn, "peer", nil, EngineOptions{})
	driver.Register(e)

	peerDone := make(chan error, 1)
	go runDriverTestPeer(peerConn, peerDone)

	appDone := make(chan struct{})
	go func() {
		for {
			select {
			case ev := <-driver.Events():
				switch ev.Code {
				case EventNewConnection:
					driver.Accept(ev.Index, "")
				case EventRead:
					driver.Write(ev.Index, ev.Payload, ev.Opcode, true)
				}
			case <-appDone:
				return
			}
		}
	}()
	defer close(appDone)

	select {
	case err := <-peerDone:
		if err != nil {
			t.Fatalf("peer exchange failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for handshake/echo exchange")
	}
}

// TestDriver_RegisterAssignsMonotonicIndices checks each Register call
// gets a distinct, increasing connection index.
func TestDriver_RegisterAssignsMonotonicIndices(t *testing.T) {
	driver := NewDriver(DriverOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go driver.Run(ctx)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	e1 := NewServerEngine(a, "peer1", nil, EngineOptions{})
	idx1 := driver.Register(e1)

	c, d := net.Pipe()
	defer c.Close()
	defer d.Close()
	e2 := NewServerEngine(c, "peer2", nil, EngineOptions{})
	idx2 := driver.Register(e2)

	if idx2 <= idx1 {
		t.Errorf("expected idx2 (%d) > idx1 (%d)", idx2, idx1)
	}
}
