package client

import (
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/n-talk/internal/config"
	"github.com/nishisan-dev/n-talk/internal/protocol"
)

// sinkListener aceita uma conexão e entrega para o handler.
func sinkListener(t *testing.T, handler func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handler(conn)
	}()
	return ln.Addr().String()
}

func discardConn(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			conn.Close()
			return
		}
	}
}

func TestRequestIDsStartAtOneAndIncrement(t *testing.T) {
	addr := sinkListener(t, discardConn)
	ep := newTestEndpoint(t, addr)

	first, err := ep.Register("alice", "Alice", "pw")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	second, err := ep.Login("alice", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	third, err := ep.SendMessage("private", "bob", "oi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if first != 1 || second != 2 || third != 3 {
		t.Errorf("request ids = %d, %d, %d; want 1, 2, 3", first, second, third)
	}
}

func TestPollPacketDeliversInOrder(t *testing.T) {
	addr := sinkListener(t, func(conn net.Conn) {
		for _, id := range []uint64{0, 7} {
			raw, _ := protocol.MarshalMeta(protocol.StatusMeta{Status: protocol.StatusOK})
			p := &protocol.Packet{Type: protocol.PacketUserListUpdate, RequestID: id, Meta: raw}
			if err := protocol.WritePacket(conn, p); err != nil {
				break
			}
		}
		// Segura a conexão aberta para o teste não depender do EOF.
		buf := make([]byte, 1)
		conn.Read(buf)
		conn.Close()
	})
	ep := newTestEndpoint(t, addr)

	var got []uint64
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < 2 && time.Now().Before(deadline) {
		if p := ep.PollPacket(); p != nil {
			got = append(got, p.RequestID)
			continue
		}
		time.Sleep(2 * time.Millisecond)
	}
	if len(got) != 2 || got[0] != 0 || got[1] != 7 {
		t.Errorf("received ids = %v, want [0 7]", got)
	}
}

func TestEndpointDiesOnInvalidMagic(t *testing.T) {
	addr := sinkListener(t, func(conn net.Conn) {
		garbage := make([]byte, protocol.HeaderSize)
		copy(garbage, "XXXX")
		conn.Write(garbage)
		buf := make([]byte, 1)
		conn.Read(buf)
		conn.Close()
	})
	ep := newTestEndpoint(t, addr)

	deadline := time.Now().Add(5 * time.Second)
	for ep.Running() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if ep.Running() {
		t.Fatal("endpoint should stop on invalid magic")
	}
	if ep.LastError() == "" {
		t.Error("LastError should describe the failure")
	}
}

func TestSendFailsWhenDisconnected(t *testing.T) {
	cfg := &config.ClientConfig{Server: config.ServerAddr{Address: "127.0.0.1:1"}, DataDir: t.TempDir()}
	ep := NewEndpoint(cfg, testLogger())

	if _, err := ep.SendMessage("private", "bob", "oi"); err == nil {
		t.Error("expected error before ConnectTo")
	}
}
