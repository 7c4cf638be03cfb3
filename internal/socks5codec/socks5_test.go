package socks5codec_test

import (
	"bytes"
	"net"
	"testing"

	"github.com/nc-tunnel/neck/internal/socks5codec"
)

func TestReadGreetingNoAuth(t *testing.T) {
	in := bytes.NewReader([]byte{0x05, 0x01, 0x00})
	if err := socks5codec.ReadGreeting(in); err != nil {
		t.Fatalf("ReadGreeting: %v", err)
	}
}

func TestReadRequestIPv4Connect(t *testing.T) {
	// VER CMD RSV ATYP 192.0.2.1 8080
	in := bytes.NewReader([]byte{0x05, 0x01, 0x00, 0x01, 192, 0, 2, 1, 0x1F, 0x90})
	cmd, addr, err := socks5codec.ReadRequest(in)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if cmd != socks5codec.CmdConnect {
		t.Fatalf("expected CONNECT, got %d", cmd)
	}
	if addr.HostPort() != "192.0.2.1:8080" {
		t.Fatalf("unexpected addr %q", addr.HostPort())
	}
}

func TestReadRequestDomain(t *testing.T) {
	domain := "example.com"
	buf := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	buf = append(buf, domain...)
	buf = append(buf, 0x01, 0xBB)
	_, addr, err := socks5codec.ReadRequest(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if addr.HostPort() != "example.com:443" {
		t.Fatalf("unexpected addr %q", addr.HostPort())
	}
}

func TestWriteReplyEchoesRequestAddr(t *testing.T) {
	addr := socks5codec.Addr{Type: socks5codec.AddrIPv4, IP: net.IPv4(192, 0, 2, 1), Port: 8080}
	var buf bytes.Buffer
	if err := socks5codec.WriteReply(&buf, socks5codec.ReplySucceeded, addr); err != nil {
		t.Fatalf("WriteReply: %v", err)
	}
	want := []byte{0x05, 0x00, 0x00, 0x01, 192, 0, 2, 1, 0x1F, 0x90}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("got % x, want % x", buf.Bytes(), want)
	}
}

func TestReadRequestUnsupportedCommand(t *testing.T) {
	// BIND (action=2)
	in := bytes.NewReader([]byte{0x05, 0x02, 0x00, 0x01, 192, 0, 2, 1, 0x1F, 0x90})
	cmd, _, err := socks5codec.ReadRequest(in)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if cmd == socks5codec.CmdConnect {
		t.Fatal("expected non-CONNECT command")
	}
}
