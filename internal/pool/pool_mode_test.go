package pool_test

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/nc-tunnel/neck/internal/neckstream"
	"github.com/nc-tunnel/neck/internal/pool"
	"github.com/nc-tunnel/neck/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJoinRejectsBeyondCapacity(t *testing.T) {
	mgr := pool.NewPoolModeManager(1, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1, s1 := net.Pipe()
	c2, s2 := net.Pipe()
	defer s1.Close()
	defer s2.Close()

	go mgr.Join(ctx, neckstream.From(c1))
	time.Sleep(20 * time.Millisecond)
	if mgr.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", mgr.Len())
	}

	joined2 := make(chan struct{})
	go func() {
		mgr.Join(ctx, neckstream.From(c2))
		close(joined2)
	}()

	select {
	case <-joined2:
	case <-time.After(time.Second):
		t.Fatal("second Join over capacity never returned")
	}
	if mgr.Len() != 1 {
		t.Fatalf("Len() = %d after overflow join, want 1", mgr.Len())
	}
}

func TestConnectSendsConnectAndReturnsStreamOn200(t *testing.T) {
	mgr := pool.NewPoolModeManager(4, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, workerSide := net.Pipe()
	go mgr.Join(ctx, neckstream.From(client))
	time.Sleep(20 * time.Millisecond)

	sessions := session.NewManager()
	s := sessions.Create("https", "203.0.113.5:1234", "example.com:443")

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = mgr.Connect(ctx, s)
		close(done)
	}()

	r := bufio.NewReader(workerSide)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read request line: %v", err)
	}
	if line != "CONNECT example.com:443 HTTP/1.1\r\n" {
		t.Fatalf("unexpected request line: %q", line)
	}
	for {
		l, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read header: %v", err)
		}
		if l == "\r\n" {
			break
		}
	}
	workerSide.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	select {
	case <-done:
		if gotErr != nil {
			t.Fatalf("Connect returned error: %v", gotErr)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect did not return")
	}
}

func TestConnectReturnsBadGatewayWhenPoolEmpty(t *testing.T) {
	mgr := pool.NewPoolModeManager(4, discardLogger())
	ctx := context.Background()
	sessions := session.NewManager()
	s := sessions.Create("https", "203.0.113.5:1234", "example.com:443")

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Connect(ctx, s)
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected BadGateway error for empty pool")
		}
	case <-time.After(7 * time.Second):
		t.Fatal("Connect did not return within take() deadline")
	}
}

func TestDirectModeManagerConnectsDirectly(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	mgr := pool.NewDirectModeManager(discardLogger())
	if mgr.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", mgr.Len())
	}

	sessions := session.NewManager()
	s := sessions.Create("https", "203.0.113.5:1234", ln.Addr().String())
	stream, err := mgr.Connect(context.Background(), s)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	stream.Shutdown()
}
