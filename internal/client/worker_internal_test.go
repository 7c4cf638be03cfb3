package client

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/nc-tunnel/neck/internal/httpcodec"
	"github.com/nc-tunnel/neck/internal/neckstream"
	"github.com/nc-tunnel/neck/internal/neckurl"
	"github.com/nc-tunnel/neck/internal/tokenbucket"
)

// pipeConnector hands out one side of a net.Pipe per Connect call, keeping
// the other side for the fake-server half of the test.
type pipeConnector struct {
	serverSides chan net.Conn
}

func (p *pipeConnector) Connect(ctx context.Context) (*neckstream.Stream, error) {
	client, server := net.Pipe()
	p.serverSides <- server
	return neckstream.From(client), nil
}

func newTestClient(t *testing.T) (*NeckClient, *pipeConnector) {
	t.Helper()
	pc := &pipeConnector{serverSides: make(chan net.Conn, 4)}
	c := &NeckClient{
		url:       neckurl.Parse("example.com/tail"),
		workers:   1,
		bucket:    tokenbucket.New(4),
		connector: pc,
		events:    make(chan event, eventQueueCapacity),
		logger:    testLogger(),
	}
	return c, pc
}

func TestConnectAndJoinSendsUpgradeRequestAndAcceptsSwitchingProtocols(t *testing.T) {
	c, pc := newTestClient(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := connectAndJoin(ctx, c, c.logger)
		done <- err
	}()

	server := <-pc.serverSides
	sr := bufio.NewReader(server)
	line, err := sr.ReadString('\n')
	if err != nil {
		t.Fatalf("read request line: %v", err)
	}
	if line != "GET /tail HTTP/1.1\r\n" {
		t.Fatalf("unexpected request line: %q", line)
	}
	// Drain headers.
	for {
		l, err := sr.ReadString('\n')
		if err != nil {
			t.Fatalf("read header: %v", err)
		}
		if l == "\r\n" {
			break
		}
	}
	if _, err := server.Write([]byte("HTTP/1.1 101 Switching Protocols\r\n\r\n")); err != nil {
		t.Fatalf("write response: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("connectAndJoin returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("connectAndJoin did not return")
	}
}

func TestConnectAndJoinRejectsNonSwitchingStatus(t *testing.T) {
	c, pc := newTestClient(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := connectAndJoin(ctx, c, c.logger)
		done <- err
	}()

	server := <-pc.serverSides
	sr := bufio.NewReader(server)
	for {
		l, err := sr.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if l == "\r\n" {
			break
		}
	}
	server.Write([]byte("HTTP/1.1 403 Forbidden\r\n\r\n"))

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error for non-101 status")
		}
	case <-time.After(time.Second):
		t.Fatal("connectAndJoin did not return")
	}
}

func TestWaitUntilConnectAnswersPingThenReturnsConnect(t *testing.T) {
	client, server := net.Pipe()
	stream := neckstream.From(client)
	srv := neckstream.From(server)

	go func() {
		ping := &httpcodec.Message{A: "PING", B: "/", C: "HTTP/1.1"}
		w := srv.Writer()
		ping.WriteTo(w)
		srv.ReleaseWriter()

		res, err := httpcodec.Read(srv)
		if err != nil || res.B != "204" {
			t.Errorf("expected 204 PONG, got %+v err=%v", res, err)
		}

		connect := &httpcodec.Message{A: "CONNECT", B: "example.com:443", C: "HTTP/1.1"}
		w = srv.Writer()
		connect.WriteTo(w)
		srv.ReleaseWriter()
	}()

	req, err := waitUntilConnect(stream, testLogger())
	if err != nil {
		t.Fatalf("waitUntilConnect: %v", err)
	}
	if req.A != "CONNECT" || req.B != "example.com:443" {
		t.Fatalf("unexpected request: %+v", req)
	}
}
