package dispatch_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/nc-tunnel/neck/internal/dispatch"
	"github.com/nc-tunnel/neck/internal/neckerr"
	"github.com/nc-tunnel/neck/internal/neckstream"
	"github.com/nc-tunnel/neck/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeManager is a pool.Manager test double whose Connect result is fixed
// per test.
type fakeManager struct {
	upstream net.Conn
	err      error
	joined   chan *neckstream.Stream
}

func (f *fakeManager) Len() int { return 0 }

func (f *fakeManager) Join(ctx context.Context, stream *neckstream.Stream) {
	if f.joined != nil {
		f.joined <- stream
		return
	}
	stream.Shutdown()
}

func (f *fakeManager) Connect(ctx context.Context, s *session.Session) (*neckstream.Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return neckstream.From(f.upstream), nil
}

func newDispatcher(mgr *fakeManager) *dispatch.Dispatcher {
	return &dispatch.Dispatcher{
		Manager:  mgr,
		Sessions: session.NewManager(),
		Logger:   discardLogger(),
	}
}

func TestHandleConnectTunnelsOn200(t *testing.T) {
	upstream, upstreamPeer := net.Pipe()
	mgr := &fakeManager{upstream: upstream}
	d := newDispatcher(mgr)

	client, requester := net.Pipe()
	go d.Handle(context.Background(), requester)

	go func() {
		client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
	}()

	cr := bufio.NewReader(client)
	line, err := cr.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if line != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("unexpected status line: %q", line)
	}
	for {
		l, err := cr.ReadString('\n')
		if err != nil {
			t.Fatalf("read header: %v", err)
		}
		if l == "\r\n" {
			break
		}
	}

	client.Write([]byte("ping"))
	buf := make([]byte, 4)
	upstreamPeer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(upstreamPeer, buf); err != nil {
		t.Fatalf("expected welded bytes at upstream: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("unexpected welded payload: %q", buf)
	}
}

func TestHandleConnectReturns502WhenPoolExhausted(t *testing.T) {
	mgr := &fakeManager{err: neckerr.ErrBadGateway}
	d := newDispatcher(mgr)

	client, requester := net.Pipe()
	go d.Handle(context.Background(), requester)

	go client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))

	cr := bufio.NewReader(client)
	line, err := cr.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if line != "HTTP/1.1 502 Bad Gateway\r\n" {
		t.Fatalf("unexpected status line: %q", line)
	}
}

func TestHandleConnectReturns503OnUpstreamFailure(t *testing.T) {
	mgr := &fakeManager{err: neckerr.ServiceUnavailable("dial refused")}
	d := newDispatcher(mgr)

	client, requester := net.Pipe()
	go d.Handle(context.Background(), requester)

	go client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))

	cr := bufio.NewReader(client)
	line, err := cr.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if line != "HTTP/1.1 503 Service Unavailable\r\n" {
		t.Fatalf("unexpected status line: %q", line)
	}
	for {
		l, err := cr.ReadString('\n')
		if err != nil || l == "\r\n" {
			break
		}
	}
	body, _ := io.ReadAll(cr)
	if string(body) != "dial refused" {
		t.Fatalf("expected bare upstream message as body, got %q", body)
	}
}

func TestHandleJoinUpgradesAndHandsOffToManager(t *testing.T) {
	joined := make(chan *neckstream.Stream, 1)
	mgr := &fakeManager{joined: joined}
	d := newDispatcher(mgr)

	client, requester := net.Pipe()
	go d.Handle(context.Background(), requester)

	go client.Write([]byte("GET /join HTTP/1.1\r\nHost: neck\r\nConnection: Upgrade\r\nUpgrade: neck\r\n\r\n"))

	cr := bufio.NewReader(client)
	line, err := cr.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if line != "HTTP/1.1 101 Switching Protocols\r\n" {
		t.Fatalf("unexpected status line: %q", line)
	}

	select {
	case s := <-joined:
		if s == nil {
			t.Fatal("expected non-nil stream handed to manager")
		}
	case <-time.After(time.Second):
		t.Fatal("manager never received joined stream")
	}
}

func TestHandleHTTPProxyStripsProxyConnectionAndForwards(t *testing.T) {
	upstream, upstreamPeer := net.Pipe()
	mgr := &fakeManager{upstream: upstream}
	d := newDispatcher(mgr)

	client, requester := net.Pipe()
	go d.Handle(context.Background(), requester)

	go client.Write([]byte("GET http://example.com:80/index.html HTTP/1.1\r\nHost: example.com\r\nProxy-Connection: keep-alive\r\n\r\n"))

	ur := bufio.NewReader(upstreamPeer)
	line, err := ur.ReadString('\n')
	if err != nil {
		t.Fatalf("read forwarded request line: %v", err)
	}
	if line != "GET /index.html HTTP/1.1\r\n" {
		t.Fatalf("unexpected forwarded request line: %q", line)
	}
	sawProxyConnection := false
	for {
		l, err := ur.ReadString('\n')
		if err != nil {
			t.Fatalf("read forwarded header: %v", err)
		}
		if l == "\r\n" {
			break
		}
		if l == "Proxy-Connection:keep-alive\r\n" {
			sawProxyConnection = true
		}
	}
	if sawProxyConnection {
		t.Fatal("Proxy-Connection header was forwarded upstream")
	}
}

func TestHandleSocks5ConnectRepliesSucceeded(t *testing.T) {
	upstream, _ := net.Pipe()
	mgr := &fakeManager{upstream: upstream}
	d := newDispatcher(mgr)

	client, requester := net.Pipe()
	go d.Handle(context.Background(), requester)

	go func() {
		client.Write([]byte{0x05, 0x01, 0x00})
		buf := make([]byte, 2)
		io.ReadFull(client, buf)
		client.Write([]byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x00, 0x50})
	}()

	reply := make([]byte, 10)
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != 0x00 {
		t.Fatalf("reply code = %d, want 0 (succeeded)", reply[1])
	}
}

func TestHandleSocks5RejectsUnsupportedCommand(t *testing.T) {
	mgr := &fakeManager{err: errors.New("unused")}
	d := newDispatcher(mgr)

	client, requester := net.Pipe()
	go d.Handle(context.Background(), requester)

	go func() {
		client.Write([]byte{0x05, 0x01, 0x00})
		buf := make([]byte, 2)
		io.ReadFull(client, buf)
		client.Write([]byte{0x05, 0x02, 0x00, 0x01, 93, 184, 216, 34, 0x00, 0x50})
	}()

	reply := make([]byte, 10)
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != 0x07 {
		t.Fatalf("reply code = %d, want 7 (command not supported)", reply[1])
	}
}
