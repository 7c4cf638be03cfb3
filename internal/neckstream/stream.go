// Package neckstream provides a single duplex-stream type over both plain
// TCP and TLS-over-TCP connections, with the locking, peek, and weld
// semantics the reverse-tunnel core is built on.
package neckstream

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nc-tunnel/neck/internal/neckerr"
)

const readerBufSize = 10 * 1024 // 10 KiB, per spec §4.1

// Stream wraps a net.Conn (plain TCP or tls.Conn) with exclusively-locked
// read/write halves, cached peer/local addresses, and a reference to the
// underlying TCP socket when there is one.
//
// Only one goroutine may hold the write lock at a time; the read lock is
// held for the duration of one logical read (a header, a SOCKS5 message,
// or a weld copy loop).
type Stream struct {
	conn net.Conn
	tcp  *net.TCPConn // underlying socket; nil when conn is not TCP-backed (e.g. net.Pipe)

	peerAddr  net.Addr
	localAddr net.Addr

	rmu sync.Mutex
	r   *bufio.Reader

	wmu sync.Mutex
}

// From wraps an already-established net.Conn (TCP or TLS-over-TCP) in a
// Stream, recording its addresses and its underlying TCP socket
// (unwrapping a *tls.Conn to reach it).
func From(c net.Conn) *Stream {
	s := &Stream{
		conn:      c,
		peerAddr:  c.RemoteAddr(),
		localAddr: c.LocalAddr(),
		r:         bufio.NewReaderSize(c, readerBufSize),
	}
	s.tcp = underlyingTCP(c)
	return s
}

func underlyingTCP(c net.Conn) *net.TCPConn {
	switch v := c.(type) {
	case *net.TCPConn:
		return v
	case *tls.Conn:
		return underlyingTCP(v.NetConn())
	default:
		return nil
	}
}

// PeerAddr returns the remote endpoint's address.
func (s *Stream) PeerAddr() net.Addr { return s.peerAddr }

// LocalAddr returns the local endpoint's address.
func (s *Stream) LocalAddr() net.Addr { return s.localAddr }

// Reader locks and returns the buffered reader. Callers must call
// ReleaseReader when the logical read is complete.
func (s *Stream) Reader() *bufio.Reader {
	s.rmu.Lock()
	return s.r
}

// ReleaseReader releases the reader lock acquired by Reader.
func (s *Stream) ReleaseReader() { s.rmu.Unlock() }

// Writer locks the stream for writing and returns a writer bound to the
// underlying connection. Callers must call ReleaseWriter when done.
func (s *Stream) Writer() io.Writer {
	s.wmu.Lock()
	return s.conn
}

// ReleaseWriter releases the writer lock acquired by Writer.
func (s *Stream) ReleaseWriter() { s.wmu.Unlock() }

// Write is a convenience wrapper that locks, writes, and unlocks.
func (s *Stream) Write(b []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.Write(b)
}

// Shutdown initiates close of the underlying connection.
func (s *Stream) Shutdown() error {
	return s.conn.Close()
}

// ErrPingDue is returned by WaitIdle when its deadline elapses without any
// reader activity — time to send a liveness PING.
var ErrPingDue = fmt.Errorf("neck: idle interval elapsed")

// WaitIdle blocks up to d waiting for reader activity on an otherwise-idle
// stream: peer close, unsolicited data, or any other read error all
// indicate the stream is no longer fit to sit idle in the pool and are
// reported as neckerr.ErrClosedByPeer. If d elapses with no activity at
// all, WaitIdle returns ErrPingDue so the caller can send a keep-alive.
//
// This folds the pool supervisor's quick-EOF-check into the same Peek
// call as its periodic liveness wait: both the "peer already closed" and
// the "nothing happened for the PING interval" cases are outcomes of one
// deadlined Peek, rather than a blocking EOF check raced against a
// separate timer in two goroutines — the latter would leave the EOF-check
// goroutine parked on Peek indefinitely once the timer side wins the race.
func (s *Stream) WaitIdle(d time.Duration) error {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	if err := s.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return err
	}
	defer s.conn.SetReadDeadline(time.Time{})

	_, err := s.r.Peek(1)
	if err == nil {
		return neckerr.ErrClosedByPeer
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ErrPingDue
	}
	return fmt.Errorf("%w: %v", neckerr.ErrClosedByPeer, err)
}

// PeekRawTCP returns the next n bytes of the stream's buffered reader
// without consuming them, so the next read still sees them. For a TLS
// stream these are decrypted bytes; the raw TCP socket is not peeked.
func (s *Stream) PeekRawTCP(n int) ([]byte, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return s.r.Peek(n)
}

// Weld splices this stream and other bidirectionally: bytes read from
// self flow to other's writer and vice versa. It returns as soon as
// either direction reaches EOF or an error, closing both streams so the
// still-running copy unblocks — waiting for both directions to finish
// would hang forever against a half-closed HTTP client.
func (s *Stream) Weld(other *Stream) error {
	errCh := make(chan error, 2)

	cp := func(dst, src *Stream) {
		r := src.Reader()
		w := dst.Writer()
		_, err := io.Copy(w, r)
		dst.ReleaseWriter()
		src.ReleaseReader()
		errCh <- err
	}

	go cp(other, s)
	go cp(s, other)

	first := <-errCh
	_ = s.Shutdown()
	_ = other.Shutdown()
	return first
}
