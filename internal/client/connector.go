// Package client implements the reverse-tunnel client: dialing the server,
// completing the JOIN handshake, and servicing CONNECT requests sent back
// over the joined stream (spec §4.4, §4.6, §4.7).
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/nc-tunnel/neck/internal/neckerr"
	"github.com/nc-tunnel/neck/internal/neckstream"
)

const (
	keepAliveIdle     = 4 * time.Second
	keepAliveInterval = 1 * time.Second
	keepAliveRetries  = 4
)

// Connector opens a new stream to the server.
type Connector interface {
	Connect(ctx context.Context) (*neckstream.Stream, error)
}

// TCPConnector dials plain TCP with OS keep-alive tuned for a long-lived
// idle worker connection.
type TCPConnector struct {
	Addr string
}

// Connect dials Addr and enables OS keep-alive before returning the stream.
func (c *TCPConnector) Connect(ctx context.Context) (*neckstream.Stream, error) {
	conn, err := dialWithKeepAlive(ctx, c.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", neckerr.ErrConnect, err)
	}
	return neckstream.From(conn), nil
}

// TLSConnector dials TCP as TCPConnector does, then performs a TLS
// handshake against Domain (defaulting to the URL's hostname).
type TLSConnector struct {
	Addr   string
	Domain string
}

// Connect dials Addr, enables keep-alive, then upgrades to TLS against Domain.
func (c *TLSConnector) Connect(ctx context.Context) (*neckstream.Stream, error) {
	conn, err := dialWithKeepAlive(ctx, c.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", neckerr.ErrConnect, err)
	}

	tlsConn := tls.Client(conn, &tls.Config{ServerName: c.Domain})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: tls handshake: %v", neckerr.ErrConnect, err)
	}
	return neckstream.From(tlsConn), nil
}

func dialWithKeepAlive(ctx context.Context, addr string) (*net.TCPConn, error) {
	dialer := &net.Dialer{
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     keepAliveIdle,
			Interval: keepAliveInterval,
			Count:    keepAliveRetries,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}
