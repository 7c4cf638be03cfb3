// Package server wires the pool manager, session registry, dispatcher,
// and admin dashboard into one listening NeckServer (spec §1, grounded on
// original_source/src/server/neck_server.rs).
package server

import (
	"context"
	"log/slog"
	"net"
	"strconv"

	"go.uber.org/atomic"

	"github.com/nc-tunnel/neck/internal/dispatch"
	"github.com/nc-tunnel/neck/internal/pool"
	"github.com/nc-tunnel/neck/internal/session"
)

const defaultAddr = "0.0.0.0:1081"

// FixAddr applies the server's address defaulting rule: an empty string
// becomes defaultAddr, and a bare port number is promoted to
// "0.0.0.0:<port>".
func FixAddr(addr string) string {
	if addr == "" {
		return defaultAddr
	}
	if port, err := strconv.Atoi(addr); err == nil {
		return net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
	}
	return addr
}

// NeckServer owns the listening socket and the managers every accepted
// connection is dispatched against.
type NeckServer struct {
	Addr       string
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger

	boundAddr atomic.String
}

// New builds a NeckServer from its constituent managers, wiring an
// optional dashboard handler into the dispatcher.
func New(addr string, manager pool.Manager, sessions *session.Manager, dashboard dispatch.Handler, logger *slog.Logger) *NeckServer {
	return &NeckServer{
		Addr: FixAddr(addr),
		Dispatcher: &dispatch.Dispatcher{
			Manager:   manager,
			Sessions:  sessions,
			Dashboard: dashboard,
			Logger:    logger,
		},
		Logger: logger,
	}
}

// Start binds the listening address and serves until ctx is cancelled,
// returning nil then. A bind failure is returned at once; accept errors
// are logged and the accept loop continues.
func (s *NeckServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.boundAddr.Store(ln.Addr().String())
	s.Logger.Info("neck server listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.Logger.Error("accept failed", "error", err)
			continue
		}
		go s.Dispatcher.Handle(ctx, conn)
	}
}

// ListenAddr returns the actual bound address once Start has completed its
// listen call, or "" beforehand.
func (s *NeckServer) ListenAddr() string {
	return s.boundAddr.Load()
}
