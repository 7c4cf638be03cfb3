// Package dispatch implements the server's per-connection request
// dispatcher: protocol sniffing, the HTTP/SOCKS5/JOIN/admin handlers, and
// the upstream-acquisition glue shared by all of them (spec §4.9).
package dispatch

import (
	"context"
	"log/slog"
	"net"

	uuid "github.com/satori/go.uuid"

	"github.com/nc-tunnel/neck/internal/httpcodec"
	"github.com/nc-tunnel/neck/internal/neckerr"
	"github.com/nc-tunnel/neck/internal/neckstream"
	"github.com/nc-tunnel/neck/internal/pool"
	"github.com/nc-tunnel/neck/internal/session"
)

// Dispatcher routes each accepted connection to the right protocol
// handler and wires it to the pool manager and session registry.
type Dispatcher struct {
	Manager   pool.Manager
	Sessions  *session.Manager
	Dashboard Handler
	Logger    *slog.Logger
}

// Handler answers the admin/dashboard endpoints (spec §6), kept as an
// interface so dispatch doesn't import the dashboard package directly.
type Handler interface {
	Serve(stream *neckstream.Stream, req *httpcodec.Message)
}

// Handle wraps conn in a Stream, sniffs the protocol, and dispatches.
// Every log line for the lifetime of the connection carries a fresh
// correlation id, independent of any session id the request later gets.
func (d *Dispatcher) Handle(ctx context.Context, conn net.Conn) {
	logger := d.Logger.With("conn_id", uuid.NewV4().String())
	stream := neckstream.From(conn)

	isSocks5, err := peekIsSocks5(stream)
	if err != nil {
		stream.Shutdown()
		return
	}

	if isSocks5 {
		d.socks5Handler(ctx, stream, logger)
		return
	}
	d.httpHandler(ctx, stream, logger)
}

func peekIsSocks5(stream *neckstream.Stream) (bool, error) {
	b, err := stream.PeekRawTCP(1)
	if err != nil {
		return false, err
	}
	return b[0] == 0x05, nil
}

// httpHandler reads one request header and routes CONNECT, Upgrade,
// absolute-URI http://, and everything-else to their respective handlers.
func (d *Dispatcher) httpHandler(ctx context.Context, stream *neckstream.Stream, logger *slog.Logger) {
	req, err := httpcodec.ReadHeaderOnly(stream)
	if err != nil {
		stream.Shutdown()
		return
	}

	switch {
	case req.A == "CONNECT":
		d.connectHandler(ctx, stream, req, logger)

	case httpcodec.HasUpgradeToken(&req.Headers, "neck"):
		d.joinHandler(ctx, stream, req, logger)

	case hasOtherUpgrade(req):
		d.rejectUpgrade(stream, req)

	case len(req.B) > len("http://") && req.B[:7] == "http://":
		d.httpProxyHandler(ctx, stream, req, logger)

	default:
		if d.Dashboard != nil {
			d.Dashboard.Serve(stream, req)
		} else {
			writeNotFound(stream, req)
		}
	}
}

func hasOtherUpgrade(req *httpcodec.Message) bool {
	_, ok := req.Headers.Get("Upgrade")
	return ok
}

func (d *Dispatcher) rejectUpgrade(stream *neckstream.Stream, req *httpcodec.Message) {
	upgrade, _ := req.Headers.Get("Upgrade")
	res := &httpcodec.Message{A: req.C, B: "400", C: "Bad Request"}
	res.Payload = []byte("The protocol '" + upgrade + "' is not supported.")
	writeMessage(stream, res)
	stream.Shutdown()
}

func writeNotFound(stream *neckstream.Stream, req *httpcodec.Message) {
	res := &httpcodec.Message{A: req.C, B: "404", C: "Not Found"}
	res.Payload = []byte("Not Found\n")
	writeMessage(stream, res)
	stream.Shutdown()
}

func writeMessage(stream *neckstream.Stream, msg *httpcodec.Message) error {
	w := stream.Writer()
	defer stream.ReleaseWriter()
	return msg.WriteTo(w)
}

// connectUpstream acquires a worker through the manager, translating
// BadGateway/ServiceUnavailable into 502/503 responses on the requester
// connection before reporting failure to the caller.
func (d *Dispatcher) connectUpstream(ctx context.Context, stream *neckstream.Stream, s *session.Session, version string, logger *slog.Logger) (*neckstream.Stream, bool) {
	upstream, err := d.Manager.Connect(ctx, s)
	if err == nil {
		return upstream, true
	}

	switch {
	case err == neckerr.ErrBadGateway:
		logger.Debug("no available connections", "host", s.Host())
		res := &httpcodec.Message{A: version, B: "502", C: "Bad Gateway"}
		res.Payload = []byte("Connections are not available\n")
		writeMessage(stream, res)

	default:
		logger.Debug("failed to connect upstream", "host", s.Host(), "error", err)
		msg := err.Error()
		if m, ok := neckerr.Message(err); ok {
			msg = m
		}
		res := &httpcodec.Message{A: version, B: "503", C: "Service Unavailable"}
		res.Payload = []byte(msg)
		writeMessage(stream, res)
	}
	stream.Shutdown()
	return nil, false
}
