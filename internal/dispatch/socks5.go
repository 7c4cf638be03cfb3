package dispatch

import (
	"context"
	"log/slog"

	"github.com/nc-tunnel/neck/internal/neckstream"
	"github.com/nc-tunnel/neck/internal/socks5codec"
)

// socks5Handler negotiates no-auth, accepts a CONNECT-only request,
// acquires an upstream worker, and echoes the request's own address back
// in the reply before welding (spec §4.3, §4.9).
func (d *Dispatcher) socks5Handler(ctx context.Context, stream *neckstream.Stream, logger *slog.Logger) {
	r := stream.Reader()
	err := socks5codec.ReadGreeting(r)
	stream.ReleaseReader()
	if err != nil {
		stream.Shutdown()
		return
	}

	w := stream.Writer()
	err = socks5codec.WriteChoice(w, socks5codec.MethodNoAuth)
	stream.ReleaseWriter()
	if err != nil {
		stream.Shutdown()
		return
	}

	r = stream.Reader()
	cmd, addr, err := socks5codec.ReadRequest(r)
	stream.ReleaseReader()
	if err != nil {
		stream.Shutdown()
		return
	}

	if cmd != socks5codec.CmdConnect {
		d.socks5Reply(stream, socks5codec.ReplyCommandNotSupported, socks5codec.Addr{})
		stream.Shutdown()
		return
	}

	s := d.Sessions.Create("socks5", stream.PeerAddr().String(), addr.HostPort())
	defer s.Close()

	upstream, err := d.Manager.Connect(ctx, s)
	if err != nil {
		logger.Debug("socks5 upstream connect failed", "host", addr.HostPort(), "error", err)
		d.socks5Reply(stream, socks5codec.ReplyGeneralFailure, socks5codec.Addr{})
		stream.Shutdown()
		return
	}

	if err := d.socks5Reply(stream, socks5codec.ReplySucceeded, addr); err != nil {
		upstream.Shutdown()
		stream.Shutdown()
		return
	}

	weld(stream, upstream, logger)
}

func (d *Dispatcher) socks5Reply(stream *neckstream.Stream, rep byte, addr socks5codec.Addr) error {
	w := stream.Writer()
	defer stream.ReleaseWriter()
	return socks5codec.WriteReply(w, rep, addr)
}
