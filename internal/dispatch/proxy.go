package dispatch

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nc-tunnel/neck/internal/httpcodec"
	"github.com/nc-tunnel/neck/internal/neckerr"
	"github.com/nc-tunnel/neck/internal/neckstream"
)

// connectHandler serves an HTTPS CONNECT tunnel: acquire an upstream
// worker for req's target, answer 200, then weld requester and worker.
func (d *Dispatcher) connectHandler(ctx context.Context, stream *neckstream.Stream, req *httpcodec.Message, logger *slog.Logger) {
	s := d.Sessions.Create("https", stream.PeerAddr().String(), req.B)
	defer s.Close()

	upstream, ok := d.connectUpstream(ctx, stream, s, req.C, logger)
	if !ok {
		return
	}

	res := &httpcodec.Message{A: req.C, B: "200", C: "Connection Established"}
	if err := writeMessage(stream, res); err != nil {
		upstream.Shutdown()
		stream.Shutdown()
		return
	}

	weld(stream, upstream, logger)
}

// httpProxyHandler serves a plain http:// absolute-URI proxy request:
// split host/path, acquire upstream, rewrite the request line to
// path-only, forward headers (minus Proxy-Connection), then weld.
func (d *Dispatcher) httpProxyHandler(ctx context.Context, stream *neckstream.Stream, req *httpcodec.Message, logger *slog.Logger) {
	uri := req.B[len("http://"):]
	host, path := splitHostPath(uri)

	s := d.Sessions.Create("http", stream.PeerAddr().String(), host)
	defer s.Close()

	upstream, ok := d.connectUpstream(ctx, stream, s, req.C, logger)
	if !ok {
		return
	}

	fwd := &httpcodec.Message{A: req.A, B: path, C: req.C}
	for _, h := range req.Headers.Rows() {
		if strings.EqualFold(h.Name, "Proxy-Connection") {
			continue
		}
		fwd.Headers.Add(h.Name, h.Value)
	}
	fwd.Payload = req.Payload

	w := upstream.Writer()
	err := fwd.WriteTo(w)
	upstream.ReleaseWriter()
	if err != nil {
		upstream.Shutdown()
		stream.Shutdown()
		return
	}

	weld(stream, upstream, logger)
}

func splitHostPath(uri string) (host, path string) {
	if idx := strings.IndexByte(uri, '/'); idx >= 0 {
		host, path = uri[:idx], uri[idx:]
	} else {
		host, path = uri, "/"
	}
	if !strings.Contains(host, ":") {
		host += ":80"
	}
	return host, path
}

func weld(a, b *neckstream.Stream, logger *slog.Logger) {
	if err := a.Weld(b); err != nil && !neckerr.IsExpectedTeardown(err) {
		logger.Debug("weld ended", "error", err)
	}
}
