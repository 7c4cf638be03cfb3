package dispatch

import (
	"context"
	"log/slog"

	"github.com/nc-tunnel/neck/internal/httpcodec"
	"github.com/nc-tunnel/neck/internal/neckstream"
)

// joinHandler answers a worker's JOIN handshake with 101 Switching
// Protocols and hands the stream to the pool manager to hold as an idle
// worker (spec §4.8, §6).
func (d *Dispatcher) joinHandler(ctx context.Context, stream *neckstream.Stream, req *httpcodec.Message, logger *slog.Logger) {
	res := &httpcodec.Message{A: req.C, B: "101", C: "Switching Protocols"}
	res.Headers.Add("Connection", "Upgrade")
	res.Headers.Add("Upgrade", "neck")

	if err := writeMessage(stream, res); err != nil {
		stream.Shutdown()
		return
	}

	logger.Debug("worker joined pool", "peer", stream.PeerAddr().String())
	d.Manager.Join(ctx, stream)
}
