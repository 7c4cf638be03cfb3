package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/nc-tunnel/neck/internal/httpcodec"
	"github.com/nc-tunnel/neck/internal/neckerr"
	"github.com/nc-tunnel/neck/internal/neckstream"
)

const maxBackoffFailures = 6

// runWorker drives one worker task for the client's lifetime: connect,
// JOIN, wait for a CONNECT request, detach to serve it, and repeat with
// exponential backoff on failure (spec §4.6).
func runWorker(ctx context.Context, c *NeckClient, logger *slog.Logger) {
	var failures int
	for {
		if ctx.Err() != nil {
			return
		}
		if err := setupConnection(ctx, c, logger); err != nil {
			failures = min(failures+1, maxBackoffFailures)
		} else {
			failures = 0
		}

		if failures > 0 {
			c.dispatchEvent(eventFailed)
			sleep := time.Duration(1<<(failures-1)) * time.Second
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return
			}
		}
	}
}

func setupConnection(ctx context.Context, c *NeckClient, logger *slog.Logger) error {
	tok := c.bucket.Acquire()

	stream, err := connectAndJoin(ctx, c, logger)
	if err != nil {
		tok.Release()
		return err
	}

	req, err := waitUntilConnect(stream, logger)
	if err != nil {
		tok.Release()
		stream.Shutdown()
		return err
	}

	go func() {
		defer tok.Release()
		dialUpstreamAndWeld(stream, req, logger)
	}()

	return nil
}

// connectAndJoin dials the server and performs the JOIN handshake: a GET
// request with Connection: Upgrade / Upgrade: neck, expecting a 101
// response.
func connectAndJoin(ctx context.Context, c *NeckClient, logger *slog.Logger) (*neckstream.Stream, error) {
	stream, err := c.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}

	req := &httpcodec.Message{A: "GET", B: c.url.Tail(), C: "HTTP/1.1"}
	req.Headers.Add("Host", c.url.Host())
	req.Headers.Add("Connection", "Upgrade")
	req.Headers.Add("Upgrade", "neck")
	if auth, ok := c.url.Authorization(); ok {
		if name, value, found := strings.Cut(auth, ": "); found {
			req.Headers.Add(name, value)
		}
	}

	w := stream.Writer()
	werr := req.WriteTo(w)
	stream.ReleaseWriter()
	if werr != nil {
		stream.Shutdown()
		return nil, werr
	}

	res, err := httpcodec.Read(stream)
	if err != nil {
		stream.Shutdown()
		return nil, err
	}
	if res.B != "101" {
		stream.Shutdown()
		return nil, fmt.Errorf("%w: join rejected with status %s", neckerr.ErrBadProtocol, res.B)
	}

	c.dispatchEvent(eventJoined)
	return stream, nil
}

// waitUntilConnect reads requests off stream until a CONNECT arrives,
// answering PING with 204 and anything else with 405.
func waitUntilConnect(stream *neckstream.Stream, logger *slog.Logger) (*httpcodec.Message, error) {
	for {
		req, err := httpcodec.ReadHeaderOnly(stream)
		if err != nil {
			return nil, err
		}

		switch req.A {
		case "CONNECT":
			return req, nil
		case "PING":
			res := &httpcodec.Message{A: req.C, B: "204", C: "PONG"}
			if err := writeResponse(stream, res); err != nil {
				return nil, err
			}
		default:
			res := &httpcodec.Message{A: req.C, B: "405", C: "Method Not Allowed"}
			res.Payload = []byte(fmt.Sprintf("Method '%s' not allowed\n", req.A))
			if err := writeResponse(stream, res); err != nil {
				return nil, err
			}
		}
	}
}

func writeResponse(stream *neckstream.Stream, msg *httpcodec.Message) error {
	w := stream.Writer()
	defer stream.ReleaseWriter()
	return msg.WriteTo(w)
}

// dialUpstreamAndWeld dials the CONNECT request's target and welds the
// worker stream to it, or reports 503 on dial failure. Runs detached,
// holding the caller's token for its whole lifetime.
func dialUpstreamAndWeld(stream *neckstream.Stream, req *httpcodec.Message, logger *slog.Logger) {
	upstream, err := net.DialTimeout("tcp", req.B, 10*time.Second)
	if err != nil {
		logger.Debug("failed to connect upstream", "uri", req.B, "error", err)
		res := &httpcodec.Message{A: req.C, B: "503", C: "Service Unavailable"}
		res.Payload = []byte(err.Error() + "\n")
		writeResponse(stream, res)
		stream.Shutdown()
		return
	}
	logger.Debug("connected upstream", "uri", req.B)

	res := &httpcodec.Message{A: req.C, B: "200", C: "Connection Established"}
	if err := writeResponse(stream, res); err != nil {
		upstream.Close()
		stream.Shutdown()
		return
	}

	other := neckstream.From(upstream)
	if err := stream.Weld(other); err != nil && !neckerr.IsExpectedTeardown(err) {
		logger.Debug("weld ended", "error", err)
	}
}
