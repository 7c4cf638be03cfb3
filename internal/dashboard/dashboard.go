// Package dashboard implements the read-only admin endpoints adjacent to
// the reverse-tunnel core: pool length, session listing (with an optional
// host-glob filter), an SSE event feed, and the static dashboard page
// (spec §6, supplemented per SPEC_FULL.md §C).
package dashboard

import (
	"embed"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/tidwall/match"

	"github.com/nc-tunnel/neck/internal/httpcodec"
	"github.com/nc-tunnel/neck/internal/neckstream"
	"github.com/nc-tunnel/neck/internal/pool"
	"github.com/nc-tunnel/neck/internal/session"
	"github.com/nc-tunnel/neck/version"
)

//go:embed static
var staticFS embed.FS

// Dashboard answers the admin endpoints and implements dispatch.Handler.
type Dashboard struct {
	Sessions *session.Manager
	Manager  pool.Manager
	Logger   *slog.Logger
}

// Serve routes one dispatcher-sniffed request to its admin endpoint. Every
// endpoint here is GET-only; any other method gets a 405 with a short
// "Not Allowed" body (spec §6).
func (d *Dashboard) Serve(stream *neckstream.Stream, req *httpcodec.Message) {
	if req.A != "GET" {
		writeMethodNotAllowed(stream, req)
		return
	}

	requestPath, query := splitPathQuery(req.B)

	switch {
	case requestPath == "/api/len":
		d.serveLen(stream, req)
	case requestPath == "/api/version":
		d.serveVersion(stream, req)
	case requestPath == "/api/sessions":
		d.serveSessions(stream, req, query)
	case requestPath == "/api/events":
		d.serveEvents(stream)
	case requestPath == "/dashboard" || strings.HasPrefix(requestPath, "/dashboard/"):
		d.serveStatic(stream, req, requestPath)
	default:
		writeText(stream, req, "404", "Not Found", "Not Found\n")
		stream.Shutdown()
	}
}

func splitPathQuery(raw string) (string, string) {
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		return raw[:idx], raw[idx+1:]
	}
	return raw, ""
}

func (d *Dashboard) serveLen(stream *neckstream.Stream, req *httpcodec.Message) {
	writeText(stream, req, "200", "OK", strconv.Itoa(d.Manager.Len())+"\n")
	stream.Shutdown()
}

func (d *Dashboard) serveVersion(stream *neckstream.Stream, req *httpcodec.Message) {
	writeText(stream, req, "200", "OK", version.String()+"\n")
	stream.Shutdown()
}

func (d *Dashboard) serveSessions(stream *neckstream.Stream, req *httpcodec.Message, query string) {
	var body []byte
	if glob := hostFilter(query); glob != "" {
		body = d.Sessions.ListFiltered(func(host string) bool {
			return match.Match(host, glob)
		})
	} else {
		body = d.Sessions.List()
	}

	res := &httpcodec.Message{A: req.C, B: "200", C: "OK"}
	res.Headers.Set("Content-Type", "application/json")
	res.Payload = body
	writeMessage(stream, res)
	stream.Shutdown()
}

func hostFilter(query string) string {
	values, err := url.ParseQuery(query)
	if err != nil {
		return ""
	}
	return values.Get("host")
}

// serveEvents streams a text/event-stream feed: one "update" event per
// session-registry change, carrying the full session listing as its data.
// The loop exits once a write fails, which is how a client disconnect
// surfaces on a stream with no further reads (spec §6).
func (d *Dashboard) serveEvents(stream *neckstream.Stream) {
	w := stream.Writer()
	_, err := io.WriteString(w, "HTTP/1.1 200 OK\r\n"+
		"Content-Type: text/event-stream\r\n"+
		"Cache-Control: no-cache\r\n"+
		"Connection: keep-alive\r\n\r\n")
	stream.ReleaseWriter()
	if err != nil {
		stream.Shutdown()
		return
	}

	for {
		changed := d.Sessions.Watch()
		<-changed

		w := stream.Writer()
		_, err := fmt.Fprintf(w, "event: update\ndata: %s\n\n", d.Sessions.List())
		stream.ReleaseWriter()
		if err != nil {
			stream.Shutdown()
			return
		}
	}
}

func (d *Dashboard) serveStatic(stream *neckstream.Stream, req *httpcodec.Message, requestPath string) {
	rel := strings.TrimPrefix(requestPath, "/dashboard")
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "index.html"
	}

	b, err := fs.ReadFile(staticFS, path.Join("static", rel))
	if err != nil {
		writeText(stream, req, "404", "Not Found", "Not Found\n")
		return
	}

	res := &httpcodec.Message{A: req.C, B: "200", C: "OK"}
	res.Headers.Set("Content-Type", contentTypeFor(rel))
	res.Payload = b
	writeMessage(stream, res)
	stream.Shutdown()
}

func contentTypeFor(name string) string {
	switch {
	case strings.HasSuffix(name, ".html"):
		return "text/html; charset=utf-8"
	case strings.HasSuffix(name, ".css"):
		return "text/css; charset=utf-8"
	case strings.HasSuffix(name, ".js"):
		return "application/javascript; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

func writeMethodNotAllowed(stream *neckstream.Stream, req *httpcodec.Message) {
	res := &httpcodec.Message{A: req.C, B: "405", C: "Not Allowed"}
	res.Headers.Set("Cache-Control", "no-cache")
	res.Payload = []byte("Not Allowed\n")
	writeMessage(stream, res)
	stream.Shutdown()
}

func writeText(stream *neckstream.Stream, req *httpcodec.Message, status, reason, body string) {
	res := &httpcodec.Message{A: req.C, B: status, C: reason}
	res.Payload = []byte(body)
	writeMessage(stream, res)
}

func writeMessage(stream *neckstream.Stream, msg *httpcodec.Message) error {
	w := stream.Writer()
	defer stream.ReleaseWriter()
	return msg.WriteTo(w)
}
