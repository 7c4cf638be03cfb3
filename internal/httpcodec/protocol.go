// Package httpcodec implements the budgeted HTTP/1.1 header/payload codec
// the reverse-tunnel core speaks on its wire: JOIN, CONNECT, PING, and the
// plain-HTTP/HTTPS requester-facing protocols (spec §4.2).
package httpcodec

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/nc-tunnel/neck/internal/neckerr"
	"github.com/nc-tunnel/neck/internal/neckstream"
)

const (
	// MaxHeaderBytes bounds the header block (spec §3: HttpProtocol invariants).
	MaxHeaderBytes = 16 * 1024
	// MaxBodyBytes bounds a decoded payload.
	MaxBodyBytes = 16 * 1024

	defaultContentType = "text/plain"
	headerContentLen   = "Content-Length"
	headerContentType  = "Content-Type"
)

// Message is a parsed HTTP/1.1 request or response: a first line split
// into three tokens (method/uri/version for a request; version/status/
// reason for a response), a header list, and an optional payload.
type Message struct {
	A, B, C string
	Headers Headers
	Payload []byte
}

// ReadHeader reads one header block from r: a first line split at its
// first two spaces into three tokens (the third may itself contain
// spaces, as a response reason does), followed by header rows,
// terminated by a blank line. Leading blank lines are tolerated and
// consumed. Each byte read decrements budget; reaching zero fails with
// ErrLimitOverflow.
func ReadHeader(r *bufio.Reader, budget *int) (*Message, error) {
	var first string
	for {
		line, err := readLine(r, budget)
		if err != nil {
			return nil, err
		}
		if line != "" {
			first = line
			break
		}
	}

	parts := strings.SplitN(first, " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: malformed first line %q", neckerr.ErrBadProtocol, first)
	}

	msg := &Message{A: parts[0], B: parts[1], C: parts[2]}
	for {
		line, err := readLine(r, budget)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		h := parseHeaderLine(line)
		msg.Headers.Add(h.Name, h.Value)
	}
	return msg, nil
}

// readLine reads one CR-LF-terminated line (sans the terminator),
// decrementing budget per byte consumed including the terminator.
func readLine(r *bufio.Reader, budget *int) (string, error) {
	line, err := r.ReadString('\n')
	*budget -= len(line)
	if *budget <= 0 {
		return "", neckerr.ErrLimitOverflow
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", neckerr.ErrBadProtocol, err)
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// ReadPayload reads a body according to headers' Content-Length. Absent a
// Content-Length header, it returns an empty payload. The value must
// parse as a non-negative integer not exceeding MaxBodyBytes.
func ReadPayload(r *bufio.Reader, headers *Headers) ([]byte, error) {
	raw, ok := headers.Get(headerContentLen)
	if !ok {
		return nil, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: %q", neckerr.ErrBadContentLength, raw)
	}
	if n > MaxBodyBytes {
		return nil, fmt.Errorf("%w: content-length %d exceeds %d", neckerr.ErrLimitOverflow, n, MaxBodyBytes)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", neckerr.ErrBadProtocol, err)
	}
	return buf, nil
}

// Read reads a full header-and-payload message off s, locking and
// releasing the stream's reader for the duration.
func Read(s *neckstream.Stream) (*Message, error) {
	r := s.Reader()
	defer s.ReleaseReader()

	budget := MaxHeaderBytes
	msg, err := ReadHeader(r, &budget)
	if err != nil {
		return nil, err
	}
	payload, err := ReadPayload(r, &msg.Headers)
	if err != nil {
		return nil, err
	}
	msg.Payload = payload
	return msg, nil
}

// ReadHeaderOnly reads just the header block off s and leaves any body
// bytes buffered for a subsequent Weld to forward opaquely.
func ReadHeaderOnly(s *neckstream.Stream) (*Message, error) {
	r := s.Reader()
	defer s.ReleaseReader()

	budget := MaxHeaderBytes
	return ReadHeader(r, &budget)
}

// WriteTo writes the message to w following the write contract (spec
// §4.2): first line, then headers — recomputing Content-Length from the
// actual payload length and inserting a default Content-Type when a
// payload is present and none was set.
func (m *Message) WriteTo(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%s %s %s\r\n", m.A, m.B, m.C); err != nil {
		return err
	}

	if m.Payload == nil {
		for _, h := range m.Headers.Rows() {
			if err := writeHeaderRow(w, h); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "\r\n")
		return err
	}

	hasContentType := false
	for _, h := range m.Headers.Rows() {
		if strings.EqualFold(h.Name, headerContentLen) {
			continue
		}
		if strings.EqualFold(h.Name, headerContentType) {
			hasContentType = true
		}
		if err := writeHeaderRow(w, h); err != nil {
			return err
		}
	}
	if !hasContentType {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", headerContentType, defaultContentType); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "%s: %d\r\n", headerContentLen, len(m.Payload)); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	_, err := w.Write(m.Payload)
	return err
}

func writeHeaderRow(w io.Writer, h Header) error {
	_, err := fmt.Fprintf(w, "%s:%s\r\n", h.Name, h.Value)
	return err
}

// HasUpgradeToken reports whether the Connection header advertises the
// Upgrade token and the Upgrade header advertises the given protocol
// name, per RFC 7230 §6.7 — the JOIN handshake's `Connection: Upgrade` /
// `Upgrade: neck` pair (spec §6). Delegated to golang.org/x/net's token
// list matcher rather than hand-rolled comma splitting.
func HasUpgradeToken(headers *Headers, protocol string) bool {
	conn, _ := headers.Get("Connection")
	upgrade, _ := headers.Get("Upgrade")
	if conn == "" || upgrade == "" {
		return false
	}
	return httpguts.HeaderValuesContainsToken([]string{conn}, "Upgrade") &&
		httpguts.HeaderValuesContainsToken([]string{upgrade}, protocol)
}
