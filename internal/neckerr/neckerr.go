// Package neckerr defines the error kinds shared across the reverse-tunnel
// core (stream, codec, pool, dispatcher) so callers can branch on semantic
// failure rather than string-matching.
package neckerr

import (
	"errors"
	"strings"
)

var (
	// ErrConnect covers a failed dial to the server or to an upstream target.
	ErrConnect = errors.New("neck: connect failed")
	// ErrBadProtocol covers a malformed HTTP first line or SOCKS5 frame.
	ErrBadProtocol = errors.New("neck: bad protocol")
	// ErrLimitOverflow covers a header or body exceeding its byte budget.
	ErrLimitOverflow = errors.New("neck: limit overflow")
	// ErrBadContentLength covers a non-numeric or oversized Content-Length.
	ErrBadContentLength = errors.New("neck: bad content-length")
	// ErrClosedByPeer covers EOF or a zero-byte fill on an idle stream.
	ErrClosedByPeer = errors.New("neck: closed by peer")
	// ErrBadGateway covers pool exhaustion or no taker within the deadline.
	ErrBadGateway = errors.New("neck: bad gateway")
	// ErrServiceUnavailable covers a worker that dialed upstream but was refused.
	ErrServiceUnavailable = errors.New("neck: service unavailable")
	// ErrMethodNotAllowed covers a dispatcher method policy violation.
	ErrMethodNotAllowed = errors.New("neck: method not allowed")
	// ErrBadRequest covers a dispatcher request policy violation.
	ErrBadRequest = errors.New("neck: bad request")
	// ErrUnsupportedTLS covers a TLS request on a binary without TLS support.
	ErrUnsupportedTLS = errors.New("neck: tls not supported in this build")
)

// ServiceUnavailable wraps ErrServiceUnavailable with the upstream's own
// error text, so errors.Is still matches the sentinel while Message
// recovers the upstream text verbatim for a requester-facing 503 body
// (spec §7).
func ServiceUnavailable(msg string) error {
	return &serviceUnavailableError{msg: msg}
}

type serviceUnavailableError struct {
	msg string
}

func (e *serviceUnavailableError) Error() string {
	return ErrServiceUnavailable.Error() + ": " + e.msg
}

func (e *serviceUnavailableError) Unwrap() error { return ErrServiceUnavailable }

// Message returns the bare upstream error text carried by err, if err
// is (or wraps) a ServiceUnavailable error.
func Message(err error) (string, bool) {
	var su *serviceUnavailableError
	if errors.As(err, &su) {
		return su.msg, true
	}
	return "", false
}

// expectedTeardownSubstrings lists error strings that are routine
// consequences of a peer closing a connection, not genuine failures.
var expectedTeardownSubstrings = []string{
	"read: connection reset by peer",
	"write: broken pipe",
	"i/o timeout",
	"EOF",
	"use of closed network connection",
	"connect: connection refused",
	"connect: connection reset by peer",
}

// IsExpectedTeardown reports whether err is a routine connection-teardown
// error; callers leave such errors out of their logs.
func IsExpectedTeardown(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range expectedTeardownSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
