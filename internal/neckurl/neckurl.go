// Package neckurl parses the join target a client is given on its command
// line: "[scheme://][user:pass@]host[:port][/tail]" (spec §3).
package neckurl

import (
	"encoding/base64"
	"strings"
)

// NeckUrl is a parsed join target. It is a pure value type: all accessors
// derive from the scheme, Authorization line, host and tail captured at
// parse time.
type NeckUrl struct {
	proto         string
	authorization string
	host          string
	tail          string
}

// Parse splits raw into scheme, userinfo, host, and tail sections.
func Parse(raw string) NeckUrl {
	pos := 0

	var proto string
	if idx := strings.Index(raw[pos:], "://"); idx >= 0 {
		proto = raw[pos : pos+idx]
		pos += idx + 3
	}

	var authorization string
	if idx := strings.Index(raw[pos:], "@"); idx >= 0 {
		userinfo := raw[pos : pos+idx]
		encoded := base64.StdEncoding.EncodeToString([]byte(userinfo))
		authorization = "Authorization: Basic " + encoded
		pos += idx + 1
	}

	var host string
	if idx := strings.Index(raw[pos:], "/"); idx >= 0 {
		host = raw[pos : pos+idx]
		pos += idx
	} else {
		host = raw[pos:]
		pos = len(raw)
	}

	return NeckUrl{
		proto:         proto,
		authorization: authorization,
		host:          host,
		tail:          raw[pos:],
	}
}

// Proto returns the URL's scheme, or "" if none was given.
func (u NeckUrl) Proto() string {
	return u.proto
}

// IsHTTPS reports whether the scheme is "https" (case-insensitive).
func (u NeckUrl) IsHTTPS() bool {
	return strings.EqualFold(u.proto, "https")
}

// Authorization returns the precomputed "Authorization: Basic <b64>" header
// line, and whether userinfo was present in the URL.
func (u NeckUrl) Authorization() (string, bool) {
	return u.authorization, u.authorization != ""
}

// Host returns the host section, in "host[:port]" form.
func (u NeckUrl) Host() string {
	return u.host
}

// Hostname returns Host with any ":port" suffix stripped.
func (u NeckUrl) Hostname() string {
	if idx := strings.IndexByte(u.host, ':'); idx >= 0 {
		return u.host[:idx]
	}
	return u.host
}

// Addr returns the dialable "host:port" form, filling in the default port
// for the scheme (80 for http, 443 for https) when the host has none.
func (u NeckUrl) Addr() string {
	if strings.Contains(u.host, ":") {
		return u.host
	}
	port := "80"
	if u.IsHTTPS() {
		port = "443"
	}
	return u.host + ":" + port
}

// Tail returns the path-and-query section, defaulting to "/" when absent.
func (u NeckUrl) Tail() string {
	if u.tail == "" {
		return "/"
	}
	return u.tail
}
