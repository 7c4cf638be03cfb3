// Package socks5codec implements the RFC 1928 subset the reverse-tunnel
// proxy speaks at its requester-facing listen port: no-auth negotiation
// and the CONNECT command only (spec §4.3).
package socks5codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/nc-tunnel/neck/internal/neckerr"
)

const (
	Version = 0x05

	MethodNoAuth = 0x00

	CmdConnect = 0x01

	AddrIPv4   = 0x01
	AddrDomain = 0x03
	AddrIPv6   = 0x04

	ReplySucceeded           = 0x00
	ReplyGeneralFailure      = 0x01
	ReplyCommandNotSupported = 0x07
)

// Addr is a decoded SOCKS5 address: exactly one of IP (length 4 or 16) or
// Domain is set, plus Port.
type Addr struct {
	Type   byte
	IP     net.IP
	Domain string
	Port   uint16
}

// HostPort renders the address as "host:port" for dialing or logging.
func (a Addr) HostPort() string {
	host := a.Domain
	if a.IP != nil {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(a.Port)))
}

// ReadGreeting reads the client's method-negotiation greeting
// ([VER, NMETHODS, METHODS...]). The advertised methods are not
// inspected further — the server unconditionally chooses no-auth.
func ReadGreeting(r io.Reader) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return fmt.Errorf("%w: greeting: %v", neckerr.ErrBadProtocol, err)
	}
	if hdr[0] != Version {
		return fmt.Errorf("%w: unsupported socks version %d", neckerr.ErrBadProtocol, hdr[0])
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return fmt.Errorf("%w: greeting methods: %v", neckerr.ErrBadProtocol, err)
	}
	return nil
}

// WriteChoice writes the server's chosen authentication method.
func WriteChoice(w io.Writer, method byte) error {
	_, err := w.Write([]byte{Version, method})
	return err
}

// ReadRequest reads a SOCKS5 request: [VER, CMD, RSV, ATYP, DST.ADDR, DST.PORT].
func ReadRequest(r io.Reader) (cmd byte, addr Addr, err error) {
	hdr := make([]byte, 4)
	if _, err = io.ReadFull(r, hdr); err != nil {
		return 0, Addr{}, fmt.Errorf("%w: request header: %v", neckerr.ErrBadProtocol, err)
	}
	cmd = hdr[1]
	atyp := hdr[3]

	addr, err = readAddr(r, atyp)
	if err != nil {
		return 0, Addr{}, err
	}

	portBuf := make([]byte, 2)
	if _, err = io.ReadFull(r, portBuf); err != nil {
		return 0, Addr{}, fmt.Errorf("%w: request port: %v", neckerr.ErrBadProtocol, err)
	}
	addr.Port = binary.BigEndian.Uint16(portBuf)
	return cmd, addr, nil
}

func readAddr(r io.Reader, atyp byte) (Addr, error) {
	switch atyp {
	case AddrIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Addr{}, fmt.Errorf("%w: ipv4: %v", neckerr.ErrBadProtocol, err)
		}
		return Addr{Type: AddrIPv4, IP: net.IP(buf)}, nil
	case AddrIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Addr{}, fmt.Errorf("%w: ipv6: %v", neckerr.ErrBadProtocol, err)
		}
		return Addr{Type: AddrIPv6, IP: net.IP(buf)}, nil
	case AddrDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return Addr{}, fmt.Errorf("%w: domain len: %v", neckerr.ErrBadProtocol, err)
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return Addr{}, fmt.Errorf("%w: domain: %v", neckerr.ErrBadProtocol, err)
		}
		return Addr{Type: AddrDomain, Domain: string(domain)}, nil
	default:
		return Addr{}, fmt.Errorf("%w: unknown address type %d", neckerr.ErrBadProtocol, atyp)
	}
}

// WriteReply writes a SOCKS5 reply: [VER, REP, RSV, ATYP, BND.ADDR, BND.PORT].
// On success the server echoes back the same address/port fields it was
// given in the request, per spec §4.3.
func WriteReply(w io.Writer, rep byte, addr Addr) error {
	buf := make([]byte, 0, 22)
	buf = append(buf, Version, rep, 0x00)

	switch {
	case addr.IP != nil && len(addr.IP.To4()) == 4:
		buf = append(buf, AddrIPv4)
		buf = append(buf, addr.IP.To4()...)
	case addr.IP != nil:
		buf = append(buf, AddrIPv6)
		buf = append(buf, addr.IP.To16()...)
	case addr.Domain != "":
		buf = append(buf, AddrDomain, byte(len(addr.Domain)))
		buf = append(buf, addr.Domain...)
	default:
		// Failure replies before an address is known: zero IPv4 bind addr.
		buf = append(buf, AddrIPv4, 0, 0, 0, 0)
	}

	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, addr.Port)
	buf = append(buf, portBuf...)

	_, err := w.Write(buf)
	return err
}
