package unison

import (
	"net"
	"strconv"
	"strings"
)

// loopbackV6 is the address bare ports and "localhost:port" resolve to,
// resolve to.
const loopbackV6 = "::1"

// ResolveAddr normalizes a bind/dial address string to "[ipv6]:port"
// form. Bare ports ("8443") and "localhost:port" resolve to the IPv6
// loopback; a host already wrapped in brackets is used as-is; a bare
// IPv4 host is wrapped in its IPv4-mapped IPv6 form so IPv6-first
// listeners still accept it when explicitly requested.
func ResolveAddr(addr string) (string, error) {
	if addr == "" {
		return "", wrapf(ErrConnection, "empty address")
	}

	// Bare port, e.g. ":8443" or "8443".
	if portOnly, err := strconv.Atoi(strings.TrimPrefix(addr, ":")); err == nil {
		return net.JoinHostPort(loopbackV6, strconv.Itoa(portOnly)), nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", wrapf(ErrConnection, "invalid address %q: %v", addr, err)
	}

	if host == "" || host == "localhost" {
		host = loopbackV6
	}

	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip != nil && ip.To4() != nil && ip.To16() != nil {
		// Express a bare IPv4 literal in its IPv4-mapped IPv6 form so
		// the caller can still bind/dial it from an IPv6-first listener.
		host = "::ffff:" + ip.String()
	} else if ip != nil {
		host = ip.String()
	}

	return net.JoinHostPort(host, port), nil
}
