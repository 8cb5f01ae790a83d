// Package hostname normalizes host names so that policy matching compares
// like with like.
package hostname

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// ErrEmpty is returned when there is no host to normalize.
var ErrEmpty = errors.New("empty host name")

// Normalize lower-cases host, strips a trailing dot and converts
// internationalized names to their ASCII (punycode) form. IP literals,
// bracketed or not, are returned in canonical form.
func Normalize(host string) (string, error) {
	h := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if h == "" {
		return "", ErrEmpty
	}

	if ip := net.ParseIP(strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")); ip != nil {
		return ip.String(), nil
	}

	ascii, err := idna.Lookup.ToASCII(h)
	if err != nil {
		return "", fmt.Errorf("invalid host name %q: %w", host, err)
	}
	if len(ascii) > 253 {
		return "", fmt.Errorf("host name %q is too long", host)
	}

	return ascii, nil
}

// SplitAuthority splits a host:port authority and normalizes the host. The
// port must be numeric and in range.
func SplitAuthority(authority string) (host, port string, err error) {
	h, p, err := net.SplitHostPort(authority)
	if err != nil {
		return "", "", err
	}
	if !validPort(p) {
		return "", "", fmt.Errorf("invalid port %q", p)
	}

	host, err = Normalize(h)
	if err != nil {
		return "", "", err
	}

	return host, p, nil
}

func validPort(p string) bool {
	if p == "" || len(p) > 5 {
		return false
	}
	n := 0
	for i := 0; i < len(p); i++ {
		if p[i] < '0' || p[i] > '9' {
			return false
		}
		n = n*10 + int(p[i]-'0')
	}
	return n > 0 && n <= 65535
}
