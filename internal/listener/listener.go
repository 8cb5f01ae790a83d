// Package listener opens the TCP listeners the proxy serves on. A listener
// may accept a PROXY protocol header from a fronting load balancer, in which
// case the addresses it carries replace the connection's own.
package listener

import (
	"fmt"
	"net"
	"time"
)

// HeaderTimeout bounds how long a connection may take to send its PROXY
// header.
const HeaderTimeout = 10 * time.Second

// Listen binds addr. With proxyProtocol set, accepted connections are
// checked for a PROXY protocol header.
func Listen(addr string, proxyProtocol bool) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if proxyProtocol {
		return NewProxyListener(ln, HeaderTimeout), nil
	}
	return ln, nil
}

// proxyListener wraps accepted connections in a Conn.
type proxyListener struct {
	net.Listener
	timeout time.Duration
}

// NewProxyListener returns a listener whose connections parse an optional
// PROXY protocol header. Parsing happens on the connection's first use, so
// Accept never blocks on a slow client.
func NewProxyListener(ln net.Listener, timeout time.Duration) net.Listener {
	return &proxyListener{Listener: ln, timeout: timeout}
}

// Accept waits for and returns the next connection to the listener.
func (l *proxyListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(c, l.timeout), nil
}
