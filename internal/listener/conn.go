package listener

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
)

var errCloseWriteUnsupported = errors.New("connection does not support half-close")

// Conn is a net.Conn that reads a PROXY protocol header, if present, from
// the start of the stream.
type Conn struct {
	net.Conn
	rd      *bufio.Reader
	timeout time.Duration

	once   sync.Once
	hdr    *proxyproto.Header
	local  net.Addr
	remote net.Addr
	err    error
}

// NewConn wraps nc. The header is read on the first call to Read,
// LocalAddr, or RemoteAddr, waiting at most timeout for it.
func NewConn(nc net.Conn, timeout time.Duration) *Conn {
	return &Conn{
		Conn:    nc,
		rd:      bufio.NewReader(nc),
		timeout: timeout,
	}
}

func (c *Conn) init() {
	c.once.Do(func() {
		if c.timeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
			defer func() { _ = c.Conn.SetReadDeadline(time.Time{}) }()
		}

		hdr, err := proxyproto.Read(c.rd)
		switch err {
		case nil:
			c.hdr = hdr
			// LOCAL headers come from the balancer's own health checks and
			// carry no client address.
			if hdr.Command == proxyproto.PROXY {
				c.local = proxyAddr(hdr.TransportProtocol, hdr.DestinationAddress, hdr.DestinationPort)
				c.remote = proxyAddr(hdr.TransportProtocol, hdr.SourceAddress, hdr.SourcePort)
			}
		case proxyproto.ErrNoProxyProtocol, proxyproto.ErrInvalidLength:
			// Not a PROXY connection; the stream is used as is.
		default:
			c.err = err
		}
	})
}

// Header returns the PROXY header, or nil if the client sent none.
func (c *Conn) Header() *proxyproto.Header {
	c.init()
	return c.hdr
}

// Read reads data from the connection, after any PROXY header.
func (c *Conn) Read(b []byte) (int, error) {
	c.init()
	if c.err != nil {
		return 0, c.err
	}
	return c.rd.Read(b)
}

// LocalAddr returns the destination address from the PROXY header, or the
// socket's own local address.
func (c *Conn) LocalAddr() net.Addr {
	c.init()
	if c.local == nil {
		return c.Conn.LocalAddr()
	}
	return c.local
}

// RemoteAddr returns the source address from the PROXY header, or the
// socket's own remote address.
func (c *Conn) RemoteAddr() net.Addr {
	c.init()
	if c.remote == nil {
		return c.Conn.RemoteAddr()
	}
	return c.remote
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errCloseWriteUnsupported
}

// proxyAddr builds a net.Addr from the header's address family.
func proxyAddr(proto proxyproto.AddressFamilyAndProtocol, ip net.IP, port uint16) net.Addr {
	network := networkOf(proto)
	switch {
	case strings.HasPrefix(network, "unix"):
		return &net.UnixAddr{Net: network, Name: ip.String()}
	case strings.HasPrefix(network, "udp"):
		return &net.UDPAddr{IP: ip, Port: int(port)}
	default:
		return &net.TCPAddr{IP: ip, Port: int(port)}
	}
}

func networkOf(afp proxyproto.AddressFamilyAndProtocol) string {
	switch {
	case afp.IsIPv4() && afp.IsStream():
		return "tcp4"
	case afp.IsIPv4():
		return "udp4"
	case afp.IsIPv6() && afp.IsStream():
		return "tcp6"
	case afp.IsIPv6():
		return "udp6"
	case afp.IsUnix() && afp.IsStream():
		return "unix"
	case afp.IsUnix():
		return "unixgram"
	default:
		return "unspec"
	}
}
