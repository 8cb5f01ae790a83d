package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"policy-proxy-go/internal/config"
)

// dialError marks a failure to establish the upstream TCP connection.
type dialError struct {
	addr string
	err  error
}

func (e *dialError) Error() string {
	return fmt.Sprintf("dial %s: %v", e.addr, e.err)
}

func (e *dialError) Unwrap() error {
	return e.err
}

// DefaultMaxHosts bounds how many upstream hosts keep a transport at once.
const DefaultMaxHosts = 1024

// Pool keeps one http.Transport per upstream host so that idle and total
// connection limits apply to each target separately. Ports of one host share
// a transport, which pools per host:port internally.
type Pool struct {
	dialer        *net.Dialer
	idlePerTarget int
	maxPerTarget  int
	headerTimeout time.Duration
	idleTimeout   time.Duration
	maxHosts      int

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// NewPool creates an empty Pool using the upstream limits from cfg.
func NewPool(cfg *config.Config) *Pool {
	return &Pool{
		dialer: &net.Dialer{
			Timeout:   time.Duration(cfg.Upstream.ConnectTimeoutSeconds) * time.Second,
			KeepAlive: 30 * time.Second,
		},
		idlePerTarget: cfg.Upstream.IdleConnections,
		maxPerTarget:  cfg.Upstream.MaxConnections,
		headerTimeout: time.Duration(cfg.Upstream.ResponseHeaderTimeoutSeconds) * time.Second,
		idleTimeout:   90 * time.Second,
		maxHosts:      DefaultMaxHosts,
		transports:    make(map[string]*http.Transport),
	}
}

// RoundTrip sends req over the transport for req.URL.Host.
func (p *Pool) RoundTrip(req *http.Request) (*http.Response, error) {
	return p.transport(req.URL.Host).RoundTrip(req)
}

// DialContext opens a raw TCP connection to addr within the connect timeout.
func (p *Pool) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := p.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, &dialError{addr: addr, err: err}
	}
	return conn, nil
}

// Size returns the number of upstream hosts with a transport.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports)
}

// CloseIdleConnections closes idle connections to every target.
func (p *Pool) CloseIdleConnections() {
	p.mu.Lock()
	transports := make([]*http.Transport, 0, len(p.transports))
	for _, t := range p.transports {
		transports = append(transports, t)
	}
	p.mu.Unlock()

	for _, t := range transports {
		t.CloseIdleConnections()
	}
}

// transport returns the transport for target's host, creating it on first
// use. When maxHosts transports exist, one is evicted first; requests already
// using it finish normally. Only map access happens under the lock.
func (p *Pool) transport(target string) *http.Transport {
	key := hostKey(target)

	p.mu.Lock()
	if t, ok := p.transports[key]; ok {
		p.mu.Unlock()
		return t
	}

	var evicted *http.Transport
	if p.maxHosts > 0 && len(p.transports) >= p.maxHosts {
		for k, t := range p.transports {
			evicted = t
			delete(p.transports, k)
			break
		}
	}

	t := &http.Transport{
		Proxy:                 nil,
		DialContext:           p.DialContext,
		MaxIdleConns:          p.idlePerTarget,
		MaxIdleConnsPerHost:   p.idlePerTarget,
		MaxConnsPerHost:       p.maxPerTarget,
		IdleConnTimeout:       p.idleTimeout,
		ResponseHeaderTimeout: p.headerTimeout,
		DisableCompression:    true,
	}
	p.transports[key] = t
	p.mu.Unlock()

	if evicted != nil {
		evicted.CloseIdleConnections()
	}
	return t
}

// hostKey drops the port from a host:port target.
func hostKey(target string) string {
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		return target
	}
	return host
}
