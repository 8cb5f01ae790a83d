package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"policy-proxy-go/internal/config"
	"policy-proxy-go/internal/enricher"
	"policy-proxy-go/internal/middleware"
	"policy-proxy-go/internal/model"
	"policy-proxy-go/internal/policy"
	"policy-proxy-go/internal/service"
	"policy-proxy-go/internal/upstream"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig() *config.Config {
	return &config.Config{
		Reverse: config.ListenerConfig{Listen: "127.0.0.1:0"},
		Forward: config.ListenerConfig{Listen: "127.0.0.1:0"},
		Proxy:   config.ProxyConfig{HopName: "edge-1"},
		Upstream: config.UpstreamConfig{
			ConnectTimeoutSeconds:        2,
			ResponseHeaderTimeoutSeconds: 5,
			RequestTimeoutSeconds:        10,
			TunnelTimeoutSeconds:         10,
			IdleConnections:              2,
		},
	}
}

func newTestHandler(t *testing.T, rules ...model.PolicyRule) (*ProxyHandler, *policy.Table) {
	t.Helper()

	cfg := testConfig()
	tbl, err := policy.NewTable(rules)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	pool := upstream.NewPool(cfg)
	t.Cleanup(pool.CloseIdleConnections)
	fwd := upstream.NewForwarder(cfg, pool, discardLogger, nil)
	svc := service.NewProxyService(tbl, enricher.New(cfg), fwd, discardLogger)

	return NewProxyHandler(svc, discardLogger), tbl
}

// newProxyServer serves h on a real listener so that CONNECT can hijack.
func newProxyServer(t *testing.T, mode model.Mode, h *ProxyHandler) *httptest.Server {
	t.Helper()
	return serveProxy(t, nil, mode, h)
}

// serveProxy serves h on ln, or on a fresh loopback listener when ln is nil.
// Extra middleware runs before the request logger.
func serveProxy(t *testing.T, ln net.Listener, mode model.Mode, h *ProxyHandler, mws ...echo.MiddlewareFunc) *httptest.Server {
	t.Helper()

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(discardLogger)
	e.Use(mws...)
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(discardLogger))
	if mode == model.ModeReverse {
		RegisterReverseRoutes(e, h)
	} else {
		RegisterForwardRoutes(e, h)
	}

	srv := httptest.NewUnstartedServer(e)
	if ln != nil {
		_ = srv.Listener.Close()
		srv.Listener = ln
	}
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

// countingUpstream is an HTTP upstream that records how often it was hit.
type countingUpstream struct {
	*httptest.Server
	hits atomic.Int32
	last atomic.Pointer[http.Request]
}

func newCountingUpstream(t *testing.T, body string) *countingUpstream {
	t.Helper()

	u := &countingUpstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		u.last.Store(r.Clone(r.Context()))
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *countingUpstream) Addr() string {
	return strings.TrimPrefix(u.URL, "http://")
}

// echoServer is a raw TCP upstream that echoes every connection and counts
// accepted connections.
type echoServer struct {
	ln       net.Listener
	accepted atomic.Int32
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	s := &echoServer{ln: ln}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.accepted.Add(1)
			go func() {
				defer func() { _ = conn.Close() }()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return s
}

func (s *echoServer) Addr() string {
	return s.ln.Addr().String()
}

func decodeError(t *testing.T, r io.Reader) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"]
}
