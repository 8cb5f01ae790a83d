package handler

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"policy-proxy-go/internal/middleware"
	"policy-proxy-go/internal/model"
	"policy-proxy-go/internal/upstream"
)

func TestReverse_Scenario(t *testing.T) {
	up := newCountingUpstream(t, "allowed-body")
	h, _ := newTestHandler(t,
		model.PolicyRule{Mode: model.ModeReverse, Match: "/api/allowed", Action: model.ActionAllow, Upstream: up.Addr()},
		model.PolicyRule{Mode: model.ModeReverse, Match: "/api/blocked", Action: model.ActionDeny},
	)
	srv := newProxyServer(t, model.ModeReverse, h)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
		wantError  string
		wantHit    bool
	}{
		{"allowed", "/api/allowed", http.StatusOK, "allowed-body", "", true},
		{"allowed subpath", "/api/allowed/items/1?x=2", http.StatusOK, "allowed-body", "", true},
		{"blocked", "/api/blocked", http.StatusForbidden, "", "forbidden", false},
		{"dot segments into blocked", "/api/allowed/../blocked", http.StatusForbidden, "", "forbidden", false},
		{"unknown", "/api/unknown", http.StatusNotFound, "", "not found", false},
		{"prefix without boundary", "/api/allowedx", http.StatusNotFound, "", "not found", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := up.hits.Load()

			req, err := http.NewRequest(http.MethodGet, srv.URL+tt.path, http.NoBody)
			if err != nil {
				t.Fatalf("NewRequest: %v", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}

			if tt.wantError != "" {
				if got := decodeError(t, resp.Body); got != tt.wantError {
					t.Errorf("error = %q, want %q", got, tt.wantError)
				}
			} else {
				body, _ := io.ReadAll(resp.Body)
				if string(body) != tt.wantBody {
					t.Errorf("body = %q, want %q", string(body), tt.wantBody)
				}
				if via := resp.Header.Get("Via"); via != "1.1 edge-1" {
					t.Errorf("Via = %q, want %q", via, "1.1 edge-1")
				}
			}

			hit := up.hits.Load() != before
			if hit != tt.wantHit {
				t.Errorf("upstream hit = %v, want %v", hit, tt.wantHit)
			}
		})
	}
}

func TestReverse_EnrichesUpstreamRequest(t *testing.T) {
	up := newCountingUpstream(t, "ok")
	h, _ := newTestHandler(t,
		model.PolicyRule{Mode: model.ModeReverse, Match: "/", Action: model.ActionAllow, Upstream: up.Addr()},
	)
	srv := newProxyServer(t, model.ModeReverse, h)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/anything", http.NoBody)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	req.Header.Set("Connection", "X-Secret-Hop")
	req.Header.Set("X-Secret-Hop", "1")
	req.Header.Set("X-Request-Id", "req-42")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	_ = resp.Body.Close()

	seen := up.last.Load()
	if seen == nil {
		t.Fatal("upstream was not called")
	}
	if got := seen.Header.Get("X-Forwarded-For"); got != "203.0.113.7, 127.0.0.1" {
		t.Errorf("X-Forwarded-For = %q", got)
	}
	if got := seen.Header.Get("X-Real-Ip"); got != "127.0.0.1" {
		t.Errorf("X-Real-Ip = %q", got)
	}
	if got := seen.Header.Get("X-Secret-Hop"); got != "" {
		t.Errorf("X-Secret-Hop = %q, want stripped", got)
	}
	if got := seen.Header.Get("X-Proxy-Hop"); got != "edge-1" {
		t.Errorf("X-Proxy-Hop = %q", got)
	}
	if got := seen.Header.Get("X-Request-Id"); got != "req-42" {
		t.Errorf("X-Request-Id = %q, want the inbound request ID", got)
	}
}

func TestReverse_UpstreamUnreachable(t *testing.T) {
	h, _ := newTestHandler(t,
		model.PolicyRule{Mode: model.ModeReverse, Match: "/", Action: model.ActionAllow, Upstream: "127.0.0.1:1"},
	)
	srv := newProxyServer(t, model.ModeReverse, h)

	resp, err := http.Get(srv.URL + "/x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadGateway)
	}
	if got := decodeError(t, resp.Body); got != "bad gateway" {
		t.Errorf("error = %q, want %q", got, "bad gateway")
	}
}

func TestReverse_StreamsResponse(t *testing.T) {
	release := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "first")
		_ = http.NewResponseController(w).Flush()
		<-release
		_, _ = io.WriteString(w, "second")
	}))
	defer up.Close()
	defer close(release)

	h, _ := newTestHandler(t,
		model.PolicyRule{Mode: model.ModeReverse, Match: "/", Action: model.ActionAllow, Upstream: strings.TrimPrefix(up.URL, "http://")},
	)
	srv := newProxyServer(t, model.ModeReverse, h)

	resp, err := http.Get(srv.URL + "/stream")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	buf := make([]byte, len("first"))
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(resp.Body, buf)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("read first chunk: %v", err)
		}
		if string(buf) != "first" {
			t.Errorf("first chunk = %q", string(buf))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk was not relayed before the upstream finished")
	}
}

func TestForward_AbsoluteURI(t *testing.T) {
	up := newCountingUpstream(t, "from-example")
	h, _ := newTestHandler(t,
		model.PolicyRule{Mode: model.ModeForward, Match: "example.com", Action: model.ActionAllow, Upstream: up.Addr()},
	)
	srv := newProxyServer(t, model.ModeForward, h)

	proxyURL, _ := url.Parse(srv.URL)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	defer client.CloseIdleConnections()

	resp, err := client.Get("http://example.com/path?q=1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK || string(body) != "from-example" {
		t.Errorf("response = %d %q", resp.StatusCode, string(body))
	}
	seen := up.last.Load()
	if seen == nil {
		t.Fatal("upstream was not called")
	}
	if seen.Host != "example.com" || seen.RequestURI != "/path?q=1" {
		t.Errorf("upstream saw Host %q URI %q", seen.Host, seen.RequestURI)
	}

	before := up.hits.Load()
	resp, err = client.Get("http://google.com/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("denied host status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	if up.hits.Load() != before {
		t.Error("denied request reached the upstream")
	}
}

func TestForward_OriginFormIsMalformed(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := newProxyServer(t, model.ModeForward, h)

	resp, err := http.Get(srv.URL + "/not-a-proxy-request")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if got := decodeError(t, resp.Body); got != "malformed request" {
		t.Errorf("error = %q", got)
	}
}

// connect sends a CONNECT for authority through the proxy at proxyAddr.
func connect(t *testing.T, proxyAddr, authority string) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()

	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatalf("Dial proxy: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: authority},
		Host:   authority,
		Header: make(http.Header),
	}
	if err := req.Write(conn); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	return conn, br, resp
}

func TestForward_ConnectTunnel(t *testing.T) {
	upEcho := newEchoServer(t)
	h, _ := newTestHandler(t,
		model.PolicyRule{Mode: model.ModeForward, Match: "example.com", Action: model.ActionAllow, Upstream: upEcho.Addr()},
	)
	srv := newProxyServer(t, model.ModeForward, h)

	conn, br, resp := connect(t, srv.Listener.Addr().String(), "example.com:443")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if _, err := io.WriteString(conn, "opaque-bytes"); err != nil {
		t.Fatalf("write through tunnel: %v", err)
	}
	got := make([]byte, len("opaque-bytes"))
	if _, err := io.ReadFull(br, got); err != nil {
		t.Fatalf("read through tunnel: %v", err)
	}
	if string(got) != "opaque-bytes" {
		t.Errorf("tunnel echoed %q", string(got))
	}
	if n := upEcho.accepted.Load(); n != 1 {
		t.Errorf("upstream connections = %d, want 1", n)
	}
}

func TestForward_ConnectDenied(t *testing.T) {
	upEcho := newEchoServer(t)
	h, _ := newTestHandler(t,
		model.PolicyRule{Mode: model.ModeForward, Match: "example.com", Action: model.ActionAllow, Upstream: upEcho.Addr()},
	)
	srv := newProxyServer(t, model.ModeForward, h)

	_, _, resp := connect(t, srv.Listener.Addr().String(), "google.com:443")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("CONNECT status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}

	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), upEcho.Addr()) || strings.Contains(string(body), "example.com") {
		t.Errorf("rejection body leaks policy details: %q", string(body))
	}
	if n := upEcho.accepted.Load(); n != 0 {
		t.Errorf("upstream connections = %d, want 0", n)
	}
}

func TestForward_ConnectUnreachable(t *testing.T) {
	h, _ := newTestHandler(t,
		model.PolicyRule{Mode: model.ModeForward, Match: "example.com", Action: model.ActionAllow, Upstream: "127.0.0.1:1"},
	)
	srv := newProxyServer(t, model.ModeForward, h)

	_, _, resp := connect(t, srv.Listener.Addr().String(), "example.com:443")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("CONNECT status = %d, want %d", resp.StatusCode, http.StatusBadGateway)
	}
}

func TestReverse_SelfLoopDenied(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	// The only rule sends everything back to the proxy's own listener.
	h, _ := newTestHandler(t,
		model.PolicyRule{Mode: model.ModeReverse, Match: "/", Action: model.ActionAllow, Upstream: ln.Addr().String()},
	)

	var passes atomic.Int32
	countPasses := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			passes.Add(1)
			return next(c)
		}
	}
	srv := serveProxy(t, ln, model.ModeReverse, h, countPasses)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(srv.URL + "/loop")
	if err != nil {
		t.Fatalf("Get: %v (passes = %d)", err, passes.Load())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	if got := decodeError(t, resp.Body); got != "forbidden" {
		t.Errorf("error = %q, want %q", got, "forbidden")
	}
	if n := passes.Load(); n > 3 {
		t.Errorf("passes through proxy = %d, want at most 3", n)
	}
}

func TestReverse_ClientDisconnectMidStreamCancelsUpstream(t *testing.T) {
	canceled := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "first")
		_ = http.NewResponseController(w).Flush()
		select {
		case <-r.Context().Done():
			close(canceled)
		case <-time.After(10 * time.Second):
		}
	}))
	defer up.Close()

	h, _ := newTestHandler(t,
		model.PolicyRule{Mode: model.ModeReverse, Match: "/", Action: model.ActionAllow, Upstream: strings.TrimPrefix(up.URL, "http://")},
	)
	srv := newProxyServer(t, model.ModeReverse, h)

	resp, err := http.Get(srv.URL + "/stream")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	buf := make([]byte, len("first"))
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read first chunk: %v", err)
	}
	// Closing an unfinished body drops the client connection.
	_ = resp.Body.Close()

	select {
	case <-canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not canceled after the client went away")
	}
}

func TestReject_ClientDisconnectedWritesNothing(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/api", http.NoBody), rec)
	tr := middleware.Trace(c)
	tr.Advance(model.StateClassifying)
	tr.Advance(model.StateEvaluating)
	tr.Advance(model.StateForwarding)

	err := h.reject(c, tr, fmt.Errorf("forward to upstream: %w", upstream.ErrClientDisconnected))
	if err != nil {
		t.Fatalf("reject() error = %v", err)
	}

	if tr.Status != model.StatusClientClosed {
		t.Errorf("trace status = %d, want %d", tr.Status, model.StatusClientClosed)
	}
	if !tr.Abnormal {
		t.Error("trace not marked abnormal")
	}
	if c.Response().Committed || rec.Body.Len() != 0 {
		t.Errorf("response written: committed=%v body=%q", c.Response().Committed, rec.Body.String())
	}
}
