// Package upstream sends allowed requests to their upstream targets and
// relays CONNECT tunnels.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"policy-proxy-go/internal/config"
	"policy-proxy-go/internal/metrics"
	"policy-proxy-go/internal/model"
)

// Errors returned by Forward and Dial. Callers map them to client responses.
var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrClientDisconnected  = errors.New("client disconnected")
)

// Forwarder relays requests over pooled upstream connections. It never
// retries and never follows redirects.
type Forwarder struct {
	client         *http.Client
	pool           *Pool
	requestTimeout time.Duration
	tunnelTimeout  time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics

	// errLog thins out upstream failure logs when an upstream is down.
	errLog rate.Sometimes
}

// NewForwarder creates a Forwarder over pool.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewForwarder(cfg *config.Config, pool *Pool, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		client: &http.Client{
			Transport: pool,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		pool:           pool,
		requestTimeout: time.Duration(cfg.Upstream.RequestTimeoutSeconds) * time.Second,
		tunnelTimeout:  time.Duration(cfg.Upstream.TunnelTimeoutSeconds) * time.Second,
		logger:         logger.With("component", "forwarder"),
		metrics:        m,
		errLog:         rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
}

// Forward sends d with header to the upstream at target ("host:port") and
// returns the response as soon as its headers arrive. The request body is
// streamed from d.Body and the response body is streamed by the caller.
// The caller must close the response body; closing it releases the
// upstream exchange.
func (f *Forwarder) Forward(d *model.RequestDescriptor, header http.Header, target string) (*model.UpstreamResponse, error) {
	parent := d.Ctx
	if parent == nil {
		parent = context.Background()
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if f.requestTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, f.requestTimeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}

	u := *d.Target
	u.Scheme = "http"
	u.Host = target
	u.User = nil
	u.Fragment = ""

	req, err := http.NewRequestWithContext(ctx, d.Method, u.String(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Host = d.Host
	req.Header = header
	req.ContentLength = d.ContentLength
	req.Body = d.Body
	if req.Body == nil || d.ContentLength == 0 {
		req.Body = http.NoBody
		req.ContentLength = 0
	}
	if _, ok := req.Header["User-Agent"]; !ok {
		// An empty value keeps the transport from adding its own.
		req.Header.Set("User-Agent", "")
	}

	f.logger.Debug("upstream request",
		"method", d.Method,
		"upstream", target,
		"request_id", d.RequestID,
	)

	start := time.Now()
	resp, err := f.client.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	f.observe(d.Mode, time.Since(start))

	if err != nil {
		cancel()
		kind := classify(parent, ctx, err)
		f.recordError(kind, target, d.RequestID, err)
		return nil, fmt.Errorf("%w: %v", kind, err)
	}

	return &model.UpstreamResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

// Dial opens a raw connection to target ("host:port") for a tunnel.
func (f *Forwarder) Dial(ctx context.Context, target string) (net.Conn, error) {
	conn, err := f.pool.DialContext(ctx, "tcp", target)
	if err != nil {
		kind := classify(ctx, ctx, err)
		f.recordError(kind, target, "", err)
		return nil, fmt.Errorf("%w: %v", kind, err)
	}
	return conn, nil
}

// Tunnel relays bytes between client and upstream until either side
// finishes, ctx is canceled, or the tunnel timeout elapses. Both
// connections are closed on return.
func (f *Forwarder) Tunnel(ctx context.Context, client net.Conn, clientReader io.Reader, upstream net.Conn) (up, down int64, err error) {
	if f.tunnelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.tunnelTimeout)
		defer cancel()
	}

	if f.metrics != nil {
		f.metrics.TunnelsActive.Inc()
		defer f.metrics.TunnelsActive.Dec()
	}

	up, down, err = Pipe(ctx, client, clientReader, upstream)

	if f.metrics != nil {
		f.metrics.TunnelBytes.WithLabelValues(metrics.DirectionUp).Add(float64(up))
		f.metrics.TunnelBytes.WithLabelValues(metrics.DirectionDown).Add(float64(down))
	}
	return up, down, err
}

func (f *Forwarder) observe(mode model.Mode, d time.Duration) {
	if f.metrics == nil {
		return
	}
	f.metrics.UpstreamDuration.WithLabelValues(mode.String()).Observe(d.Seconds())
}

func (f *Forwarder) recordError(kind error, target, requestID string, err error) {
	if f.metrics != nil {
		f.metrics.UpstreamErrors.WithLabelValues(errorKind(kind)).Inc()
	}
	if errors.Is(kind, ErrClientDisconnected) {
		return
	}
	f.errLog.Do(func() {
		f.logger.Warn("upstream failed",
			"upstream", target,
			"kind", errorKind(kind),
			"request_id", requestID,
			"err", err,
		)
	})
}

// classify maps a transport error to one of the package sentinels. parent
// is the client's context and ctx the derived per-request context.
func classify(parent, ctx context.Context, err error) error {
	if parent.Err() != nil {
		return ErrClientDisconnected
	}

	var de *dialError
	if errors.As(err, &de) {
		return ErrUpstreamUnreachable
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrUpstreamTimeout
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrUpstreamTimeout
	}

	return ErrUpstreamUnreachable
}

func errorKind(kind error) string {
	switch {
	case errors.Is(kind, ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(kind, ErrClientDisconnected):
		return "client_disconnected"
	default:
		return "unreachable"
	}
}

// cancelOnClose releases the per-request context once the caller is done
// with the response body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
