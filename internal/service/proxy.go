// Package service implements the per-request proxy pipeline: classify,
// evaluate, enrich, forward.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"policy-proxy-go/internal/classifier"
	"policy-proxy-go/internal/enricher"
	"policy-proxy-go/internal/model"
	"policy-proxy-go/internal/policy"
	"policy-proxy-go/internal/upstream"
)

// ErrNotAllowed is returned when Forward or OpenTunnel is called with a
// verdict other than Allow.
var ErrNotAllowed = errors.New("request not allowed by policy")

// ProxyService runs classified requests through the policy table and sends
// allowed ones upstream. It holds no per-request state.
type ProxyService struct {
	table     *policy.Table
	enricher  *enricher.Enricher
	forwarder *upstream.Forwarder
	logger    *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(table *policy.Table, enr *enricher.Enricher, fwd *upstream.Forwarder, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		table:     table,
		enricher:  enr,
		forwarder: fwd,
		logger:    logger.With("component", "proxy_service"),
	}
}

// Classify builds the descriptor for req on a listener running in mode.
func (s *ProxyService) Classify(req *http.Request, mode model.Mode, requestID string) (*model.RequestDescriptor, error) {
	d, err := classifier.Classify(req, mode)
	if err != nil {
		return nil, err
	}
	d.RequestID = requestID
	return d, nil
}

// Evaluate returns the policy verdict for d. A request that has already
// passed through this hop twice is denied regardless of the table.
func (s *ProxyService) Evaluate(d *model.RequestDescriptor) model.Verdict {
	if s.enricher.Looped(d.Header) {
		s.logger.Warn("forwarding loop detected",
			"mode", d.Mode.String(),
			"routing_key", d.RoutingKey,
			"request_id", d.RequestID,
		)
		return model.Verdict{Decision: model.DecisionDeny, Rule: -1}
	}
	return policy.Evaluate(d, s.table)
}

// Target resolves the upstream address for an allowed verdict.
func (s *ProxyService) Target(d *model.RequestDescriptor, v model.Verdict) string {
	if v.Upstream == model.Passthrough {
		return d.Authority
	}
	return v.Upstream
}

// Forward enriches d's headers and sends it to the verdict's upstream. The
// returned response carries this hop's provenance and no hop-by-hop
// headers. The caller must close the response body.
func (s *ProxyService) Forward(d *model.RequestDescriptor, v model.Verdict) (*model.UpstreamResponse, error) {
	if v.Decision != model.DecisionAllow {
		return nil, ErrNotAllowed
	}

	fc := s.enricher.Context(d)
	header := s.enricher.Headers(d, fc)
	target := s.Target(d, v)

	s.logger.Debug("forwarding request",
		"method", d.Method,
		"routing_key", d.RoutingKey,
		"upstream", target,
		"chain", fc.Chain,
	)

	resp, err := s.forwarder.Forward(d, header, target)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = s.enricher.ResponseHeaders(resp.Header)
	return resp, nil
}

// OpenTunnel dials the upstream for an allowed CONNECT request.
func (s *ProxyService) OpenTunnel(d *model.RequestDescriptor, v model.Verdict) (net.Conn, error) {
	if v.Decision != model.DecisionAllow {
		return nil, ErrNotAllowed
	}
	if !d.Tunnel {
		return nil, fmt.Errorf("%w: not a tunnel request", classifier.ErrMalformedRequest)
	}

	ctx := d.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	conn, err := s.forwarder.Dial(ctx, s.Target(d, v))
	if err != nil {
		return nil, fmt.Errorf("open tunnel: %w", err)
	}
	return conn, nil
}

// Tunnel relays an established tunnel until either side closes.
func (s *ProxyService) Tunnel(ctx context.Context, client net.Conn, clientReader io.Reader, upstreamConn net.Conn) (up, down int64, err error) {
	return s.forwarder.Tunnel(ctx, client, clientReader, upstreamConn)
}

// Hop returns this proxy's hop name.
func (s *ProxyService) Hop() string {
	return s.enricher.Hop()
}
