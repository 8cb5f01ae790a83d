package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"policy-proxy-go/internal/middleware"
	"policy-proxy-go/internal/model"
	"policy-proxy-go/internal/service"
)

const connectEstablished = "HTTP/1.1 200 Connection established\r\n\r\n"

// ProxyHandler runs inbound requests through the proxy pipeline and relays
// the outcome to the client.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Reverse handles requests on the reverse-mode listener.
func (h *ProxyHandler) Reverse(c echo.Context) error {
	return h.handle(c, model.ModeReverse)
}

// Forward handles requests on the forward-mode listener, including CONNECT.
func (h *ProxyHandler) Forward(c echo.Context) error {
	return h.handle(c, model.ModeForward)
}

func (h *ProxyHandler) handle(c echo.Context, mode model.Mode) error {
	req := c.Request()
	tr := middleware.Trace(c)
	tr.Mode = mode
	tr.Method = req.Method

	tr.Advance(model.StateClassifying)
	d, err := h.service.Classify(req, mode, c.Response().Header().Get(echo.HeaderXRequestID))
	if err != nil {
		return h.reject(c, tr, err)
	}
	tr.RoutingKey = d.RoutingKey

	tr.Advance(model.StateEvaluating)
	v := h.service.Evaluate(d)
	tr.Decision = v.Decision
	switch v.Decision {
	case model.DecisionAllow:
	case model.DecisionNotFound:
		return h.reject(c, tr, errNotFound)
	default:
		return h.reject(c, tr, errDenied)
	}

	tr.Advance(model.StateForwarding)
	tr.Upstream = h.service.Target(d, v)
	if d.Tunnel {
		return h.tunnel(c, tr, d, v)
	}

	resp, err := h.service.Forward(d, v)
	if err != nil {
		return h.reject(c, tr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	tr.Advance(model.StateResponding)
	h.relay(c, tr, resp)
	return nil
}

// reject moves the trace to Rejecting and writes the generic response for
// err. Nothing is written when the client has gone away.
func (h *ProxyHandler) reject(c echo.Context, tr *model.Trace, err error) error {
	tr.Advance(model.StateRejecting)

	code, ok := rejectionStatus(err)
	if !errors.Is(err, errDenied) && !errors.Is(err, errNotFound) {
		tr.Err = err
	}
	if !ok {
		tr.Status = model.StatusClientClosed
		tr.Abnormal = true
		return nil
	}
	return writeRejection(c, code)
}

// relay streams the upstream response to the client in arrival order.
// Responses without a known length are flushed after every read.
func (h *ProxyHandler) relay(c echo.Context, tr *model.Trace, resp *model.UpstreamResponse) {
	res := c.Response()
	for k, vv := range resp.Header {
		res.Header()[k] = vv
	}

	// The upstream may answer before it has read the whole request body.
	_ = http.NewResponseController(res).EnableFullDuplex()

	res.WriteHeader(resp.StatusCode)
	tr.Status = resp.StatusCode

	n, err := copyBody(res, resp.Body, resp.ContentLength < 0)
	tr.BytesOut = n
	if err != nil {
		tr.Err = err
		tr.Abnormal = true
		h.logger.Debug("streaming response body",
			"err", err,
			"routing_key", tr.RoutingKey,
		)
	}
}

// tunnel dials the upstream, answers the CONNECT, and pipes raw bytes until
// either side closes.
func (h *ProxyHandler) tunnel(c echo.Context, tr *model.Trace, d *model.RequestDescriptor, v model.Verdict) error {
	upConn, err := h.service.OpenTunnel(d, v)
	if err != nil {
		return h.reject(c, tr, err)
	}

	conn, rw, err := c.Response().Hijack()
	if err != nil {
		_ = upConn.Close()
		return h.reject(c, tr, err)
	}
	// The server's read and write deadlines do not apply to tunnels.
	_ = conn.SetDeadline(time.Time{})

	tr.Advance(model.StateResponding)
	tr.Status = http.StatusOK

	_, err = rw.WriteString(connectEstablished)
	if err == nil {
		err = rw.Flush()
	}
	if err != nil {
		_ = conn.Close()
		_ = upConn.Close()
		tr.Err = err
		tr.Abnormal = true
		return nil
	}

	up, down, err := h.service.Tunnel(c.Request().Context(), conn, rw.Reader, upConn)
	tr.BytesIn, tr.BytesOut = up, down
	if err != nil {
		tr.Err = err
		tr.Abnormal = true
	}
	return nil
}

// copyBody copies src to dst, flushing after each write when flush is set.
func copyBody(dst *echo.Response, src io.Reader, flush bool) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if flush {
				dst.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
