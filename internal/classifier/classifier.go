// Package classifier turns an inbound HTTP request into a RequestDescriptor.
package classifier

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"

	"policy-proxy-go/internal/hostname"
	"policy-proxy-go/internal/model"
)

// ErrMalformedRequest is returned when the request target cannot be resolved
// to a routing key for the listener's mode.
var ErrMalformedRequest = errors.New("malformed request")

// Classify extracts the routing key and metadata from req. It has no side
// effects; the descriptor shares req's header map and body.
func Classify(req *http.Request, mode model.Mode) (*model.RequestDescriptor, error) {
	d := &model.RequestDescriptor{
		Ctx:           req.Context(),
		Mode:          mode,
		Method:        req.Method,
		Host:          req.Host,
		Header:        req.Header,
		ClientAddress: clientAddress(req.RemoteAddr),
		ContentLength: req.ContentLength,
		Body:          req.Body,
	}

	var err error
	switch mode {
	case model.ModeReverse:
		err = classifyReverse(req, d)
	case model.ModeForward:
		if req.Method == http.MethodConnect {
			err = classifyConnect(req, d)
		} else {
			err = classifyAbsolute(req, d)
		}
	default:
		err = fmt.Errorf("unsupported mode %s", mode)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	return d, nil
}

// classifyReverse keys on the cleaned URL path so that dot segments cannot
// step out of a matched prefix.
func classifyReverse(req *http.Request, d *model.RequestDescriptor) error {
	if req.Method == http.MethodConnect {
		return errors.New("CONNECT is not accepted in reverse mode")
	}
	p := req.URL.Path
	if p == "" || p[0] != '/' {
		return fmt.Errorf("request target %q is not an absolute path", req.RequestURI)
	}

	cleaned := CleanPath(p)
	d.RoutingKey = cleaned
	d.Target = &url.URL{Path: cleaned, RawQuery: req.URL.RawQuery}
	return nil
}

// classifyConnect handles authority-form targets used to open tunnels.
func classifyConnect(req *http.Request, d *model.RequestDescriptor) error {
	authority := req.URL.Host
	if authority == "" {
		authority = req.Host
	}

	host, port, err := hostname.SplitAuthority(authority)
	if err != nil {
		return fmt.Errorf("CONNECT target %q: %w", authority, err)
	}

	d.Tunnel = true
	d.RoutingKey = host
	d.Authority = net.JoinHostPort(host, port)
	d.Target = &url.URL{Host: d.Authority}
	return nil
}

// classifyAbsolute handles absolute-URI targets for plain HTTP forwarding.
func classifyAbsolute(req *http.Request, d *model.RequestDescriptor) error {
	u := req.URL
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("request target %q is not an absolute URI", req.RequestURI)
	}
	if !strings.EqualFold(u.Scheme, "http") {
		return fmt.Errorf("scheme %q cannot be forwarded; use CONNECT", u.Scheme)
	}

	host, err := hostname.Normalize(u.Hostname())
	if err != nil {
		return err
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}

	target := *u
	target.Scheme = "http"
	target.User = nil
	if target.Path == "" {
		target.Path = "/"
	}

	d.RoutingKey = host
	d.Authority = net.JoinHostPort(host, port)
	d.Target = &target
	return nil
}

// CleanPath applies path.Clean while keeping a trailing slash.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if p[len(p)-1] == '/' && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// clientAddress strips the port from a RemoteAddr.
func clientAddress(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
