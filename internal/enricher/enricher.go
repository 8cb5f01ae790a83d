// Package enricher builds the header set a request carries when it leaves
// this hop: forwarding chain, real client address, provenance, and no
// hop-by-hop headers.
package enricher

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang/gddo/httputil/header"

	"policy-proxy-go/internal/config"
	"policy-proxy-go/internal/model"
)

// Header names written by the enricher.
const (
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderForwardedHost  = "X-Forwarded-Host"
	HeaderForwardedProto = "X-Forwarded-Proto"
	HeaderRealIP         = "X-Real-Ip"
	HeaderVia            = "Via"
	HeaderProxyHop       = "X-Proxy-Hop"
	HeaderRequestID      = "X-Request-Id"
)

// hopByHopHeaders are meaningful for a single connection only. The names are
// canonicalized. The list is the one httputil.ReverseProxy uses.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Enricher adds this hop's forwarding headers.
type Enricher struct {
	hop string
	via string
	now func() time.Time
}

// New creates an Enricher identifying this hop by the configured hop name.
func New(cfg *config.Config) *Enricher {
	return NewWithHop(cfg.Proxy.HopName)
}

// NewWithHop creates an Enricher for the given hop name.
func NewWithHop(hop string) *Enricher {
	return &Enricher{
		hop: hop,
		via: "1.1 " + hop,
		now: time.Now,
	}
}

// Hop returns the hop name.
func (e *Enricher) Hop() string {
	return e.hop
}

// Context builds the ForwardingContext for d from the client address and any
// forwarding headers already present. The client and this hop are always
// appended: a request arriving here has not yet been enriched by this pass.
func (e *Enricher) Context(d *model.RequestDescriptor) *model.ForwardingContext {
	chain := append(header.ParseList(d.Header, HeaderForwardedFor), d.ClientAddress)
	via := append(header.ParseList(d.Header, HeaderVia), e.via)

	original := strings.TrimSpace(d.Header.Get(HeaderRealIP))
	if original == "" {
		original = d.ClientAddress
	}

	return &model.ForwardingContext{
		OriginalClient: original,
		Chain:          chain,
		Via:            via,
		DecidedAt:      e.now(),
	}
}

// Headers returns the outbound header set for d. It is computed from d.Header,
// which it never modifies, and fc alone, so applying it again for the same
// request yields the same set without duplicating chain entries.
func (e *Enricher) Headers(d *model.RequestDescriptor, fc *model.ForwardingContext) http.Header {
	out := d.Header.Clone()
	if out == nil {
		out = make(http.Header)
	}
	StripHopByHop(out)

	out.Set(HeaderForwardedFor, strings.Join(fc.Chain, ", "))
	out.Set(HeaderRealIP, fc.OriginalClient)
	out.Set(HeaderProxyHop, e.hop)
	out.Set(HeaderVia, strings.Join(fc.Via, ", "))

	if out.Get(HeaderForwardedProto) == "" {
		out.Set(HeaderForwardedProto, "http")
	}
	if out.Get(HeaderForwardedHost) == "" && d.Host != "" {
		out.Set(HeaderForwardedHost, d.Host)
	}
	if d.RequestID != "" {
		out.Set(HeaderRequestID, d.RequestID)
	}

	return out
}

// ResponseHeaders strips hop-by-hop headers from an upstream response and
// stamps this hop's provenance on it.
func (e *Enricher) ResponseHeaders(h http.Header) http.Header {
	StripHopByHop(h)
	h.Set(HeaderProxyHop, e.hop)
	e.appendVia(h)
	return h
}

// Looped reports whether h shows this hop at least twice in its Via list,
// which means a rule routes traffic back through the proxy.
func (e *Enricher) Looped(h http.Header) bool {
	n := 0
	for _, v := range header.ParseList(h, HeaderVia) {
		if v == e.via {
			n++
		}
	}
	return n >= 2
}

// appendVia adds this hop to h's Via list unless it is already the last entry.
func (e *Enricher) appendVia(h http.Header) {
	via := header.ParseList(h, HeaderVia)
	if last(via) != e.via {
		via = append(via, e.via)
	}
	h.Set(HeaderVia, strings.Join(via, ", "))
}

// StripHopByHop removes hop-by-hop headers from h, including any header
// named in a Connection header.
func StripHopByHop(h http.Header) {
	for _, name := range header.ParseList(h, "Connection") {
		h.Del(name)
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// IsHopByHop checks if a given header name is a hop-by-hop header. The name
// must already be canonicalized with http.CanonicalHeaderKey().
func IsHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if h == name {
			return true
		}
	}
	return false
}

func last(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}
