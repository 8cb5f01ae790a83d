// Package model defines shared types for the proxy.
package model

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Mode selects how inbound requests are intercepted.
type Mode int

const (
	// ModeReverse filters by URL path in front of a backend service.
	ModeReverse Mode = iota + 1
	// ModeForward filters by destination host on behalf of a client.
	ModeForward
)

func (m Mode) String() string {
	switch m {
	case ModeReverse:
		return "reverse"
	case ModeForward:
		return "forward"
	default:
		return "unknown"
	}
}

// ParseMode converts a configuration value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "reverse":
		return ModeReverse, nil
	case "forward":
		return ModeForward, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Action is what a matching policy rule does with a request.
type Action int

const (
	ActionAllow Action = iota + 1
	ActionDeny
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// ParseAction converts a configuration value into an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "allow":
		return ActionAllow, nil
	case "deny":
		return ActionDeny, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// Decision is the terminal outcome of policy evaluation.
type Decision int

const (
	DecisionAllow Decision = iota + 1
	DecisionDeny
	DecisionNotFound
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDeny:
		return "deny"
	case DecisionNotFound:
		return "not_found"
	default:
		return "none"
	}
}

// Passthrough is the upstream value of a forward-mode rule that relays to the
// destination the client asked for.
const Passthrough = "passthrough"

// PolicyRule is one entry of the policy table.
type PolicyRule struct {
	Mode Mode
	// Match is a path prefix in reverse mode and an exact host in forward mode.
	Match    string
	Action   Action
	Upstream string // host:port or Passthrough; empty for deny rules
}

// Verdict is the result of evaluating a descriptor against the policy table.
type Verdict struct {
	Decision Decision
	Upstream string
	Rule     int // index of the matching rule, -1 when nothing matched
}

// RequestDescriptor is a classified inbound request.
type RequestDescriptor struct {
	Ctx    context.Context
	Mode   Mode
	Method string

	// RoutingKey is the cleaned URL path (reverse) or normalized host (forward).
	RoutingKey string

	// Target carries the outbound path and query. In forward mode it is the
	// absolute URI the client requested.
	Target *url.URL

	// Authority is the destination host:port for forward-mode requests.
	Authority string

	// Tunnel is true for CONNECT requests.
	Tunnel bool

	Host          string
	Header        http.Header
	ClientAddress string
	RequestID     string
	ContentLength int64
	Body          io.ReadCloser
}

// ForwardingContext captures where a request came from before it leaves this hop.
type ForwardingContext struct {
	OriginalClient string
	Chain          []string
	// Via is the inbound Via list with this hop appended.
	Via       []string
	DecidedAt time.Time
}

// UpstreamResponse represents the upstream response to be streamed back.
type UpstreamResponse struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
}
