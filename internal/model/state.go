package model

import "time"

// State indicates a request's progress through its life-cycle.
type State int

const (
	StateAccepted State = iota
	StateClassifying
	StateEvaluating
	StateForwarding
	StateResponding
	StateRejecting
	StateClosed
)

var stateNames = [...]string{
	StateAccepted:    "accepted",
	StateClassifying: "classifying",
	StateEvaluating:  "evaluating",
	StateForwarding:  "forwarding",
	StateResponding:  "responding",
	StateRejecting:   "rejecting",
	StateClosed:      "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// transitions lists the non-terminal moves a request may make. Closed is
// reachable from every state through Trace.Close.
var transitions = map[State][]State{
	StateAccepted:    {StateClassifying},
	StateClassifying: {StateEvaluating, StateRejecting},
	StateEvaluating:  {StateForwarding, StateRejecting},
	StateForwarding:  {StateResponding, StateRejecting},
}

// StatusClientClosed is recorded for requests whose client went away before
// a response could be written. It is never sent.
const StatusClientClosed = 499

// Trace records what happened to one inbound request. It is owned by the
// goroutine serving the request.
type Trace struct {
	Mode       Mode
	Method     string
	RoutingKey string
	Decision   Decision
	Upstream   string

	// Status overrides the response status for hijacked connections and
	// for requests that ended without a response.
	Status   int
	BytesIn  int64
	BytesOut int64

	// Abnormal is set when the request closed before a response was
	// completed, e.g. the client disconnected mid-stream.
	Abnormal bool
	Err      error

	StartedAt time.Time

	state State
}

// NewTrace returns a trace in the Accepted state.
func NewTrace() *Trace {
	return &Trace{StartedAt: time.Now()}
}

// State returns the current state.
func (t *Trace) State() State {
	return t.state
}

// Advance moves the trace to next. It reports false and leaves the state
// unchanged when the move is not a legal transition.
func (t *Trace) Advance(next State) bool {
	for _, s := range transitions[t.state] {
		if s == next {
			t.state = next
			return true
		}
	}
	return false
}

// Close moves the trace to Closed, marking it abnormal if the request was
// still in flight. A trace that never left Accepted belongs to a route
// outside the proxy pipeline. It reports false if the trace was already
// closed.
func (t *Trace) Close() bool {
	switch t.state {
	case StateClosed:
		return false
	case StateClassifying, StateEvaluating, StateForwarding:
		t.Abnormal = true
	}
	t.state = StateClosed
	return true
}

// Duration returns the time elapsed since the request was accepted.
func (t *Trace) Duration() time.Duration {
	return time.Since(t.StartedAt)
}
