// Package endpoint tracks the health of a single upstream RPC endpoint.
package endpoint

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mixaill76/evm_gateway/internal/utils"
)

// State of an endpoint as seen by selection.
type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateDown
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "healthy":
		*s = StateHealthy
	case "degraded":
		*s = StateDegraded
	case "down":
		*s = StateDown
	default:
		return fmt.Errorf("endpoint: unknown state %q", text)
	}
	return nil
}

// Thresholds tune the state machine.
type Thresholds struct {
	// DegradeAfter consecutive failures move HEALTHY to DEGRADED.
	DegradeAfter int
	// DownAfter further failures move DEGRADED to DOWN.
	DownAfter int
	// LatencyAlpha is the EWMA smoothing factor in (0, 1].
	LatencyAlpha float64
}

func (t Thresholds) withDefaults() Thresholds {
	if t.DegradeAfter <= 0 {
		t.DegradeAfter = 3
	}
	if t.DownAfter <= 0 {
		t.DownAfter = 3
	}
	if t.LatencyAlpha <= 0 || t.LatencyAlpha > 1 {
		t.LatencyAlpha = 0.2
	}
	return t
}

// Transition describes a state change caused by a recorded outcome.
type Transition struct {
	From State
	To   State
}

func (t Transition) Changed() bool {
	return t.From != t.To
}

// Endpoint is one upstream node plus its mutable health record.
type Endpoint struct {
	Name     string
	URL      string
	WSURL    string
	Priority int

	thresholds Thresholds
	clock      utils.Clock

	mu          sync.Mutex
	state       State
	failures    int
	lastSuccess time.Time
	lastFailure time.Time
	latency     time.Duration
	samples     int
}

func New(name, url, wsURL string, priority int, thresholds Thresholds, clock utils.Clock) *Endpoint {
	if clock == nil {
		clock = utils.SystemClock
	}
	return &Endpoint{
		Name:       name,
		URL:        url,
		WSURL:      wsURL,
		Priority:   priority,
		thresholds: thresholds.withDefaults(),
		clock:      clock,
	}
}

// SupportsStreams reports whether the endpoint has a WebSocket URL.
func (e *Endpoint) SupportsStreams() bool {
	return e.WSURL != ""
}

// RecordSuccess marks a successful call or probe. Any state returns to HEALTHY.
// A zero latency leaves the estimate untouched.
func (e *Endpoint) RecordSuccess(latency time.Duration) Transition {
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.state
	e.state = StateHealthy
	e.failures = 0
	e.lastSuccess = e.clock()
	if latency > 0 {
		e.observeLatency(latency)
	}
	return Transition{From: from, To: e.state}
}

// RecordFailure counts one failed call.
func (e *Endpoint) RecordFailure() Transition {
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.state
	e.failures++
	e.lastFailure = e.clock()

	switch {
	case e.failures >= e.thresholds.DegradeAfter+e.thresholds.DownAfter:
		e.state = StateDown
	case e.failures >= e.thresholds.DegradeAfter && e.state == StateHealthy:
		e.state = StateDegraded
	}
	return Transition{From: from, To: e.state}
}

// RecordInvalidResponse counts a protocol violation. The endpoint is left at
// least DEGRADED.
func (e *Endpoint) RecordInvalidResponse() Transition {
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.state
	e.failures = max(e.failures+1, e.thresholds.DegradeAfter)
	e.lastFailure = e.clock()
	if e.state == StateHealthy {
		e.state = StateDegraded
	}
	if e.failures >= e.thresholds.DegradeAfter+e.thresholds.DownAfter {
		e.state = StateDown
	}
	return Transition{From: from, To: e.state}
}

// RecordProbeFailure marks the endpoint DOWN immediately.
func (e *Endpoint) RecordProbeFailure() Transition {
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.state
	e.failures++
	e.lastFailure = e.clock()
	e.state = StateDown
	return Transition{From: from, To: e.state}
}

// Must be called with e.mu locked.
func (e *Endpoint) observeLatency(d time.Duration) {
	if e.samples == 0 {
		e.latency = d
	} else {
		a := e.thresholds.LatencyAlpha
		e.latency = time.Duration(a*float64(d) + (1-a)*float64(e.latency))
	}
	e.samples++
}

func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Latency returns the rolling latency estimate, zero when never sampled.
func (e *Endpoint) Latency() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latency
}

// Snapshot is a point-in-time copy of an endpoint's health.
type Snapshot struct {
	Name                string    `json:"name"`
	Priority            int       `json:"priority"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	LatencyMS           float64   `json:"latency_ms"`
	Samples             int       `json:"samples"`
	Streams             bool      `json:"streams"`
}

func (e *Endpoint) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Snapshot{
		Name:                e.Name,
		Priority:            e.Priority,
		State:               e.state,
		ConsecutiveFailures: e.failures,
		LastSuccess:         e.lastSuccess,
		LastFailure:         e.lastFailure,
		LatencyMS:           float64(e.latency) / float64(time.Millisecond),
		Samples:             e.samples,
		Streams:             e.WSURL != "",
	}
}

// Rank returns the usable endpoints in preference order: HEALTHY before
// DEGRADED, then lowest latency, then configured priority. DOWN endpoints and
// those in exclude are left out.
func Rank(endpoints []*Endpoint, exclude map[string]bool) []*Endpoint {
	type ranked struct {
		ep      *Endpoint
		state   State
		latency time.Duration
	}

	candidates := make([]ranked, 0, len(endpoints))
	for _, ep := range endpoints {
		if exclude[ep.Name] {
			continue
		}
		ep.mu.Lock()
		r := ranked{ep: ep, state: ep.state, latency: ep.latency}
		ep.mu.Unlock()
		if r.state == StateDown {
			continue
		}
		candidates = append(candidates, r)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.state != b.state {
			return a.state < b.state
		}
		if a.latency != b.latency {
			return a.latency < b.latency
		}
		return a.ep.Priority < b.ep.Priority
	})

	out := make([]*Endpoint, len(candidates))
	for i, c := range candidates {
		out[i] = c.ep
	}
	return out
}
