// Package connectivity tracks whether the edge agent can currently reach
// the fleet backend. It gates every online-only step of the orchestrator's
// process cycle.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/fleetedge/agent/internal/backend"
)

// State is a snapshot of the connectivity tracker. IsOnline starts true:
// the agent assumes it is online until the first evaluation proves
// otherwise.
type State struct {
	LastSuccessfulPing  *float64
	LastFailure         *float64
	ConsecutiveFailures int
	IsOnline            bool
}

// Monitor evaluates reachability via backend.Ping. There is no hysteresis:
// a single successful ping restores IsOnline; a single failure clears it.
type Monitor struct {
	client      backend.Client
	siteID      string
	pingTimeout time.Duration // <= 0 means no deadline is imposed on Ping
	now         func() time.Time

	mu    sync.Mutex
	state State
}

// New creates a Monitor. pingTimeout bounds each call to backend.Ping via
// context.WithTimeout; <= 0 leaves ctx as the caller passed it. If now is
// nil, time.Now is used.
func New(client backend.Client, siteID string, pingTimeout time.Duration, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		client:      client,
		siteID:      siteID,
		pingTimeout: pingTimeout,
		now:         now,
		state:       State{IsOnline: true},
	}
}

// Evaluate calls backend.Ping(siteID) and updates the tracked state
// accordingly, then returns a copy of the new state.
func (m *Monitor) Evaluate(ctx context.Context) State {
	if m.pingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.pingTimeout)
		defer cancel()
	}

	ok := m.client.Ping(ctx, m.siteID)
	nowSec := float64(m.now().Unix())

	m.mu.Lock()
	defer m.mu.Unlock()

	if ok {
		m.state.LastSuccessfulPing = &nowSec
		m.state.ConsecutiveFailures = 0
		m.state.IsOnline = true
	} else {
		m.state.LastFailure = &nowSec
		m.state.ConsecutiveFailures++
		m.state.IsOnline = false
	}

	return m.state
}

// Current returns the last-evaluated state without pinging the backend.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
