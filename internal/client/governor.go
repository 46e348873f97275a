package client

import (
	"net/http"
	"sync"
	"time"
)

type GovernorState int

const (
	StateNormal GovernorState = iota
	StateCooldown
)

func (s GovernorState) String() string {
	if s == StateCooldown {
		return "cooldown"
	}
	return "normal"
}

// Governor tracks whether the server has asked this client to slow down.
// It is advisory: it never blocks a submission, it only reports the state
// so a UI can warn the user.
type Governor struct {
	mu       sync.Mutex
	state    GovernorState
	timer    *time.Timer
	onChange func(GovernorState)
}

func NewGovernor(onChange func(GovernorState)) *Governor {
	return &Governor{onChange: onChange}
}

func (g *Governor) State() GovernorState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Observe records a response status and reports whether it tripped the
// cooldown.
func (g *Governor) Observe(status int) bool {
	if status != http.StatusTooManyRequests {
		return false
	}
	g.set(StateCooldown)
	return true
}

func (g *Governor) Reset() {
	g.mu.Lock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.mu.Unlock()

	g.set(StateNormal)
}

// ResetAfter returns to normal once d has elapsed. A later call replaces
// an earlier one.
func (g *Governor) ResetAfter(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(d, func() {
		g.set(StateNormal)
	})
}

func (g *Governor) set(state GovernorState) {
	g.mu.Lock()
	changed := g.state != state
	g.state = state
	onChange := g.onChange
	g.mu.Unlock()

	if changed && onChange != nil {
		onChange(state)
	}
}
