package realtime

import (
	"time"

	"github.com/juju/retry"

	"github.com/markb/livesync/internal/log"
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	}
	return "unknown"
}

// ConnectionState is the published view of the state machine.
type ConnectionState struct {
	State      State
	RetryCount int
	LastError  error
}

var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected, Degraded},
	Degraded:     {Connected, Disconnected},
}

// reconnector is the connection state machine. It owns no timers; the
// client schedules attempts using nextDelay.
type reconnector struct {
	state    ConnectionState
	backoff  func(time.Duration, int) time.Duration
	onChange func(from, to State)
}

func newReconnector(minDelay, maxDelay time.Duration) *reconnector {
	return &reconnector{
		backoff: retry.ExpBackoff(minDelay, maxDelay, 2, true),
	}
}

// to moves to next, reporting false for a transition the machine does not
// allow.
func (r *reconnector) to(next State, err error) bool {
	from := r.state.State
	if !allowed(from, next) {
		log.Debug("realtime: ignored state transition", "from", from.String(), "to", next.String())
		return false
	}

	r.state.State = next
	if err != nil {
		r.state.LastError = err
	}
	if from == Connecting && next == Connected {
		r.state.RetryCount = 0
		r.state.LastError = nil
	}

	log.Debug("realtime: state change", "from", from.String(), "to", next.String())
	if r.onChange != nil {
		r.onChange(from, next)
	}
	return true
}

// nextDelay counts a retry and returns how long to wait before it.
func (r *reconnector) nextDelay() time.Duration {
	r.state.RetryCount++
	return r.backoff(0, r.state.RetryCount-1)
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
