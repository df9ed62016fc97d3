// Package relay owns the two relay channels and keeps them mutually
// exclusive: at most one of "open" and "close" is energized at any instant.
package relay

import (
	"fmt"

	"relayportal/gpio"
	"relayportal/metrics"
)

// State is the energized channel, if any.
type State int

const (
	StateIdle State = iota
	StateOpen
	StateClose
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateClose:
		return "close"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Command is what a control request asks the relays to do.
type Command int

const (
	CommandNone Command = iota
	CommandOpen
	CommandClose
)

func (c Command) String() string {
	switch c {
	case CommandNone:
		return "none"
	case CommandOpen:
		return "open"
	case CommandClose:
		return "close"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// Actuator drives the relay pair. It is not safe for concurrent use; the
// session dispatcher is its only caller.
type Actuator struct {
	out   gpio.Writer
	state State
}

// NewActuator takes ownership of both relay channels and de-energizes them.
func NewActuator(out gpio.Writer) *Actuator {
	out.Set(gpio.RelayOpen, false)
	out.Set(gpio.RelayClose, false)
	return &Actuator{out: out, state: StateIdle}
}

// Apply executes cmd and returns the resulting state. The opposite channel is
// always released before the requested one is energized.
func (a *Actuator) Apply(cmd Command) State {
	switch cmd {
	case CommandOpen:
		a.out.Set(gpio.RelayClose, false)
		a.out.Set(gpio.RelayOpen, true)
		a.state = StateOpen
	case CommandClose:
		a.out.Set(gpio.RelayOpen, false)
		a.out.Set(gpio.RelayClose, true)
		a.state = StateClose
	default:
		return a.state
	}
	metrics.RelayCommandsTotal.WithLabelValues(cmd.String()).Inc()
	return a.state
}

// State returns the current relay state.
func (a *Actuator) State() State { return a.state }

// Energized reports which channels are currently driven on.
func (a *Actuator) Energized() (open, closed bool) {
	return a.state == StateOpen, a.state == StateClose
}
