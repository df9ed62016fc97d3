// Package gpio drives the output lines of the controller: the two relay
// channels and the status indicator.
//
// Writes are fire-and-forget. A backend that fails to drive a pin logs the
// failure; callers never see it.
package gpio

import "fmt"

// Channel identifies one output line.
type Channel int

const (
	RelayOpen  Channel = iota // energizes the "open" direction
	RelayClose                // energizes the "close" direction
	Indicator                 // lit while a client request is being served
)

func (c Channel) String() string {
	switch c {
	case RelayOpen:
		return "relay-open"
	case RelayClose:
		return "relay-close"
	case Indicator:
		return "indicator"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Writer sets the logic level of an output channel.
type Writer interface {
	Set(ch Channel, on bool)
}

// PinMap assigns BCM pin numbers to channels.
type PinMap struct {
	Open      int
	Close     int
	Indicator int
	// ActiveLow inverts the electrical level for every channel; many relay
	// boards energize the coil when the input is pulled low.
	ActiveLow bool
}

func (m PinMap) pin(ch Channel) (int, bool) {
	switch ch {
	case RelayOpen:
		return m.Open, true
	case RelayClose:
		return m.Close, true
	case Indicator:
		return m.Indicator, true
	}
	return 0, false
}
