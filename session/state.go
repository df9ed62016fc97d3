package session

import (
	"fmt"
	"net"
)

// State is the lifecycle phase of the dispatcher.
type State int32

const (
	StateInit    State = iota // bringing the access point up and binding sockets
	StateServing              // waiting on readiness and serving exchanges
	StateExiting              // tearing the session down before a restart
	StateStopped              // Run has returned
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateServing:
		return "serving"
	case StateExiting:
		return "exiting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Info describes a session that just entered StateServing.
type Info struct {
	Number   int
	IP       net.IP
	HTTPAddr net.Addr
	DNSAddr  net.Addr
}
