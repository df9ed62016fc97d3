// Package portal implements the control page side of the captive portal: it
// reads one request line from a client connection, turns it into a relay
// command and answers with a complete HTML document.
package portal

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"time"

	"relayportal/metrics"
	"relayportal/relay"
)

// Route is what a request line asks for.
type Route int

const (
	RouteNone  Route = iota // nothing was read
	RoutePage               // any other request: show the control page
	RouteOpen
	RouteClose
	RouteExit
)

func (r Route) String() string {
	switch r {
	case RouteNone:
		return "none"
	case RoutePage:
		return "page"
	case RouteOpen:
		return "open"
	case RouteClose:
		return "close"
	case RouteExit:
		return "exit"
	default:
		return fmt.Sprintf("route(%d)", int(r))
	}
}

// Command is the relay command the route carries.
func (r Route) Command() relay.Command {
	switch r {
	case RouteOpen:
		return relay.CommandOpen
	case RouteClose:
		return relay.CommandClose
	default:
		return relay.CommandNone
	}
}

// Classify maps a request line to a route. Everything that is not one of the
// three control paths falls through to the control page, which is what makes
// connectivity checks land on the portal.
func Classify(line []byte) Route {
	switch {
	case bytes.Contains(line, []byte(patternOpen)):
		return RouteOpen
	case bytes.Contains(line, []byte(patternClose)):
		return RouteClose
	case bytes.Contains(line, []byte(patternExit)):
		return RouteExit
	default:
		return RoutePage
	}
}

// Actuator receives the relay commands of control requests.
type Actuator interface {
	Apply(cmd relay.Command) relay.State
}

// Handler serves one control request per connection.
type Handler struct {
	relays      Actuator
	pages       *Pages
	connTimeout time.Duration
}

// NewHandler creates a Handler. A positive connTimeout bounds the whole
// exchange on each connection; zero leaves connections without a deadline.
func NewHandler(relays Actuator, pages *Pages, connTimeout time.Duration) *Handler {
	return &Handler{relays: relays, pages: pages, connTimeout: connTimeout}
}

const responseHeader = "HTTP/1.1 200 OK\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"Content-Length: %d\r\n" +
	"Cache-Control: no-store\r\n" +
	"Connection: close\r\n" +
	"\r\n"

// Serve reads the request line from conn, applies its relay command and
// writes the response. The caller owns conn and closes it afterwards.
//
// The returned route is valid even when writing the response failed, so an
// exit request still ends the session.
func (h *Handler) Serve(conn net.Conn) (Route, error) {
	if h.connTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(h.connTimeout)); err != nil {
			return RouteNone, fmt.Errorf("setting deadline: %w", err)
		}
	}

	line, err := readRequestLine(conn, MaxRequestSize)
	if err != nil {
		metrics.HTTPErrorsTotal.WithLabelValues("read").Inc()
		return RouteNone, fmt.Errorf("reading request: %w", err)
	}

	route := Classify(line)
	label := route.String()
	if route == RoutePage && isConnectivityCheckPath(requestPath(line)) {
		label = "connectivity_check"
	}
	log.Printf("HTTP: %s %q -> %s", conn.RemoteAddr(), line, label)
	metrics.HTTPRequestsTotal.WithLabelValues(label).Inc()

	body := h.pages.Control
	switch route {
	case RouteOpen, RouteClose:
		state := h.relays.Apply(route.Command())
		log.Printf("HTTP: relays now %s", state)
	case RouteExit:
		body = h.pages.Logout
	}

	if err := writeResponse(conn, body); err != nil {
		metrics.HTTPErrorsTotal.WithLabelValues("write").Inc()
		return route, fmt.Errorf("writing response: %w", err)
	}
	return route, nil
}

func writeResponse(conn net.Conn, body []byte) error {
	msg := fmt.Appendf(make([]byte, 0, len(responseHeader)+len(body)+8), responseHeader, len(body))
	msg = append(msg, body...)
	_, err := conn.Write(msg)
	return err
}
