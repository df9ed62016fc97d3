// Package session runs the portal: one goroutine waits for readiness on the
// HTTP listener and the DNS socket of the current access point session,
// serves each ready exchange to completion, and restarts the whole session
// when a client logs out.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync/atomic"
	"time"

	"relayportal/dns"
	"relayportal/gpio"
	"relayportal/metrics"
	"relayportal/portal"
)

// acceptTimeout bounds Accept after the listener polled ready.
const acceptTimeout = 100 * time.Millisecond

// Activator brings the access point up and reports its address. The returned
// handle is closed when the session ends.
type Activator interface {
	Activate(ctx context.Context) (io.Closer, net.IP, error)
}

// ConnHandler serves one control request on an accepted connection.
type ConnHandler interface {
	Serve(conn net.Conn) (portal.Route, error)
}

// QueryResponder turns a DNS query into the answer datagram.
type QueryResponder interface {
	Respond(query []byte, ip net.IP) ([]byte, error)
}

// Options configure the dispatcher.
type Options struct {
	BindAddress string
	HTTPPort    int
	DNSPort     int
	// DrainDelay is the pause between closing a session's sockets and
	// starting the next session.
	DrainDelay time.Duration
	// LingerTimeout bounds how long a served connection is drained after
	// the response before it is closed.
	LingerTimeout time.Duration
	// OnServing, if set, is called from the dispatcher goroutine each time
	// a session starts serving.
	OnServing func(Info)
}

// Deps are the collaborators of the dispatcher.
type Deps struct {
	Activator Activator
	Handler   ConnHandler
	Responder QueryResponder
	Indicator gpio.Writer
}

// Dispatcher owns the sockets of the current session.
type Dispatcher struct {
	opts     Options
	deps     Deps
	state    atomic.Int32
	sessions int
}

// session is everything that belongs to one access point activation.
type session struct {
	number   int
	ap       io.Closer
	ip       net.IP
	listener *net.TCPListener
	dnsConn  *net.UDPConn
	poller   *poller
}

// New creates a Dispatcher in StateInit.
func New(opts Options, deps Deps) *Dispatcher {
	if opts.BindAddress == "" {
		opts.BindAddress = "0.0.0.0"
	}
	d := &Dispatcher{opts: opts, deps: deps}
	d.setState(StateInit)
	return d
}

// State returns the current lifecycle phase. It is safe to call from any
// goroutine.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

func (d *Dispatcher) setState(s State) {
	d.state.Store(int32(s))
	metrics.SessionState.Set(float64(s))
}

// Run drives Init -> Serving -> Exiting -> Init until ctx is cancelled, in
// which case it returns nil. A session that cannot be started, or a failing
// readiness wait, ends Run with an error.
func (d *Dispatcher) Run(ctx context.Context) error {
	var sess *session
	state := StateInit
	for {
		d.setState(state)
		switch state {
		case StateInit:
			if ctx.Err() != nil {
				state = StateStopped
				continue
			}
			s, err := d.start(ctx)
			if err != nil {
				if ctx.Err() != nil {
					state = StateStopped
					continue
				}
				d.setState(StateStopped)
				return fmt.Errorf("starting session: %w", err)
			}
			sess = s
			state = StateServing

		case StateServing:
			exit, err := d.serve(ctx, sess)
			if err != nil {
				d.teardown(sess)
				d.setState(StateStopped)
				return err
			}
			if !exit {
				d.teardown(sess)
				sess = nil
				state = StateStopped
				continue
			}
			state = StateExiting

		case StateExiting:
			log.Printf("Session: %d logging out, restarting access point", sess.number)
			d.teardown(sess)
			sess = nil
			if !sleepCtx(ctx, d.opts.DrainDelay) {
				state = StateStopped
				continue
			}
			state = StateInit

		case StateStopped:
			log.Printf("Session: dispatcher stopped")
			return nil
		}
	}
}

// start is the Init step: activate, bind, and prepare the readiness wait.
func (d *Dispatcher) start(ctx context.Context) (*session, error) {
	d.sessions++
	s := &session{number: d.sessions}

	log.Printf("Session: %d activating access point", s.number)
	began := time.Now()
	ap, ip, err := d.deps.Activator.Activate(ctx)
	if err != nil {
		return nil, fmt.Errorf("activating access point: %w", err)
	}
	metrics.ActivationSeconds.Observe(time.Since(began).Seconds())
	s.ap = ap

	if s.ip = ip.To4(); s.ip == nil {
		d.teardown(s)
		return nil, fmt.Errorf("access point address %v is not IPv4", ip)
	}

	s.listener, s.dnsConn, err = listen(ctx, d.opts.BindAddress, d.opts.HTTPPort, d.opts.DNSPort)
	if err != nil {
		d.teardown(s)
		return nil, err
	}

	httpFD, err := sysfd(s.listener)
	if err != nil {
		d.teardown(s)
		return nil, fmt.Errorf("listener descriptor: %w", err)
	}
	dnsFD, err := sysfd(s.dnsConn)
	if err != nil {
		d.teardown(s)
		return nil, fmt.Errorf("dns socket descriptor: %w", err)
	}
	if s.poller, err = newPoller(ctx, httpFD, dnsFD); err != nil {
		d.teardown(s)
		return nil, fmt.Errorf("creating poller: %w", err)
	}

	metrics.SessionsTotal.Inc()
	info := Info{Number: s.number, IP: s.ip, HTTPAddr: s.listener.Addr(), DNSAddr: s.dnsConn.LocalAddr()}
	log.Printf("Session: %d serving portal %s (http %s, dns %s)", info.Number, info.IP, info.HTTPAddr, info.DNSAddr)
	if d.opts.OnServing != nil {
		d.opts.OnServing(info)
	}
	return s, nil
}

// serve is the Serving step. It returns true when a client asked to exit and
// false when ctx was cancelled.
func (d *Dispatcher) serve(ctx context.Context, s *session) (bool, error) {
	buf := make([]byte, dns.MaxMessageSize)
	for {
		ready, err := s.poller.wait()
		if err != nil {
			return false, fmt.Errorf("waiting for readiness: %w", err)
		}
		if ready.wake || ctx.Err() != nil {
			return false, nil
		}
		if ready.httpFailed {
			return false, fmt.Errorf("http listener %s failed", s.listener.Addr())
		}
		if ready.http && d.handleHTTP(s) {
			return true, nil
		}
		if ready.dns {
			d.handleDNS(s, buf)
		}
	}
}

// handleHTTP accepts and serves one connection. It reports whether the
// client asked to exit.
func (d *Dispatcher) handleHTTP(s *session) (exit bool) {
	if s.poller != nil && !s.poller.acceptable() {
		return false
	}
	// The connection may be reset between the readiness check and Accept.
	// The deadline keeps Accept from parking where the wake pipe cannot
	// reach it.
	if err := s.listener.SetDeadline(time.Now().Add(acceptTimeout)); err != nil {
		log.Printf("HTTP: setting accept deadline: %v", err)
	}
	conn, err := s.listener.Accept()
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return false
	}
	if err != nil {
		log.Printf("HTTP: accept failed: %v", err)
		metrics.HTTPErrorsTotal.WithLabelValues("accept").Inc()
		return false
	}

	d.deps.Indicator.Set(gpio.Indicator, true)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("HTTP: recovered from panic serving %s: %v", conn.RemoteAddr(), r)
			metrics.HTTPErrorsTotal.WithLabelValues("panic").Inc()
		}
		d.deps.Indicator.Set(gpio.Indicator, false)
		lingerClose(conn, d.opts.LingerTimeout)
	}()

	route, err := d.deps.Handler.Serve(conn)
	if err != nil {
		log.Printf("HTTP: %s: %v", conn.RemoteAddr(), err)
	}
	return route == portal.RouteExit
}

// handleDNS reads one datagram and answers it on the same socket.
func (d *Dispatcher) handleDNS(s *session, buf []byte) {
	defer recoverExchange("dns")

	n, addr, err := s.dnsConn.ReadFromUDP(buf)
	if err != nil {
		log.Printf("DNS: Error reading from UDP: %v", err)
		return
	}
	response, err := d.deps.Responder.Respond(buf[:n], s.ip)
	if err != nil {
		log.Printf("DNS: Dropping %d-byte datagram from %s: %v", n, addr, err)
		return
	}
	if _, err := s.dnsConn.WriteToUDP(response, addr); err != nil {
		log.Printf("DNS: Error sending DNS response to %s: %v", addr, err)
	}
}

func recoverExchange(kind string) {
	if r := recover(); r != nil {
		log.Printf("Session: recovered from panic in %s exchange: %v", kind, r)
	}
}

// teardown closes everything a session owns. The sockets go first so the
// next Init can bind again.
func (d *Dispatcher) teardown(s *session) {
	if s == nil {
		return
	}
	var errs []error
	if s.poller != nil {
		errs = append(errs, s.poller.close())
	}
	if s.listener != nil {
		errs = append(errs, s.listener.Close())
	}
	if s.dnsConn != nil {
		errs = append(errs, s.dnsConn.Close())
	}
	if s.ap != nil {
		errs = append(errs, s.ap.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Printf("Session: %d teardown: %v", s.number, err)
	}
}

// lingerClose half-closes conn and drains what the client still sends, so
// unread request bytes do not turn the close into a reset that discards the
// response.
func lingerClose(conn net.Conn, timeout time.Duration) {
	defer conn.Close()
	tcp, ok := conn.(*net.TCPConn)
	if !ok || timeout <= 0 {
		return
	}
	if err := tcp.CloseWrite(); err != nil {
		return
	}
	_ = tcp.SetReadDeadline(time.Now().Add(timeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(tcp, 64<<10))
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
