package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	mdns "github.com/miekg/dns"

	"relayportal/dns"
	"relayportal/gpio"
	"relayportal/portal"
	"relayportal/relay"
)

var testPages = &portal.Pages{
	Control: []byte("<html>control</html>"),
	Logout:  []byte("<html>logout</html>"),
}

type fakeAP struct {
	mu          sync.Mutex
	activations int
	closed      []int
	err         error
}

type fakeHandle struct {
	ap     *fakeAP
	number int
}

func (h *fakeHandle) Close() error {
	h.ap.mu.Lock()
	defer h.ap.mu.Unlock()
	h.ap.closed = append(h.ap.closed, h.number)
	return nil
}

func (a *fakeAP) Activate(ctx context.Context) (io.Closer, net.IP, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, nil, a.err
	}
	a.activations++
	return &fakeHandle{ap: a, number: a.activations}, net.IPv4(127, 0, 0, 1), nil
}

func (a *fakeAP) counts() (int, []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activations, append([]int(nil), a.closed...)
}

type harness struct {
	t        *testing.T
	ap       *fakeAP
	pins     *gpio.Recorder
	d        *Dispatcher
	sessions chan Info
	cancel   context.CancelFunc
	done     chan error
}

func startHarness(t *testing.T, handler ConnHandler) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ap:       &fakeAP{},
		pins:     gpio.NewRecorder(false),
		sessions: make(chan Info, 4),
		done:     make(chan error, 1),
	}
	if handler == nil {
		handler = portal.NewHandler(relay.NewActuator(h.pins), testPages, time.Second)
	}
	h.d = New(Options{
		BindAddress:   "127.0.0.1",
		DrainDelay:    10 * time.Millisecond,
		LingerTimeout: 100 * time.Millisecond,
		OnServing:     func(info Info) { h.sessions <- info },
	}, Deps{
		Activator: h.ap,
		Handler:   handler,
		Responder: dns.NewResponder(0, false),
		Indicator: h.pins,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.d.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) next() Info {
	h.t.Helper()
	select {
	case info := <-h.sessions:
		return info
	case err := <-h.done:
		h.t.Fatalf("Run returned before serving: %v", err)
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for a session")
	}
	return Info{}
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		h.t.Error("Run did not return after cancel")
	}
}

// get sends a bare request line and returns everything the server wrote.
func get(t *testing.T, addr net.Addr, path string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(conn, "GET "+path+" HTTP/1.1\r\nHost: portal\r\n\r\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := io.ReadAll(bufio.NewReader(conn))
	if err != nil && !errors.Is(err, net.ErrClosed) {
		t.Logf("read: %v", err)
	}
	return string(out)
}

func TestDispatcherRelayCommands(t *testing.T) {
	h := startHarness(t, nil)
	info := h.next()
	if h.d.State() != StateServing {
		t.Errorf("State() = %v, want serving", h.d.State())
	}

	steps := []struct {
		path        string
		open, close bool
	}{
		{"/open", true, false},
		{"/close", false, true},
		{"/open", true, false},
	}
	for _, step := range steps {
		resp := get(t, info.HTTPAddr, step.path)
		if !strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(resp, "<html>control</html>") {
			t.Fatalf("GET %s response = %q", step.path, resp)
		}
		if got := h.pins.Level(gpio.RelayOpen); got != step.open {
			t.Errorf("after %s open relay = %v, want %v", step.path, got, step.open)
		}
		if got := h.pins.Level(gpio.RelayClose); got != step.close {
			t.Errorf("after %s close relay = %v, want %v", step.path, got, step.close)
		}
	}

	var indicator []bool
	for _, ev := range h.pins.Events() {
		if ev.Channel == gpio.Indicator {
			indicator = append(indicator, ev.On)
		}
	}
	want := []bool{true, false, true, false, true, false}
	if len(indicator) != len(want) {
		t.Fatalf("indicator events = %v, want %v", indicator, want)
	}
	for i := range want {
		if indicator[i] != want[i] {
			t.Fatalf("indicator events = %v, want %v", indicator, want)
		}
	}
}

func TestDispatcherCatchAllServesControlPage(t *testing.T) {
	h := startHarness(t, nil)
	info := h.next()

	resp := get(t, info.HTTPAddr, "/generate_204")
	if !strings.HasSuffix(resp, "<html>control</html>") {
		t.Errorf("connectivity check response = %q", resp)
	}
	if h.pins.Level(gpio.RelayOpen) || h.pins.Level(gpio.RelayClose) {
		t.Error("catch-all request moved a relay")
	}
}

func TestDispatcherAnswersDNS(t *testing.T) {
	h := startHarness(t, nil)
	info := h.next()

	m := new(mdns.Msg)
	m.SetQuestion("connectivitycheck.gstatic.com.", mdns.TypeA)
	c := &mdns.Client{Net: "udp", Timeout: 2 * time.Second}
	r, _, err := c.Exchange(m, info.DNSAddr.String())
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if r.Id != m.Id {
		t.Errorf("Id = %d, want %d", r.Id, m.Id)
	}
	if len(r.Answer) != 1 {
		t.Fatalf("answers = %d, want 1", len(r.Answer))
	}
	a, ok := r.Answer[0].(*mdns.A)
	if !ok {
		t.Fatalf("answer is %T, want *dns.A", r.Answer[0])
	}
	if !a.A.Equal(info.IP) {
		t.Errorf("A = %v, want %v", a.A, info.IP)
	}
	if a.Hdr.Ttl != dns.DefaultTTL {
		t.Errorf("TTL = %d, want %d", a.Hdr.Ttl, dns.DefaultTTL)
	}
}

func TestDispatcherDropsShortDatagram(t *testing.T) {
	h := startHarness(t, nil)
	info := h.next()

	conn, err := net.Dial("udp", info.DNSAddr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{0x12, 0x34, 0x01}); err != nil {
		t.Fatal(err)
	}

	m := new(mdns.Msg)
	m.SetQuestion("example.com.", mdns.TypeA)
	c := &mdns.Client{Net: "udp", Timeout: 2 * time.Second}
	r, _, err := c.Exchange(m, info.DNSAddr.String())
	if err != nil {
		t.Fatalf("Exchange after short datagram: %v", err)
	}
	if len(r.Answer) != 1 {
		t.Errorf("answers = %d, want 1", len(r.Answer))
	}
}

func TestDispatcherExitRestartsSession(t *testing.T) {
	h := startHarness(t, nil)
	first := h.next()

	resp := get(t, first.HTTPAddr, "/exit")
	if !strings.HasSuffix(resp, "<html>logout</html>") {
		t.Fatalf("exit response = %q", resp)
	}
	if h.pins.Level(gpio.RelayOpen) || h.pins.Level(gpio.RelayClose) {
		t.Error("exit moved a relay")
	}

	second := h.next()
	if second.Number != first.Number+1 {
		t.Errorf("second session number = %d, want %d", second.Number, first.Number+1)
	}
	activations, closed := h.ap.counts()
	if activations != 2 {
		t.Errorf("activations = %d, want 2", activations)
	}
	if len(closed) != 1 || closed[0] != 1 {
		t.Errorf("closed handles = %v, want [1]", closed)
	}

	if conn, err := net.DialTimeout("tcp", first.HTTPAddr.String(), time.Second); err == nil {
		conn.Close()
		t.Errorf("old listener %s still accepts connections", first.HTTPAddr)
	}

	resp = get(t, second.HTTPAddr, "/open")
	if !strings.HasSuffix(resp, "<html>control</html>") {
		t.Errorf("second session response = %q", resp)
	}
	if !h.pins.Level(gpio.RelayOpen) {
		t.Error("open relay not energized in second session")
	}
}

func TestDispatcherCancelReturnsNil(t *testing.T) {
	h := startHarness(t, nil)
	h.next()

	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
		h.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if h.d.State() != StateStopped {
		t.Errorf("State() = %v, want stopped", h.d.State())
	}
	if _, closed := h.ap.counts(); len(closed) != 1 {
		t.Errorf("closed handles = %v, want one", closed)
	}
}

func TestDispatcherActivationError(t *testing.T) {
	errRadio := errors.New("radio unavailable")
	d := New(Options{BindAddress: "127.0.0.1"}, Deps{
		Activator: &fakeAP{err: errRadio},
		Handler:   portal.NewHandler(relay.NewActuator(gpio.NewRecorder(false)), testPages, 0),
		Responder: dns.NewResponder(0, false),
		Indicator: gpio.NewRecorder(false),
	})
	err := d.Run(context.Background())
	if !errors.Is(err, errRadio) {
		t.Errorf("Run = %v, want %v", err, errRadio)
	}
}

type panicOnce struct {
	once sync.Once
	next ConnHandler
}

func (p *panicOnce) Serve(conn net.Conn) (portal.Route, error) {
	panicked := false
	p.once.Do(func() { panicked = true })
	if panicked {
		panic("handler exploded")
	}
	return p.next.Serve(conn)
}

func TestDispatcherRecoversHandlerPanic(t *testing.T) {
	pins := gpio.NewRecorder(false)
	handler := &panicOnce{next: portal.NewHandler(relay.NewActuator(pins), testPages, time.Second)}
	h := startHarness(t, handler)
	info := h.next()

	if resp := get(t, info.HTTPAddr, "/open"); resp != "" {
		t.Errorf("panicking exchange wrote %q", resp)
	}
	if h.pins.Level(gpio.Indicator) {
		t.Error("indicator left on after panic")
	}
	if resp := get(t, info.HTTPAddr, "/open"); !strings.HasSuffix(resp, "<html>control</html>") {
		t.Errorf("response after panic = %q", resp)
	}
	if !pins.Level(gpio.RelayOpen) {
		t.Error("open relay not energized after recovery")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateInit, "init"},
		{StateServing, "serving"},
		{StateExiting, "exiting"},
		{StateStopped, "stopped"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int32(tt.s), got, tt.want)
		}
	}
}

func TestHandleHTTPDoesNotBlockWithoutPendingConnection(t *testing.T) {
	ln, dnsConn, err := listen(context.Background(), "127.0.0.1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	defer dnsConn.Close()

	httpFD, err := sysfd(ln)
	if err != nil {
		t.Fatal(err)
	}
	dnsFD, err := sysfd(dnsConn)
	if err != nil {
		t.Fatal(err)
	}
	p, err := newPoller(context.Background(), httpFD, dnsFD)
	if err != nil {
		t.Fatal(err)
	}
	defer p.close()

	d := New(Options{}, Deps{Indicator: gpio.NewRecorder(false)})
	for _, s := range []*session{
		{listener: ln, dnsConn: dnsConn, poller: p},
		{listener: ln, dnsConn: dnsConn}, // only the accept deadline guards
	} {
		done := make(chan bool, 1)
		go func() { done <- d.handleHTTP(s) }()
		select {
		case exit := <-done:
			if exit {
				t.Error("handleHTTP reported exit with nothing accepted")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("handleHTTP blocked in Accept with no connection queued")
		}
	}

	// the listener still serves after a deadline expired
	pins := gpio.NewRecorder(false)
	d.deps.Handler = portal.NewHandler(relay.NewActuator(pins), testPages, time.Second)
	result := make(chan string, 1)
	go func() {
		conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
		if err != nil {
			result <- "dial: " + err.Error()
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		io.WriteString(conn, "GET /open HTTP/1.1\r\n\r\n")
		out, _ := io.ReadAll(conn)
		result <- string(out)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !p.acceptable() {
		if time.Now().After(deadline) {
			t.Fatal("connection never became acceptable")
		}
		time.Sleep(5 * time.Millisecond)
	}
	d.handleHTTP(&session{listener: ln, dnsConn: dnsConn, poller: p})
	if resp := <-result; !strings.HasSuffix(resp, "<html>control</html>") {
		t.Errorf("response after expired deadline = %q", resp)
	}
	if !pins.Level(gpio.RelayOpen) {
		t.Error("open relay not energized")
	}
}
