package session

import (
	"context"
	"errors"

	"golang.org/x/sys/unix"
)

const readyEvents = unix.POLLIN | unix.POLLERR | unix.POLLHUP

// readiness is the outcome of one wait.
type readiness struct {
	http bool
	dns  bool
	wake bool
	// httpFailed is set when the listener reports an error or hangup with
	// no connection to accept.
	httpFailed bool
}

// poller blocks on the HTTP listener, the DNS socket and a self-pipe. The
// pipe is written when the context ends, so the wait needs no timeout.
type poller struct {
	fds   []unix.PollFd
	wakeW int
	stop  chan struct{}
	done  chan struct{}
}

func newPoller(ctx context.Context, httpFD, dnsFD int) (*poller, error) {
	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		return nil, err
	}
	for _, fd := range pipe {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(pipe[0])
			unix.Close(pipe[1])
			return nil, err
		}
	}

	p := &poller{
		fds: []unix.PollFd{
			{Fd: int32(httpFD), Events: unix.POLLIN},
			{Fd: int32(dnsFD), Events: unix.POLLIN},
			{Fd: int32(pipe[0]), Events: unix.POLLIN},
		},
		wakeW: pipe[1],
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		select {
		case <-ctx.Done():
			p.wake()
		case <-p.stop:
		}
	}()
	return p, nil
}

// wait blocks until at least one descriptor is ready.
func (p *poller) wait() (readiness, error) {
	for {
		for i := range p.fds {
			p.fds[i].Revents = 0
		}
		_, err := unix.Poll(p.fds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return readiness{}, err
		}
		listener := p.fds[0].Revents
		return readiness{
			http:       listener&unix.POLLIN != 0,
			httpFailed: listener&unix.POLLIN == 0 && listener&(unix.POLLERR|unix.POLLHUP) != 0,
			dns:        p.fds[1].Revents&readyEvents != 0,
			wake:       p.fds[2].Revents&readyEvents != 0,
		}, nil
	}
}

// acceptable checks, without blocking, that the listener still has a
// connection queued.
func (p *poller) acceptable() bool {
	fds := []unix.PollFd{{Fd: p.fds[0].Fd, Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err == nil && n > 0 && fds[0].Revents&unix.POLLIN != 0
	}
}

func (p *poller) wake() {
	_, _ = unix.Write(p.wakeW, []byte{1})
}

// close stops the context watcher before releasing the pipe, so the watcher
// can never write to a recycled descriptor.
func (p *poller) close() error {
	close(p.stop)
	<-p.done
	return errors.Join(unix.Close(int(p.fds[2].Fd)), unix.Close(p.wakeW))
}
