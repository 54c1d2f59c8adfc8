// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"os"
	"time"

	"github.com/grailbio/base/errors"
	"golang.org/x/sys/unix"
)

// A Ready reports one endpoint with pending input, in the order the
// endpoint was registered. Hangup is set when the peer has closed its
// end; the connection may still hold buffered frames, and a
// subsequent Recv drains them before returning io.EOF.
type Ready struct {
	Index  int
	Hangup bool
}

// A Poller suspends a process until one of its registered endpoints
// has pending input. Registration order is significant: Poll returns
// ready endpoints in that order, which is how the queue loop gives
// the master endpoint priority over worker endpoints and services
// workers in ascending id.
//
// A Poller carries a wake pipe so that a signal handler (or another
// goroutine) can interrupt an infinite poll deterministically; an
// interrupted Poll returns an empty ready set.
type Poller struct {
	conns []*Conn
	fds   []unix.PollFd

	wakeR, wakeW *os.File
}

// NewPoller returns an empty poller with its wake pipe established.
func NewPoller() (*Poller, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, errors.E("transport: poller wake pipe", err)
	}
	p := &Poller{wakeR: r, wakeW: w}
	p.fds = append(p.fds, unix.PollFd{Fd: int32(r.Fd()), Events: unix.POLLIN})
	return p, nil
}

// Add registers an endpoint. The returned index identifies the
// endpoint in Poll results.
func (p *Poller) Add(c *Conn) int {
	p.conns = append(p.conns, c)
	p.fds = append(p.fds, unix.PollFd{Fd: int32(c.fd), Events: unix.POLLIN})
	return len(p.conns) - 1
}

// Poll blocks until at least one endpoint is readable, the timeout
// expires, or Wake is called. A negative timeout polls indefinitely.
// The ready set is returned in registration order; a timeout or wake
// returns an empty set.
func (p *Poller) Poll(timeout time.Duration) ([]Ready, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	for {
		n, err := unix.Poll(p.fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, errors.E(errors.Net, "transport: poll", err)
		}
		if n == 0 {
			return nil, nil
		}
		break
	}
	// Index 0 is the wake pipe; drain it and report a wake-up as an
	// empty ready set.
	if p.fds[0].Revents&unix.POLLIN != 0 {
		var buf [16]byte
		p.wakeR.Read(buf[:])
	}
	var ready []Ready
	for i := 1; i < len(p.fds); i++ {
		re := p.fds[i].Revents
		if re&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}
		ready = append(ready, Ready{
			Index:  i - 1,
			Hangup: re&(unix.POLLHUP|unix.POLLERR) != 0,
		})
	}
	return ready, nil
}

// Wake interrupts a pending or future Poll. It is safe to call from
// a signal-handling goroutine.
func (p *Poller) Wake() {
	p.wakeW.Write([]byte{1})
}

// Close releases the wake pipe. Registered endpoints are not closed.
func (p *Poller) Close() error {
	p.wakeR.Close()
	return p.wakeW.Close()
}
