// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transport provides the process-local message channel used
// by an mpfit fleet: connection-oriented, ordered, lossless framed
// messaging over Unix-domain sockets, together with a poller that
// suspends a process until one of its endpoints is readable.
//
// Each frame carries exactly one gob-encoded value. Frames are
// encoded with a fresh gob stream so that no decoder state buffers
// ahead of a frame boundary; this keeps the poller truthful, since a
// readable socket always means at least one whole message is in
// flight. The wire format is stable within a single fleet but is not
// a persisted artifact.
package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"
)

// dialPolicy is the backoff under which Dial retries connecting to a
// listener that has not yet been created by its peer process.
var dialPolicy = retry.Backoff(10*time.Millisecond, time.Second, 1.5)

// maxFrame bounds the size of a single message. Task results are
// small (scalars plus error lists); anything larger indicates a
// protocol bug.
const maxFrame = 64 << 20

// A Conn is one endpoint of a bidirectional message channel. Message
// boundaries are preserved; within a connection, messages are FIFO.
// Conns are safe for use by a single goroutine per direction.
type Conn struct {
	uc *net.UnixConn
	fd int

	mu          sync.Mutex
	sendTimeout time.Duration
	recvTimeout time.Duration

	lenbuf  [4]byte
	sendbuf bytes.Buffer
}

func newConn(uc *net.UnixConn) (*Conn, error) {
	c := &Conn{uc: uc, fd: -1}
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, errors.E(errors.Net, "transport: no raw conn", err)
	}
	if err := raw.Control(func(fd uintptr) { c.fd = int(fd) }); err != nil {
		return nil, errors.E(errors.Net, "transport: no fd", err)
	}
	return c, nil
}

// Send writes v as a single frame. If a send timeout has been set
// (see SetSendTimeout), a peer that does not drain its socket within
// the timeout surfaces as a transport error.
func (c *Conn) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendbuf.Reset()
	if err := gob.NewEncoder(&c.sendbuf).Encode(v); err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("transport: encode %T", v), err)
	}
	if c.sendbuf.Len() > maxFrame {
		return errors.E(errors.Invalid, fmt.Sprintf("transport: frame of %d bytes exceeds limit", c.sendbuf.Len()))
	}
	if c.sendTimeout > 0 {
		c.uc.SetWriteDeadline(time.Now().Add(c.sendTimeout))
		defer c.uc.SetWriteDeadline(time.Time{})
	}
	binary.LittleEndian.PutUint32(c.lenbuf[:], uint32(c.sendbuf.Len()))
	if _, err := c.uc.Write(c.lenbuf[:]); err != nil {
		return errors.E(errors.Net, "transport: send", err)
	}
	if _, err := c.uc.Write(c.sendbuf.Bytes()); err != nil {
		return errors.E(errors.Net, "transport: send", err)
	}
	return nil
}

// Recv reads a single frame and decodes it into v, which must be a
// pointer to a value of the type that was sent. A closed peer returns
// io.EOF. If a receive timeout has been set (handshake phase only), a
// deadline miss returns an error matching errors.Timeout.
func (c *Conn) Recv(v interface{}) error {
	if c.recvTimeout > 0 {
		c.uc.SetReadDeadline(time.Now().Add(c.recvTimeout))
		defer c.uc.SetReadDeadline(time.Time{})
	}
	var lenbuf [4]byte
	if _, err := io.ReadFull(c.uc, lenbuf[:]); err != nil {
		return recvErr(err)
	}
	n := binary.LittleEndian.Uint32(lenbuf[:])
	if n > maxFrame {
		return errors.E(errors.Invalid, fmt.Sprintf("transport: frame of %d bytes exceeds limit", n))
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.uc, payload); err != nil {
		return recvErr(err)
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("transport: decode into %T", v), err)
	}
	return nil
}

func recvErr(err error) error {
	if err == io.EOF {
		return io.EOF
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return errors.E(errors.Timeout, "transport: receive timed out", err)
	}
	if err == io.ErrUnexpectedEOF {
		return io.EOF
	}
	return errors.E(errors.Net, "transport: receive", err)
}

// SetSendTimeout bounds subsequent sends. A zero duration restores
// blocking sends.
func (c *Conn) SetSendTimeout(d time.Duration) {
	c.mu.Lock()
	c.sendTimeout = d
	c.mu.Unlock()
}

// SetRecvTimeout bounds subsequent receives. A zero duration restores
// blocking receives. Receive timeouts are used only during the
// connection handshake; steady-state receives block indefinitely.
func (c *Conn) SetRecvTimeout(d time.Duration) {
	c.mu.Lock()
	c.recvTimeout = d
	c.mu.Unlock()
}

// Close releases the endpoint's OS resources.
func (c *Conn) Close() error { return c.uc.Close() }

// A Listener accepts one side of the fleet's rendezvous: the process
// that owns a logical endpoint name listens on it, and its peer
// dials.
type Listener struct {
	ul   *net.UnixListener
	path string
}

// Listen creates a listening endpoint at path.
func Listen(path string) (*Listener, error) {
	addr := &net.UnixAddr{Name: path, Net: "unix"}
	ul, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, errors.E(errors.Net, fmt.Sprintf("transport: listen %s", path), err)
	}
	return &Listener{ul: ul, path: path}, nil
}

// Accept waits for the peer to dial and returns the connection.
func (l *Listener) Accept() (*Conn, error) {
	uc, err := l.ul.AcceptUnix()
	if err != nil {
		return nil, errors.E(errors.Net, fmt.Sprintf("transport: accept %s", l.path), err)
	}
	return newConn(uc)
}

// Close closes the listener. The socket file is left for the fleet
// directory cleanup.
func (l *Listener) Close() error { return l.ul.Close() }

// dialAttempts bounds the rendezvous: a listener that has not shown
// up after this many backoff rounds (about fifty seconds) is not
// coming, and the process that owns it is presumed dead.
const dialAttempts = 60

// Dial connects to the endpoint at path, retrying under a bounded
// backoff while the peer's listener comes up. Fleet processes start
// concurrently, so the listener may not exist yet when the first dial
// attempt is made.
func Dial(ctx context.Context, path string) (*Conn, error) {
	addr := &net.UnixAddr{Name: path, Net: "unix"}
	for retries := 0; ; retries++ {
		uc, err := net.DialUnix("unix", nil, addr)
		if err == nil {
			return newConn(uc)
		}
		if retries >= dialAttempts {
			return nil, errors.E(errors.Net, fmt.Sprintf("transport: dial %s", path), err)
		}
		if err := retry.Wait(ctx, dialPolicy, retries); err != nil {
			return nil, errors.E(errors.Net, fmt.Sprintf("transport: dial %s", path), err)
		}
	}
}
