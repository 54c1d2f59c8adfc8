// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package messenger fixes the channel topology of an mpfit fleet
// over the transport layer: one bidirectional channel between master
// and queue, and one between the queue and each worker. On
// construction, each process creates only the endpoints for its own
// role. The master listens for the queue; the queue listens for the
// workers and dials the master.
//
// After construction, TestConnections runs a fixed ping/pong
// handshake that proves every channel readable and writable in both
// directions; a receive timeout during this phase is the recoverable
// error class. Once the handshake passes, the master switches its
// sends to the bounded (non-blocking) mode.
package messenger

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/mpfit/fleet"
	"github.com/grailbio/mpfit/transport"
)

// HandshakeTimeout bounds each receive of the connection handshake.
const HandshakeTimeout = 10 * time.Second

// A Messenger owns this process's endpoints of the fleet topology
// and provides the typed route verbs.
type Messenger struct {
	f *fleet.Fleet

	// mq is the master-queue channel, present on master and queue.
	mq *transport.Conn
	// qw are the queue's channels to each worker, ascending by
	// worker id; present on the queue only.
	qw []*transport.Conn
	// wq is this worker's channel to the queue; present on workers
	// only.
	wq *transport.Conn
}

// New creates the endpoints for this process's role and connects
// them to their peers. It blocks until the role's channels are
// established.
func New(ctx context.Context, f *fleet.Fleet) (*Messenger, error) {
	m := &Messenger{f: f}
	switch f.Role() {
	case fleet.Master:
		l, err := transport.Listen(f.MasterQueueSocket())
		if err != nil {
			return nil, err
		}
		defer l.Close()
		if m.mq, err = l.Accept(); err != nil {
			return nil, err
		}
	case fleet.Queue:
		var err error
		if m.mq, err = transport.Dial(ctx, f.MasterQueueSocket()); err != nil {
			return nil, err
		}
		listeners := make([]*transport.Listener, f.NumWorkers())
		for i := range listeners {
			if listeners[i], err = transport.Listen(f.QueueWorkerSocket(i)); err != nil {
				return nil, err
			}
		}
		m.qw = make([]*transport.Conn, f.NumWorkers())
		for i, l := range listeners {
			if m.qw[i], err = l.Accept(); err != nil {
				return nil, err
			}
			l.Close()
		}
	case fleet.Worker:
		var err error
		if m.wq, err = transport.Dial(ctx, f.QueueWorkerSocket(f.WorkerID())); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// -- MASTER <-> QUEUE --

// SendFromMasterToQueue sends a verb and its payload values down the
// master-queue pipe.
func (m *Messenger) SendFromMasterToQueue(verb M2Q, payload ...interface{}) error {
	return send(m.mq, uint8(verb), payload)
}

// ReceiveFromMasterOnQueue receives the next master verb on the
// queue.
func (m *Messenger) ReceiveFromMasterOnQueue() (M2Q, error) {
	var v uint8
	err := m.mq.Recv(&v)
	return M2Q(v), err
}

// ReadFromMasterOnQueue decodes payload values following a verb.
func (m *Messenger) ReadFromMasterOnQueue(vals ...interface{}) error {
	return read(m.mq, vals)
}

// SendFromQueueToMaster sends a reply verb and its payload values up
// the queue-master pipe.
func (m *Messenger) SendFromQueueToMaster(verb Q2M, payload ...interface{}) error {
	return send(m.mq, uint8(verb), payload)
}

// SendPayloadFromQueueToMaster ships payload values with no leading
// verb. It is used for the result bundles that follow a
// RETRIEVE_ACCEPTED reply.
func (m *Messenger) SendPayloadFromQueueToMaster(payload ...interface{}) error {
	for _, v := range payload {
		if err := m.mq.Send(v); err != nil {
			return err
		}
	}
	return nil
}

// ReceiveFromQueueOnMaster receives the queue's reply verb on the
// master.
func (m *Messenger) ReceiveFromQueueOnMaster() (Q2M, error) {
	var v uint8
	err := m.mq.Recv(&v)
	return Q2M(v), err
}

// ReadFromQueueOnMaster decodes payload values following a reply
// verb.
func (m *Messenger) ReadFromQueueOnMaster(vals ...interface{}) error {
	return read(m.mq, vals)
}

// -- QUEUE <-> WORKER --

// SendFromQueueToWorker sends a verb and its payload values to
// worker id.
func (m *Messenger) SendFromQueueToWorker(id int, verb Q2W, payload ...interface{}) error {
	return send(m.qw[id], uint8(verb), payload)
}

// ReceiveFromWorkerOnQueue receives the next verb from worker id.
func (m *Messenger) ReceiveFromWorkerOnQueue(id int) (W2Q, error) {
	var v uint8
	err := m.qw[id].Recv(&v)
	return W2Q(v), err
}

// ReadFromWorkerOnQueue decodes payload values following a verb from
// worker id.
func (m *Messenger) ReadFromWorkerOnQueue(id int, vals ...interface{}) error {
	return read(m.qw[id], vals)
}

// SendFromWorkerToQueue sends a verb and its payload values from
// this worker to the queue.
func (m *Messenger) SendFromWorkerToQueue(verb W2Q, payload ...interface{}) error {
	return send(m.wq, uint8(verb), payload)
}

// ReceiveFromQueueOnWorker receives the next queue verb on this
// worker.
func (m *Messenger) ReceiveFromQueueOnWorker() (Q2W, error) {
	var v uint8
	err := m.wq.Recv(&v)
	return Q2W(v), err
}

// ReadFromQueueOnWorker decodes payload values following a queue
// verb on this worker.
func (m *Messenger) ReadFromQueueOnWorker(vals ...interface{}) error {
	return read(m.wq, vals)
}

func send(c *transport.Conn, verb uint8, payload []interface{}) error {
	if err := c.Send(verb); err != nil {
		return err
	}
	for _, v := range payload {
		if err := c.Send(v); err != nil {
			return err
		}
	}
	return nil
}

func read(c *transport.Conn, vals []interface{}) error {
	for _, v := range vals {
		if err := c.Recv(v); err != nil {
			return err
		}
	}
	return nil
}

// -- POLLERS --

// QueuePoller returns the queue-process poller: the master endpoint
// at index 0, workers at 1..W in ascending id. The ordering realizes
// the fairness rule that control has priority over data and that
// workers are serviced deterministically.
func (m *Messenger) QueuePoller() (*transport.Poller, error) {
	p, err := transport.NewPoller()
	if err != nil {
		return nil, err
	}
	p.Add(m.mq)
	for _, c := range m.qw {
		p.Add(c)
	}
	return p, nil
}

// WorkerPoller returns the worker-process poller over its single
// queue endpoint.
func (m *Messenger) WorkerPoller() (*transport.Poller, error) {
	p, err := transport.NewPoller()
	if err != nil {
		return nil, err
	}
	p.Add(m.wq)
	return p, nil
}

// -- HANDSHAKE --

// TestConnections validates every pipe of this process's role with a
// fixed ping/pong exchange in both directions. Receives are bounded
// by HandshakeTimeout; a deadline miss surfaces as a recoverable
// timeout error. On the master, a successful handshake switches
// sends to the bounded mode when sendTimeout is positive.
func (m *Messenger) TestConnections(sendTimeout time.Duration) error {
	switch m.f.Role() {
	case fleet.Master:
		m.mq.SetRecvTimeout(HandshakeTimeout)
		defer m.mq.SetRecvTimeout(0)
		if err := m.handshake(m.mq); err != nil {
			return err
		}
		if sendTimeout > 0 {
			m.mq.SetSendTimeout(sendTimeout)
		}
	case fleet.Queue:
		m.mq.SetRecvTimeout(HandshakeTimeout)
		defer m.mq.SetRecvTimeout(0)
		if err := m.answer(m.mq); err != nil {
			return err
		}
		for i, c := range m.qw {
			c.SetRecvTimeout(HandshakeTimeout)
			if err := m.handshake(c); err != nil {
				return errors.E(fmt.Sprintf("messenger: worker %d handshake", i), err)
			}
			c.SetRecvTimeout(0)
		}
	case fleet.Worker:
		m.wq.SetRecvTimeout(HandshakeTimeout)
		defer m.wq.SetRecvTimeout(0)
		if err := m.answer(m.wq); err != nil {
			return err
		}
	}
	log.Debug.Printf("messenger: %s handshake complete", m.f.Role())
	return nil
}

// handshake drives the initiating side: ping, expect pong, expect
// ping, pong.
func (m *Messenger) handshake(c *transport.Conn) error {
	if err := c.Send(uint8(Ping)); err != nil {
		return err
	}
	if err := expect(c, Pong); err != nil {
		return err
	}
	if err := expect(c, Ping); err != nil {
		return err
	}
	return c.Send(uint8(Pong))
}

// answer drives the answering side: expect ping, pong, ping, expect
// pong.
func (m *Messenger) answer(c *transport.Conn) error {
	if err := expect(c, Ping); err != nil {
		return err
	}
	if err := c.Send(uint8(Pong)); err != nil {
		return err
	}
	if err := c.Send(uint8(Ping)); err != nil {
		return err
	}
	return expect(c, Pong)
}

func expect(c *transport.Conn, want X2X) error {
	var v uint8
	if err := c.Recv(&v); err != nil {
		return err
	}
	if X2X(v) != want {
		return errors.E(errors.Fatal, fmt.Sprintf("messenger: handshake got %s, want %s", X2X(v), want))
	}
	return nil
}

// -- CLOSE PATHS --

// CloseMasterQueue closes the master-queue channel. It is called
// from the master's teardown and from the queue's immediate exit
// path.
func (m *Messenger) CloseMasterQueue() {
	if m.mq != nil {
		m.mq.Close()
		m.mq = nil
	}
}

// CloseQueueWorker closes the queue-worker channels of this process:
// all of them on the queue, the single one on a worker. Children
// call this right before os.Exit.
func (m *Messenger) CloseQueueWorker() {
	for _, c := range m.qw {
		c.Close()
	}
	m.qw = nil
	if m.wq != nil {
		m.wq.Close()
		m.wq = nil
	}
}
