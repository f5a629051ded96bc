package client

import (
	"context"
	"io"
	"sync"

	"utter/internal/protocol"
)

// fakeRelay scripts the relay side of a Transport.
type fakeRelay struct {
	mu          sync.Mutex
	dials       int
	failDials   int
	answerPings bool
	registerErr *protocol.Error
	tokens      []string
	last        *fakeConn
}

func (r *fakeRelay) Dial(context.Context) (Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dials++
	if r.dials <= r.failDials {
		return nil, io.ErrUnexpectedEOF
	}
	c := &fakeConn{relay: r, in: make(chan protocol.Frame, 16), closed: make(chan struct{})}
	c.push(protocol.Connected{ConnectionID: "conn"})
	r.last = c
	return c, nil
}

func (r *fakeRelay) lastConn() *fakeConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *fakeRelay) seenTokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tokens...)
}

type fakeConn struct {
	relay  *fakeRelay
	in     chan protocol.Frame
	closed chan struct{}
	once   sync.Once
}

func (c *fakeConn) push(f protocol.Frame) {
	select {
	case c.in <- f:
	case <-c.closed:
	}
}

func (c *fakeConn) Send(f protocol.Frame) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	r := c.relay
	switch f := f.(type) {
	case protocol.Register:
		r.mu.Lock()
		r.tokens = append(r.tokens, f.SessionToken)
		regErr := r.registerErr
		r.mu.Unlock()
		if regErr != nil {
			c.push(*regErr)
			return nil
		}
		c.push(protocol.Registered{DeviceID: f.DeviceID, OwnerSubject: "u@x"})
	case protocol.Ping:
		r.mu.Lock()
		answer := r.answerPings
		r.mu.Unlock()
		if answer {
			c.push(protocol.Pong{Timestamp: f.Timestamp})
		}
	case protocol.GetDevices:
		c.push(protocol.Devices{Devices: []protocol.DeviceInfo{}})
	}
	return nil
}

func (c *fakeConn) Receive() (protocol.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
