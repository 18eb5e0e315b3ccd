package ipc

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by a pipe end after either side closed it
var ErrClosed = errors.New("connection closed")

// ClientConn is the driver side of an installer connection
type ClientConn interface {
	Send(*Request) error
	Recv() (*Event, error)
	Close() error
}

// ServerConn is the installer side of a connection. Its context ends when the peer goes away.
type ServerConn interface {
	Send(*Event) error
	Recv() (*Request, error)
	Context() context.Context
}

// Handler serves one connection until it ends
type Handler interface {
	Serve(conn ServerConn) error
}

// Pipe is an in-process connection between a client and a server end
type Pipe struct {
	requests chan *Request
	events   chan *Event

	ctx    context.Context
	cancel context.CancelFunc

	once sync.Once
}

// NewPipe creates a connected pair of ends
func NewPipe() *Pipe {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipe{
		requests: make(chan *Request),
		events:   make(chan *Event),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Client returns the driver end
func (p *Pipe) Client() ClientConn {
	return pipeClient{p}
}

// Server returns the installer end
func (p *Pipe) Server() ServerConn {
	return pipeServer{p}
}

// Break drops the connection the way a crashed peer would
func (p *Pipe) Break() {
	p.once.Do(p.cancel)
}

type pipeClient struct{ p *Pipe }

func (c pipeClient) Send(req *Request) error {
	select {
	case c.p.requests <- req:
		return nil
	case <-c.p.ctx.Done():
		return ErrClosed
	}
}

func (c pipeClient) Recv() (*Event, error) {
	select {
	case ev := <-c.p.events:
		return ev, nil
	case <-c.p.ctx.Done():
		return nil, ErrClosed
	}
}

func (c pipeClient) Close() error {
	c.p.Break()
	return nil
}

type pipeServer struct{ p *Pipe }

func (s pipeServer) Send(ev *Event) error {
	select {
	case s.p.events <- ev:
		return nil
	case <-s.p.ctx.Done():
		return ErrClosed
	}
}

func (s pipeServer) Recv() (*Request, error) {
	select {
	case req := <-s.p.requests:
		return req, nil
	case <-s.p.ctx.Done():
		return nil, io.EOF
	}
}

func (s pipeServer) Context() context.Context {
	return s.p.ctx
}
