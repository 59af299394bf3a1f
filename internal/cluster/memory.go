package cluster

import (
	"context"
	"sync"
)

// MemoryHub is an in-process MasterTransport. Workers attach with Connect.
type MemoryHub struct {
	inbox chan Message

	mu      sync.Mutex
	workers map[string]*MemoryConn
	closed  chan struct{}
	once    sync.Once
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		inbox:   make(chan Message, 256),
		workers: map[string]*MemoryConn{},
		closed:  make(chan struct{}),
	}
}

// Connect attaches a worker endpoint named nodeID.
func (h *MemoryHub) Connect(nodeID string) *MemoryConn {
	c := &MemoryConn{hub: h, nodeID: nodeID, inbox: make(chan Message, 256)}
	h.mu.Lock()
	h.workers[nodeID] = c
	h.mu.Unlock()
	return c
}

func (h *MemoryHub) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-h.inbox:
		return m, nil
	case <-h.closed:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (h *MemoryHub) Send(ctx context.Context, nodeID string, m Message) error {
	h.mu.Lock()
	c, ok := h.workers[nodeID]
	h.mu.Unlock()
	if !ok {
		return ErrUnknownNode
	}
	select {
	case c.inbox <- m:
		return nil
	case <-h.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *MemoryHub) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

// MemoryConn is the worker side of a MemoryHub.
type MemoryConn struct {
	hub    *MemoryHub
	nodeID string
	inbox  chan Message
}

func (c *MemoryConn) Send(ctx context.Context, m Message) error {
	m.NodeID = c.nodeID
	select {
	case c.hub.inbox <- m:
		return nil
	case <-c.hub.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MemoryConn) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.hub.closed:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *MemoryConn) Reset(context.Context) error {
	c.hub.mu.Lock()
	c.hub.workers[c.nodeID] = c
	c.hub.mu.Unlock()
	return nil
}

// Close detaches the worker from the hub.
func (c *MemoryConn) Close() error {
	c.hub.mu.Lock()
	if c.hub.workers[c.nodeID] == c {
		delete(c.hub.workers, c.nodeID)
	}
	c.hub.mu.Unlock()
	return nil
}
