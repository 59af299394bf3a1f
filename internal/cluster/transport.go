package cluster

import (
	"context"
	"errors"
)

var (
	ErrClosed      = errors.New("transport closed")
	ErrUnknownNode = errors.New("unknown node")
)

// MasterTransport fans frames in from every worker and out to one of them.
type MasterTransport interface {
	// Recv returns the next frame from any worker, with NodeID set to the
	// sending worker.
	Recv(ctx context.Context) (Message, error)
	Send(ctx context.Context, nodeID string, m Message) error
	Close() error
}

// WorkerTransport is a worker's connection to its master.
type WorkerTransport interface {
	Send(ctx context.Context, m Message) error
	Recv(ctx context.Context) (Message, error)
	// Reset drops the current connection and establishes a new one.
	Reset(ctx context.Context) error
	Close() error
}
