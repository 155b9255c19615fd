// Package transport provides the duplex text-frame socket used by the
// connection manager.
package transport

import (
	"context"
	"errors"
)

// Close codes used by the client.
const (
	StatusNormalClosure   = 1000
	StatusGoingAway       = 1001
	StatusAbnormalClosure = 1006
	// StatusHeartbeatTimeout is sent when the peer stopped answering pings.
	StatusHeartbeatTimeout = 4000
)

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.New("transport closed")

// Conn is one established duplex connection carrying text frames.
type Conn interface {
	// Read blocks for the next frame.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}
