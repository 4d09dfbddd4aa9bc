// Package transport wraps the SMTP client library behind a small session
// interface so pooled handles can be connected, probed, used and closed
// without the rest of the system knowing the wire protocol.
package transport

import (
	"context"
	"errors"

	"github.com/IshanDwivedii/smtp-pool/internal/message"
	"github.com/IshanDwivedii/smtp-pool/internal/registry"
)

var (
	// ErrTransportInit is returned when a session cannot be constructed
	ErrTransportInit = errors.New("transport initialization failed")
	// ErrNotConnected is returned when a session is used before Connect
	ErrNotConnected = errors.New("transport session not connected")
	// ErrSessionClosed is returned when a session is used after Close
	ErrSessionClosed = errors.New("transport session closed")
)

// Session is one SMTP connection to a single server. A session is used by
// one goroutine at a time; the pool guarantees exclusive ownership.
type Session interface {
	// Connect dials and authenticates. It is a no-op when already connected.
	Connect(ctx context.Context) error
	// Send delivers msg and returns the Message-ID header that was used
	Send(ctx context.Context, msg *message.Message) (string, error)
	// Reset issues RSET to check the connection is still usable
	Reset(ctx context.Context) error
	Close() error
	Connected() bool
	Server() *registry.Server
}

// Dialer builds unconnected sessions bound to a server
type Dialer interface {
	NewSession(srv *registry.Server) (Session, error)
}

// OneShotSender delivers a single message over a throwaway connection
type OneShotSender interface {
	SendOnce(ctx context.Context, srv *registry.Server, msg *message.Message) (string, error)
}
