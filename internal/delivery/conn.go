package delivery

import (
	"sync"
	"time"

	"github.com/IshanDwivedii/smtp-pool/internal/registry"
	"github.com/IshanDwivedii/smtp-pool/internal/transport"
)

// Conn is a pooled SMTP session bound to one server for its whole life
type Conn struct {
	server    *registry.Server
	session   transport.Session
	createdAt time.Time

	mu              sync.Mutex
	lastUsedAt      time.Time
	lastValidatedAt time.Time
}

func newConn(session transport.Session, now time.Time) *Conn {
	return &Conn{
		server:     session.Server(),
		session:    session,
		createdAt:  now,
		lastUsedAt: now,
	}
}

func (c *Conn) Server() *registry.Server {
	return c.server
}

func (c *Conn) Session() transport.Session {
	return c.session
}

func (c *Conn) Connected() bool {
	return c.session.Connected()
}

func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

func (c *Conn) LastUsedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsedAt
}

func (c *Conn) LastValidatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastValidatedAt
}

func (c *Conn) markUsed(t time.Time) {
	c.mu.Lock()
	c.lastUsedAt = t
	c.mu.Unlock()
}

func (c *Conn) markValidated(t time.Time) {
	c.mu.Lock()
	c.lastValidatedAt = t
	c.mu.Unlock()
}
