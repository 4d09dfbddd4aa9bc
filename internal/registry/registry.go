// Package registry holds the configured outbound SMTP servers and the
// selection policy used when binding new transport connections to them.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// ErrNoServersAvailable is returned when no enabled server can be selected
	ErrNoServersAvailable = errors.New("no SMTP servers available")
	// ErrDuplicateServer is returned when two servers share a name
	ErrDuplicateServer = errors.New("duplicate server name")
)

// TLSMode controls how a session secures its connection to a server
type TLSMode string

const (
	TLSNone     TLSMode = "none"
	TLSStartTLS TLSMode = "starttls"
	TLSImplicit TLSMode = "implicit"
)

// UnmarshalText implements encoding.TextUnmarshaler so the mode can be read
// straight from configuration files.
func (m *TLSMode) UnmarshalText(text []byte) error {
	mode, err := ParseTLSMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (m TLSMode) MarshalText() ([]byte, error) {
	return []byte(m), nil
}

// ParseTLSMode parses a TLS mode name. The empty string maps to StartTLS.
func ParseTLSMode(s string) (TLSMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "starttls", "start_tls":
		return TLSStartTLS, nil
	case "none", "plain":
		return TLSNone, nil
	case "implicit", "ssl", "tls", "smtps":
		return TLSImplicit, nil
	default:
		return "", fmt.Errorf("unknown TLS mode %q", s)
	}
}

// Server describes one outbound SMTP endpoint
type Server struct {
	Name           string
	Host           string
	Port           int
	Username       string
	Password       string
	TLSMode        TLSMode
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Enabled        bool
	// Weight is reserved for weighted selection; round robin ignores it.
	Weight int
}

// Address returns host:port
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// String never includes credentials
func (s *Server) String() string {
	return fmt.Sprintf("%s(%s)", s.Name, s.Address())
}

// Registry is the ordered, read-only list of configured servers. It is safe
// for concurrent reads once built.
type Registry struct {
	servers []*Server
	byName  map[string]*Server
}

// New builds a registry from the given descriptors, preserving their order
func New(servers []Server) (*Registry, error) {
	r := &Registry{
		servers: make([]*Server, 0, len(servers)),
		byName:  make(map[string]*Server, len(servers)),
	}

	for i := range servers {
		srv := servers[i]
		if srv.Name == "" {
			return nil, fmt.Errorf("server at index %d has no name", i)
		}
		if srv.Host == "" {
			return nil, fmt.Errorf("server %q has no host", srv.Name)
		}
		if srv.Port <= 0 || srv.Port > 65535 {
			return nil, fmt.Errorf("server %q has invalid port %d", srv.Name, srv.Port)
		}
		if _, exists := r.byName[srv.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateServer, srv.Name)
		}
		if srv.Weight < 1 {
			srv.Weight = 1
		}
		if srv.TLSMode == "" {
			srv.TLSMode = TLSStartTLS
		}

		r.servers = append(r.servers, &srv)
		r.byName[srv.Name] = &srv
	}

	return r, nil
}

// All returns every server in insertion order
func (r *Registry) All() []*Server {
	out := make([]*Server, len(r.servers))
	copy(out, r.servers)
	return out
}

// Enabled returns the enabled servers in insertion order
func (r *Registry) Enabled() []*Server {
	out := make([]*Server, 0, len(r.servers))
	for _, srv := range r.servers {
		if srv.Enabled {
			out = append(out, srv)
		}
	}
	return out
}

// Lookup finds a server by name
func (r *Registry) Lookup(name string) (*Server, bool) {
	srv, ok := r.byName[name]
	return srv, ok
}

// Len returns the number of configured servers
func (r *Registry) Len() int {
	return len(r.servers)
}

// Selector picks the server a new connection should be bound to
type Selector interface {
	Next() (*Server, error)
}

// RoundRobin cycles through the enabled servers of a registry in insertion
// order. Disabled servers never consume a turn.
type RoundRobin struct {
	enabled []*Server
	counter atomic.Uint64
}

// NewRoundRobin snapshots the enabled servers of r
func NewRoundRobin(r *Registry) *RoundRobin {
	return &RoundRobin{enabled: r.Enabled()}
}

// Next returns the next enabled server
func (rr *RoundRobin) Next() (*Server, error) {
	n := uint64(len(rr.enabled))
	if n == 0 {
		return nil, ErrNoServersAvailable
	}
	idx := (rr.counter.Add(1) - 1) % n
	return rr.enabled[idx], nil
}
