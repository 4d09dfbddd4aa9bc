package transport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mail "github.com/wneessen/go-mail"
	"github.com/wneessen/go-mail/smtp"

	"github.com/IshanDwivedii/smtp-pool/internal/message"
	"github.com/IshanDwivedii/smtp-pool/internal/registry"
)

// DefaultTimeout applies when a server has no connect timeout configured
const DefaultTimeout = 10 * time.Second

// GoMailDialer builds sessions on top of github.com/wneessen/go-mail. The
// mail.Client only carries settings; each session owns its own
// *smtp.Client so pooled sessions never share a connection.
type GoMailDialer struct {
	// HeloName overrides the hostname sent in EHLO
	HeloName string
	logger   *slog.Logger
}

// NewGoMailDialer creates a dialer
func NewGoMailDialer(logger *slog.Logger) *GoMailDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GoMailDialer{logger: logger.With("component", "smtp-transport")}
}

// NewSession constructs an unconnected session for srv
func (d *GoMailDialer) NewSession(srv *registry.Server) (Session, error) {
	client, err := d.newClient(srv)
	if err != nil {
		return nil, err
	}
	return &goMailSession{
		client: client,
		server: srv,
		logger: d.logger.With("server", srv.Name),
	}, nil
}

// SendOnce dials srv, sends msg and disconnects
func (d *GoMailDialer) SendOnce(ctx context.Context, srv *registry.Server, msg *message.Message) (string, error) {
	client, err := d.newClient(srv)
	if err != nil {
		return "", err
	}
	m, err := BuildMsg(msg)
	if err != nil {
		return "", err
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return "", fmt.Errorf("send via %s: %w", srv.Name, err)
	}
	return m.GetMessageID(), nil
}

func (d *GoMailDialer) newClient(srv *registry.Server) (*mail.Client, error) {
	if srv == nil {
		return nil, fmt.Errorf("%w: no server", ErrTransportInit)
	}
	client, err := mail.NewClient(srv.Host, clientOptions(srv, d.HeloName)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransportInit, srv.Name, err)
	}
	return client, nil
}

func clientOptions(srv *registry.Server, helo string) []mail.Option {
	timeout := srv.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	opts := []mail.Option{
		mail.WithPort(srv.Port),
		mail.WithTimeout(timeout),
	}

	switch srv.TLSMode {
	case registry.TLSImplicit:
		opts = append(opts, mail.WithSSL())
	case registry.TLSNone:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}

	if srv.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(srv.Username),
			mail.WithPassword(srv.Password))
	}

	if helo != "" {
		opts = append(opts, mail.WithHELO(helo))
	}

	return opts
}

type goMailSession struct {
	client *mail.Client
	server *registry.Server
	logger *slog.Logger

	mu     sync.Mutex
	conn   *smtp.Client
	closed bool
}

func (s *goMailSession) Server() *registry.Server {
	return s.server
}

func (s *goMailSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *goMailSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.conn != nil {
		return nil
	}

	conn, err := s.client.DialToSMTPClientWithContext(ctx)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", s.server.Address(), err)
	}
	s.conn = conn
	s.logger.Debug("connected", "address", s.server.Address(), "tls_mode", s.server.TLSMode)
	return nil
}

func (s *goMailSession) Send(ctx context.Context, msg *message.Message) (string, error) {
	m, err := BuildMsg(msg)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return "", ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := s.client.SendWithSMTPClient(s.conn, m); err != nil {
		// the connection state is unknown after a failed transaction
		s.dropLocked()
		return "", fmt.Errorf("send via %s: %w", s.server.Name, err)
	}
	return m.GetMessageID(), nil
}

func (s *goMailSession) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrNotConnected
	}
	if err := s.client.ResetWithSMTPClient(s.conn); err != nil {
		s.dropLocked()
		return fmt.Errorf("reset %s: %w", s.server.Name, err)
	}
	return nil
}

func (s *goMailSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.conn == nil {
		return nil
	}
	err := s.client.CloseWithSMTPClient(s.conn)
	s.conn = nil
	return err
}

// dropLocked discards a connection that is no longer trusted
func (s *goMailSession) dropLocked() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("error closing broken connection", "error", err)
	}
	s.conn = nil
}

// BuildMsg converts a message into a go-mail Msg with a fresh Message-ID
func BuildMsg(msg *message.Message) (*mail.Msg, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message is nil", message.ErrInvalidMessage)
	}

	m := mail.NewMsg()
	if err := m.From(msg.From); err != nil {
		return nil, fmt.Errorf("set from: %w", err)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, fmt.Errorf("set to: %w", err)
	}
	if len(msg.Cc) > 0 {
		if err := m.Cc(msg.Cc...); err != nil {
			return nil, fmt.Errorf("set cc: %w", err)
		}
	}
	if len(msg.Bcc) > 0 {
		if err := m.Bcc(msg.Bcc...); err != nil {
			return nil, fmt.Errorf("set bcc: %w", err)
		}
	}

	m.Subject(msg.Subject)
	m.SetDate()
	m.SetMessageID()

	contentType := mail.TypeTextPlain
	if msg.IsHTML {
		contentType = mail.TypeTextHTML
	}
	m.SetBodyString(contentType, msg.Body)

	for _, att := range msg.Attachments {
		var opts []mail.FileOption
		if att.MIMEType != "" {
			opts = append(opts, mail.WithFileContentType(mail.ContentType(att.MIMEType)))
		}
		if err := m.AttachReader(att.FileName, bytes.NewReader(att.Content), opts...); err != nil {
			return nil, fmt.Errorf("attach %s: %w", att.FileName, err)
		}
	}

	return m, nil
}
