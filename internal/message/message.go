// Package message defines the outbound email handed to the dispatcher
package message

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrInvalidMessage is the parent of every validation failure
	ErrInvalidMessage = errors.New("invalid message")
	// ErrMissingSender is returned when From is empty
	ErrMissingSender = fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	// ErrMissingRecipients is returned when To is empty
	ErrMissingRecipients = fmt.Errorf("%w: at least one recipient is required", ErrInvalidMessage)
	// ErrMissingSubject is returned when Subject is empty
	ErrMissingSubject = fmt.Errorf("%w: subject is required", ErrInvalidMessage)
	// ErrMissingBody is returned when Body is empty
	ErrMissingBody = fmt.Errorf("%w: body is required", ErrInvalidMessage)
	// ErrInvalidAddress is returned when an address cannot be parsed
	ErrInvalidAddress = fmt.Errorf("%w: malformed address", ErrInvalidMessage)
)

// Attachment is a file carried with a message
type Attachment struct {
	FileName string `json:"fileName"`
	MIMEType string `json:"mimeType"`
	Content  []byte `json:"content"`
}

// Message is one email to be sent. It is built per request and never stored.
type Message struct {
	ID          string       `json:"id,omitempty"`
	From        string       `json:"from"`
	To          []string     `json:"to"`
	Cc          []string     `json:"cc,omitempty"`
	Bcc         []string     `json:"bcc,omitempty"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	IsHTML      bool         `json:"isHtml"`
	Attachments []Attachment `json:"attachments,omitempty"`
	// IdempotencyKey lets callers retry a send without delivering twice
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time `json:"-"`
}

// NewMessage creates a new message instance
func NewMessage(from string, to []string, subject, body string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Subject:   subject,
		Body:      body,
		CreatedAt: time.Now(),
	}
}

// EnsureID assigns an ID if the message has none and returns it
func (m *Message) EnsureID() string {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return m.ID
}

// Recipients returns To, Cc and Bcc in order
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	out = append(out, m.Bcc...)
	return out
}

// Validate checks that the message can be handed to a transport. Sender,
// at least one recipient, subject and body are required and every address
// must parse.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: message is nil", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.From) == "" {
		return ErrMissingSender
	}
	if len(m.To) == 0 {
		return ErrMissingRecipients
	}
	if m.Subject == "" {
		return ErrMissingSubject
	}
	if m.Body == "" {
		return ErrMissingBody
	}

	if err := validateAddress("from", m.From); err != nil {
		return err
	}
	for _, group := range []struct {
		field string
		addrs []string
	}{{"to", m.To}, {"cc", m.Cc}, {"bcc", m.Bcc}} {
		for _, addr := range group.addrs {
			if err := validateAddress(group.field, addr); err != nil {
				return err
			}
		}
	}

	for i, att := range m.Attachments {
		if strings.TrimSpace(att.FileName) == "" {
			return fmt.Errorf("%w: attachment %d has no file name", ErrInvalidMessage, i)
		}
	}

	return nil
}

func validateAddress(field, addr string) error {
	if !utf8.ValidString(addr) || strings.ContainsAny(addr, "\r\n") {
		return fmt.Errorf("%w: %s contains invalid characters", ErrInvalidAddress, field)
	}
	if _, err := mail.ParseAddress(addr); err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalidAddress, field, addr, err)
	}
	return nil
}

// Normalize trims addresses and applies NFC normalization to the subject,
// body and attachment names so visually identical text is encoded the same
// way on the wire.
func (m *Message) Normalize() {
	m.From = strings.TrimSpace(m.From)
	m.To = trimAll(m.To)
	m.Cc = trimAll(m.Cc)
	m.Bcc = trimAll(m.Bcc)
	// a whitespace-only subject is still a subject
	if subject := strings.TrimSpace(m.Subject); subject != "" {
		m.Subject = subject
	}
	m.Subject = norm.NFC.String(m.Subject)
	m.Body = norm.NFC.String(m.Body)
	for i := range m.Attachments {
		m.Attachments[i].FileName = norm.NFC.String(strings.TrimSpace(m.Attachments[i].FileName))
	}
}

func trimAll(addrs []string) []string {
	if len(addrs) == 0 {
		return addrs
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
