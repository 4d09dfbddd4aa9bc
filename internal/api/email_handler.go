package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/IshanDwivedii/smtp-pool/internal/delivery"
	"github.com/IshanDwivedii/smtp-pool/internal/message"
	"github.com/IshanDwivedii/smtp-pool/internal/reqctx"
)

// Response messages
const (
	msgSent        = "Email sent successfully :)"
	msgFailed      = "Failed To send email :("
	msgAccepted    = "Email accepted for delivery"
	msgBulkSent    = "All emails sent successfully"
	msgBulkPartial = "Some emails failed to send"
)

// AddressList accepts either a single address string or an array of them
type AddressList []string

// UnmarshalJSON implements json.Unmarshaler
func (l *AddressList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = nil
		for _, addr := range strings.Split(single, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				*l = append(*l, addr)
			}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("address list must be a string or an array of strings")
	}
	*l = many
	return nil
}

// AttachmentRequest is an attachment in a send request. Content is base64.
type AttachmentRequest struct {
	FileName string `json:"fileName"`
	MIMEType string `json:"mimeType"`
	Content  []byte `json:"content"`
}

// EmailRequest is the body of the send endpoints
type EmailRequest struct {
	From           string              `json:"from"`
	To             AddressList         `json:"to"`
	Cc             AddressList         `json:"cc,omitempty"`
	Bcc            AddressList         `json:"bcc,omitempty"`
	Subject        string              `json:"subject"`
	Body           string              `json:"body"`
	IsHTML         bool                `json:"isHtml"`
	Attachments    []AttachmentRequest `json:"attachments,omitempty"`
	IdempotencyKey string              `json:"idempotencyKey,omitempty"`
}

// Message converts the request into a message for the dispatcher
func (req *EmailRequest) Message() *message.Message {
	msg := message.NewMessage(req.From, req.To, req.Subject, req.Body)
	msg.Cc = req.Cc
	msg.Bcc = req.Bcc
	msg.IsHTML = req.IsHTML
	msg.IdempotencyKey = req.IdempotencyKey
	for _, a := range req.Attachments {
		msg.Attachments = append(msg.Attachments, message.Attachment{
			FileName: a.FileName,
			MIMEType: a.MIMEType,
			Content:  a.Content,
		})
	}
	return msg
}

// EmailResponse is returned by the single send endpoints
type EmailResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BulkEmailRequest is the body of the bulk endpoint
type BulkEmailRequest struct {
	Messages []EmailRequest `json:"messages"`
}

// BulkItemResponse is the outcome of one message in a bulk send
type BulkItemResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Server    string `json:"server,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BulkEmailResponse is returned by the bulk endpoint
type BulkEmailResponse struct {
	Success   bool               `json:"success"`
	Message   string             `json:"message"`
	BatchID   string             `json:"batchId"`
	Succeeded int                `json:"succeeded"`
	Total     int                `json:"total"`
	Items     []BulkItemResponse `json:"items"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	s.sendWith(w, r, s.deps.Sender.Send)
}

func (s *Server) handleLegacy(w http.ResponseWriter, r *http.Request) {
	s.sendWith(w, r, s.deps.Sender.SendLegacy)
}

func (s *Server) sendWith(w http.ResponseWriter, r *http.Request, send func(context.Context, *message.Message) delivery.Result) {
	var req EmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, EmailResponse{Message: msgFailed, Error: err.Error()})
		return
	}

	res := send(r.Context(), req.Message())
	if res.Success {
		writeJSON(w, EmailResponse{Success: true, Message: msgSent, MessageID: res.MessageID})
		return
	}
	writeJSONStatus(w, statusFor(res.Err), EmailResponse{Message: msgFailed, MessageID: res.MessageID, Error: res.Error()})
}

func (s *Server) handleSendAsync(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, EmailResponse{Message: msgFailed, Error: err.Error()})
		return
	}

	msg := req.Message()
	msg.Normalize()
	if err := msg.Validate(); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, EmailResponse{Message: msgFailed, Error: err.Error()})
		return
	}
	id := msg.EnsureID()

	// the send outlives the request
	fut := s.deps.Sender.SendAsync(context.WithoutCancel(r.Context()), msg)
	select {
	case <-fut.Done():
		if res := fut.Wait(); errors.Is(res.Err, delivery.ErrOverloaded) || errors.Is(res.Err, delivery.ErrClosed) {
			writeJSONStatus(w, http.StatusServiceUnavailable, EmailResponse{Message: msgFailed, MessageID: id, Error: res.Error()})
			return
		}
	default:
	}

	logger := reqctx.Logger(r.Context())
	go func() {
		if res := fut.Wait(); !res.Success {
			logger.Warn("async send failed", "message_id", id, "error", res.Error())
		}
	}()
	writeJSONStatus(w, http.StatusAccepted, EmailResponse{Success: true, Message: msgAccepted, MessageID: id})
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, BulkEmailResponse{Message: msgFailed})
		return
	}
	if len(req.Messages) == 0 {
		writeJSONStatus(w, http.StatusBadRequest, BulkEmailResponse{Message: "no messages to send"})
		return
	}

	msgs := make([]*message.Message, len(req.Messages))
	for i := range req.Messages {
		msgs[i] = req.Messages[i].Message()
	}

	bulk := s.deps.Sender.SendBulk(r.Context(), msgs)
	resp := BulkEmailResponse{
		Success:   bulk.Success,
		Message:   msgBulkSent,
		BatchID:   bulk.BatchID,
		Succeeded: bulk.Succeeded,
		Total:     bulk.Total,
		Items:     make([]BulkItemResponse, len(bulk.Items)),
	}
	for i, item := range bulk.Items {
		resp.Items[i] = BulkItemResponse{
			Success:   item.Success,
			MessageID: item.MessageID,
			Server:    item.Server,
			Error:     item.Error(),
		}
	}

	status := http.StatusOK
	if !bulk.Success {
		resp.Message = msgBulkPartial
		status = http.StatusMultiStatus
	}
	writeJSONStatus(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, delivery.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, delivery.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, delivery.ErrLegacyUnavailable), errors.Is(err, delivery.ErrOverloaded), errors.Is(err, delivery.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
