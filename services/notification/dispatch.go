package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"ig-notification/api/pkg/clients/email"
	"ig-notification/api/services/mail"
	"ig-notification/api/services/storage"
)

// ErrStorage is returned when the send log cannot be created. Nothing has
// been delivered in that case.
var ErrStorage = errors.New("notification: send log storage failed")

// Validation codes owned by the relay rather than the mail package.
const (
	CodeSMTPHost       = "smtp_host"
	CodeSMTPPort       = "smtp_port"
	CodeHostNotAllowed = "smtp_host_not_allowed"
	CodeSMTPHostLength = "smtp_host_too_long"
	CodeSenderLength   = "sender_too_long"
	CodeSubjectLength  = "subject_too_long"
)

// Column widths of email_logs, in characters.
const (
	MaxSenderLength   = 255
	MaxSubjectLength  = 500
	MaxSMTPHostLength = 255
)

const (
	finalizeTimeout = 5 * time.Second

	successMessage       = "email sent successfully"
	failureMessagePrefix = "email delivery failed: "
)

// Outcome is what the caller learns about an attempted delivery.
type Outcome struct {
	LogID     uuid.UUID      `json:"log_id"`
	Status    storage.Status `json:"status"`
	Message   string         `json:"message"`
	CreatedAt time.Time      `json:"created_at"`
}

// DispatchConfig carries the process-wide settings the pipeline needs.
type DispatchConfig struct {
	Settings     email.Settings
	AllowedHosts []string // empty allows any SMTP host
	Policy       *mail.AttachmentPolicy
}

// Dispatcher runs the send pipeline: validate, build, record, deliver,
// finalize.
type Dispatcher struct {
	store        storage.Storage
	client       email.Client
	settings     email.Settings
	policy       mail.AttachmentPolicy
	allowedHosts map[string]struct{}
	now          func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store storage.Storage, client email.Client, cfg DispatchConfig) (*Dispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("dispatcher: store cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("dispatcher: email client cannot be nil")
	}

	policy := mail.DefaultAttachmentPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}

	var hosts map[string]struct{}
	if len(cfg.AllowedHosts) > 0 {
		hosts = make(map[string]struct{}, len(cfg.AllowedHosts))
		for _, h := range cfg.AllowedHosts {
			hosts[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
		}
	}

	return &Dispatcher{
		store:        store,
		client:       client,
		settings:     cfg.Settings,
		policy:       policy,
		allowedHosts: hosts,
		now:          time.Now,
	}, nil
}

// Send validates req and performs one delivery attempt. A *mail.ValidationError
// means nothing was recorded or sent. A delivery failure is not an error: it
// comes back as an Outcome with status failed.
func (d *Dispatcher) Send(ctx context.Context, req *SendRequest) (*Outcome, error) {
	attachments, totalSize, err := d.validate(req)
	if err != nil {
		return nil, err
	}

	raw, err := mail.BuildMessage(mail.Message{
		From:        req.SenderEmail,
		To:          req.RecipientEmails,
		Cc:          req.CcEmails,
		Subject:     req.Subject,
		Body:        req.Body,
		Attachments: attachments,
		Date:        d.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("build message: %w", err)
	}

	rec, err := d.store.CreateLog(ctx, &storage.SendLog{
		SenderEmail:         req.SenderEmail,
		RecipientEmails:     req.RecipientEmails,
		CcEmails:            req.CcEmails,
		BccEmails:           req.BccEmails,
		Subject:             req.Subject,
		Body:                req.Body,
		SMTPHost:            strings.TrimSpace(req.SMTPHost),
		SMTPPort:            req.SMTPPort,
		UseSSL:              storage.SSLFlag(req.ImplicitTLS()),
		AttachmentCount:     len(attachments),
		TotalAttachmentSize: totalSize,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	result := d.deliver(ctx, req, raw)
	d.finalize(ctx, rec.ID, result)

	out := &Outcome{LogID: rec.ID, CreatedAt: rec.CreatedAt}
	if result.OK {
		out.Status = storage.StatusSuccess
		out.Message = successMessage
	} else {
		out.Status = storage.StatusFailed
		out.Message = failureMessagePrefix + result.Detail
	}
	return out, nil
}

// validate applies every request rule in order and returns the decoded
// attachments with their total size.
func (d *Dispatcher) validate(req *SendRequest) ([]mail.Attachment, int64, error) {
	if err := mail.ValidateRecipientCount(len(req.RecipientEmails)); err != nil {
		return nil, 0, err
	}
	if err := mail.ValidateAddresses(req.RecipientEmails, "recipient"); err != nil {
		return nil, 0, err
	}
	if err := mail.ValidateAddresses([]string{req.SenderEmail}, "sender"); err != nil {
		return nil, 0, err
	}
	if err := mail.ValidateAddresses(req.CcEmails, "cc"); err != nil {
		return nil, 0, err
	}
	if err := mail.ValidateAddresses(req.BccEmails, "bcc"); err != nil {
		return nil, 0, err
	}
	if err := checkLength("sender_email", CodeSenderLength, req.SenderEmail, MaxSenderLength); err != nil {
		return nil, 0, err
	}
	if err := checkLength("subject", CodeSubjectLength, req.Subject, MaxSubjectLength); err != nil {
		return nil, 0, err
	}
	if err := d.validateServer(req.SMTPHost, req.SMTPPort); err != nil {
		return nil, 0, err
	}
	return mail.ValidateAttachments(req.Attachments, d.policy)
}

func (d *Dispatcher) validateServer(host string, port int) error {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return &mail.ValidationError{Field: "smtp_host", Code: CodeSMTPHost, Message: "smtp_host is required"}
	}
	if err := checkLength("smtp_host", CodeSMTPHostLength, host, MaxSMTPHostLength); err != nil {
		return err
	}
	if port < 1 || port > 65535 {
		return &mail.ValidationError{
			Field:   "smtp_port",
			Code:    CodeSMTPPort,
			Message: fmt.Sprintf("smtp_port must be between 1 and 65535, got %d", port),
		}
	}
	if d.allowedHosts != nil {
		if _, ok := d.allowedHosts[host]; !ok {
			return &mail.ValidationError{
				Field:   "smtp_host",
				Code:    CodeHostNotAllowed,
				Message: fmt.Sprintf("smtp host %s is not allowed", host),
			}
		}
	}
	return nil
}

func checkLength(field, code, value string, limit int) error {
	if n := utf8.RuneCountInString(value); n > limit {
		return &mail.ValidationError{
			Field:   field,
			Code:    code,
			Message: fmt.Sprintf("%s must be at most %d characters, got %d", field, limit, n),
		}
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, req *SendRequest, raw []byte) email.Result {
	transport, err := email.Negotiate(email.TransportOptions{
		Host:        req.SMTPHost,
		Port:        req.SMTPPort,
		ImplicitTLS: req.ImplicitTLS(),
		VerifyCert:  req.VerifyCert(),
		Settings:    d.settings,
	})
	if err != nil {
		return email.Result{Detail: "transport: " + err.Error()}
	}

	return d.client.Send(ctx, email.Delivery{
		Transport:  transport,
		From:       req.SenderEmail,
		Recipients: req.Recipients(),
		Username:   req.SMTPUsername,
		Password:   req.SMTPPassword,
		Message:    raw,
	})
}

// finalize records the terminal status. It outlives a cancelled request so a
// caller hanging up does not leave the log pending.
func (d *Dispatcher) finalize(ctx context.Context, id uuid.UUID, result email.Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	f := storage.Finalization{Success: result.OK, ErrorDetail: result.Detail}
	if result.OK {
		f.SentAt = d.now().UTC()
	}

	if err := d.store.FinalizeLog(ctx, id, f); err != nil {
		if result.OK {
			slog.WarnContext(ctx, "email sent but log finalization failed", "logId", id, "error", err)
			return
		}
		slog.ErrorContext(ctx, "failed to record delivery failure", "logId", id, "detail", result.Detail, "error", err)
	}
}
