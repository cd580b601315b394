package storage

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a send log. A log starts pending and
// moves exactly once to success or failed.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// SendLog is the durable record of one delivery attempt (table email_logs).
type SendLog struct {
	ID                  uuid.UUID  `json:"id" db:"id"`
	SenderEmail         string     `json:"sender_email" db:"sender_email"`
	RecipientEmails     []string   `json:"recipient_emails" db:"recipient_emails"`
	CcEmails            []string   `json:"cc_emails" db:"cc_emails"`
	BccEmails           []string   `json:"bcc_emails" db:"bcc_emails"`
	Subject             string     `json:"subject" db:"subject"`
	Body                string     `json:"body" db:"body"`
	SMTPHost            string     `json:"smtp_host" db:"smtp_host"`
	SMTPPort            int        `json:"smtp_port" db:"smtp_port"`
	UseSSL              *string    `json:"use_ssl" db:"use_ssl"` // "true", "false" or NULL on legacy rows
	Status              Status     `json:"status" db:"status"`
	ErrorMessage        *string    `json:"error_message" db:"error_message"`
	AttachmentCount     int        `json:"attachment_count" db:"attachment_count"`
	TotalAttachmentSize int64      `json:"total_attachment_size" db:"total_attachment_size"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	SentAt              *time.Time `json:"sent_at" db:"sent_at"`
}

// Finalization is the terminal outcome written onto a pending log.
type Finalization struct {
	Success     bool
	ErrorDetail string
	SentAt      time.Time
}

// SSLFlag renders the implicit-TLS flag the way the use_ssl column stores it.
func SSLFlag(implicitTLS bool) *string {
	v := "false"
	if implicitTLS {
		v = "true"
	}
	return &v
}
