package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const queryTimeout = 5 * time.Second

// ErrLogNotPending is returned by FinalizeLog when the log does not exist or
// has already reached a terminal state.
var ErrLogNotPending = errors.New("storage: send log is not pending")

// DB abstracts the database operations used by the storage layer.
// Satisfied by *pgxpool.Pool in production and pgxmock in tests.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PgStorage implements the Storage interface using PostgreSQL.
type PgStorage struct {
	DB DB
}

// Storage defines the interface for send log access.
// The dispatcher owns the write path; the read methods back the log endpoints.
type Storage interface {
	CreateLog(ctx context.Context, log *SendLog) (*SendLog, error)
	FinalizeLog(ctx context.Context, id uuid.UUID, f Finalization) error
	GetLog(ctx context.Context, id uuid.UUID) (*SendLog, error)
	ListLogs(ctx context.Context, offset, limit int) ([]SendLog, int64, error)
}

// NewInstance creates a new PostgreSQL-backed Storage implementation.
func NewInstance(db *pgxpool.Pool) (Storage, error) {
	if db == nil {
		return nil, fmt.Errorf("repository: db connection cannot be nil")
	}
	return &PgStorage{DB: db}, nil
}

const logColumns = `id, sender_email, recipient_emails, cc_emails, bcc_emails,
        subject, body, smtp_host, smtp_port, use_ssl, status, error_message,
        attachment_count, total_attachment_size, created_at, sent_at`

// CreateLog inserts log in the pending state and returns it with its id and
// creation time filled in.
func (r *PgStorage) CreateLog(ctx context.Context, log *SendLog) (*SendLog, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	created := *log
	created.ID = uuid.New()
	created.Status = StatusPending
	created.ErrorMessage = nil
	created.SentAt = nil

	err := r.DB.QueryRow(timeoutCtx, `
        INSERT INTO email_logs (
            id, sender_email, recipient_emails, cc_emails, bcc_emails,
            subject, body, smtp_host, smtp_port, use_ssl, status,
            attachment_count, total_attachment_size
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        RETURNING created_at`,
		created.ID,
		created.SenderEmail,
		created.RecipientEmails,
		nullableList(created.CcEmails),
		nullableList(created.BccEmails),
		created.Subject,
		created.Body,
		created.SMTPHost,
		created.SMTPPort,
		created.UseSSL,
		string(created.Status),
		created.AttachmentCount,
		created.TotalAttachmentSize,
	).Scan(&created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert send log: %w", err)
	}
	return &created, nil
}

// FinalizeLog moves a pending log to success or failed. The status guard in
// the WHERE clause keeps the transition one-way.
func (r *PgStorage) FinalizeLog(ctx context.Context, id uuid.UUID, f Finalization) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	status := StatusFailed
	var (
		errMsg *string
		sentAt *time.Time
	)
	if f.Success {
		status = StatusSuccess
		ts := f.SentAt
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		sentAt = &ts
	} else {
		detail := f.ErrorDetail
		errMsg = &detail
	}

	tag, err := r.DB.Exec(timeoutCtx, `
        UPDATE email_logs
        SET status = $2, error_message = $3, sent_at = $4
        WHERE id = $1 AND status = 'pending'`,
		id, string(status), errMsg, sentAt)
	if err != nil {
		return fmt.Errorf("finalize send log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLogNotPending
	}
	return nil
}

// GetLog returns a single log. pgx.ErrNoRows is returned unwrapped when the
// id is unknown so callers can map it to a not-found response.
func (r *PgStorage) GetLog(ctx context.Context, id uuid.UUID) (*SendLog, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := r.DB.QueryRow(timeoutCtx, `
        SELECT `+logColumns+`
        FROM email_logs
        WHERE id = $1`, id)

	log, err := scanLog(row)
	if err != nil {
		return nil, err // pgx.ErrNoRows if not found
	}
	return log, nil
}

// ListLogs returns one page of logs, newest first, and the total row count.
// Both reads share a read-only repeatable-read snapshot so the page and the
// total agree.
func (r *PgStorage) ListLogs(ctx context.Context, offset, limit int) ([]SendLog, int64, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.DB.BeginTx(timeoutCtx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback(timeoutCtx) //nolint:errcheck

	var total int64
	if err := tx.QueryRow(timeoutCtx, `SELECT count(*) FROM email_logs`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := tx.Query(timeoutCtx, `
        SELECT `+logColumns+`
        FROM email_logs
        ORDER BY created_at DESC
        LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	logs := []SendLog{}
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, *log)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(timeoutCtx); err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

func scanLog(row pgx.Row) (*SendLog, error) {
	var (
		l      SendLog
		status string
	)
	err := row.Scan(
		&l.ID,
		&l.SenderEmail,
		&l.RecipientEmails,
		&l.CcEmails,
		&l.BccEmails,
		&l.Subject,
		&l.Body,
		&l.SMTPHost,
		&l.SMTPPort,
		&l.UseSSL,
		&status,
		&l.ErrorMessage,
		&l.AttachmentCount,
		&l.TotalAttachmentSize,
		&l.CreatedAt,
		&l.SentAt,
	)
	if err != nil {
		return nil, err
	}
	l.Status = Status(status)
	return &l, nil
}

// nullableList stores empty cc/bcc lists as NULL.
func nullableList(v []string) []string {
	if len(v) == 0 {
		return nil
	}
	return v
}
