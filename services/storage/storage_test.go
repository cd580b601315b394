package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"ig-notification/api/services/storage"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
)

var (
	testLogID = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	testNow   = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
)

var logCols = []string{
	"id", "sender_email", "recipient_emails", "cc_emails", "bcc_emails",
	"subject", "body", "smtp_host", "smtp_port", "use_ssl", "status", "error_message",
	"attachment_count", "total_attachment_size", "created_at", "sent_at",
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func TestCreateLog(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		in        *storage.SendLog
		setupMock func(mock pgxmock.PgxPoolIface, in *storage.SendLog)
		wantErr   bool
	}{
		{
			name: "inserts pending log with NULL cc and bcc",
			in: &storage.SendLog{
				SenderEmail:     "noreply@example.com",
				RecipientEmails: []string{"a@example.com"},
				Subject:         "hi",
				Body:            "hello",
				SMTPHost:        "smtp.example.com",
				SMTPPort:        465,
				UseSSL:          storage.SSLFlag(true),
				Status:          storage.StatusSuccess, // ignored, always inserted as pending
			},
			setupMock: func(mock pgxmock.PgxPoolIface, in *storage.SendLog) {
				mock.ExpectQuery("INSERT INTO email_logs").
					WithArgs(
						pgxmock.AnyArg(), in.SenderEmail, in.RecipientEmails,
						[]string(nil), []string(nil),
						in.Subject, in.Body, in.SMTPHost, in.SMTPPort, in.UseSSL,
						"pending", 0, int64(0),
					).
					WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(testNow))
			},
		},
		{
			name: "keeps cc, bcc and attachment totals",
			in: &storage.SendLog{
				SenderEmail:         "noreply@example.com",
				RecipientEmails:     []string{"a@example.com", "b@example.com"},
				CcEmails:            []string{"c@example.com"},
				BccEmails:           []string{"d@example.com"},
				SMTPHost:            "smtp.example.com",
				SMTPPort:            587,
				UseSSL:              storage.SSLFlag(false),
				AttachmentCount:     2,
				TotalAttachmentSize: 2048,
			},
			setupMock: func(mock pgxmock.PgxPoolIface, in *storage.SendLog) {
				mock.ExpectQuery("INSERT INTO email_logs").
					WithArgs(
						pgxmock.AnyArg(), in.SenderEmail, in.RecipientEmails,
						in.CcEmails, in.BccEmails,
						"", "", in.SMTPHost, 587, in.UseSSL,
						"pending", 2, int64(2048),
					).
					WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(testNow))
			},
		},
		{
			name: "insert failure is wrapped",
			in:   &storage.SendLog{SenderEmail: "noreply@example.com", RecipientEmails: []string{"a@example.com"}},
			setupMock: func(mock pgxmock.PgxPoolIface, _ *storage.SendLog) {
				mock.ExpectQuery("INSERT INTO email_logs").WillReturnError(errors.New("connection lost"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mock := newMock(t)
			tt.setupMock(mock, tt.in)

			store := &storage.PgStorage{DB: mock}
			got, err := store.CreateLog(context.Background(), tt.in)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.ID == uuid.Nil {
				t.Error("expected an assigned id")
			}
			if got.Status != storage.StatusPending {
				t.Errorf("expected pending, got %q", got.Status)
			}
			if !got.CreatedAt.Equal(testNow) {
				t.Errorf("expected created_at %v, got %v", testNow, got.CreatedAt)
			}
			if got.SentAt != nil || got.ErrorMessage != nil {
				t.Error("pending log must not carry sent_at or error_message")
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet mock expectations: %v", err)
			}
		})
	}
}

func TestFinalizeLog(t *testing.T) {
	t.Parallel()
	sentAt := testNow.Add(2 * time.Second)
	detail := "auth: 535 5.7.8 Authentication credentials invalid"

	tests := []struct {
		name      string
		f         storage.Finalization
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   error
	}{
		{
			name: "success sets sent_at and clears error",
			f:    storage.Finalization{Success: true, SentAt: sentAt},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec("UPDATE email_logs").
					WithArgs(testLogID, "success", (*string)(nil), &sentAt).
					WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			},
		},
		{
			name: "failure records detail without sent_at",
			f:    storage.Finalization{ErrorDetail: detail},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec("UPDATE email_logs").
					WithArgs(testLogID, "failed", &detail, (*time.Time)(nil)).
					WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			},
		},
		{
			name: "already finalized log is rejected",
			f:    storage.Finalization{Success: true, SentAt: sentAt},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec("UPDATE email_logs").
					WithArgs(testLogID, "success", (*string)(nil), &sentAt).
					WillReturnResult(pgxmock.NewResult("UPDATE", 0))
			},
			wantErr: storage.ErrLogNotPending,
		},
		{
			name: "exec failure propagates",
			f:    storage.Finalization{ErrorDetail: detail},
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec("UPDATE email_logs").
					WithArgs(testLogID, "failed", &detail, (*time.Time)(nil)).
					WillReturnError(errors.New("timeout"))
			},
			wantErr: errors.New("finalize send log: timeout"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mock := newMock(t)
			tt.setupMock(mock)

			store := &storage.PgStorage{DB: mock}
			err := store.FinalizeLog(context.Background(), testLogID, tt.f)

			if tt.wantErr != nil {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if err.Error() != tt.wantErr.Error() {
					t.Errorf("expected error %q, got %q", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet mock expectations: %v", err)
			}
		})
	}
}

func TestGetLog(t *testing.T) {
	t.Parallel()

	t.Run("found", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)
		sentAt := testNow.Add(time.Second)
		mock.ExpectQuery("SELECT id, sender_email").
			WithArgs(testLogID).
			WillReturnRows(pgxmock.NewRows(logCols).AddRow(
				testLogID, "noreply@example.com", []string{"a@example.com"}, []string{"c@example.com"}, []string{},
				"hi", "hello", "smtp.example.com", 465, storage.SSLFlag(true), "success", nil,
				1, int64(42), testNow, &sentAt,
			))

		store := &storage.PgStorage{DB: mock}
		got, err := store.GetLog(context.Background(), testLogID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Status != storage.StatusSuccess {
			t.Errorf("expected success, got %q", got.Status)
		}
		if got.SentAt == nil || !got.SentAt.Equal(sentAt) {
			t.Errorf("expected sent_at %v, got %v", sentAt, got.SentAt)
		}
		if got.UseSSL == nil || *got.UseSSL != "true" {
			t.Errorf("expected use_ssl true, got %v", got.UseSSL)
		}
		if len(got.CcEmails) != 1 || got.CcEmails[0] != "c@example.com" {
			t.Errorf("unexpected cc %v", got.CcEmails)
		}
		if got.TotalAttachmentSize != 42 {
			t.Errorf("expected size 42, got %d", got.TotalAttachmentSize)
		}
	})

	t.Run("missing returns ErrNoRows", func(t *testing.T) {
		t.Parallel()
		mock := newMock(t)
		mock.ExpectQuery("SELECT id, sender_email").
			WithArgs(testLogID).
			WillReturnError(pgx.ErrNoRows)

		store := &storage.PgStorage{DB: mock}
		_, err := store.GetLog(context.Background(), testLogID)
		if !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("expected pgx.ErrNoRows, got %v", err)
		}
	})
}

func TestListLogs(t *testing.T) {
	t.Parallel()
	older := uuid.MustParse("550e8400-e29b-41d4-a716-446655440001")

	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		wantLen   int
		wantTotal int64
		wantErr   bool
	}{
		{
			name: "returns page and total in one snapshot",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBeginTx(pgx.TxOptions{
					IsoLevel:   pgx.RepeatableRead,
					AccessMode: pgx.ReadOnly,
				})
				mock.ExpectQuery("SELECT count").
					WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(7)))
				mock.ExpectQuery("SELECT id, sender_email").
					WithArgs(2, 5).
					WillReturnRows(pgxmock.NewRows(logCols).
						AddRow(testLogID, "noreply@example.com", []string{"a@example.com"}, []string{}, []string{},
							"hi", "hello", "smtp.example.com", 587, storage.SSLFlag(false), "pending", nil,
							0, int64(0), testNow, nil).
						AddRow(older, "noreply@example.com", []string{"b@example.com"}, []string{}, []string{},
							"hi", "hello", "smtp.example.com", 587, nil, "failed", &[]string{"connect: refused"}[0],
							0, int64(0), testNow.Add(-time.Hour), nil))
				mock.ExpectCommit()
			},
			wantLen:   2,
			wantTotal: 7,
		},
		{
			name: "empty table yields empty slice",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBeginTx(pgx.TxOptions{
					IsoLevel:   pgx.RepeatableRead,
					AccessMode: pgx.ReadOnly,
				})
				mock.ExpectQuery("SELECT count").
					WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))
				mock.ExpectQuery("SELECT id, sender_email").
					WithArgs(2, 5).
					WillReturnRows(pgxmock.NewRows(logCols))
				mock.ExpectCommit()
			},
			wantLen:   0,
			wantTotal: 0,
		},
		{
			name: "count failure rolls back",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBeginTx(pgx.TxOptions{
					IsoLevel:   pgx.RepeatableRead,
					AccessMode: pgx.ReadOnly,
				})
				mock.ExpectQuery("SELECT count").WillReturnError(errors.New("connection lost"))
				mock.ExpectRollback()
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mock := newMock(t)
			tt.setupMock(mock)

			store := &storage.PgStorage{DB: mock}
			logs, total, err := store.ListLogs(context.Background(), 5, 2)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if err := mock.ExpectationsWereMet(); err != nil {
					t.Errorf("unmet mock expectations: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if logs == nil {
				t.Fatal("expected non-nil slice")
			}
			if len(logs) != tt.wantLen {
				t.Errorf("expected %d logs, got %d", tt.wantLen, len(logs))
			}
			if total != tt.wantTotal {
				t.Errorf("expected total %d, got %d", tt.wantTotal, total)
			}
			if tt.wantLen == 2 {
				if logs[1].UseSSL != nil {
					t.Errorf("expected NULL use_ssl to stay nil, got %v", *logs[1].UseSSL)
				}
				if logs[1].ErrorMessage == nil || *logs[1].ErrorMessage != "connect: refused" {
					t.Errorf("unexpected error message %v", logs[1].ErrorMessage)
				}
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet mock expectations: %v", err)
			}
		})
	}
}
