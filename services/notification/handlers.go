package notification

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"

	"ig-notification/api/pkg/logger"
	"ig-notification/api/services/mail"
	"ig-notification/api/services/storage"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// HandleSend validates and delivers one email. Delivery failures are
// business outcomes: they come back as 200 with status "failed", not as
// server errors.
func (s *Service) HandleSend(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	req, err := decodeSendRequest(r)
	if err != nil {
		slog.Warn("failed to decode send request", "requestId", rid, "error", err)
		status := http.StatusBadRequest
		if errors.Is(err, errUnsupportedMedia) {
			status = http.StatusUnsupportedMediaType
		}
		writeErrorJSON(w, "INVALID_BODY", err.Error(), status)
		return
	}
	slog.Debug("handling send request", "requestId", rid,
		"recipients", len(req.RecipientEmails), "attachments", len(req.Attachments), "smtpHost", req.SMTPHost)

	out, err := s.dispatcher.Send(r.Context(), req)
	if err != nil {
		var vErr *mail.ValidationError
		if errors.As(err, &vErr) {
			slog.Warn("send request rejected", "requestId", rid, "field", vErr.Field, "code", vErr.Code, "error", vErr.Message)
			writeErrorJSON(w, vErr.Code, vErr.Message, http.StatusBadRequest)
			return
		}
		slog.Error("failed to send email", "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", internalErrorMessage, http.StatusInternalServerError)
		return
	}

	if out.Status != storage.StatusSuccess {
		slog.Warn("email delivery failed", "logId", out.LogID, "requestId", rid, "error", out.Message)
	}
	writeJSON(w, rid, out)
}

// HandleListLogs returns a page of send logs, newest first.
func (s *Service) HandleListLogs(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)

	skip, limit, err := pageParams(r)
	if err != nil {
		slog.Warn("invalid paging parameters", "query", r.URL.RawQuery, "requestId", rid, "error", err)
		writeErrorJSON(w, "INVALID_QUERY", "skip and limit must be integers", http.StatusBadRequest)
		return
	}

	logs, total, err := s.storage.ListLogs(r.Context(), skip, limit)
	if err != nil {
		slog.Error("failed to list send logs", "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", internalErrorMessage, http.StatusInternalServerError)
		return
	}
	slog.Debug("retrieved send logs", "count", len(logs), "total", total, "requestId", rid)

	writeJSON(w, rid, map[string]any{"logs": logs, "total": total})
}

// HandleGetLog returns a single send log by id.
func (s *Service) HandleGetLog(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	id := mux.Vars(r)["id"]

	logID, err := uuid.Parse(id)
	if err != nil {
		slog.Warn("invalid log id", "id", id, "requestId", rid, "error", err)
		writeErrorJSON(w, "INVALID_ID", "invalid log id", http.StatusBadRequest)
		return
	}

	log, err := s.storage.GetLog(r.Context(), logID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			slog.Warn("send log not found", "id", logID, "requestId", rid)
			writeErrorJSON(w, "NOT_FOUND", "log not found", http.StatusNotFound)
			return
		}
		slog.Error("failed to get send log", "id", logID, "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", internalErrorMessage, http.StatusInternalServerError)
		return
	}

	writeJSON(w, rid, log)
}

// pageParams reads skip and limit. Negative skips become 0; limit is
// clamped to [1, maxListLimit].
func pageParams(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	skip, limit := 0, defaultListLimit

	if v := q.Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, err
		}
		skip = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, err
		}
		limit = n
	}
	skip, limit = clampPage(skip, limit)
	return skip, limit, nil
}

func clampPage(skip, limit int) (int, int) {
	return max(0, skip), max(1, min(limit, maxListLimit))
}

func writeJSON(w http.ResponseWriter, rid string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal response", "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", internalErrorMessage, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		slog.Error("failed to write response", "requestId", rid, "error", err)
	}
}

// writeErrorJSON writes a structured JSON error response with a machine-readable
// code and a human-readable message. The code lets clients branch on the error
// type (e.g. fix the request on a validation code, retry later on RATE_LIMITED).
func writeErrorJSON(w http.ResponseWriter, errCode, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"code": errCode, "message": message})
}

// reqID extracts the request ID from context (set by RequestID).
func reqID(r *http.Request) string {
	return logger.RequestID(r.Context())
}
