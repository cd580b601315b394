package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ig-notification/api/pkg/ratelimit"
	"ig-notification/api/services/mail"
)

// JSON-RPC 2.0 error codes.
const (
	rpcParseError     = -32700
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
	rpcRateLimited    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// rpcAttachment accepts both "content" and the MCP-style "content_base64".
type rpcAttachment struct {
	Filename      string `json:"filename"`
	Content       string `json:"content"`
	ContentBase64 string `json:"content_base64"`
	ContentType   string `json:"content_type"`
}

type rpcSendParams struct {
	SendRequest
	Attachments []rpcAttachment `json:"attachments"`
}

func (p *rpcSendParams) toRequest() *SendRequest {
	req := p.SendRequest
	req.Attachments = nil
	for _, a := range p.Attachments {
		content := a.Content
		if content == "" {
			content = a.ContentBase64
		}
		req.Attachments = append(req.Attachments, mail.AttachmentInput{
			Filename:    a.Filename,
			Content:     content,
			ContentType: a.ContentType,
		})
	}
	return &req
}

type rpcLogParams struct {
	LogID string `json:"log_id"`
}

type rpcListParams struct {
	Skip  *int `json:"skip"`
	Limit *int `json:"limit"`
}

// HandleRPC serves the MCP JSON-RPC endpoint. Only a malformed envelope is
// an HTTP error; everything else is answered with 200 and a JSON-RPC body.
func (s *Service) HandleRPC(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("failed to parse rpc request", "requestId", rid, "error", err)
		writeRPC(w, http.StatusBadRequest, rid, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: rpcParseError, Message: "parse error"},
		})
		return
	}
	slog.Debug("handling rpc request", "method", req.Method, "requestId", rid)

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	result, err := s.dispatchRPC(r, req)
	if err != nil {
		var rpcErr *rpcError
		if !errors.As(err, &rpcErr) {
			slog.Error("rpc call failed", "method", req.Method, "requestId", rid, "error", err)
			rpcErr = &rpcError{Code: rpcInternalError, Message: "internal error"}
		}
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	writeRPC(w, http.StatusOK, rid, resp)
}

func (s *Service) dispatchRPC(r *http.Request, req rpcRequest) (any, error) {
	switch req.Method {
	case "send_email":
		if s.opts.SendLimiter != nil && !s.opts.SendLimiter.Allow(ratelimit.ClientIP(r, s.opts.TrustProxy)) {
			return nil, &rpcError{Code: rpcRateLimited, Message: "too many requests, try again later"}
		}
		return s.rpcSendEmail(r.Context(), req.Params)
	case "get_email_log":
		return s.rpcGetEmailLog(r.Context(), req.Params)
	case "list_email_logs":
		return s.rpcListEmailLogs(r.Context(), req.Params)
	default:
		return nil, &rpcError{Code: rpcMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (s *Service) rpcSendEmail(ctx context.Context, raw json.RawMessage) (any, error) {
	var params rpcSendParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	out, err := s.dispatcher.Send(ctx, params.toRequest())
	if err != nil {
		var vErr *mail.ValidationError
		if errors.As(err, &vErr) {
			return nil, &rpcError{
				Code:    rpcInvalidParams,
				Message: vErr.Message,
				Data:    map[string]string{"code": vErr.Code, "field": vErr.Field},
			}
		}
		return nil, err
	}
	return out, nil
}

func (s *Service) rpcGetEmailLog(ctx context.Context, raw json.RawMessage) (any, error) {
	var params rpcLogParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.LogID == "" {
		return nil, &rpcError{Code: rpcInvalidParams, Message: "log_id is required"}
	}
	id, err := uuid.Parse(params.LogID)
	if err != nil {
		return nil, &rpcError{Code: rpcInvalidParams, Message: "invalid log_id"}
	}

	log, err := s.storage.GetLog(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "log not found"}
		}
		return nil, fmt.Errorf("get send log %s: %w", id, err)
	}
	return log, nil
}

func (s *Service) rpcListEmailLogs(ctx context.Context, raw json.RawMessage) (any, error) {
	var params rpcListParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	skip, limit := 0, defaultListLimit
	if params.Skip != nil {
		skip = *params.Skip
	}
	if params.Limit != nil {
		limit = *params.Limit
	}
	skip, limit = clampPage(skip, limit)

	logs, total, err := s.storage.ListLogs(ctx, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("list send logs: %w", err)
	}
	return map[string]any{"logs": logs, "total": total}, nil
}

// decodeParams treats absent or null params as an empty object.
func decodeParams(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &rpcError{Code: rpcInvalidParams, Message: "invalid params"}
	}
	return nil
}

func writeRPC(w http.ResponseWriter, status int, rid string, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to write rpc response", "requestId", rid, "error", err)
	}
}
