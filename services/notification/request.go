package notification

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"ig-notification/api/services/mail"
)

const (
	// maxRequestBody bounds a send request: 30 MiB of attachments grow by a
	// third when base64 encoded, plus room for the other fields.
	maxRequestBody = 45 << 20

	// maxMultipartMemory is how much of a multipart body is kept in memory
	// before file parts spill to disk.
	maxMultipartMemory = 32 << 20
)

var errUnsupportedMedia = errors.New("content type must be application/json or multipart/form-data")

// SendRequest is one send as submitted by a caller over HTTP or JSON-RPC.
type SendRequest struct {
	RecipientEmails []string               `json:"recipient_emails"`
	SenderEmail     string                 `json:"sender_email"`
	SMTPHost        string                 `json:"smtp_host"`
	SMTPPort        int                    `json:"smtp_port"`
	SMTPUsername    string                 `json:"smtp_username,omitempty"`
	SMTPPassword    string                 `json:"smtp_password,omitempty"`
	UseSSL          *bool                  `json:"use_ssl,omitempty"`
	VerifySSL       *bool                  `json:"verify_ssl,omitempty"`
	CcEmails        []string               `json:"cc_emails,omitempty"`
	BccEmails       []string               `json:"bcc_emails,omitempty"`
	Subject         string                 `json:"subject"`
	Body            string                 `json:"body"`
	Attachments     []mail.AttachmentInput `json:"attachments,omitempty"`
}

// ImplicitTLS reports whether the session starts with TLS. Defaults to true.
func (r *SendRequest) ImplicitTLS() bool {
	return r.UseSSL == nil || *r.UseSSL
}

// VerifyCert reports whether the server certificate is validated. Defaults to true.
func (r *SendRequest) VerifyCert() bool {
	return r.VerifySSL == nil || *r.VerifySSL
}

// Recipients returns the SMTP envelope: to, cc and bcc in that order.
func (r *SendRequest) Recipients() []string {
	out := make([]string, 0, len(r.RecipientEmails)+len(r.CcEmails)+len(r.BccEmails))
	out = append(out, r.RecipientEmails...)
	out = append(out, r.CcEmails...)
	return append(out, r.BccEmails...)
}

// decodeSendRequest reads a JSON or multipart/form-data send request.
// Returned errors are safe to show to the caller.
func decodeSendRequest(r *http.Request) (*SendRequest, error) {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return decodeJSON(r.Body)
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil, errUnsupportedMedia
	}
	switch mediaType {
	case "application/json":
		return decodeJSON(r.Body)
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			return nil, fmt.Errorf("invalid multipart form: %w", err)
		}
		defer r.MultipartForm.RemoveAll() //nolint:errcheck
		return decodeForm(r.MultipartForm)
	default:
		return nil, errUnsupportedMedia
	}
}

func decodeJSON(body io.Reader) (*SendRequest, error) {
	var req SendRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, errors.New("invalid request body")
	}
	return &req, nil
}

// decodeForm maps the form layout used by browser clients: list fields are
// JSON-encoded strings, booleans are "true"/"1"/"yes", files come under
// "files".
func decodeForm(form *multipart.Form) (*SendRequest, error) {
	value := func(key string) string {
		if v := form.Value[key]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	req := &SendRequest{
		SenderEmail:  value("sender_email"),
		SMTPHost:     value("smtp_host"),
		SMTPUsername: value("smtp_username"),
		SMTPPassword: value("smtp_password"),
		Subject:      value("subject"),
		Body:         value("body"),
	}

	var err error
	if req.RecipientEmails, err = jsonList(value("recipient_emails"), "recipient_emails"); err != nil {
		return nil, err
	}
	if req.CcEmails, err = jsonList(value("cc_emails"), "cc_emails"); err != nil {
		return nil, err
	}
	if req.BccEmails, err = jsonList(value("bcc_emails"), "bcc_emails"); err != nil {
		return nil, err
	}

	if port := strings.TrimSpace(value("smtp_port")); port != "" {
		if req.SMTPPort, err = strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("smtp_port must be an integer")
		}
	}
	req.UseSSL = formBool(value("use_ssl"))
	req.VerifySSL = formBool(value("verify_ssl"))

	for _, fh := range form.File["files"] {
		att, err := readFormFile(fh)
		if err != nil {
			return nil, err
		}
		req.Attachments = append(req.Attachments, att)
	}
	return req, nil
}

func jsonList(raw, field string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%s must be a JSON array of strings", field)
	}
	return out, nil
}

// formBool returns nil for an absent field so the default applies.
func formBool(raw string) *bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	switch strings.ToLower(raw) {
	case "true", "1", "yes":
		v := true
		return &v
	default:
		v := false
		return &v
	}
}

func readFormFile(fh *multipart.FileHeader) (mail.AttachmentInput, error) {
	f, err := fh.Open()
	if err != nil {
		return mail.AttachmentInput{}, fmt.Errorf("failed to read file %q", fh.Filename)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return mail.AttachmentInput{}, fmt.Errorf("failed to read file %q", fh.Filename)
	}
	return mail.AttachmentInput{
		Filename:    fh.Filename,
		Content:     base64.StdEncoding.EncodeToString(data),
		ContentType: fh.Header.Get("Content-Type"),
	}, nil
}
