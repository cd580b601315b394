package mail

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// MaxAttachments is the largest number of files a single send may carry.
	MaxAttachments = 10

	// MaxTotalAttachmentSize bounds the sum of decoded attachment bytes (30 MiB).
	MaxTotalAttachmentSize int64 = 30 * 1024 * 1024
)

// AttachmentInput is an attachment as it crosses the API boundary:
// Content is base64 text, not raw bytes.
type AttachmentInput struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

// Attachment is a validated, decoded attachment ready for MIME encoding.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// AttachmentPolicy holds the limits enforced by ValidateAttachments.
type AttachmentPolicy struct {
	MaxCount          int
	MaxTotalSize      int64
	AllowedExtensions map[string]struct{}
	AllowedTypes      map[string]struct{}
}

// DefaultAttachmentPolicy returns the document/image allowlist used by the relay.
func DefaultAttachmentPolicy() AttachmentPolicy {
	return AttachmentPolicy{
		MaxCount:     MaxAttachments,
		MaxTotalSize: MaxTotalAttachmentSize,
		AllowedExtensions: setOf(
			".pdf", ".doc", ".docx", ".txt",
			".jpg", ".jpeg", ".png", ".gif",
			".xls", ".xlsx", ".csv",
		),
		AllowedTypes: setOf(
			"application/pdf",
			"application/msword",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			"application/vnd.ms-excel",
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			"text/plain",
			"text/csv",
			"image/jpeg",
			"image/png",
			"image/gif",
		),
	}
}

// ValidateAttachments enforces the count, type and size policy and decodes
// every item. It returns the decoded attachments and their total size.
// The first failing rule wins; on failure no size is reported.
func ValidateAttachments(items []AttachmentInput, policy AttachmentPolicy) ([]Attachment, int64, error) {
	if len(items) == 0 {
		return nil, 0, nil
	}

	if len(items) > policy.MaxCount {
		return nil, 0, newValidationError("attachments", CodeAttachmentCount,
			fmt.Sprintf("at most %d attachments are allowed, got %d", policy.MaxCount, len(items)))
	}

	decoded := make([]Attachment, 0, len(items))
	var total int64
	for i, item := range items {
		if err := policy.checkItem(item); err != nil {
			return nil, 0, err
		}

		data, err := DecodeContent(item.Content)
		if err != nil {
			return nil, 0, newValidationError("attachments", CodeAttachmentDecode,
				fmt.Sprintf("attachment %d (%s) could not be decoded: %v", i+1, item.Filename, err))
		}

		total += int64(len(data))
		decoded = append(decoded, Attachment{
			Filename:    item.Filename,
			ContentType: normalizeContentType(item.ContentType),
			Data:        data,
		})
	}

	// Decode failures outrank the size limit, so the sum is checked only
	// once every item has decoded.
	if total > policy.MaxTotalSize {
		return nil, 0, newValidationError("attachments", CodeAttachmentSize,
			fmt.Sprintf("total attachment size must not exceed %d MB", policy.MaxTotalSize/(1024*1024)))
	}

	return decoded, total, nil
}

// checkItem validates filename, extension and declared content type.
func (p AttachmentPolicy) checkItem(item AttachmentInput) error {
	if strings.TrimSpace(item.Filename) == "" {
		return newValidationError("attachments", CodeAttachmentFilename, "attachment filename is required")
	}

	if len(p.AllowedExtensions) > 0 {
		ext := strings.ToLower(filepath.Ext(item.Filename))
		if _, ok := p.AllowedExtensions[ext]; !ok {
			return newValidationError("attachments", CodeAttachmentExtension,
				fmt.Sprintf("file type %q is not allowed, allowed types: %s", item.Filename, strings.Join(sortedKeys(p.AllowedExtensions), ", ")))
		}
	}

	if ct := normalizeContentType(item.ContentType); ct != "" && len(p.AllowedTypes) > 0 {
		if _, ok := p.AllowedTypes[ct]; !ok {
			return newValidationError("attachments", CodeAttachmentType,
				fmt.Sprintf("content type %q is not allowed", ct))
		}
	}
	return nil
}

// DecodeContent decodes standard base64, tolerating line breaks, spaces and
// missing padding as produced by most encoders.
func DecodeContent(content string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', '\t', ' ':
			return -1
		}
		return r
	}, content)

	if len(cleaned)%4 != 0 {
		return base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
	}
	return base64.StdEncoding.DecodeString(cleaned)
}

// normalizeContentType drops parameters and lowercases the media type.
func normalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func setOf(values ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
