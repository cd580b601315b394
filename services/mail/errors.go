package mail

// Validation error codes. They are returned to callers verbatim so clients can
// branch on them without parsing messages.
const (
	CodeRecipientsMin       = "recipients_min"
	CodeRecipientsMax       = "recipients_max"
	CodeInvalidAddress      = "invalid_address"
	CodeAttachmentCount     = "attachment_count"
	CodeAttachmentSize      = "attachment_size"
	CodeAttachmentDecode    = "attachment_decode"
	CodeAttachmentFilename  = "attachment_filename"
	CodeAttachmentExtension = "attachment_extension"
	CodeAttachmentType      = "attachment_type"
)

// ValidationError is a client-caused rejection of a send request.
// Message is safe to return to the caller as-is.
type ValidationError struct {
	Field   string
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func newValidationError(field, code, message string) *ValidationError {
	return &ValidationError{Field: field, Code: code, Message: message}
}
