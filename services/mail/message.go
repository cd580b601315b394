package mail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultAttachmentType = "application/octet-stream"

	// base64LineLength is the RFC 2045 maximum encoded line length.
	base64LineLength = 76

	// foldLineLength is the RFC 5322 recommended header line width.
	foldLineLength = 78

	// maxEncodedWord is the RFC 2047 limit on one encoded-word.
	maxEncodedWord = 75

	// paramSectionLength bounds a filename parameter value on one line; longer
	// values are split into RFC 2231 continuations.
	paramSectionLength = 60
)

// Message is everything needed to render one outgoing email. Bcc is
// deliberately absent: blind recipients only exist in the SMTP envelope.
type Message struct {
	From        string
	To          []string
	Cc          []string
	Subject     string
	Body        string
	Attachments []Attachment

	// Date and MessageID are generated when left empty.
	Date      time.Time
	MessageID string
}

// IsHTML reports whether body should be sent as text/html.
func IsHTML(body string) bool {
	return strings.Contains(strings.ToLower(body), "<html")
}

// BuildMessage renders m as a multipart/mixed RFC 5322 message.
func BuildMessage(m Message) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	msgID := m.MessageID
	if msgID == "" {
		msgID = fmt.Sprintf("<%s@%s>", uuid.NewString(), Domain(m.From))
	}

	writeHeader(&buf, "From", sanitizeHeader(m.From))
	writeFoldedHeader(&buf, "To", sanitizeAll(m.To), ",")
	if len(m.Cc) > 0 {
		writeFoldedHeader(&buf, "Cc", sanitizeAll(m.Cc), ",")
	}
	writeFoldedHeader(&buf, "Subject", encodeSubject(sanitizeHeader(m.Subject)), "")
	writeHeader(&buf, "Date", date.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", msgID)
	writeHeader(&buf, "MIME-Version", "1.0")
	writeHeader(&buf, "Content-Type", "multipart/mixed;\r\n boundary="+w.Boundary())
	buf.WriteString("\r\n")

	if err := writeBody(w, m.Body); err != nil {
		return nil, err
	}

	for _, att := range m.Attachments {
		if err := writeAttachment(w, att); err != nil {
			return nil, fmt.Errorf("attachment %q: %w", att.Filename, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeBody(w *multipart.Writer, body string) error {
	mediaType := "text/plain"
	if IsHTML(body) {
		mediaType = "text/html"
	}

	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {mediaType + "; charset=UTF-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return fmt.Errorf("failed to create body part: %w", err)
	}

	qp := quotedprintable.NewWriter(part)
	if _, err := io.WriteString(qp, body); err != nil {
		return fmt.Errorf("failed to write body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return fmt.Errorf("failed to flush body: %w", err)
	}
	return nil
}

func writeAttachment(w *multipart.Writer, att Attachment) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = defaultAttachmentType
	}

	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType + ";\r\n " + filenameParams("name", att.Filename)},
		"Content-Disposition":       {"attachment;\r\n " + filenameParams("filename", att.Filename)},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return fmt.Errorf("failed to create part: %w", err)
	}
	return base64Wrap(part, att.Data)
}

// filenameParams renders a filename parameter. Short plain ASCII names use
// the ordinary form; anything else gets an ASCII fallback followed by the
// RFC 2231 extended form, which capable clients prefer. Long extended values
// are split into numbered sections so no header line grows with the name.
func filenameParams(key, filename string) string {
	if isPlainASCII(filename) && len(filename) <= paramSectionLength {
		return key + "=" + quoteIfNeeded(filename)
	}

	params := key + "=" + quoteIfNeeded(shortFallback(filename))
	encoded := EncodeRFC2231(filename)
	if len(encoded) <= paramSectionLength {
		return params + ";\r\n " + key + "*=" + encoded
	}
	for i, section := range splitEncoded(encoded, paramSectionLength) {
		params += fmt.Sprintf(";\r\n %s*%d*=%s", key, i, section)
	}
	return params
}

// splitEncoded cuts a percent-encoded value into sections of at most n bytes
// without breaking a %XX escape.
func splitEncoded(s string, n int) []string {
	var sections []string
	for len(s) > n {
		cut := n
		if i := strings.LastIndexByte(s[:cut], '%'); i >= 0 && i > cut-3 {
			cut = i
		}
		sections = append(sections, s[:cut])
		s = s[cut:]
	}
	return append(sections, s)
}

// shortFallback is ASCIIFallback trimmed to one parameter section, keeping
// the extension.
func shortFallback(filename string) string {
	fallback := ASCIIFallback(filename)
	if len(fallback) <= paramSectionLength {
		return fallback
	}
	ext := filepath.Ext(fallback)
	if len(ext) > paramSectionLength/4 {
		ext = ""
	}
	return fallback[:paramSectionLength-len(ext)] + ext
}

// EncodeRFC2231 returns the RFC 2231 extended parameter value (charset UTF-8,
// empty language, percent-encoded octets).
func EncodeRFC2231(value string) string {
	var b strings.Builder
	b.WriteString("UTF-8''")
	for _, c := range []byte(value) {
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

// ASCIIFallback approximates filename in printable ASCII: diacritics are
// stripped and any remaining non-ASCII rune becomes '_'.
func ASCIIFallback(filename string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, filename)
	if err != nil {
		stripped = filename
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, stripped)
}

func isPlainASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// isAttrChar reports whether c may appear unencoded in an RFC 2231 value.
func isAttrChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}

func quoteIfNeeded(s string) string {
	if s != "" && !strings.ContainsAny(s, " ()<>@,;:\\\"/[]?=") {
		return s
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// writeFoldedHeader writes tokens separated by sep and a space, starting a
// continuation line whenever the next token would pass foldLineLength.
// A single token longer than that stays on its own line.
func writeFoldedHeader(buf *bytes.Buffer, key string, tokens []string, sep string) {
	buf.WriteString(key)
	buf.WriteByte(':')
	width := len(key) + 1
	for i, tok := range tokens {
		if i < len(tokens)-1 {
			tok += sep
		}
		if i > 0 && tok != "" && width+1+len(tok) > foldLineLength {
			buf.WriteString("\r\n")
			width = 0
		}
		buf.WriteByte(' ')
		buf.WriteString(tok)
		width += 1 + len(tok)
	}
	buf.WriteString("\r\n")
}

// encodeSubject returns the subject as foldable words. An unbreakable run
// longer than an encoded-word forces the whole subject into base64
// encoded-words so it can still be folded.
func encodeSubject(subject string) []string {
	words := strings.Split(mime.QEncoding.Encode("UTF-8", subject), " ")
	for _, w := range words {
		if len(w) > maxEncodedWord {
			return base64Words(subject)
		}
	}
	return words
}

// base64Words splits s into "B" encoded-words of at most 45 input bytes each,
// never cutting a UTF-8 sequence.
func base64Words(s string) []string {
	const chunk = 45
	var words []string
	for len(s) > 0 {
		n := min(len(s), chunk)
		for n < len(s) && n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		if n == 0 {
			n = min(len(s), chunk)
		}
		words = append(words, "=?UTF-8?b?"+base64.StdEncoding.EncodeToString([]byte(s[:n]))+"?=")
		s = s[n:]
	}
	return words
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

// sanitizeHeader strips CR and LF so caller input cannot inject headers.
func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", "", "\n", " ").Replace(v)
}

func sanitizeAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = sanitizeHeader(v)
	}
	return out
}

// base64Wrap encodes data in base64 with CRLF line breaks every 76 characters.
func base64Wrap(w io.Writer, data []byte) error {
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(encoded, data)

	for len(encoded) > 0 {
		n := min(len(encoded), base64LineLength)
		if _, err := w.Write(encoded[:n]); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}
