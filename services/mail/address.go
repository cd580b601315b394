package mail

import (
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/net/idna"
)

const (
	// MinRecipients and MaxRecipients bound the "to" list of a single send.
	MinRecipients = 1
	MaxRecipients = 100
)

// ValidateRecipientCount enforces the 1..100 recipient window.
func ValidateRecipientCount(n int) error {
	if n < MinRecipients {
		return newValidationError("recipient_emails", CodeRecipientsMin,
			fmt.Sprintf("at least one recipient is required (minimum %d)", MinRecipients))
	}
	if n > MaxRecipients {
		return newValidationError("recipient_emails", CodeRecipientsMax,
			fmt.Sprintf("too many recipients: %d (maximum %d)", n, MaxRecipients))
	}
	return nil
}

// ValidateAddresses checks every address and reports the first invalid one,
// naming the field it came from.
func ValidateAddresses(addrs []string, field string) error {
	for _, addr := range addrs {
		if err := ValidateAddress(addr); err != nil {
			return newValidationError(field, CodeInvalidAddress,
				fmt.Sprintf("invalid %s address: %s", field, addr))
		}
	}
	return nil
}

// ValidateAddress accepts a bare RFC 5322 addr-spec whose domain is a
// dotted, IDNA-valid host name. Display names are rejected.
func ValidateAddress(addr string) error {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return err
	}
	if parsed.Name != "" || parsed.Address != strings.TrimSpace(addr) {
		return fmt.Errorf("display names are not allowed")
	}

	at := strings.LastIndexByte(parsed.Address, '@')
	if at <= 0 || at == len(parsed.Address)-1 {
		return fmt.Errorf("missing domain")
	}
	domain := parsed.Address[at+1:]
	if strings.HasPrefix(domain, "[") {
		return fmt.Errorf("address literals are not allowed")
	}

	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return fmt.Errorf("invalid domain: %w", err)
	}
	if !strings.Contains(strings.Trim(ascii, "."), ".") {
		return fmt.Errorf("domain %q is not fully qualified", domain)
	}
	return nil
}

// Domain returns the domain part of addr, or "localhost" when it has none.
func Domain(addr string) string {
	if at := strings.LastIndexByte(addr, '@'); at >= 0 && at < len(addr)-1 {
		return addr[at+1:]
	}
	return "localhost"
}
