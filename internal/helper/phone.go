package helper

import (
	"errors"
	"regexp"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

var (
	ErrEmptyRecipient   = errors.New("recipient is empty")
	ErrInvalidRecipient = errors.New("recipient contains invalid characters")

	phoneFormat  = regexp.MustCompile(`^[\d\s\+\-\(\)\.]+$`)
	nonDigits    = regexp.MustCompile(`[^\d]`)
	recipientJID = regexp.MustCompile(`^[^@\s]+@[a-z.]+$`)
)

// NormalizeRecipient turns a phone number or JID into a canonical JID
// string. Values that already carry a server ("...@g.us") are kept as is.
// When countryCode is set, a single leading 0 is replaced by it.
func NormalizeRecipient(raw, countryCode string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyRecipient
	}

	if strings.Contains(raw, "@") {
		if !recipientJID.MatchString(raw) {
			return "", ErrInvalidRecipient
		}
		return raw, nil
	}

	phone, err := NormalizePhone(raw, countryCode)
	if err != nil {
		return "", err
	}
	return phone + "@" + types.DefaultUserServer, nil
}

// NormalizePhone strips formatting from a phone number and returns digits only.
func NormalizePhone(raw, countryCode string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyRecipient
	}
	if !phoneFormat.MatchString(raw) {
		return "", ErrInvalidRecipient
	}

	cleaned := nonDigits.ReplaceAllString(raw, "")
	if cleaned == "" {
		return "", ErrEmptyRecipient
	}

	countryCode = nonDigits.ReplaceAllString(countryCode, "")
	if countryCode != "" && strings.HasPrefix(cleaned, "0") {
		cleaned = countryCode + cleaned[1:]
	}
	return cleaned, nil
}

func ExtractPhoneFromJID(jid string) string {
	// "6285148107612:43@s.whatsapp.net" -> "6285148107612"
	beforeAt, _, _ := strings.Cut(jid, "@")
	user, _, _ := strings.Cut(beforeAt, ":")
	return user
}
