package usecase

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

const (
	minNameLength  = 2
	maxNameLength  = 200
	minPhoneDigits = 7
	maxPhoneDigits = 15
)

var (
	emailShape = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	spaces     = regexp.MustCompile(`\s+`)
)

var placeholderNames = map[string]bool{
	"unknown": true, "n/a": true, "na": true, "null": true, "none": true,
	"undefined": true, "test": true, "-": true, ".": true, "no name": true,
}

// normalizeName trims, collapses inner whitespace and composes the name to NFC.
func normalizeName(raw string) (string, error) {
	name := strings.TrimSpace(spaces.ReplaceAllString(norm.NFC.String(raw), " "))
	switch n := utf8.RuneCountInString(name); {
	case n == 0:
		return "", ValidationError{"name", "is required"}
	case placeholderNames[strings.ToLower(name)]:
		return "", ValidationError{"name", "must be a real name"}
	case n < minNameLength:
		return "", ValidationError{"name", fmt.Sprintf("must have at least %d characters", minNameLength)}
	case n > maxNameLength:
		return "", ValidationError{"name", fmt.Sprintf("must not exceed %d characters", maxNameLength)}
	}
	return name, nil
}

// normalizeEmail returns "" for an absent or malformed address.
func normalizeEmail(raw string) string {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || !emailShape.MatchString(email) {
		return ""
	}
	return email
}

// normalizePhone returns a country-coded international number, or "" when the
// input holds too few or too many digits to be a phone.
func normalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	hadPlus := strings.HasPrefix(raw, "+")

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return ""
	}
	if hadPlus {
		return "+" + digits
	}

	switch {
	case len(digits) == 10 && digits[0] >= '6' && digits[0] <= '9':
		// Indian mobile numbering
		return "+91" + digits
	case len(digits) == 10 && digits[0] >= '2' && digits[0] <= '5':
		// North American numbering
		return "+1" + digits
	case len(digits) == 11 && digits[0] == '0':
		// domestic trunk prefix in front of an Indian number
		return "+91" + digits[1:]
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits
	case len(digits) == 12 && strings.HasPrefix(digits, "91"):
		return "+" + digits
	default:
		return "+" + digits
	}
}
