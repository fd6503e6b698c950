package security

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxMessageBytes caps a single chat message. Anything larger is
// rejected before it reaches persistence or the orchestrator.
const MaxMessageBytes = 32 * 1024

// MessageValidator validates inbound chat message content.
type MessageValidator struct {
	MaxLength int
}

// NewMessageValidator creates a validator with the default limits.
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{MaxLength: MaxMessageBytes}
}

// Validate checks that content is well-formed UTF-8 text within the
// size limit and free of null bytes and non-whitespace control
// characters.
func (v *MessageValidator) Validate(content string) error {
	if content == "" {
		return fmt.Errorf("message is empty")
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("message is blank")
	}
	if v.MaxLength > 0 && len(content) > v.MaxLength {
		return fmt.Errorf("message exceeds max length %d", v.MaxLength)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message is not valid UTF-8")
	}
	if strings.ContainsRune(content, '\x00') {
		return fmt.Errorf("message contains null bytes")
	}
	for _, r := range content {
		if r < 32 && r != '\n' && r != '\t' && r != '\r' {
			return fmt.Errorf("message contains control characters")
		}
	}
	return nil
}

// ValidateID checks an identifier field (session or user id): non-blank,
// bounded, and limited to URL-safe characters.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id is empty")
	}
	if len(id) > 128 {
		return fmt.Errorf("id exceeds max length 128")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("id contains invalid character %q", r)
		}
	}
	return nil
}
