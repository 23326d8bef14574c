package chat

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageLength = 500
	// MaxFileSize is advertised to clients that upload attachments for file
	// messages.
	MaxFileSize = 5 * 1024 * 1024

	MessageTypeText = "text"
	MessageTypeFile = "file"
)

var (
	ErrMessageEmpty       = errors.New("message is empty")
	ErrMessageTooLong     = errors.New("message too long")
	ErrMessageBlocked     = errors.New("message contains blocked content")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrInvalidRoom        = errors.New("invalid room")
	ErrNotInRoom          = errors.New("not in room")
)

// blockedTerms are matched as case-insensitive substrings, so "spampoodle" is
// rejected along with "spam".
var blockedTerms = []string{"spam", "scam", "casino"}

var allowedMessageTypes = []string{MessageTypeText, MessageTypeFile}

var roomNamePattern = regexp.MustCompile(`^[a-z0-9_-]{1,50}$`)

// ValidateMessage trims content and checks it against the length limit, the
// blocked term list and the allowed message types. It returns the trimmed
// content and the effective message type.
func ValidateMessage(content, messageType string) (string, string, error) {
	if messageType == "" {
		messageType = MessageTypeText
	}
	if !slices.Contains(allowedMessageTypes, messageType) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidMessageType, messageType)
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return "", "", ErrMessageEmpty
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return "", "", ErrMessageTooLong
	}
	if containsBlockedTerm(content) {
		return "", "", ErrMessageBlocked
	}

	return content, messageType, nil
}

func containsBlockedTerm(content string) bool {
	lower := strings.ToLower(content)
	for _, term := range blockedTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

func ValidateRoomName(room string) error {
	if !roomNamePattern.MatchString(room) {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}
	return nil
}

// userMessage returns the text shown to a user for a rejected operation.
func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrMessageEmpty):
		return "Message cannot be empty"
	case errors.Is(err, ErrMessageTooLong):
		return fmt.Sprintf("Message too long (max %d characters)", MaxMessageLength)
	case errors.Is(err, ErrMessageBlocked):
		return "Message contains inappropriate content"
	case errors.Is(err, ErrInvalidMessageType):
		return "Unsupported message type"
	case errors.Is(err, ErrInvalidRoom):
		return "Invalid room"
	case errors.Is(err, ErrNotInRoom):
		return "You are not in this room"
	default:
		return "Something went wrong"
	}
}

func BlockedTerms() []string {
	return slices.Clone(blockedTerms)
}

func AllowedMessageTypes() []string {
	return slices.Clone(allowedMessageTypes)
}
