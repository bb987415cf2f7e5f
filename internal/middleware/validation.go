package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/agent-gateway/internal/model"
)

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > 100000 { // ~100KB limit
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateSessionID validates an internal session ID.
func ValidateSessionID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid session ID format")
	}
	return nil
}

// ValidateChatMessages validates the ordered message history of a request.
func ValidateChatMessages(messages []model.ChatMessage) error {
	if len(messages) == 0 {
		return errors.New("messages cannot be empty")
	}
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleUser, model.RoleAssistant, model.RoleSystem:
		default:
			return errors.New("invalid message role")
		}
		if err := ValidateMessageContent(msg.Content); err != nil {
			return err
		}
	}
	return nil
}

// ValidateProvider validates a requested provider family.
func ValidateProvider(family model.ProviderFamily) error {
	if !family.Valid() {
		return errors.New("unsupported provider")
	}
	return nil
}

// ValidateTenantID validates a tenant ID.
func ValidateTenantID(id string) error {
	if len(id) == 0 {
		return errors.New("tenant ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("tenant ID exceeds maximum length")
	}
	return nil
}
