package model

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChatMessage is one turn of conversation history.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-agnostic chat request. Cancellation is carried
// by the context passed to Orchestrator.Run, not by the request itself.
type ChatRequest struct {
	SessionID string            `json:"session_id"`
	Messages  []ChatMessage     `json:"messages"`
	Variables map[string]string `json:"variables,omitempty"`
	Stream    bool              `json:"stream"`
}

// LastUserMessage returns the content of the most recent user turn, which
// query-style providers take instead of full history.
func (r *ChatRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// SendMessageRequest is the HTTP request body for the streaming endpoint.
type SendMessageRequest struct {
	Provider  ProviderFamily    `json:"provider"`
	Model     string            `json:"model,omitempty"`
	Messages  []ChatMessage     `json:"messages"`
	Variables map[string]string `json:"variables,omitempty"`
}
