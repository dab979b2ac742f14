package types

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
	RoleError     Role = "error"
)

// Message is a single entry in a conversation timeline.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID,omitempty"`
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	Time      MessageTime `json:"time"`

	// ToolCallID links a tool message to the server-side tool call that
	// produced it. Only set when Role == RoleTool.
	ToolCallID string `json:"toolCallID,omitempty"`

	// Streaming marks a message that is still accumulating deltas. Never
	// persisted; a stored message is always settled.
	Streaming bool `json:"-"`

	// Cancelled marks a message whose turn was aborted by the user. The
	// content is the partial text accumulated before the abort.
	Cancelled bool `json:"cancelled,omitempty"`

	Error  *MessageError `json:"error,omitempty"`
	Tokens *TokenUsage   `json:"tokens,omitempty"`
}

// MessageTime holds creation and last-update timestamps in Unix milliseconds.
type MessageTime struct {
	Created int64  `json:"created"`
	Updated *int64 `json:"updated,omitempty"`
}

// MessageError describes a failure attached to a message.
type MessageError struct {
	Type      string `json:"type"` // "transport" | "rejected" | "fallback" | "aborted"
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *MessageError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// TokenUsage reports token counts for a completed exchange.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}
