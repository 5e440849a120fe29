package models

import "time"

// Role identifies who authored a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleError marks a failed exchange rendered inline in the log.
	RoleError Role = "error"
)

// Message is one immutable entry of a conversation log.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	// Model and ProcessingTime are set on successful assistant replies only.
	Model          string        `json:"model,omitempty"`
	ProcessingTime time.Duration `json:"processing_time,omitempty"`
}

// IsError reports whether the entry records a failed exchange.
func (m Message) IsError() bool {
	return m.Role == RoleError
}
