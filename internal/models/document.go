package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is an uploaded file as persisted by the document store.
type Document struct {
	Name string `json:"name"`
	Path string `json:"-"`
	Size int64  `json:"size"`
}
