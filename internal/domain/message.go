// Package domain holds the data model shared by the session runtime, the
// history store, and the memory/reflection pipelines.
package domain

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// BlockType identifies the kind of content carried by a ContentBlock.
type BlockType string

const (
	BlockText              BlockType = "text"
	BlockImage             BlockType = "image"
	BlockThinking          BlockType = "thinking"
	BlockRedactedThinking  BlockType = "redacted_thinking"
)

// ContentBlock is one part of a Message's structured content. Only the
// fields relevant to Type are populated.
type ContentBlock struct {
	Type      BlockType `json:"type"`
	Text      string    `json:"text,omitempty"`
	ImageData string    `json:"image_data,omitempty"` // base64, present when Type == BlockImage
	MimeType  string    `json:"mime_type,omitempty"`
	Thinking  string    `json:"thinking,omitempty"`
}

// ToolCall represents a tool invocation requested by an assistant message.
// Arguments are opaque JSON; only the tool implementation interprets them.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"arguments"` // JSON-encoded
}

// Message is one entry in a session's transcript. Content is always
// structured (never a bare string) so multipart content and single-text
// messages share one representation.
type Message struct {
	Role       Role           `json:"role"`
	Content    []ContentBlock `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// TextMessage builds a Message whose content is a single text block, the
// common case for user/assistant turns.
func TextMessage(role Role, text string) Message {
	return Message{
		Role:      role,
		Content:   []ContentBlock{{Type: BlockText, Text: text}},
		CreatedAt: time.Now(),
	}
}

// Text concatenates all text blocks in the message's content, ignoring
// image/thinking blocks. Used wherever a plain-text view is needed (LLM
// request shaping, interaction summaries for the memory pipeline).
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ImageData describes an inline image attached to a user turn.
type ImageData struct {
	Image    string `json:"image"`     // base64-encoded bytes
	MimeType string `json:"mime_type"`
}

// Valid reports whether the image data has both required fields populated,
// per the session Run() input-validation contract.
func (i *ImageData) Valid() bool {
	return i != nil && i.Image != "" && i.MimeType != ""
}

// MarshalContent renders a message's content blocks as a compact JSON value,
// used by history providers that store content as a single column.
func (m Message) MarshalContent() (string, error) {
	b, err := json.Marshal(m.Content)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
