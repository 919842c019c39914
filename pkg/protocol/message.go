// Package protocol defines the provider-agnostic message, conversation and
// error types shared by every layer of the runtime.
package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type ContentType string

const (
	ContentText       ContentType = "text"
	ContentImage      ContentType = "image"
	ContentAudio      ContentType = "audio"
	ContentToolCall   ContentType = "tool_call"
	ContentToolResult ContentType = "tool_result"
)

type ImageDetail string

const (
	ImageDetailLow  ImageDetail = "low"
	ImageDetailHigh ImageDetail = "high"
	ImageDetailAuto ImageDetail = "auto"
)

type AudioFormat string

const (
	AudioFormatMP3 AudioFormat = "mp3"
	AudioFormatWAV AudioFormat = "wav"
)

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ToolResult carries the outcome of a tool invocation back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
}

// ContentBlock is a tagged content variant. Exactly one payload group is set
// depending on Type.
type ContentBlock struct {
	Type ContentType `json:"type"`

	// ContentText
	Text string `json:"text,omitempty"`

	// ContentImage: URL is an http(s) URL or a data URI.
	URL    string      `json:"url,omitempty"`
	Detail ImageDetail `json:"detail,omitempty"`

	// ContentAudio: Data is base64-encoded audio.
	Data   string      `json:"data,omitempty"`
	Format AudioFormat `json:"format,omitempty"`

	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

func ImageBlock(url string, detail ImageDetail) ContentBlock {
	if detail == "" {
		detail = ImageDetailAuto
	}
	return ContentBlock{Type: ContentImage, URL: url, Detail: detail}
}

func AudioBlock(base64Data string, format AudioFormat) ContentBlock {
	return ContentBlock{Type: ContentAudio, Data: base64Data, Format: format}
}

// Message is the single message type keyed by Role. Which fields are
// meaningful depends on the role; adapters switch on Role at the provider
// boundary instead of dispatching through an interface.
type Message struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`

	// Content is the plain-text body. User messages may carry Blocks instead
	// for multimodal input; when Blocks is non-empty Content is ignored.
	Content string         `json:"content,omitempty"`
	Blocks  []ContentBlock `json:"blocks,omitempty"`

	// Name optionally identifies the author of a user message.
	Name string `json:"name,omitempty"`

	// Assistant-only.
	ToolCalls []*ToolCall `json:"tool_calls,omitempty"`
	AudioID   string      `json:"audio_id,omitempty"`

	// Tool-only.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Error records a generation failure on the turn that produced it.
	Error *ConduitError `json:"error,omitempty"`
}

func NewSystemMessage(content string) *Message {
	return &Message{ID: uuid.NewString(), Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) *Message {
	return &Message{ID: uuid.NewString(), Role: RoleUser, Content: content}
}

func NewMultimodalUserMessage(blocks ...ContentBlock) *Message {
	return &Message{ID: uuid.NewString(), Role: RoleUser, Blocks: blocks}
}

func NewAssistantMessage(content string, toolCalls ...*ToolCall) *Message {
	return &Message{ID: uuid.NewString(), Role: RoleAssistant, Content: content, ToolCalls: toolCalls}
}

func NewToolMessage(toolCallID, content string) *Message {
	return &Message{ID: uuid.NewString(), Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

// Validate checks the per-role structural invariants.
func (m *Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleAssistant:
		if len(m.Blocks) > 0 {
			return fmt.Errorf("%s message cannot carry content blocks", m.Role)
		}
	case RoleUser:
		if len(m.Blocks) > 0 && !hasTextBlock(m.Blocks) {
			return fmt.Errorf("multimodal user message requires at least one text block")
		}
	case RoleTool:
		if m.ToolCallID == "" {
			return fmt.Errorf("tool message requires tool_call_id")
		}
	default:
		return fmt.Errorf("unknown role: %s", m.Role)
	}
	return nil
}

// TextContent flattens the message body to plain text. For multimodal user
// messages the text blocks are concatenated in order.
func (m *Message) TextContent() string {
	if len(m.Blocks) == 0 {
		return m.Content
	}
	text := ""
	for _, b := range m.Blocks {
		if b.Type == ContentText {
			if text != "" {
				text += "\n"
			}
			text += b.Text
		}
	}
	return text
}

// HasPendingToolCalls reports whether this assistant turn requested tools.
func (m *Message) HasPendingToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

func hasTextBlock(blocks []ContentBlock) bool {
	for _, b := range blocks {
		if b.Type == ContentText {
			return true
		}
	}
	return false
}
