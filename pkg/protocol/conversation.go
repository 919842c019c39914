package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ConversationState is derived from the trailing message(s), never stored.
type ConversationState string

const (
	StateGenerate   ConversationState = "GENERATE"
	StateExecute    ConversationState = "EXECUTE"
	StateTerminate  ConversationState = "TERMINATE"
	StateIncomplete ConversationState = "INCOMPLETE"
)

// Conversation is an ordered message sequence owned by a single agent.
// Mutation happens only through Append and the pruning helpers, which keep
// Leaf pointing at the trailing message.
type Conversation struct {
	ID       string     `json:"id"`
	Topic    string     `json:"topic,omitempty"`
	Messages []*Message `json:"messages"`
	Leaf     string     `json:"leaf,omitempty"`
	Session  string     `json:"session,omitempty"`
}

func NewConversation(topic string) *Conversation {
	return &Conversation{ID: uuid.NewString(), Topic: topic}
}

// Append adds a message and advances the leaf pointer.
func (c *Conversation) Append(msg *Message) {
	c.Messages = append(c.Messages, msg)
	c.Leaf = msg.ID
}

// Last returns the trailing message, or nil for an empty conversation.
func (c *Conversation) Last() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// DropLast removes the trailing message and rewinds the leaf pointer. Used
// by crash recovery to discard a dangling user turn.
func (c *Conversation) DropLast() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	dropped := c.Messages[len(c.Messages)-1]
	c.Messages = c.Messages[:len(c.Messages)-1]
	if last := c.Last(); last != nil {
		c.Leaf = last.ID
	} else {
		c.Leaf = ""
	}
	return dropped
}

// State classifies the conversation for the engine:
//
//	GENERATE   - last message is from the user
//	EXECUTE    - last assistant turn has unanswered tool calls
//	TERMINATE  - last assistant turn has no pending tool calls
//	INCOMPLETE - malformed history (bad opening role, hanging tool call)
func (c *Conversation) State() ConversationState {
	if len(c.Messages) == 0 {
		return StateIncomplete
	}

	first := c.Messages[0]
	if first.Role != RoleSystem && first.Role != RoleUser {
		return StateIncomplete
	}
	if c.hasHangingToolCall() {
		return StateIncomplete
	}

	switch last := c.Last(); last.Role {
	case RoleUser, RoleTool:
		return StateGenerate
	case RoleAssistant:
		if last.HasPendingToolCalls() {
			return StateExecute
		}
		return StateTerminate
	default:
		return StateIncomplete
	}
}

// hasHangingToolCall reports whether any assistant tool call before the
// trailing turn lacks a matching tool result.
func (c *Conversation) hasHangingToolCall() bool {
	answered := make(map[string]bool)
	for _, msg := range c.Messages {
		if msg.Role == RoleTool {
			answered[msg.ToolCallID] = true
		}
	}
	for i, msg := range c.Messages {
		if !msg.HasPendingToolCalls() {
			continue
		}
		// The trailing assistant turn is allowed open calls: that is the
		// EXECUTE state, not a defect.
		if i == len(c.Messages)-1 {
			continue
		}
		for _, tc := range msg.ToolCalls {
			if !answered[tc.ID] {
				return true
			}
		}
	}
	return false
}

// Validate checks the structural invariants: at most one system message and
// only at index 0, leaf consistency, per-message validity, and tool messages
// answering a previously emitted tool call.
func (c *Conversation) Validate() error {
	emitted := make(map[string]bool)
	for i, msg := range c.Messages {
		if msg.Role == RoleSystem && i != 0 {
			return fmt.Errorf("system message at index %d, only index 0 is allowed", i)
		}
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		for _, tc := range msg.ToolCalls {
			emitted[tc.ID] = true
		}
		if msg.Role == RoleTool && !emitted[msg.ToolCallID] {
			return fmt.Errorf("tool message %d references unknown tool call %q", i, msg.ToolCallID)
		}
	}
	if last := c.Last(); last != nil && c.Leaf != last.ID {
		return fmt.Errorf("leaf %q does not match trailing message %q", c.Leaf, last.ID)
	}
	return nil
}

// SystemMessage returns the system message if present.
func (c *Conversation) SystemMessage() *Message {
	if len(c.Messages) > 0 && c.Messages[0].Role == RoleSystem {
		return c.Messages[0]
	}
	return nil
}

// SetSystem inserts or replaces the system message at index 0. An empty
// prompt removes it.
func (c *Conversation) SetSystem(prompt string) {
	existing := c.SystemMessage()
	switch {
	case prompt == "" && existing != nil:
		c.Messages = c.Messages[1:]
		if len(c.Messages) == 0 {
			c.Leaf = ""
		}
	case prompt != "" && existing != nil:
		existing.Content = prompt
	case prompt != "" && existing == nil:
		sys := NewSystemMessage(prompt)
		c.Messages = append([]*Message{sys}, c.Messages...)
		if c.Leaf == "" {
			c.Leaf = sys.ID
		}
	}
}

// Truncate keeps the system message (if any) plus the most recent maxHistory
// non-system messages. A non-positive limit is a no-op.
func (c *Conversation) Truncate(maxHistory int) {
	if maxHistory <= 0 {
		return
	}
	sys := c.SystemMessage()
	rest := c.Messages
	if sys != nil {
		rest = c.Messages[1:]
	}
	if len(rest) > maxHistory {
		rest = rest[len(rest)-maxHistory:]
	}
	if sys != nil {
		c.Messages = append([]*Message{sys}, rest...)
	} else {
		c.Messages = rest
	}
	if last := c.Last(); last != nil {
		c.Leaf = last.ID
	}
}

// Wipe discards all messages.
func (c *Conversation) Wipe() {
	c.Messages = nil
	c.Leaf = ""
}

// Clone deep-copies the conversation through its serialized form.
func (c *Conversation) Clone() *Conversation {
	data, _ := json.Marshal(c)
	clone := &Conversation{}
	_ = json.Unmarshal(data, clone)
	return clone
}

// Serialize encodes the conversation to its canonical JSON form.
func (c *Conversation) Serialize() ([]byte, error) {
	return json.Marshal(c)
}

// DeserializeConversation is the inverse of Serialize.
func DeserializeConversation(data []byte) (*Conversation, error) {
	conv := &Conversation{}
	if err := json.Unmarshal(data, conv); err != nil {
		return nil, NewParseError(CodeJSONParseError, fmt.Sprintf("conversation decode failed: %v", err)).WithCause(err)
	}
	return conv, nil
}
