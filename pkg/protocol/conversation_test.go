package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversation_State(t *testing.T) {
	tests := []struct {
		name     string
		messages []*Message
		want     ConversationState
	}{
		{
			name:     "empty conversation is incomplete",
			messages: nil,
			want:     StateIncomplete,
		},
		{
			name:     "trailing user message generates",
			messages: []*Message{NewSystemMessage("be brief"), NewUserMessage("hi")},
			want:     StateGenerate,
		},
		{
			name: "assistant with tool calls executes",
			messages: []*Message{
				NewUserMessage("list files"),
				NewAssistantMessage("", &ToolCall{ID: "call_1", Name: "ls", Args: map[string]interface{}{"path": "/tmp"}}),
			},
			want: StateExecute,
		},
		{
			name: "assistant without tool calls terminates",
			messages: []*Message{
				NewUserMessage("hi"),
				NewAssistantMessage("hello"),
			},
			want: StateTerminate,
		},
		{
			name: "trailing tool result generates",
			messages: []*Message{
				NewUserMessage("list files"),
				NewAssistantMessage("", &ToolCall{ID: "call_1", Name: "ls"}),
				NewToolMessage("call_1", "a.txt"),
			},
			want: StateGenerate,
		},
		{
			name:     "opening assistant message is incomplete",
			messages: []*Message{NewAssistantMessage("hello")},
			want:     StateIncomplete,
		},
		{
			name: "hanging tool call mid-history is incomplete",
			messages: []*Message{
				NewUserMessage("list files"),
				NewAssistantMessage("", &ToolCall{ID: "call_1", Name: "ls"}),
				NewUserMessage("never mind"),
			},
			want: StateIncomplete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := NewConversation("test")
			for _, msg := range tt.messages {
				conv.Append(msg)
			}
			assert.Equal(t, tt.want, conv.State())
		})
	}
}

func TestConversation_AppendMaintainsLeaf(t *testing.T) {
	conv := NewConversation("leaf")
	first := NewUserMessage("one")
	conv.Append(first)
	assert.Equal(t, first.ID, conv.Leaf)

	second := NewAssistantMessage("two")
	conv.Append(second)
	assert.Equal(t, second.ID, conv.Leaf)
	require.NoError(t, conv.Validate())
}

func TestConversation_DropLast(t *testing.T) {
	conv := NewConversation("recovery")
	conv.Append(NewSystemMessage("sys"))
	kept := NewUserMessage("hi")
	conv.Append(kept)
	dangling := NewUserMessage("what?")
	conv.Append(dangling)

	dropped := conv.DropLast()
	assert.Equal(t, dangling.ID, dropped.ID)
	assert.Equal(t, kept.ID, conv.Leaf)
	assert.Len(t, conv.Messages, 2)

	conv.Wipe()
	assert.Nil(t, conv.DropLast())
	assert.Empty(t, conv.Leaf)
}

func TestConversation_Validate(t *testing.T) {
	conv := NewConversation("valid")
	conv.Append(NewSystemMessage("sys"))
	conv.Append(NewUserMessage("hi"))
	conv.Append(NewAssistantMessage("", &ToolCall{ID: "call_1", Name: "ls"}))
	conv.Append(NewToolMessage("call_1", "a.txt"))
	require.NoError(t, conv.Validate())

	// Tool message answering an unknown call is rejected.
	bad := NewConversation("bad")
	bad.Append(NewUserMessage("hi"))
	bad.Append(NewToolMessage("call_nope", "x"))
	assert.Error(t, bad.Validate())

	// System message must sit at index 0.
	misplaced := NewConversation("misplaced")
	misplaced.Append(NewUserMessage("hi"))
	misplaced.Append(NewSystemMessage("late"))
	assert.Error(t, misplaced.Validate())
}

func TestConversation_SetSystem(t *testing.T) {
	conv := NewConversation("sys")
	conv.Append(NewUserMessage("hi"))

	conv.SetSystem("be brief")
	require.NotNil(t, conv.SystemMessage())
	assert.Equal(t, "be brief", conv.SystemMessage().Content)
	assert.Len(t, conv.Messages, 2)

	conv.SetSystem("be verbose")
	assert.Equal(t, "be verbose", conv.SystemMessage().Content)
	assert.Len(t, conv.Messages, 2)

	conv.SetSystem("")
	assert.Nil(t, conv.SystemMessage())
	assert.Len(t, conv.Messages, 1)
}

func TestConversation_Truncate(t *testing.T) {
	conv := NewConversation("trunc")
	conv.Append(NewSystemMessage("sys"))
	for i := 0; i < 6; i++ {
		conv.Append(NewUserMessage("u"))
		conv.Append(NewAssistantMessage("a"))
	}

	conv.Truncate(4)
	require.Len(t, conv.Messages, 5)
	assert.Equal(t, RoleSystem, conv.Messages[0].Role)
	assert.Equal(t, conv.Last().ID, conv.Leaf)

	// Non-positive limit leaves the conversation alone.
	before := len(conv.Messages)
	conv.Truncate(0)
	assert.Len(t, conv.Messages, before)
}

func TestConversation_SerializeRoundTrip(t *testing.T) {
	conv := NewConversation("roundtrip")
	conv.Session = "sess-1"
	conv.Append(NewSystemMessage("sys"))
	conv.Append(NewMultimodalUserMessage(
		TextBlock("what is this?"),
		ImageBlock("https://example.com/cat.png", ImageDetailHigh),
	))
	conv.Append(NewAssistantMessage("a cat", &ToolCall{
		ID:   "call_1",
		Name: "identify",
		Args: map[string]interface{}{"species": "felis"},
	}))
	conv.Append(NewToolMessage("call_1", "confirmed"))

	data, err := conv.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializeConversation(data)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, decoded.ID)
	assert.Equal(t, conv.Leaf, decoded.Leaf)
	require.Len(t, decoded.Messages, len(conv.Messages))
	assert.Equal(t, conv.Messages[2].ToolCalls[0].Name, decoded.Messages[2].ToolCalls[0].Name)
	assert.Equal(t, conv.State(), decoded.State())
}

func TestMessage_Validate(t *testing.T) {
	multimodal := NewMultimodalUserMessage(ImageBlock("https://example.com/x.png", ""))
	assert.Error(t, multimodal.Validate(), "list-content user message needs a text block")

	ok := NewMultimodalUserMessage(TextBlock("look"), ImageBlock("https://example.com/x.png", ""))
	assert.NoError(t, ok.Validate())

	tool := &Message{Role: RoleTool, Content: "result"}
	assert.Error(t, tool.Validate(), "tool message needs tool_call_id")
}

func TestMessage_TextContent(t *testing.T) {
	plain := NewUserMessage("hello")
	assert.Equal(t, "hello", plain.TextContent())

	multi := NewMultimodalUserMessage(
		TextBlock("first"),
		ImageBlock("https://example.com/x.png", ""),
		TextBlock("second"),
	)
	assert.Equal(t, "first\nsecond", multi.TextContent())
}
