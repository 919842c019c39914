package llms

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/conduit-llm/conduit/pkg/protocol"
)

// Tokenizer counts tokens with the model's native encoding where tiktoken
// knows it, falling back to cl100k_base. Non-OpenAI models are approximated
// with the same fallback; providers with a real remote tokenizer (Ollama)
// override Tokenize instead of using this.
type Tokenizer struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.Mutex
)

func NewTokenizer(model string) (*Tokenizer, error) {
	encodingMu.Lock()
	defer encodingMu.Unlock()

	if cached, ok := encodingCache[model]; ok {
		return &Tokenizer{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	encodingCache[model] = encoding
	return &Tokenizer{encoding: encoding, model: model}, nil
}

// CountText returns the raw token weight of text with no overhead.
func (t *Tokenizer) CountText(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens in a message list including per-message role
// markers and reply priming, per OpenAI's published accounting.
func (t *Tokenizer) CountMessages(messages []*protocol.Message) int {
	const tokensPerMessage = 3

	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += len(t.encoding.Encode(string(msg.Role), nil, nil))
		total += len(t.encoding.Encode(msg.TextContent(), nil, nil))
	}

	// Every reply is primed with <|start|>assistant<|message|>
	total += 3

	return total
}

func (t *Tokenizer) Model() string {
	return t.model
}
