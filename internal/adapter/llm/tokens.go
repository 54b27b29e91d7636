package llm

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/apex-agent-runtime/internal/domain"
)

// tokenCounter estimates token usage when a provider response omits it.
// Encodings are cached; on encoding failure it falls back to a bytes/4
// heuristic rather than failing the call.
type tokenCounter struct {
	mu    sync.Mutex
	cache map[string]*tiktoken.Tiktoken
}

func newTokenCounter() *tokenCounter {
	return &tokenCounter{cache: make(map[string]*tiktoken.Tiktoken)}
}

func (c *tokenCounter) encodingFor(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.cache[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Non-OpenAI models use the cl100k_base approximation.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			c.cache[model] = nil
			return nil
		}
	}
	c.cache[model] = enc
	return enc
}

func (c *tokenCounter) count(model, text string) int {
	if enc := c.encodingFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// estimateUsage fills in usage for providers that did not report it.
func (c *tokenCounter) estimateUsage(model string, messages []domain.Message, completion string) domain.Usage {
	prompt := 0
	for _, m := range messages {
		prompt += c.count(model, m.Content)
	}
	out := c.count(model, completion)
	return domain.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}
