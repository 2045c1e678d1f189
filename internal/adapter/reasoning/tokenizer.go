package reasoning

import (
	"github.com/pkoukk/tiktoken-go"

	"opsbridge/internal/domain"
)

// heuristicCharsPerToken approximates BPE tokenizers on English text with
// code, which average 3.5-4.5 characters per token. Dividing by 4 and
// rounding up overestimates, so history trimming errs toward shorter prompts
// rather than overflowing the backend's context window.
const heuristicCharsPerToken = 4

// perMessageOverhead is the fixed token cost of one chat message's role and
// framing markers, per OpenAI's token counting guidance.
const perMessageOverhead = 4

// TiktokenCounter implements domain.TokenCounter with the model's real BPE
// vocabulary when it is available and a character-ratio heuristic when it is
// not (unknown model, or the encoding files cannot be loaded).
type TiktokenCounter struct {
	model string
	enc   *tiktoken.Tiktoken
}

// NewTokenCounter creates a token counter for the given model. Unknown models
// fall back to the cl100k_base encoding, and if that cannot be loaded either,
// to the character heuristic.
func NewTokenCounter(model string) *TiktokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	return &TiktokenCounter{model: model, enc: enc}
}

// Count implements domain.TokenCounter.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return len(text)/heuristicCharsPerToken + 1
}

// CountMessages implements domain.TokenCounter. Each message costs its
// content plus fixed framing overhead; tool calls add their name and
// serialized arguments.
func (c *TiktokenCounter) CountMessages(msgs []domain.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		total += c.Count(m.Content)
		total += c.Count(m.Name)
		for _, tc := range m.ToolCalls {
			total += c.Count(tc.Name)
			total += c.Count(string(tc.Arguments))
		}
	}
	return total
}

// Model implements domain.TokenCounter.
func (c *TiktokenCounter) Model() string { return c.model }

// Compile-time interface check.
var _ domain.TokenCounter = (*TiktokenCounter)(nil)
