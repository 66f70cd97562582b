package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates the token cost of a text.
type Counter interface {
	Count(text string) int
}

// perMessageOverhead approximates role and separator tokens per message.
const perMessageOverhead = 4

// TiktokenCounter counts tokens with the cl100k_base encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the cl100k_base encoding.
func NewTiktokenCounter() (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// ApproxCounter assumes four bytes per token.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int { return (len(text) + 3) / 4 }

var (
	defaultCounterOnce sync.Once
	defaultCounter     Counter
	defaultCounterErr  error
)

// DefaultCounter returns a shared tiktoken counter, or ApproxCounter with the
// load error when the encoding is unavailable.
func DefaultCounter() (Counter, error) {
	defaultCounterOnce.Do(func() {
		c, err := NewTiktokenCounter()
		if err != nil {
			defaultCounter, defaultCounterErr = ApproxCounter{}, err
			return
		}
		defaultCounter = c
	})
	return defaultCounter, defaultCounterErr
}

// Budget trims conversation history to a token limit.
type Budget struct {
	MaxTokens int
	Counter   Counter
}

// Trim keeps a leading system message and the most recent messages that fit
// within MaxTokens, preserving order. The newest message is always kept.
// A non-positive MaxTokens returns messages unchanged.
func (b Budget) Trim(messages []Message) []Message {
	if b.MaxTokens <= 0 || len(messages) == 0 {
		return messages
	}
	counter := b.Counter
	if counter == nil {
		counter = ApproxCounter{}
	}
	cost := func(m Message) int { return counter.Count(m.Content) + perMessageOverhead }

	var system *Message
	rest := messages
	if messages[0].Role == RoleSystem {
		system = &messages[0]
		rest = messages[1:]
	}

	used := 0
	if system != nil {
		used = cost(*system)
	}
	start := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		c := cost(rest[i])
		if used+c > b.MaxTokens && i != len(rest)-1 {
			break
		}
		used += c
		start = i
	}

	out := make([]Message, 0, len(rest)-start+1)
	if system != nil {
		out = append(out, *system)
	}
	return append(out, rest[start:]...)
}
