// Package llm adapts hosted language models into lazy, ordered sequences of
// text fragments consumed by the producer.
package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator produces a finite, non-restartable sequence of text fragments.
// A non-nil error ends the sequence.
type Generator interface {
	Generate(ctx context.Context, messages []Message) iter.Seq2[string, error]
}

var (
	// ErrUnavailable is yielded when no model is configured. The text is shown
	// to end users.
	ErrUnavailable = errors.New("AI service is temporarily unavailable. Please try again later.")
	// ErrNoMessages is yielded when the history has nothing to send.
	ErrNoMessages = errors.New("no valid messages provided")
)

// Config selects and configures a provider.
type Config struct {
	Provider string        `json:"provider" yaml:"provider"` // openai | gemini | echo
	BaseURL  string        `json:"base_url" yaml:"base_url"`
	Model    string        `json:"model" yaml:"model"`
	APIKey   string        `json:"-" yaml:"-"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
	// MaxContextTokens bounds the history sent to the model. Zero disables trimming.
	MaxContextTokens int `json:"max_context_tokens" yaml:"max_context_tokens"`
}

// New builds the Generator named by cfg.Provider.
func New(cfg Config) (Generator, error) {
	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.Timeout <= 0 {
		client.Timeout = 2 * time.Minute
	}
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg, client), nil
	case "gemini", "":
		return NewGemini(cfg, client), nil
	case "echo":
		return Echo{Delay: 20 * time.Millisecond}, nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

// fail returns a sequence that yields only err.
func fail(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) { yield("", err) }
}
