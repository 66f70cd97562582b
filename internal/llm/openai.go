package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strings"
)

// OpenAI streams chat completions from an OpenAI-compatible endpoint.
type OpenAI struct {
	cfg    Config
	client *http.Client
}

func NewOpenAI(cfg Config, client *http.Client) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &OpenAI{cfg: cfg, client: client}
}

type openAIRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *OpenAI) Generate(ctx context.Context, messages []Message) iter.Seq2[string, error] {
	if a.cfg.APIKey == "" {
		return fail(ErrUnavailable)
	}
	return func(yield func(string, error) bool) {
		body, err := json.Marshal(openAIRequest{Model: a.cfg.Model, Messages: messages, Stream: true})
		if err != nil {
			yield("", err)
			return
		}
		url := strings.TrimRight(a.cfg.BaseURL, "/") + "/chat/completions"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			yield("", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

		resp, err := a.client.Do(req)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			yield("", statusError("openai", resp))
			return
		}

		var streamErr error
		stopped := false
		err = readSSE(ctx, resp.Body, func(data string) bool {
			var c openAIChunk
			if err := json.Unmarshal([]byte(data), &c); err != nil {
				return true
			}
			if c.Error != nil {
				streamErr = fmt.Errorf("openai error: %s", c.Error.Message)
				return false
			}
			if len(c.Choices) == 0 || c.Choices[0].Delta.Content == "" {
				return true
			}
			if !yield(c.Choices[0].Delta.Content, nil) {
				stopped = true
				return false
			}
			return true
		})
		if stopped {
			return
		}
		if streamErr == nil {
			streamErr = err
		}
		if streamErr != nil {
			yield("", streamErr)
		}
	}
}
