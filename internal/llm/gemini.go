package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"
)

// Gemini streams content from the Gemini streamGenerateContent API.
type Gemini struct {
	cfg    Config
	client *http.Client
}

func NewGemini(cfg Config, client *http.Client) *Gemini {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash-001"
	}
	return &Gemini{cfg: cfg, client: client}
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiChunk struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// buildRequest maps assistant turns to the "model" role and lifts system
// messages into the system instruction. Empty messages are dropped.
func (a *Gemini) buildRequest(messages []Message) geminiRequest {
	var req geminiRequest
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case RoleSystem:
			req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
		case RoleUser:
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		default:
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	return req
}

func (a *Gemini) Generate(ctx context.Context, messages []Message) iter.Seq2[string, error] {
	if a.cfg.APIKey == "" {
		return fail(ErrUnavailable)
	}
	greq := a.buildRequest(messages)
	if len(greq.Contents) == 0 {
		return fail(ErrNoMessages)
	}
	return func(yield func(string, error) bool) {
		body, err := json.Marshal(greq)
		if err != nil {
			yield("", err)
			return
		}
		endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse",
			strings.TrimRight(a.cfg.BaseURL, "/"), url.PathEscape(a.cfg.Model))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			yield("", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-goog-api-key", a.cfg.APIKey)

		resp, err := a.client.Do(req)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			yield("", statusError("gemini", resp))
			return
		}

		var streamErr error
		stopped := false
		err = readSSE(ctx, resp.Body, func(data string) bool {
			var c geminiChunk
			if err := json.Unmarshal([]byte(data), &c); err != nil {
				return true
			}
			if c.Error != nil {
				streamErr = fmt.Errorf("gemini error: %s", c.Error.Message)
				return false
			}
			for _, cand := range c.Candidates {
				for _, p := range cand.Content.Parts {
					if p.Text == "" {
						continue
					}
					if !yield(p.Text, nil) {
						stopped = true
						return false
					}
				}
				break
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
