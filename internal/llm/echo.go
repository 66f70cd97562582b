package llm

import (
	"context"
	"iter"
	"strings"
	"time"
)

// Echo replies with the last user message, one word per fragment. It needs
// no credentials and serves local development.
type Echo struct {
	Delay time.Duration
}

func (e Echo) Generate(ctx context.Context, messages []Message) iter.Seq2[string, error] {
	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			last = messages[i].Content
			break
		}
	}
	return func(yield func(string, error) bool) {
		words := strings.SplitAfter(last, " ")
		for _, w := range words {
			if w == "" {
				continue
			}
			if e.Delay > 0 {
				select {
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				case <-time.After(e.Delay):
				}
			}
			if !yield(w, nil) {
				return
			}
		}
	}
}
