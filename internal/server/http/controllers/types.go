package controllers

import (
	"github.com/rzbill/chatrelay/internal/llm"
	"github.com/rzbill/chatrelay/internal/registry"
)

// sendReq is the body of POST /v1/chat/send.
type sendReq struct {
	Content        string        `json:"content"`
	ConversationID *int64        `json:"conversation_id"`
	Messages       []llm.Message `json:"messages"`
}

// streamResp describes one registered stream.
type streamResp struct {
	registry.Stream
	Alive       bool   `json:"alive"`
	LogDeadline *int64 `json:"log_expires_ms,omitempty"`
}

// sweepResp reports a manual janitor run.
type sweepResp struct {
	OrphansRemoved int    `json:"orphans_removed"`
	LogsPurged     int    `json:"logs_purged"`
	TookMs         int64  `json:"took_ms"`
	Error          string `json:"error,omitempty"`
}
