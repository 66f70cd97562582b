package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rzbill/chatrelay/internal/relay"
	"github.com/rzbill/chatrelay/internal/runtime"
	chatsvc "github.com/rzbill/chatrelay/internal/services/chat"
	"github.com/rzbill/chatrelay/pkg/log"
)

// ChatController accepts messages and relays streamed replies.
type ChatController struct {
	rt     *runtime.Runtime
	header string
	log    log.Logger
}

func NewChatController(rt *runtime.Runtime, logger log.Logger) *ChatController {
	return &ChatController{
		rt:     rt,
		header: rt.Config().Server.PrincipalHeader,
		log:    logger.WithComponent("http.chat"),
	}
}

func (c *ChatController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/send", c.handleSend)
	mux.HandleFunc("GET /v1/chat/stream/{id}", c.handleStream)
}

// handleSend starts a reply and answers immediately with the stream id.
func (c *ChatController) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	res, err := c.rt.Chat().Send(r.Context(), chatsvc.SendRequest{
		Principal:      principal(r, c.header),
		Content:        req.Content,
		ConversationID: req.ConversationID,
		Messages:       req.Messages,
	})
	switch {
	case err == nil:
		writeJSON(w, res)
	case errors.Is(err, chatsvc.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chatsvc.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "Conversation not found")
	case errors.Is(err, chatsvc.ErrUnavailable):
		c.log.Error("send failed", log.Err(err))
		writeStatusError(w, http.StatusServiceUnavailable, "Service temporarily unavailable. Please try again.", "UNAVAILABLE")
	default:
		c.log.Error("send failed", log.Err(err))
		writeStatusError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL_ERROR")
	}
}

// handleStream relays a stream as Server-Sent Events until it ends.
func (c *ChatController) handleStream(w http.ResponseWriter, r *http.Request) {
	from, ok := resumeOffset(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid resume offset")
		return
	}
	req := relay.Request{StreamID: r.PathValue("id"), Principal: principal(r, c.header), From: from}
	sink := &sseSink{w: w}

	err := c.rt.Relay().Serve(r.Context(), req, sink)
	if sink.started {
		if err != nil && !expectedEnd(err) {
			c.log.Warn("relay ended", log.Str("stream_id", req.StreamID), log.Err(err))
		}
		return
	}
	switch {
	case errors.Is(err, relay.ErrNotFound):
		http.Error(w, "Stream not found", http.StatusNotFound)
	case err != nil:
		c.log.Error("relay failed", log.Str("stream_id", req.StreamID), log.Err(err))
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
	}
}

// expectedEnd reports relay outcomes already conveyed to the client.
func expectedEnd(err error) bool {
	return errors.Is(err, relay.ErrTimeout) ||
		errors.Is(err, relay.ErrProducerFailure) ||
		errors.Is(err, relay.ErrNotFound) ||
		errors.Is(err, context.Canceled)
}
