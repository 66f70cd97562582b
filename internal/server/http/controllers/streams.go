package controllers

import (
	"errors"
	"net/http"

	"github.com/rzbill/chatrelay/internal/registry"
	"github.com/rzbill/chatrelay/internal/runtime"
	"github.com/rzbill/chatrelay/pkg/log"
)

// StreamsController exposes operator endpoints over the stream registry.
// They are meant for an internal network and do not check principals.
type StreamsController struct {
	rt  *runtime.Runtime
	log log.Logger
}

func NewStreamsController(rt *runtime.Runtime, logger log.Logger) *StreamsController {
	return &StreamsController{rt: rt, log: logger.WithComponent("http.streams")}
}

func (c *StreamsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/streams", c.handleList)
	mux.HandleFunc("GET /v1/streams/{id}", c.handleGet)
	mux.HandleFunc("DELETE /v1/streams/{id}", c.handleDelete)
	mux.HandleFunc("POST /v1/janitor/sweep", c.handleSweep)
}

// handleList lists streams, optionally narrowed by a CEL expression in the
// filter query parameter, e.g. status == "active" && !alive.
func (c *StreamsController) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := c.rt.Streams().List(r.Context(), r.URL.Query().Get("filter"))
	if errors.Is(err, registry.ErrInvalidFilter) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		c.log.Error("list streams", log.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to list streams")
		return
	}
	if list == nil {
		list = []registry.Listed{}
	}
	writeJSON(w, map[string]any{"streams": list})
}

func (c *StreamsController) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok, err := c.rt.Streams().Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load stream")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Stream not found")
		return
	}
	alive, err := c.rt.Streams().Alive(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load stream")
		return
	}
	resp := streamResp{Stream: st, Alive: alive}
	if deadline, ok, err := c.rt.Logs().Deadline(id); err == nil && ok {
		ms := deadline.UnixMilli()
		resp.LogDeadline = &ms
	}
	writeJSON(w, resp)
}

// handleDelete removes a stream. A producer still generating for it stops
// at its next chunk.
func (c *StreamsController) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := c.rt.Streams().Delete(r.Context(), id)
	if err != nil {
		c.log.Error("delete stream", log.Str("stream_id", id), log.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to delete stream")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Stream not found")
		return
	}
	c.log.Info("stream deleted", log.Str("stream_id", id))
	writeNoContent(w)
}

func (c *StreamsController) handleSweep(w http.ResponseWriter, r *http.Request) {
	rep := c.rt.Janitor().SweepOnce(r.Context())
	resp := sweepResp{OrphansRemoved: rep.Orphans, LogsPurged: rep.PurgedLogs, TookMs: rep.Took.Milliseconds()}
	if rep.Err != nil {
		resp.Error = rep.Err.Error()
	}
	writeJSON(w, resp)
}
