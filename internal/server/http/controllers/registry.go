package controllers

import (
	"net/http"

	"github.com/rzbill/chatrelay/internal/runtime"
	"github.com/rzbill/chatrelay/pkg/log"
)

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	general *GeneralController
	chat    *ChatController
	streams *StreamsController
}

// NewControllerRegistry creates every controller over the shared runtime.
func NewControllerRegistry(rt *runtime.Runtime, logger log.Logger) *ControllerRegistry {
	return &ControllerRegistry{
		general: NewGeneralController(rt),
		chat:    NewChatController(rt, logger),
		streams: NewStreamsController(rt, logger),
	}
}

// RegisterAllRoutes registers all controller routes with the given mux.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.chat.RegisterRoutes(mux)
	r.streams.RegisterRoutes(mux)
}
