package controllers

import (
	"net/http"

	"github.com/rzbill/chatrelay/internal/runtime"
)

// GeneralController serves health probes.
type GeneralController struct {
	rt *runtime.Runtime
}

func NewGeneralController(rt *runtime.Runtime) *GeneralController {
	return &GeneralController{rt: rt}
}

func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/healthz", c.handleHealth)
}

// handleHealth returns 200 with component status when serving, 503
// otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := c.rt.Health(r.Context())
	status := http.StatusOK
	state := "ok"
	if !h.OK() {
		status = http.StatusServiceUnavailable
		state = "not_serving"
	}
	writeJSONStatus(w, status, map[string]any{"status": state, "components": h})
}
