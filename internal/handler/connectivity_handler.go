package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"canvas-sync/internal/domain"
	"canvas-sync/pkg/response"
)

type ConnectivityHandler struct {
	controller ConnectivityController
}

func NewConnectivityHandler(controller ConnectivityController) *ConnectivityHandler {
	return &ConnectivityHandler{controller: controller}
}

type ConnectivityResponse struct {
	State           domain.ConnectivityState `json:"state"`
	Online          bool                     `json:"online"`
	RemoteConnected bool                     `json:"remote_connected"`
	PendingCount    int                      `json:"pending_count"`
	RecentErrors    int                      `json:"recent_errors"`
	ReadOnly        bool                     `json:"read_only_failsafe"`
	DisconnectedFor string                   `json:"disconnected_for,omitempty"`
}

// UpdateConnectivityRequest sets the signals a UI controls. Nil fields are
// left untouched.
type UpdateConnectivityRequest struct {
	Online           *bool `json:"online"`
	ReadOnlyFailsafe *bool `json:"read_only_failsafe"`
}

func (h *ConnectivityHandler) Get(w http.ResponseWriter, r *http.Request) {
	response.Success(w, h.current())
}

func (h *ConnectivityHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateConnectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	if req.Online == nil && req.ReadOnlyFailsafe == nil {
		response.BadRequest(w, "Nothing to update")
		return
	}

	if req.Online != nil {
		h.controller.SetOnline(*req.Online)
	}
	if req.ReadOnlyFailsafe != nil {
		h.controller.SetReadOnly(*req.ReadOnlyFailsafe)
	}
	response.Success(w, h.current())
}

func (h *ConnectivityHandler) current() ConnectivityResponse {
	state, in := h.controller.Connectivity()
	resp := ConnectivityResponse{
		State:           state,
		Online:          in.Online,
		RemoteConnected: in.RemoteConnected,
		PendingCount:    in.PendingCount,
		RecentErrors:    in.RecentErrors,
		ReadOnly:        in.ReadOnlyFailsafe,
	}
	if !in.RemoteConnected && !in.RemoteDisconnectedSince.IsZero() {
		resp.DisconnectedFor = in.Now.Sub(in.RemoteDisconnectedSince).Round(time.Millisecond).String()
	}
	return resp
}
