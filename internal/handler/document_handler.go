package handler

import (
	"encoding/json"
	"net/http"

	"canvas-sync/internal/domain"
	"canvas-sync/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

type DocumentHandler struct {
	engine   SyncEngine
	validate *validator.Validate
}

func NewDocumentHandler(engine SyncEngine) *DocumentHandler {
	return &DocumentHandler{
		engine:   engine,
		validate: validator.New(),
	}
}

type RestoreRequest struct {
	Index *int `json:"index" validate:"required,gte=-1"`
}

type StepResponse struct {
	Applied  bool        `json:"applied"`
	Document interface{} `json:"document,omitempty"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type HistoryResponse struct {
	Local  interface{}           `json:"local"`
	Remote *domain.RemoteHistory `json:"remote,omitempty"`
	// RemoteError is set when the remote history could not be fetched.
	RemoteError string `json:"remote_error,omitempty"`
}

func documentID(r *http.Request) string {
	return mux.Vars(r)["id"]
}

func (h *DocumentHandler) Open(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.Open(r.Context(), documentID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	response.Success(w, view)
}

func (h *DocumentHandler) Close(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Close(documentID(r)); err != nil {
		writeEngineError(w, err)
		return
	}
	response.Success(w, map[string]string{"document_id": documentID(r)})
}

func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.Document(documentID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	response.Success(w, view)
}

func (h *DocumentHandler) ListObjects(w http.ResponseWriter, r *http.Request) {
	objects, err := h.engine.Objects(documentID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	response.Success(w, objects)
}

func (h *DocumentHandler) CreateObject(w http.ResponseWriter, r *http.Request) {
	var obj domain.DocumentObject
	if err := json.NewDecoder(r.Body).Decode(&obj); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	if err := h.validate.Struct(obj); err != nil {
		response.ErrorWithCode(w, http.StatusBadRequest, "invalid_operation", err.Error())
		return
	}

	op, err := h.engine.Create(r.Context(), documentID(r), obj)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	response.Created(w, op)
}

func (h *DocumentHandler) UpdateObject(w http.ResponseWriter, r *http.Request) {
	var patch domain.ObjectPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	op, err := h.engine.Update(r.Context(), documentID(r), mux.Vars(r)["objectId"], patch)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	response.Success(w, op)
}

func (h *DocumentHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	op, err := h.engine.Delete(r.Context(), documentID(r), mux.Vars(r)["objectId"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	response.Success(w, op)
}

func (h *DocumentHandler) Undo(w http.ResponseWriter, r *http.Request) {
	applied, err := h.engine.Undo(r.Context(), documentID(r))
	h.step(w, r, applied, err)
}

func (h *DocumentHandler) Redo(w http.ResponseWriter, r *http.Request) {
	applied, err := h.engine.Redo(r.Context(), documentID(r))
	h.step(w, r, applied, err)
}

func (h *DocumentHandler) Restore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	applied, err := h.engine.Restore(r.Context(), documentID(r), *req.Index)
	h.step(w, r, applied, err)
}

func (h *DocumentHandler) step(w http.ResponseWriter, r *http.Request, applied bool, err error) {
	if err != nil {
		writeEngineError(w, err)
		return
	}

	view, err := h.engine.Document(documentID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	response.Success(w, StepResponse{Applied: applied, Document: view})
}

func (h *DocumentHandler) Save(w http.ResponseWriter, r *http.Request) {
	cp, err := h.engine.Save(r.Context(), documentID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	response.Success(w, cp)
}

// History returns the local stacks. With ?remote=true it also fetches the
// service's history; a failure there does not fail the request.
func (h *DocumentHandler) History(w http.ResponseWriter, r *http.Request) {
	local, err := h.engine.History(documentID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := HistoryResponse{Local: local}
	if r.URL.Query().Get("remote") == "true" {
		remote, err := h.engine.RemoteHistory(r.Context(), documentID(r))
		if err != nil {
			resp.RemoteError = err.Error()
		} else {
			resp.Remote = remote
		}
	}
	response.Success(w, resp)
}

func (h *DocumentHandler) Outbox(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.Outbox(r.Context(), documentID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	response.Success(w, view)
}

func (h *DocumentHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.RetryFailed(r.Context(), documentID(r))
	h.count(w, n, err)
}

func (h *DocumentHandler) DiscardFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.DiscardFailed(r.Context(), documentID(r))
	h.count(w, n, err)
}

func (h *DocumentHandler) DiscardPending(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.DiscardPending(r.Context(), documentID(r))
	h.count(w, n, err)
}

func (h *DocumentHandler) count(w http.ResponseWriter, n int, err error) {
	if err != nil {
		writeEngineError(w, err)
		return
	}
	response.Success(w, CountResponse{Count: n})
}
