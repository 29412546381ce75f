package handler

import (
	"context"
	"errors"
	"net/http"

	"canvas-sync/internal/connectivity"
	"canvas-sync/internal/domain"
	"canvas-sync/internal/history"
	"canvas-sync/internal/operation"
	"canvas-sync/internal/repository"
	"canvas-sync/internal/rpc"
	"canvas-sync/internal/service"
	"canvas-sync/pkg/response"
)

// SyncEngine is the part of service.Engine the document routes use.
type SyncEngine interface {
	Open(ctx context.Context, documentID string) (*service.DocumentView, error)
	Close(documentID string) error
	Document(documentID string) (*service.DocumentView, error)
	Objects(documentID string) (domain.ObjectMap, error)
	Create(ctx context.Context, documentID string, obj domain.DocumentObject) (domain.Operation, error)
	Update(ctx context.Context, documentID, objectID string, patch domain.ObjectPatch) (domain.Operation, error)
	Delete(ctx context.Context, documentID, objectID string) (domain.Operation, error)
	Undo(ctx context.Context, documentID string) (bool, error)
	Redo(ctx context.Context, documentID string) (bool, error)
	Restore(ctx context.Context, documentID string, index int) (bool, error)
	Save(ctx context.Context, documentID string) (history.Checkpoint, error)
	History(documentID string) (*service.HistoryView, error)
	RemoteHistory(ctx context.Context, documentID string) (*domain.RemoteHistory, error)
	Outbox(ctx context.Context, documentID string) (*service.OutboxView, error)
	RetryFailed(ctx context.Context, documentID string) (int, error)
	DiscardFailed(ctx context.Context, documentID string) (int, error)
	DiscardPending(ctx context.Context, documentID string) (int, error)
}

// ConnectivityController is the part of service.Engine the connectivity
// routes use.
type ConnectivityController interface {
	Connectivity() (domain.ConnectivityState, connectivity.Input)
	SetOnline(online bool) domain.ConnectivityState
	SetReadOnly(enabled bool) domain.ConnectivityState
}

// writeEngineError maps engine errors onto status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	var validationErr *operation.ValidationError
	var rpcErr *rpc.Error

	switch {
	case errors.Is(err, service.ErrDocumentNotOpen):
		response.ErrorWithCode(w, http.StatusNotFound, "document_not_open", err.Error())
	case errors.Is(err, repository.ErrNotFound):
		response.ErrorWithCode(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, service.ErrReadOnly):
		response.ErrorWithCode(w, http.StatusConflict, "read_only", err.Error())
	case errors.Is(err, service.ErrInvalidIndex):
		response.ErrorWithCode(w, http.StatusBadRequest, "invalid_index", err.Error())
	case errors.As(err, &validationErr):
		response.ErrorWithCode(w, http.StatusBadRequest, "invalid_operation", err.Error())
	case errors.As(err, &rpcErr):
		response.ErrorWithCode(w, http.StatusBadGateway, string(rpcErr.Kind), err.Error())
	default:
		response.InternalError(w, err.Error())
	}
}
