package handler

import (
	"log/slog"
	"net/http"

	"canvas-sync/internal/config"
	"canvas-sync/internal/middleware"
	"canvas-sync/pkg/response"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterDeps struct {
	Documents    *DocumentHandler
	Connectivity *ConnectivityHandler
	WebSocket    *WebSocketHandler
	JWTSecret    string
	CORS         config.CORSConfig
	Logger       *slog.Logger
}

// NewRouter wires the local agent API. Everything except /health and
// /metrics needs a bearer token.
func NewRouter(deps RouterDeps) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(deps.Logger))
	r.Use(middleware.CORSMiddleware(deps.CORS))

	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	if deps.WebSocket != nil {
		r.HandleFunc("/ws", deps.WebSocket.HandleConnection)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.AuthMiddleware(deps.JWTSecret))

	c := deps.Connectivity
	api.HandleFunc("/connectivity", c.Get).Methods("GET", "OPTIONS")
	api.HandleFunc("/connectivity", c.Update).Methods("PUT", "OPTIONS")

	d := deps.Documents
	docs := api.PathPrefix("/documents/{id}").Subrouter()
	docs.HandleFunc("", d.Get).Methods("GET", "OPTIONS")
	docs.HandleFunc("", d.Close).Methods("DELETE", "OPTIONS")
	docs.HandleFunc("/open", d.Open).Methods("POST", "OPTIONS")

	docs.HandleFunc("/objects", d.ListObjects).Methods("GET", "OPTIONS")
	docs.HandleFunc("/objects", d.CreateObject).Methods("POST", "OPTIONS")
	docs.HandleFunc("/objects/{objectId}", d.UpdateObject).Methods("PATCH", "OPTIONS")
	docs.HandleFunc("/objects/{objectId}", d.DeleteObject).Methods("DELETE", "OPTIONS")

	docs.HandleFunc("/undo", d.Undo).Methods("POST", "OPTIONS")
	docs.HandleFunc("/redo", d.Redo).Methods("POST", "OPTIONS")
	docs.HandleFunc("/save", d.Save).Methods("POST", "OPTIONS")
	docs.HandleFunc("/restore", d.Restore).Methods("POST", "OPTIONS")
	docs.HandleFunc("/history", d.History).Methods("GET", "OPTIONS")

	docs.HandleFunc("/outbox", d.Outbox).Methods("GET", "OPTIONS")
	docs.HandleFunc("/outbox/retry", d.RetryFailed).Methods("POST", "OPTIONS")
	docs.HandleFunc("/outbox/failed", d.DiscardFailed).Methods("DELETE", "OPTIONS")
	docs.HandleFunc("/outbox/pending", d.DiscardPending).Methods("DELETE", "OPTIONS")

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]string{"status": "healthy", "service": "syncd"})
}
