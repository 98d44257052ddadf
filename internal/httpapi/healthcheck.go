package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"beaconsync/internal/utils"
)

// Pinger checks that the store is reachable. *persistence.Store is one.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthchecker interface {
	handleHealthz(w http.ResponseWriter, r *http.Request)
}

type healthcheckerImpl struct {
	store Pinger
}

func NewHealthchecker(store Pinger) healthchecker {
	return &healthcheckerImpl{store: store}
}

func (h *healthcheckerImpl) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("failed to check database connectivity", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to check database connectivity")
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func registerHealthcheck(mux *http.ServeMux, store Pinger) {
	healthchecker := NewHealthchecker(store)
	mux.HandleFunc("GET /healthz", healthchecker.handleHealthz)
}
