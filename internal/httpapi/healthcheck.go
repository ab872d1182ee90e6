package httpapi

import (
	"log/slog"
	"net/http"

	"cloudpico-node/internal/utils"
)

type healthchecker struct {
	readings Readings
}

func (h *healthchecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.readings != nil {
		if err := h.readings.Ping(r.Context()); err != nil {
			slog.Error("failed to check database connectivity", "error", err)
			utils.WriteError(w, http.StatusInternalServerError, "failed to check database connectivity")
			return
		}
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func registerHealthcheck(mux *http.ServeMux, readings Readings) {
	h := &healthchecker{readings: readings}
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}
