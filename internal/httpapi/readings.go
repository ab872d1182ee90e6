package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"cloudpico-node/internal/receiver"
	"cloudpico-node/internal/store"
	"cloudpico-node/internal/utils"
)

type latestResponse struct {
	NodeID          uint8     `json:"node_id"`
	Counter         uint32    `json:"counter"`
	ProtocolVersion uint8     `json:"protocol_version"`
	Temperature     float32   `json:"temperature_c"`
	Humidity        float32   `json:"humidity_pct"`
	Source          string    `json:"source"`
	ReceivedAt      time.Time `json:"received_at"`
}

type statsResponse struct {
	Accepted   uint64 `json:"accepted"`
	Duplicates uint64 `json:"duplicates"`
	Malformed  uint64 `json:"malformed"`
	Failed     uint64 `json:"failed"`
}

type readingsAPI struct {
	readings Readings
	stats    func() receiver.Stats
}

func (a *readingsAPI) handleLatest(w http.ResponseWriter, r *http.Request) {
	if a.readings == nil {
		utils.WriteError(w, http.StatusServiceUnavailable, "receiver runs without a database")
		return
	}
	id, err := strconv.ParseUint(r.PathValue("id"), 0, 8)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, "node id must be 0..255")
		return
	}

	reading, err := a.readings.Latest(r.Context(), uint8(id))
	if errors.Is(err, store.ErrNotFound) {
		utils.WriteError(w, http.StatusNotFound, "no readings for node "+strconv.FormatUint(id, 10))
		return
	}
	if err != nil {
		slog.Error("failed to load latest reading", "node_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load latest reading")
		return
	}

	utils.WriteJSON(w, http.StatusOK, latestResponse{
		NodeID:          reading.NodeID,
		Counter:         reading.Counter,
		ProtocolVersion: reading.ProtocolVersion,
		Temperature:     reading.Temperature,
		Humidity:        reading.Humidity,
		Source:          reading.Source,
		ReceivedAt:      reading.ReceivedAt.UTC(),
	})
}

func (a *readingsAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	var s receiver.Stats
	if a.stats != nil {
		s = a.stats()
	}
	utils.WriteJSON(w, http.StatusOK, statsResponse{
		Accepted:   s.Accepted,
		Duplicates: s.Duplicates,
		Malformed:  s.Malformed,
		Failed:     s.Failed,
	})
}

func registerReadings(mux *http.ServeMux, readings Readings, stats func() receiver.Stats) {
	a := &readingsAPI{readings: readings, stats: stats}
	mux.HandleFunc("GET /api/v1/nodes/{id}/latest", a.handleLatest)
	mux.HandleFunc("GET /api/v1/stats", a.handleStats)
}
