package httpapi

import (
	"context"
	"net/http"

	"cloudpico-node/internal/receiver"
	"cloudpico-node/internal/store"
)

// Readings is the read side of the receiver's store. It may be nil when the
// receiver runs without a database.
type Readings interface {
	Ping(ctx context.Context) error
	Latest(ctx context.Context, nodeID uint8) (store.Reading, error)
}

func NewMux(readings Readings, stats func() receiver.Stats) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, readings)
	registerReadings(mux, readings, stats)
	return mux
}
