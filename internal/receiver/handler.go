// Package receiver is the peer side of the link: it decodes telemetry
// records, drops duplicates and forwards the rest.
package receiver

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"cloudpico-node/internal/link"
	"cloudpico-node/internal/mqtt"
	"cloudpico-node/internal/store"
	"cloudpico-node/internal/telemetry"
)

const defaultDedupTTL = time.Minute

// Store persists readings.
type Store interface {
	Insert(ctx context.Context, r store.Reading) error
}

// Publisher republishes readings as JSON telemetry.
type Publisher interface {
	PublishTelemetry(t mqtt.Telemetry) error
}

// Stats counts what the handler did with incoming frames.
type Stats struct {
	Accepted   uint64
	Duplicates uint64
	Malformed  uint64
	Failed     uint64
}

type Handler struct {
	source    string
	store     Store
	publisher Publisher
	logger    *slog.Logger
	seen      *cache.Cache
	now       func() time.Time

	accepted   atomic.Uint64
	duplicates atomic.Uint64
	malformed  atomic.Uint64
	failed     atomic.Uint64
}

// NewHandler returns a handler for frames arriving over source ("udp", "mqtt",
// "ble"). st and pub may be nil. A (node, counter) pair is accepted once per
// ttl.
func NewHandler(source string, ttl time.Duration, st Store, pub Publisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &Handler{
		source:    source,
		store:     st,
		publisher: pub,
		logger:    logger.With("component", "receiver", "source", source),
		seen:      cache.New(ttl, 2*ttl),
		now:       time.Now,
	}
}

// HandleDatagram processes one received frame.
func (h *Handler) HandleDatagram(d link.Datagram) {
	rec, err := telemetry.Decode(d.Payload)
	if err != nil {
		h.malformed.Add(1)
		h.logger.Debug("ignore malformed frame", "from", d.From, "len", len(d.Payload), "data", hex.EncodeToString(d.Payload), "error", err)
		return
	}

	key := dedupKey(rec)
	if err := h.seen.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		h.duplicates.Add(1)
		h.logger.Debug("duplicate record", "node_id", rec.NodeID, "counter", rec.Counter, "from", d.From)
		return
	}

	at := d.At
	if at.IsZero() {
		at = h.now()
	}

	ok := true
	if h.store != nil {
		if err := h.store.Insert(context.Background(), store.FromRecord(rec, h.source, at)); err != nil {
			ok = false
			h.logger.Warn("failed to store reading", "node_id", rec.NodeID, "counter", rec.Counter, "error", err)
		}
	}
	if h.publisher != nil {
		if err := h.publisher.PublishTelemetry(toTelemetry(rec, at)); err != nil {
			ok = false
			h.logger.Warn("failed to publish telemetry", "node_id", rec.NodeID, "counter", rec.Counter, "error", err)
		}
	}
	if !ok {
		h.failed.Add(1)
		return
	}

	h.accepted.Add(1)
	h.logger.Info("reading received",
		"from", d.From,
		"node_id", rec.NodeID,
		"counter", rec.Counter,
		"T", rec.Temperature, "H", rec.Humidity,
	)
}

func (h *Handler) Stats() Stats {
	return Stats{
		Accepted:   h.accepted.Load(),
		Duplicates: h.duplicates.Load(),
		Malformed:  h.malformed.Load(),
		Failed:     h.failed.Load(),
	}
}

func toTelemetry(r telemetry.Record, at time.Time) mqtt.Telemetry {
	temp := float64(r.Temperature)
	hum := float64(r.Humidity)
	seq := int64(r.Counter)
	node := int(r.NodeID)
	return mqtt.Telemetry{
		StationID:   mqtt.StationID(r.NodeID),
		Timestamp:   at,
		Temperature: &temp,
		Humidity:    &hum,
		Sequence:    &seq,
		NodeID:      &node,
	}
}

// dedupKey identifies a record by its content. A node that restarts inside
// the TTL reuses low counters, but its readings almost never match bit for bit.
func dedupKey(r telemetry.Record) string {
	return fmt.Sprintf("%d:%d:%08x:%08x", r.NodeID, r.Counter, math.Float32bits(r.Temperature), math.Float32bits(r.Humidity))
}
