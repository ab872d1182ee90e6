package telemetry

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"cloudpico-node/internal/link"
)

// ErrNoData is returned by a Sensor that could not produce a reading.
var ErrNoData = errors.New("sensor: no data")

const (
	humidityMin = 0
	humidityMax = 100
)

// Sensor is sampled once per cycle. A NaN reading counts as ErrNoData.
type Sensor interface {
	ReadTemperature() (float32, error)
	ReadHumidity() (float32, error)
}

// Sender hands a payload to the link. Delivery is not confirmed; a returned
// error only reports a local failure for that destination.
type Sender interface {
	Send(addr link.MAC, payload []byte) error
}

type Config struct {
	NodeID uint8
	// Interval between records in milliseconds.
	Interval       uint32
	TempOffset     float32
	HumidityOffset float32
	Peers          []link.MAC
}

// Stats counts loop outcomes since start.
type Stats struct {
	Sent       uint64
	Skipped    uint64
	SendErrors map[link.MAC]uint64
}

// Loop produces and broadcasts one record per interval. It is driven from a
// single control loop and is not safe for concurrent use.
type Loop struct {
	cfg    Config
	sensor Sensor
	sender Sender
	logger *slog.Logger

	record   Record
	buf      [RecordSize]byte
	lastSend uint32

	sent       uint64
	skipped    uint64
	sendErrors map[link.MAC]uint64
}

func NewLoop(cfg Config, sensor Sensor, sender Sender, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	peers := make([]link.MAC, len(cfg.Peers))
	copy(peers, cfg.Peers)
	cfg.Peers = peers

	return &Loop{
		cfg:        cfg,
		sensor:     sensor,
		sender:     sender,
		logger:     logger.With("component", "telemetry"),
		record:     Record{ProtocolVersion: ProtocolVersion, NodeID: cfg.NodeID},
		sendErrors: make(map[link.MAC]uint64),
	}
}

// Tick runs one sampling cycle if the interval has elapsed since the previous
// cycle started. now is a wrapping millisecond clock.
func (l *Loop) Tick(now uint32) {
	if now-l.lastSend < l.cfg.Interval {
		return
	}
	l.lastSend = now

	t, h, err := l.sample()
	if err != nil {
		l.skipped++
		l.logger.Warn("sensor read failed", "error", err)
		return
	}

	l.record.Counter++
	l.record.ProtocolVersion = ProtocolVersion
	l.record.NodeID = l.cfg.NodeID
	l.record.Temperature = t
	l.record.Humidity = h
	l.sent++

	l.record.put(&l.buf)

	l.logger.Info("send",
		"v", l.record.ProtocolVersion,
		"node", l.record.NodeID,
		"temp_c", l.record.Temperature,
		"rh_pct", l.record.Humidity,
		"cnt", l.record.Counter,
	)

	for _, peer := range l.cfg.Peers {
		if err := l.sender.Send(peer, l.buf[:]); err != nil {
			l.sendErrors[peer]++
			l.logger.Warn("send failed", "peer", peer, "error", err)
		}
	}
}

func (l *Loop) sample() (float32, float32, error) {
	tRaw, err := l.sensor.ReadTemperature()
	if err == nil && isNaN(tRaw) {
		err = ErrNoData
	}
	if err != nil {
		return 0, 0, fmt.Errorf("temperature: %w", err)
	}
	hRaw, err := l.sensor.ReadHumidity()
	if err == nil && isNaN(hRaw) {
		err = ErrNoData
	}
	if err != nil {
		return 0, 0, fmt.Errorf("humidity: %w", err)
	}
	t, h := Correct(tRaw, l.cfg.TempOffset), Correct(hRaw, l.cfg.HumidityOffset)
	if !isFinite(t) || isNaN(h) {
		return 0, 0, fmt.Errorf("corrected reading t=%v rh=%v: %w", t, h, ErrNoData)
	}
	return t, ClampHumidity(h), nil
}

// Record returns a copy of the last record produced.
func (l *Loop) Record() Record { return l.record }

// Counter returns the sequence counter of the last record produced.
func (l *Loop) Counter() uint32 { return l.record.Counter }

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	errs := make(map[link.MAC]uint64, len(l.sendErrors))
	for k, v := range l.sendErrors {
		errs[k] = v
	}
	return Stats{Sent: l.sent, Skipped: l.skipped, SendErrors: errs}
}

// Correct applies an additive calibration offset.
func Correct(raw, offset float32) float32 {
	return raw + offset
}

// ClampHumidity limits v to [0, 100]. NaN maps to 0. Temperature readings have
// no such limit.
func ClampHumidity(v float32) float32 {
	if v < humidityMin || isNaN(v) {
		return humidityMin
	}
	if v > humidityMax {
		return humidityMax
	}
	return v
}

func isNaN(v float32) bool {
	return math.IsNaN(float64(v))
}

func isFinite(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}
