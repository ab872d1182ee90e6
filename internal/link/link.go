// Package link is the connectionless datagram transport between nodes: a fixed
// channel, a static peer table keyed by hardware address, fire-and-forget sends
// and an asynchronous per-send status notification.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	MinChannel = 1
	MaxChannel = 14
)

var (
	ErrUnknownPeer     = errors.New("link: unknown peer")
	ErrChannelMismatch = errors.New("link: peer channel does not match link channel")
	ErrClosed          = errors.New("link: closed")
)

// Peer is a statically configured destination.
type Peer struct {
	MAC MAC `yaml:"mac"`
	// Endpoint is driver specific (host:port for UDP, unused by MQTT and BLE).
	Endpoint string `yaml:"endpoint"`
	// Channel 0 means "whatever channel the link is on".
	Channel uint8 `yaml:"channel"`
}

// Status is the outcome of one send, reported after the fact.
type Status struct {
	Peer MAC
	Err  error
	At   time.Time
}

func (s Status) OK() bool { return s.Err == nil }

// StatusFunc receives send outcomes. It may be called from any goroutine and
// must not block.
type StatusFunc func(Status)

// Link is implemented by every transport driver.
type Link interface {
	SetChannel(ch uint8) error
	AddPeer(p Peer) error
	// Send queues payload for addr. The outcome arrives through OnSent.
	Send(addr MAC, payload []byte) error
	OnSent(fn StatusFunc)
	Close() error
}

// ValidateChannel reports whether ch is a usable 2.4 GHz channel.
func ValidateChannel(ch uint8) error {
	if ch < MinChannel || ch > MaxChannel {
		return fmt.Errorf("invalid channel %d (allowed: %d-%d)", ch, MinChannel, MaxChannel)
	}
	return nil
}

// RegisterPeers adds every usable peer to l and returns the addresses that were
// registered. A bad entry is logged and skipped; the others still register.
func RegisterPeers(l Link, peers []Peer, logger *slog.Logger) []MAC {
	if logger == nil {
		logger = slog.Default()
	}
	var out []MAC
	for _, p := range peers {
		if p.MAC.IsZero() {
			logger.Warn("peer skipped", "error", ErrZeroMAC)
			continue
		}
		if err := l.AddPeer(p); err != nil {
			logger.Warn("failed to add peer", "peer", p.MAC, "error", err)
			continue
		}
		logger.Info("peer added", "peer", p.MAC, "endpoint", p.Endpoint)
		out = append(out, p.MAC)
	}
	return out
}

// StatusLog is a bounded, non-blocking sink for send outcomes. Notify never
// waits; when the buffer is full the status is dropped and counted.
type StatusLog struct {
	ch      chan Status
	logger  *slog.Logger
	dropped atomic.Uint64
	ok      atomic.Uint64
	failed  atomic.Uint64
}

func NewStatusLog(size int, logger *slog.Logger) *StatusLog {
	if size <= 0 {
		size = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusLog{
		ch:     make(chan Status, size),
		logger: logger.With("component", "tx-cb"),
	}
}

// Notify is a StatusFunc.
func (s *StatusLog) Notify(st Status) {
	select {
	case s.ch <- st:
	default:
		s.dropped.Add(1)
	}
}

// Run logs queued statuses until ctx is done.
func (s *StatusLog) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-s.ch:
			s.log(st)
		}
	}
}

func (s *StatusLog) log(st Status) {
	if st.OK() {
		s.ok.Add(1)
		s.logger.Debug("send status", "peer", st.Peer, "status", "OK")
		return
	}
	s.failed.Add(1)
	s.logger.Warn("send status", "peer", st.Peer, "status", "FAIL", "error", st.Err)
}

// Counts returns delivered-to-driver, failed and dropped notifications seen so far.
func (s *StatusLog) Counts() (ok, failed, dropped uint64) {
	return s.ok.Load(), s.failed.Load(), s.dropped.Load()
}
