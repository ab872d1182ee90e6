package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloudpico-node/internal/config"
	"cloudpico-node/internal/link"
	"cloudpico-node/internal/ota"
	"cloudpico-node/internal/sensor"
	"cloudpico-node/internal/telemetry"
)

// updater is the firmware-update service as the control loop sees it.
type updater interface {
	Begin(hostname, password string) error
	Handle()
	UpdateReady() bool
	Close() error
}

// Node wires the update service, the link and the sensor into the control loop.
type Node struct {
	cfg    config.Config
	logger *slog.Logger

	ota        updater
	openLink   func(ctx context.Context) (link.Link, error)
	openSensor func() (sensor.Device, error)
	clock      func() uint32
}

func NewNode(cfg config.Config, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	return &Node{
		cfg:    cfg,
		logger: logger,
		ota:    ota.New(cfg.OTAAddr, cfg.OTADir, logger),
		openLink: func(ctx context.Context) (link.Link, error) {
			return openLink(ctx, cfg, logger)
		},
		openSensor: func() (sensor.Device, error) {
			return sensor.Open(cfg, logger)
		},
		// Wraps after ~49.7 days, like a microcontroller millis().
		clock: func() uint32 { return uint32(time.Since(start).Milliseconds()) },
	}
}

// RunNode runs a telemetry node until ctx is done or a firmware image is staged.
func RunNode(ctx context.Context, cfg config.Config) error {
	return NewNode(cfg, slog.Default()).Run(ctx)
}

func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := n.cfg
	n.logger.Info("initializing node",
		"node_id", cfg.NodeID,
		"channel", cfg.Channel,
		"link", cfg.Link,
		"send_interval", cfg.SendInterval,
		"peers", len(cfg.Peers),
	)

	if err := n.ota.Begin(cfg.OTAHostname, cfg.OTAPassword); err != nil {
		n.logger.Warn("ota unavailable (continuing without updates)", "error", err)
	}
	defer func() {
		if err := n.ota.Close(); err != nil {
			n.logger.Error("ota close", "error", err)
		}
	}()

	l, err := n.openLink(ctx)
	if err != nil {
		return n.halt(ctx, fmt.Errorf("link init failed: %w", err))
	}
	defer func() { _ = l.Close() }()

	statusLog := link.NewStatusLog(0, n.logger)
	l.OnSent(statusLog.Notify)
	go statusLog.Run(ctx)

	peers := link.RegisterPeers(l, cfg.Peers, n.logger)
	if len(peers) == 0 {
		n.logger.Warn("no peers registered; records will not be sent")
	}

	dev, err := n.openSensor()
	if err != nil {
		return n.halt(ctx, err)
	}
	defer func() { _ = dev.Close() }()

	loop := telemetry.NewLoop(telemetry.Config{
		NodeID:         cfg.NodeID,
		Interval:       cfg.SendIntervalMillis(),
		TempOffset:     cfg.TempOffset,
		HumidityOffset: cfg.HumidityOffset,
		Peers:          peers,
	}, dev, l, n.logger)

	n.logger.Info("node running", "peers", len(peers), "loop_period", cfg.LoopPeriod)

	ticker := time.NewTicker(cfg.LoopPeriod)
	defer ticker.Stop()
	status := time.NewTicker(cfg.StatusInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("node shutting down", "counter", loop.Counter())
			return nil
		case <-status.C:
			n.logStatus(loop, statusLog)
		case <-ticker.C:
			n.ota.Handle()
			if n.ota.UpdateReady() {
				n.logger.Info("firmware update staged, restarting", "counter", loop.Counter())
				return nil
			}
			loop.Tick(n.clock())
		}
	}
}

// halt parks the node after a fatal init failure until ctx is done.
func (n *Node) halt(ctx context.Context, err error) error {
	n.logger.Error("fatal init failure, halting", "error", err)
	<-ctx.Done()
	return err
}

func (n *Node) logStatus(loop *telemetry.Loop, statusLog *link.StatusLog) {
	st := loop.Stats()
	ok, failed, dropped := statusLog.Counts()
	var sendErrors uint64
	for _, c := range st.SendErrors {
		sendErrors += c
	}
	n.logger.Info("status",
		"counter", loop.Counter(),
		"sent", st.Sent,
		"skipped", st.Skipped,
		"send_errors", sendErrors,
		"tx_ok", ok,
		"tx_failed", failed,
		"tx_dropped", dropped,
	)
}
