package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"cloudpico-node/internal/config"
	"cloudpico-node/internal/httpapi"
	"cloudpico-node/internal/link"
	"cloudpico-node/internal/mqtt"
	"cloudpico-node/internal/receiver"
	"cloudpico-node/internal/store"
)

// RunReceiver listens on the configured link and hands every frame to a
// receiver.Handler until ctx is done.
func RunReceiver(ctx context.Context, cfg config.Config) error {
	logger := slog.Default()
	logger.Info("initializing receiver",
		"link", cfg.Link,
		"channel", cfg.Channel,
		"listen_addr", cfg.LinkListenAddr,
		"receiver_mac", cfg.ReceiverMAC,
		"db_path", cfg.ReceiverDBPath,
		"publish", cfg.ReceiverPublish,
		"http_addr", cfg.ReceiverHTTPAddr,
	)

	var (
		st       receiver.Store
		readings httpapi.Readings
	)
	if cfg.ReceiverDBPath != "" {
		s, err := store.Open(cfg.ReceiverDBPath, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := s.Close(); err != nil {
				logger.Error("db close", "error", err)
			}
		}()
		st = s
		readings = s
	}

	var client *mqtt.Client
	if cfg.ReceiverPublish || cfg.Link == config.LinkMQTT {
		client = mqtt.NewClient(cfg, logger)
		defer client.Disconnect()

		connectCtx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
		err := client.Connect(connectCtx)
		cancel()
		if err != nil {
			if cfg.Link == config.LinkMQTT {
				return fmt.Errorf("mqtt link: %w", err)
			}
			// Auto-reconnect keeps trying; publishes fail until it succeeds.
			logger.Warn("mqtt connection failed (continuing)", "error", err)
		}
	}

	var pub receiver.Publisher
	if cfg.ReceiverPublish {
		pub = client
	}
	handler := receiver.NewHandler(cfg.Link, cfg.DedupTTL, st, pub, logger)

	if cfg.ReceiverHTTPAddr != "" {
		srv := httpapi.NewServer(cfg.ReceiverHTTPAddr, httpapi.NewMux(readings, handler.Stats))
		stopHTTP, err := serveHTTP(srv, logger)
		if err != nil {
			return err
		}
		defer stopHTTP()
	}

	err := listen(ctx, cfg, client, logger, handler.HandleDatagram)

	s := handler.Stats()
	logger.Info("receiver shutting down",
		"accepted", s.Accepted,
		"duplicates", s.Duplicates,
		"malformed", s.Malformed,
		"failed", s.Failed,
	)
	return err
}

func listen(ctx context.Context, cfg config.Config, client *mqtt.Client, logger *slog.Logger, fn func(link.Datagram)) error {
	switch cfg.Link {
	case config.LinkMQTT:
		l := link.NewMQTTLink(client, logger)
		if err := l.SetChannel(cfg.Channel); err != nil {
			return err
		}
		defer func() { _ = l.Close() }()
		return l.Listen(ctx, cfg.ReceiverMAC, fn)
	case config.LinkBLE:
		if err := link.ValidateChannel(cfg.Channel); err != nil {
			return err
		}
		return link.ScanBLE(ctx, cfg.Channel, logger, fn)
	default:
		l, err := link.NewUDPLink(cfg.LinkListenAddr, logger)
		if err != nil {
			return err
		}
		defer func() { _ = l.Close() }()
		logger.Info("udp listening", "addr", l.LocalAddr().String())
		return l.Listen(ctx, fn)
	}
}

const httpShutdownTimeout = 5 * time.Second

// serveHTTP binds srv.Addr before returning so a bad address fails startup.
func serveHTTP(srv *http.Server, logger *slog.Logger) (stop func(), err error) {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("http listen %s: %w", srv.Addr, err)
	}
	logger.Info("http api listening", "addr", ln.Addr().String())

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http api stopped", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("http api shutdown", "error", err)
		}
	}, nil
}
