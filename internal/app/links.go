package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloudpico-node/internal/config"
	"cloudpico-node/internal/link"
	"cloudpico-node/internal/mqtt"
)

const mqttConnectTimeout = 5 * time.Second

// brokerLink is the MQTT link together with the client it owns.
type brokerLink struct {
	*link.MQTTLink
	client *mqtt.Client
}

func (b *brokerLink) Close() error {
	err := b.MQTTLink.Close()
	b.client.Disconnect()
	return err
}

// openLink brings up the configured link driver and tunes it to the
// configured channel.
func openLink(ctx context.Context, cfg config.Config, logger *slog.Logger) (link.Link, error) {
	var (
		l   link.Link
		err error
	)
	switch cfg.Link {
	case config.LinkMQTT:
		l, err = openBrokerLink(ctx, cfg, logger)
	case config.LinkBLE:
		l, err = link.NewBLELink(cfg.BLELocalName, 0, logger)
	default:
		l, err = link.NewUDPLink(cfg.LinkListenAddr, logger)
	}
	if err != nil {
		return nil, err
	}

	if err := l.SetChannel(cfg.Channel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("set channel: %w", err)
	}
	return l, nil
}

func openBrokerLink(ctx context.Context, cfg config.Config, logger *slog.Logger) (*brokerLink, error) {
	client := mqtt.NewClient(cfg, logger)

	connectCtx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
	err := client.Connect(connectCtx)
	cancel()
	if err != nil {
		client.Disconnect()
		return nil, fmt.Errorf("mqtt link: %w", err)
	}
	return &brokerLink{MQTTLink: link.NewMQTTLink(client, logger), client: client}, nil
}
