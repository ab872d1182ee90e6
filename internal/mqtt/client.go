package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloudpico-node/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	ErrNotConnected = errors.New("mqtt client not connected")
	ErrStopped      = errors.New("client stopped")
)

const publishTimeout = 5 * time.Second

// MessageHandler receives the topic and a payload owned by the handler.
type MessageHandler = func(topic string, payload []byte)

type Client struct {
	client    mqtt.Client
	cfg       config.Config
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	subsMu sync.Mutex
	subs   map[string]MessageHandler

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
		subs:   make(map[string]MessageHandler),
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}

	// Session settings
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	// Keepalive / timeouts
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Subscriptions are re-established on every (re)connect since the session is clean.
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.setConnected(true)
		c.logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
		c.resubscribe(client)
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		c.logger.Warn("mqtt connection lost", "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect establishes connection to the MQTT broker.
// This function waits for the initial connection, and respects ctx and Disconnect().
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return ErrStopped
	default:
	}

	if c.IsConnected() {
		return nil
	}

	// With ConnectRetry(true), the client may keep retrying internally.
	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			// OnConnect runs on its own goroutine and may not have fired yet.
			c.setConnected(true)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return ErrStopped
		default:
		}
	}
}

// Publish hands payload to the client without waiting for completion. The
// returned token completes once the broker accepted (QoS>0) or the packet was
// written (QoS 0).
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) (mqtt.Token, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	return c.client.Publish(topic, qos, retained, payload), nil
}

// PublishTelemetry publishes a JSON telemetry document to the station topic.
func (c *Client) PublishTelemetry(telemetry Telemetry) error {
	if telemetry.StationID == "" {
		return fmt.Errorf("station_id is required")
	}
	topic := TelemetryTopic(telemetry.StationID)

	if telemetry.Timestamp.IsZero() {
		telemetry.Timestamp = time.Now()
	}

	data, err := json.Marshal(telemetry)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}

	token, err := c.Publish(topic, 1, false, data)
	if err != nil {
		return err
	}
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if token.Error() != nil {
		c.logger.Error("failed to publish telemetry", "topic", topic, "error", token.Error())
		return fmt.Errorf("publish telemetry: %w", token.Error())
	}

	c.logger.Debug("published telemetry", "topic", topic, "station_id", telemetry.StationID)
	return nil
}

// Subscribe registers handler for topic. The subscription is restored after a
// reconnect. If the client is not connected yet it is made on connect.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.subsMu.Lock()
	c.subs[topic] = handler
	c.subsMu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	return c.subscribe(c.client, topic, handler)
}

func (c *Client) subscribe(client mqtt.Client, topic string, handler MessageHandler) error {
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), append([]byte(nil), msg.Payload()...))
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	c.logger.Info("subscribed to mqtt topic", "topic", topic)
	return nil
}

func (c *Client) resubscribe(client mqtt.Client) {
	c.subsMu.Lock()
	subs := make(map[string]MessageHandler, len(c.subs))
	for k, v := range c.subs {
		subs[k] = v
	}
	c.subsMu.Unlock()

	// Handlers run on the paho router; waiting for SUBACK here would deadlock.
	go func() {
		for topic, handler := range subs {
			if err := c.subscribe(client, topic, handler); err != nil {
				c.logger.Warn("resubscribe failed", "topic", topic, "error", err)
			}
		}
	}()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect stops the client and closes the MQTT connection.
// Idempotent and safe to call multiple times.
// After Disconnect, Connect() will return ErrStopped.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	// Paho Disconnect quiesces in-flight work for the given ms.
	if c.client != nil {
		c.client.Disconnect(250)
	}

	c.setConnected(false)
	c.logger.Info("mqtt disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
