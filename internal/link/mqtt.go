package link

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// sendTimeout bounds how long a status notification waits for the client.
const sendTimeout = 5 * time.Second

// Broker is the part of the MQTT client the link uses.
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload []byte) (paho.Token, error)
	Subscribe(topic string, handler func(topic string, payload []byte)) error
}

// MQTTLink emulates the radio channel on a broker: a frame for peer P on
// channel C is published with QoS 0 to espnow/chC/P.
type MQTTLink struct {
	broker Broker
	logger *slog.Logger

	mu      sync.RWMutex
	channel uint8
	peers   map[MAC]struct{}
	onSent  StatusFunc
	closed  bool
}

func NewMQTTLink(broker Broker, logger *slog.Logger) *MQTTLink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTLink{
		broker:  broker,
		logger:  logger.With("component", "mqtt-link"),
		channel: MinChannel,
		peers:   make(map[MAC]struct{}),
	}
}

// FrameTopic is the topic frames for dst travel on.
func FrameTopic(channel uint8, dst MAC) string {
	return fmt.Sprintf("espnow/ch%d/%s", channel, dst)
}

func (l *MQTTLink) SetChannel(ch uint8) error {
	if err := ValidateChannel(ch); err != nil {
		return err
	}
	l.mu.Lock()
	l.channel = ch
	l.mu.Unlock()
	l.logger.Info("channel fixed", "channel", ch)
	return nil
}

func (l *MQTTLink) AddPeer(p Peer) error {
	if p.MAC.IsZero() {
		return ErrZeroMAC
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.Channel != 0 && p.Channel != l.channel {
		return fmt.Errorf("%w: peer %d, link %d", ErrChannelMismatch, p.Channel, l.channel)
	}
	l.peers[p.MAC] = struct{}{}
	return nil
}

func (l *MQTTLink) OnSent(fn StatusFunc) {
	l.mu.Lock()
	l.onSent = fn
	l.mu.Unlock()
}

func (l *MQTTLink) Send(addr MAC, payload []byte) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	_, ok := l.peers[addr]
	ch := l.channel
	onSent := l.onSent
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}

	frame := append([]byte(nil), payload...)
	token, err := l.broker.Publish(FrameTopic(ch, addr), 0, false, frame)
	if err != nil {
		if onSent != nil {
			go onSent(Status{Peer: addr, Err: err, At: time.Now()})
		}
		return nil
	}
	if onSent != nil {
		go func() {
			st := Status{Peer: addr}
			select {
			case <-token.Done():
				st.Err = token.Error()
			case <-time.After(sendTimeout):
				st.Err = fmt.Errorf("publish to %s: timeout", addr)
			}
			st.At = time.Now()
			onSent(st)
		}()
	}
	return nil
}

// Listen subscribes to frames addressed to self (every address when self is
// zero) and delivers them to fn until ctx is done.
func (l *MQTTLink) Listen(ctx context.Context, self MAC, fn func(Datagram)) error {
	l.mu.RLock()
	ch := l.channel
	l.mu.RUnlock()

	topic := fmt.Sprintf("espnow/ch%d/+", ch)
	if !self.IsZero() {
		topic = FrameTopic(ch, self)
	}
	err := l.broker.Subscribe(topic, func(t string, payload []byte) {
		if !self.IsZero() || frameTopicMatches(t, ch) {
			fn(Datagram{From: t, Payload: payload, At: time.Now()})
		}
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func frameTopicMatches(topic string, ch uint8) bool {
	prefix := fmt.Sprintf("espnow/ch%d/", ch)
	if !strings.HasPrefix(topic, prefix) {
		return false
	}
	_, err := ParseMAC(strings.TrimPrefix(topic, prefix))
	return err == nil
}

// Close stops accepting sends. The broker connection is owned by the caller.
func (l *MQTTLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}
