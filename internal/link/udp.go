package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// maxDatagram bounds a single read; ESP-NOW frames never exceed 250 bytes.
const maxDatagram = 250

// Datagram is one frame received from the link.
type Datagram struct {
	From    string
	Payload []byte
	At      time.Time
}

// UDPLink carries each payload as one UDP datagram with no header.
type UDPLink struct {
	conn   *net.UDPConn
	logger *slog.Logger

	mu      sync.RWMutex
	channel uint8
	peers   map[MAC]*net.UDPAddr
	onSent  StatusFunc
	closed  bool
}

// NewUDPLink binds listenAddr ("" or ":0" for an ephemeral port).
func NewUDPLink(listenAddr string, logger *slog.Logger) (*UDPLink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if listenAddr == "" {
		listenAddr = ":0"
	}
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp %q: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %q: %w", listenAddr, err)
	}
	l := &UDPLink{
		conn:    conn,
		logger:  logger.With("component", "udp-link"),
		channel: MinChannel,
		peers:   make(map[MAC]*net.UDPAddr),
	}
	l.logger.Info("udp link ready", "addr", conn.LocalAddr().String())
	return l, nil
}

// LocalAddr is the bound socket address.
func (l *UDPLink) LocalAddr() net.Addr { return l.conn.LocalAddr() }

func (l *UDPLink) SetChannel(ch uint8) error {
	if err := ValidateChannel(ch); err != nil {
		return err
	}
	l.mu.Lock()
	l.channel = ch
	l.mu.Unlock()
	l.logger.Info("channel fixed", "channel", ch)
	return nil
}

func (l *UDPLink) AddPeer(p Peer) error {
	if p.MAC.IsZero() {
		return ErrZeroMAC
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.Channel != 0 && p.Channel != l.channel {
		return fmt.Errorf("%w: peer %d, link %d", ErrChannelMismatch, p.Channel, l.channel)
	}
	if p.Endpoint == "" {
		return fmt.Errorf("peer %s: endpoint is required", p.MAC)
	}
	addr, err := net.ResolveUDPAddr("udp", p.Endpoint)
	if err != nil {
		return fmt.Errorf("peer %s: resolve %q: %w", p.MAC, p.Endpoint, err)
	}
	// Re-adding replaces the previous entry.
	l.peers[p.MAC] = addr
	return nil
}

func (l *UDPLink) OnSent(fn StatusFunc) {
	l.mu.Lock()
	l.onSent = fn
	l.mu.Unlock()
}

// Send writes payload to the peer's endpoint. The write outcome is reported
// through the status callback on its own goroutine so a slow callback never
// holds up the caller.
func (l *UDPLink) Send(addr MAC, payload []byte) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	dst, ok := l.peers[addr]
	onSent := l.onSent
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}

	_, err := l.conn.WriteToUDP(payload, dst)
	if err != nil {
		err = fmt.Errorf("write to %s: %w", dst, err)
	}
	if onSent != nil {
		st := Status{Peer: addr, Err: err, At: time.Now()}
		go onSent(st)
	}
	return nil
}

// Listen delivers every received datagram to fn until ctx is done or the link
// is closed.
func (l *UDPLink) Listen(ctx context.Context, fn func(Datagram)) error {
	go func() {
		<-ctx.Done()
		_ = l.conn.SetReadDeadline(time.Now())
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Warn("udp read failed", "error", err)
			continue
		}
		fn(Datagram{
			From:    from.String(),
			Payload: append([]byte(nil), buf[:n]...),
			At:      time.Now(),
		})
	}
}

func (l *UDPLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.conn.Close()
}
