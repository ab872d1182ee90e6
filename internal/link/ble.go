package link

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// BLE frame carried in manufacturer data: magic 0x01 0xD1, channel uint8,
// then the raw payload.
const (
	bleCompanyID   = 0xFFFF
	bleMagic0      = 0x01
	bleMagic1      = 0xD1
	bleHeaderLen   = 3
	bleMaxFrameLen = 26
)

// advertiser is satisfied by *bluetooth.Advertisement.
type advertiser interface {
	Configure(options bluetooth.AdvertisementOptions) error
	Start() error
	Stop() error
}

// BLELink broadcasts frames as non-connectable advertisements. One
// advertisement reaches every peer, so a payload already on air is not
// re-advertised for the next destination.
type BLELink struct {
	adv       advertiser
	localName string
	interval  time.Duration
	logger    *slog.Logger

	mu          sync.Mutex
	channel     uint8
	peers       map[MAC]struct{}
	onSent      StatusFunc
	advertising bool
	current     []byte
	closed      bool
}

// NewBLELink enables the default adapter and prepares its advertisement.
func NewBLELink(localName string, interval time.Duration, logger *slog.Logger) (*BLELink, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble enable: %w", err)
	}
	return newBLELink(adapter.DefaultAdvertisement(), localName, interval, logger), nil
}

func newBLELink(adv advertiser, localName string, interval time.Duration, logger *slog.Logger) *BLELink {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &BLELink{
		adv:       adv,
		localName: localName,
		interval:  interval,
		logger:    logger.With("component", "ble-link"),
		channel:   MinChannel,
		peers:     make(map[MAC]struct{}),
	}
}

func (l *BLELink) SetChannel(ch uint8) error {
	if err := ValidateChannel(ch); err != nil {
		return err
	}
	l.mu.Lock()
	l.channel = ch
	l.mu.Unlock()
	l.logger.Info("channel fixed", "channel", ch)
	return nil
}

func (l *BLELink) AddPeer(p Peer) error {
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

func (l *BLELink) OnSent(fn StatusFunc) {
	l.mu.Lock()
	l.onSent = fn
	l.mu.Unlock()
}

func (l *BLELink) Send(addr MAC, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.peers[addr]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	if len(payload) > bleMaxFrameLen-bleHeaderLen {
		return fmt.Errorf("ble: payload too large: %d bytes", len(payload))
	}

	var err error
	frame := encodeBLEFrame(l.channel, payload)
	if !l.advertising || !bytes.Equal(frame, l.current) {
		err = l.advertise(frame)
	}
	if l.onSent != nil {
		go l.onSent(Status{Peer: addr, Err: err, At: time.Now()})
	}
	return nil
}

// advertise swaps the payload on air. Caller holds l.mu.
func (l *BLELink) advertise(frame []byte) error {
	if l.advertising {
		if err := l.adv.Stop(); err != nil {
			l.logger.Warn("adv stop failed", "error", err)
		}
		l.advertising = false
	}
	err := l.adv.Configure(bluetooth.AdvertisementOptions{
		AdvertisementType: bluetooth.AdvertisingTypeNonConnInd,
		LocalName:         l.localName,
		Interval:          bluetooth.NewDuration(l.interval),
		ManufacturerData: []bluetooth.ManufacturerDataElement{
			{CompanyID: bleCompanyID, Data: frame},
		},
	})
	if err != nil {
		return fmt.Errorf("ble configure: %w", err)
	}
	if err := l.adv.Start(); err != nil {
		return fmt.Errorf("ble start: %w", err)
	}
	l.advertising = true
	l.current = frame
	return nil
}

func (l *BLELink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.advertising {
		l.advertising = false
		return l.adv.Stop()
	}
	return nil
}

func encodeBLEFrame(channel uint8, payload []byte) []byte {
	frame := make([]byte, 0, bleHeaderLen+len(payload))
	frame = append(frame, bleMagic0, bleMagic1, channel)
	return append(frame, payload...)
}

// decodeBLEFrame returns the payload of a frame sent on channel.
func decodeBLEFrame(companyID uint16, data []byte, channel uint8) ([]byte, bool) {
	if companyID != bleCompanyID || len(data) < bleHeaderLen {
		return nil, false
	}
	if data[0] != bleMagic0 || data[1] != bleMagic1 || data[2] != channel {
		return nil, false
	}
	return append([]byte(nil), data[bleHeaderLen:]...), true
}

// ScanBLE enables the default adapter and delivers every frame seen on
// channel until ctx is done.
func ScanBLE(ctx context.Context, channel uint8, logger *slog.Logger, fn func(Datagram)) error {
	if logger == nil {
		logger = slog.Default()
	}
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("ble enable: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = adapter.StopScan()
	}()

	logger.Info("ble: scanning started", "channel", channel)

	// adapter.Scan blocks until StopScan() or error.
	err := adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		for _, md := range r.ManufacturerData() {
			payload, ok := decodeBLEFrame(md.CompanyID, md.Data, channel)
			if !ok {
				continue
			}
			fn(Datagram{From: r.Address.String(), Payload: payload, At: time.Now()})
			return
		}
	})

	if ctx.Err() != nil {
		logger.Info("ble: scanning stopped (context canceled)")
		return nil
	}
	if err != nil {
		return fmt.Errorf("ble scan: %w", err)
	}
	return nil
}
