package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"cloudpico-node/internal/config"
	"cloudpico-node/internal/link"
	"cloudpico-node/internal/sensor"
	"cloudpico-node/internal/telemetry"
)

type fakeUpdater struct {
	mu       sync.Mutex
	begun    bool
	handled  int
	readyAt  int // Handle count after which an update is staged; 0 never
	closed   bool
	beginErr error
}

func (u *fakeUpdater) Begin(string, string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.begun = true
	return u.beginErr
}

func (u *fakeUpdater) Handle() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handled++
}

func (u *fakeUpdater) UpdateReady() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.readyAt > 0 && u.handled >= u.readyAt
}

func (u *fakeUpdater) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	return nil
}

func (u *fakeUpdater) handleCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.handled
}

type sent struct {
	to      link.MAC
	payload []byte
}

// fakeLink accepts every send and reports the outcome through the status
// callback on another goroutine, failing for the peers in fail.
type fakeLink struct {
	mu       sync.Mutex
	channel  uint8
	peers    []link.MAC
	sent     []sent
	closed   bool
	fail     map[link.MAC]bool
	onSent   link.StatusFunc
	reported map[link.MAC][]bool // per peer, true for OK
	pending  sync.WaitGroup
}

func (l *fakeLink) SetChannel(ch uint8) error { l.channel = ch; return nil }

func (l *fakeLink) AddPeer(p link.Peer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers = append(l.peers, p.MAC)
	return nil
}

func (l *fakeLink) Send(addr link.MAC, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, sent{to: addr, payload: append([]byte(nil), payload...)})
	if l.onSent == nil {
		return nil
	}

	st := link.Status{Peer: addr, At: time.Now()}
	if l.fail[addr] {
		st.Err = errors.New("no ack")
	}
	fn := l.onSent
	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		fn(st)
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.reported == nil {
			l.reported = make(map[link.MAC][]bool)
		}
		l.reported[st.Peer] = append(l.reported[st.Peer], st.OK())
	}()
	return nil
}

func (l *fakeLink) OnSent(fn link.StatusFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onSent = fn
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

type fakeDevice struct {
	temp, hum float32
	err       error
	closed    bool
}

func (d *fakeDevice) ReadTemperature() (float32, error) { return d.temp, d.err }
func (d *fakeDevice) ReadHumidity() (float32, error)    { return d.hum, d.err }
func (d *fakeDevice) Close() error                      { d.closed = true; return nil }

var (
	macA = link.MAC{0x24, 0x6F, 0x28, 0x00, 0x00, 0x01}
	macB = link.MAC{0x24, 0x6F, 0x28, 0x00, 0x00, 0x02}
)

func testNode(t *testing.T, u *fakeUpdater, l *fakeLink, dev *fakeDevice) *Node {
	t.Helper()
	cfg := config.Config{
		NodeID:         5,
		Channel:        1,
		SendInterval:   time.Second,
		TempOffset:     -4,
		HumidityOffset: 15,
		Peers:          []link.Peer{{MAC: macA}, {}, {MAC: macB}},
		LoopPeriod:     time.Millisecond,
		StatusInterval: time.Hour,
	}
	var now uint32
	return &Node{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		ota:    u,
		openLink: func(context.Context) (link.Link, error) {
			return l, nil
		},
		openSensor: func() (sensor.Device, error) {
			if dev == nil {
				return nil, errors.New("sensor not found: no ack")
			}
			return dev, nil
		},
		clock: func() uint32 {
			now += 1000
			return now
		},
	}
}

func TestNodeRun_sendsToRegisteredPeersUntilUpdateStaged(t *testing.T) {
	u := &fakeUpdater{readyAt: 4}
	l := &fakeLink{}
	dev := &fakeDevice{temp: 25, hum: 50}

	if err := testNode(t, u, l, dev).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !u.begun || !u.closed {
		t.Errorf("updater begun=%v closed=%v", u.begun, u.closed)
	}
	if !l.closed || !dev.closed {
		t.Errorf("link closed=%v sensor closed=%v", l.closed, dev.closed)
	}
	if len(l.peers) != 2 {
		t.Fatalf("registered peers = %v, want A and B", l.peers)
	}
	// Three ticks ran before the fourth Handle staged the update.
	if len(l.sent) != 6 {
		t.Fatalf("sent %d frames, want 6", len(l.sent))
	}
	for i, s := range l.sent {
		want := macA
		if i%2 == 1 {
			want = macB
		}
		if s.to != want {
			t.Errorf("frame %d to %v, want %v", i, s.to, want)
		}
	}

	last, err := telemetry.Decode(l.sent[5].payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if last.NodeID != 5 || last.Counter != 3 || last.Temperature != 21 || last.Humidity != 65 {
		t.Errorf("last record = %+v", last)
	}
}

func TestNodeRun_failedStatusForOnePeerDoesNotStopOthers(t *testing.T) {
	macC := link.MAC{0x24, 0x6F, 0x28, 0x00, 0x00, 0x03}
	u := &fakeUpdater{readyAt: 4}
	l := &fakeLink{fail: map[link.MAC]bool{macB: true}}
	dev := &fakeDevice{temp: 25, hum: 50}

	n := testNode(t, u, l, dev)
	n.cfg.Peers = []link.Peer{{MAC: macA}, {MAC: macB}, {MAC: macC}}
	if err := n.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	l.pending.Wait()

	// Three cycles ran; every cycle reached A and C while B failed.
	if len(l.sent) != 9 {
		t.Fatalf("sent %d frames, want 9", len(l.sent))
	}
	for i, s := range l.sent {
		want := []link.MAC{macA, macB, macC}[i%3]
		if s.to != want {
			t.Errorf("frame %d to %v, want %v", i, s.to, want)
		}
		rec, err := telemetry.Decode(s.payload)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if rec.Counter != uint32(i/3+1) {
			t.Errorf("frame %d counter = %d, want %d", i, rec.Counter, i/3+1)
		}
	}

	for _, tt := range []struct {
		peer link.MAC
		ok   bool
	}{{macA, true}, {macB, false}, {macC, true}} {
		got := l.reported[tt.peer]
		if len(got) != 3 {
			t.Errorf("%v: %d status reports, want 3", tt.peer, len(got))
			continue
		}
		for _, ok := range got {
			if ok != tt.ok {
				t.Errorf("%v: status ok=%v, want %v", tt.peer, ok, tt.ok)
			}
		}
	}
}

func TestNodeRun_updateServicedWhenSensorFails(t *testing.T) {
	u := &fakeUpdater{readyAt: 5}
	l := &fakeLink{}
	dev := &fakeDevice{err: telemetry.ErrNoData}

	if err := testNode(t, u, l, dev).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if u.handleCount() != 5 {
		t.Errorf("Handle called %d times, want 5", u.handleCount())
	}
	if len(l.sent) != 0 {
		t.Errorf("sent %d frames with a failing sensor", len(l.sent))
	}
}

func TestNodeRun_sensorInitFailureHalts(t *testing.T) {
	u := &fakeUpdater{}
	l := &fakeLink{}
	n := testNode(t, u, l, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("Run returned before cancel: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected init error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if len(l.sent) != 0 {
		t.Errorf("sent %d frames while halted", len(l.sent))
	}
}

func TestNodeRun_linkInitFailureHalts(t *testing.T) {
	u := &fakeUpdater{}
	n := testNode(t, u, &fakeLink{}, &fakeDevice{})
	n.openLink = func(context.Context) (link.Link, error) {
		return nil, errors.New("radio unavailable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := n.Run(ctx); err == nil {
		t.Fatal("expected link init error")
	}
}

func TestNodeRun_otaFailureIsNotFatal(t *testing.T) {
	u := &fakeUpdater{readyAt: 2, beginErr: errors.New("address in use")}
	l := &fakeLink{}
	if err := testNode(t, u, l, &fakeDevice{temp: 20, hum: 40}).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(l.sent) != 2 {
		t.Errorf("sent %d frames, want 2", len(l.sent))
	}
}
