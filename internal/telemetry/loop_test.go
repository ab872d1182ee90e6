package telemetry

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"cloudpico-node/internal/link"
)

type fakeSensor struct {
	temp, hum float32
	tempErr   error
	humErr    error
	reads     int
}

func (s *fakeSensor) ReadTemperature() (float32, error) {
	s.reads++
	return s.temp, s.tempErr
}

func (s *fakeSensor) ReadHumidity() (float32, error) { return s.hum, s.humErr }

type sendCall struct {
	to      link.MAC
	payload []byte
}

type fakeSender struct {
	calls []sendCall
	fail  map[link.MAC]error
}

func (s *fakeSender) Send(addr link.MAC, payload []byte) error {
	s.calls = append(s.calls, sendCall{to: addr, payload: append([]byte(nil), payload...)})
	return s.fail[addr]
}

var (
	peerA = link.MAC{0x24, 0x6F, 0x28, 0xAA, 0xAA, 0xAA}
	peerB = link.MAC{0x24, 0x6F, 0x28, 0xBB, 0xBB, 0xBB}
	peerC = link.MAC{0x24, 0x6F, 0x28, 0xCC, 0xCC, 0xCC}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLoop(s Sensor, tx Sender) *Loop {
	return NewLoop(Config{
		NodeID:         5,
		Interval:       1000,
		TempOffset:     -4,
		HumidityOffset: 15,
		Peers:          []link.MAC{peerA, peerB, peerC},
	}, s, tx, discardLogger())
}

func TestClampHumidity(t *testing.T) {
	tests := []struct {
		raw, offset, want float32
	}{
		{50, 15, 65},
		{95, 15, 100},
		{-20, 15, 0},
		{0, 0, 0},
		{100, 0, 100},
		{85, 15, 100},
		{-15, 15, 0},
		{float32(math.NaN()), 0, 0},
		{float32(math.Inf(1)), 0, 100},
		{float32(math.Inf(-1)), 0, 0},
	}
	for _, tt := range tests {
		if got := ClampHumidity(Correct(tt.raw, tt.offset)); got != tt.want {
			t.Errorf("clamp(%v + %v) = %v, want %v", tt.raw, tt.offset, got, tt.want)
		}
	}
}

func TestTick_correctedValuesSent(t *testing.T) {
	s := &fakeSensor{temp: 25, hum: 50}
	tx := &fakeSender{}
	l := newTestLoop(s, tx)

	l.Tick(1000)

	if len(tx.calls) != 3 {
		t.Fatalf("sends = %d, want 3", len(tx.calls))
	}
	rec, err := Decode(tx.calls[0].payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := Record{ProtocolVersion: 1, NodeID: 5, Temperature: 21, Humidity: 65, Counter: 1}
	if rec != want {
		t.Errorf("record = %+v, want %+v", rec, want)
	}
	if l.Record() != want {
		t.Errorf("Record() = %+v", l.Record())
	}
}

func TestTick_humidityClampedTemperatureNot(t *testing.T) {
	s := &fakeSensor{temp: 80, hum: 95}
	tx := &fakeSender{}
	l := newTestLoop(s, tx)

	l.Tick(1000)

	rec := l.Record()
	if rec.Humidity != 100 {
		t.Errorf("humidity = %v, want 100", rec.Humidity)
	}
	if rec.Temperature != 76 {
		t.Errorf("temperature = %v, want 76", rec.Temperature)
	}
}

func TestTick_nonFiniteCorrectionSkipsCycle(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	tests := []struct {
		name               string
		tempOffset, humOffset float32
	}{
		{"humidity offset NaN", -4, nan},
		{"temperature offset NaN", nan, 15},
		{"temperature offset Inf", inf, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &fakeSender{}
			l := NewLoop(Config{
				NodeID:         5,
				Interval:       1000,
				TempOffset:     tt.tempOffset,
				HumidityOffset: tt.humOffset,
				Peers:          []link.MAC{peerA},
			}, &fakeSensor{temp: 20, hum: 50}, tx, discardLogger())

			l.Tick(1000)

			if len(tx.calls) != 0 {
				t.Fatalf("sent %d frames with a non-finite reading", len(tx.calls))
			}
			if l.Counter() != 0 || l.Stats().Skipped != 1 {
				t.Errorf("counter=%d skipped=%d, want 0/1", l.Counter(), l.Stats().Skipped)
			}
		})
	}
}

func TestTick_everyFourthCallAt250msSteps(t *testing.T) {
	s := &fakeSensor{temp: 20, hum: 40}
	tx := &fakeSender{}
	l := newTestLoop(s, tx)

	var sentOn []int
	for i := 1; i <= 16; i++ {
		before := l.Counter()
		l.Tick(uint32(i * 250))
		if l.Counter() != before {
			sentOn = append(sentOn, i)
		}
	}
	want := []int{4, 8, 12, 16}
	if len(sentOn) != len(want) {
		t.Fatalf("sent on calls %v, want %v", sentOn, want)
	}
	for i := range want {
		if sentOn[i] != want[i] {
			t.Fatalf("sent on calls %v, want %v", sentOn, want)
		}
	}
	if s.reads != 4 {
		t.Errorf("sensor reads = %d, want 4", s.reads)
	}
}

func TestTick_clockWraparound(t *testing.T) {
	tx := &fakeSender{}
	l := newTestLoop(&fakeSensor{temp: 20, hum: 40}, tx)

	l.Tick(math.MaxUint32 - 499) // sends, lastSend near the top of the range
	l.Tick(math.MaxUint32)       // 499 ms later
	if l.Counter() != 1 {
		t.Fatalf("counter = %d, want 1", l.Counter())
	}
	l.Tick(500) // 1000 ms later across the wrap
	if l.Counter() != 2 {
		t.Fatalf("counter = %d after wrap, want 2", l.Counter())
	}
}

func TestTick_counterCountsSuccessfulCycles(t *testing.T) {
	l := newTestLoop(&fakeSensor{temp: 20, hum: 40}, &fakeSender{})
	for i := 1; i <= 10; i++ {
		l.Tick(uint32(i * 1000))
	}
	if l.Counter() != 10 {
		t.Errorf("counter = %d, want 10", l.Counter())
	}
}

func TestTick_counterWrapsToZero(t *testing.T) {
	tx := &fakeSender{}
	l := newTestLoop(&fakeSensor{temp: 20, hum: 40}, tx)
	l.record.Counter = math.MaxUint32 - 1

	l.Tick(1000)
	l.Tick(2000)

	if l.Counter() != 0 {
		t.Fatalf("counter = %d, want 0", l.Counter())
	}
	rec, _ := Decode(tx.calls[len(tx.calls)-1].payload)
	if rec.Counter != 0 {
		t.Errorf("sent counter = %d, want 0", rec.Counter)
	}
}

func TestTick_sensorFailureSkipsCycle(t *testing.T) {
	nan := float32(math.NaN())
	tests := []struct {
		name string
		s    *fakeSensor
	}{
		{"temperature NaN", &fakeSensor{temp: nan, hum: 40}},
		{"humidity NaN", &fakeSensor{temp: 20, hum: nan}},
		{"temperature error", &fakeSensor{tempErr: ErrNoData}},
		{"humidity error", &fakeSensor{temp: 20, humErr: errors.New("bus nack")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &fakeSender{}
			l := newTestLoop(tt.s, tx)

			l.Tick(1000)
			if l.Counter() != 0 || len(tx.calls) != 0 {
				t.Fatalf("counter = %d, sends = %d after failed read", l.Counter(), len(tx.calls))
			}
			if st := l.Stats(); st.Skipped != 1 || st.Sent != 0 {
				t.Errorf("stats = %+v", st)
			}

			// The failed cycle still consumed the interval.
			tt.s.temp, tt.s.hum, tt.s.tempErr, tt.s.humErr = 20, 40, nil, nil
			l.Tick(1500)
			if l.Counter() != 0 {
				t.Fatalf("retried before the interval elapsed")
			}
			l.Tick(2000)
			if l.Counter() != 1 || len(tx.calls) != 3 {
				t.Fatalf("counter = %d, sends = %d after recovery", l.Counter(), len(tx.calls))
			}
		})
	}
}

func TestTick_failingPeerDoesNotBlockOthers(t *testing.T) {
	tx := &fakeSender{fail: map[link.MAC]error{peerB: errors.New("tx queue full")}}
	l := newTestLoop(&fakeSensor{temp: 20, hum: 40}, tx)

	l.Tick(1000)
	l.Tick(2000)

	if len(tx.calls) != 6 {
		t.Fatalf("sends = %d, want 6", len(tx.calls))
	}
	order := []link.MAC{peerA, peerB, peerC, peerA, peerB, peerC}
	for i, c := range tx.calls {
		if c.to != order[i] {
			t.Errorf("send %d to %v, want %v", i, c.to, order[i])
		}
	}
	st := l.Stats()
	if st.SendErrors[peerB] != 2 || st.SendErrors[peerA] != 0 || st.SendErrors[peerC] != 0 {
		t.Errorf("send errors = %v", st.SendErrors)
	}
	if l.Counter() != 2 {
		t.Errorf("counter = %d, want 2", l.Counter())
	}
}

func TestNewLoop_copiesPeers(t *testing.T) {
	peers := []link.MAC{peerA}
	tx := &fakeSender{}
	l := NewLoop(Config{NodeID: 1, Interval: 1, Peers: peers}, &fakeSensor{hum: 10}, tx, nil)
	peers[0] = peerC

	l.Tick(1)
	if len(tx.calls) != 1 || tx.calls[0].to != peerA {
		t.Fatalf("calls = %+v", tx.calls)
	}
}
