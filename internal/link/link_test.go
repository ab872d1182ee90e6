package link

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type captureHandler struct {
	mu   sync.Mutex
	recs []map[string]slog.Value
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := map[string]slog.Value{"msg": slog.StringValue(r.Message)}
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value
		return true
	})
	h.recs = append(h.recs, m)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) recordsFor(msg string) []map[string]slog.Value {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []map[string]slog.Value
	for _, m := range h.recs {
		if m["msg"].String() == msg {
			out = append(out, m)
		}
	}
	return out
}

var (
	macA = MAC{0x24, 0x6F, 0x28, 0x00, 0x00, 0x0A}
	macB = MAC{0x24, 0x6F, 0x28, 0x00, 0x00, 0x0B}
	macC = MAC{0x24, 0x6F, 0x28, 0x00, 0x00, 0x0C}
)

type recordingLink struct {
	added  []MAC
	reject map[MAC]error
}

func (l *recordingLink) SetChannel(uint8) error { return nil }

func (l *recordingLink) AddPeer(p Peer) error {
	if err := l.reject[p.MAC]; err != nil {
		return err
	}
	l.added = append(l.added, p.MAC)
	return nil
}

func (l *recordingLink) Send(MAC, []byte) error { return nil }
func (l *recordingLink) OnSent(StatusFunc)      {}
func (l *recordingLink) Close() error           { return nil }

func TestRegisterPeers_zeroMACSkipped(t *testing.T) {
	h := &captureHandler{}
	l := &recordingLink{}

	got := RegisterPeers(l, []Peer{{MAC: macA}, {MAC: MAC{}}, {MAC: macC}}, slog.New(h))

	if len(got) != 2 || got[0] != macA || got[1] != macC {
		t.Fatalf("registered = %v, want [A C]", got)
	}
	if len(l.added) != 2 {
		t.Errorf("AddPeer called for %v", l.added)
	}
	skipped := h.recordsFor("peer skipped")
	if len(skipped) != 1 {
		t.Fatalf("peer skipped logs = %d, want 1", len(skipped))
	}
	if len(h.recordsFor("peer added")) != 2 {
		t.Errorf("peer added logs = %d, want 2", len(h.recordsFor("peer added")))
	}
}

func TestRegisterPeers_addFailureDoesNotStopOthers(t *testing.T) {
	h := &captureHandler{}
	l := &recordingLink{reject: map[MAC]error{macB: ErrChannelMismatch}}

	got := RegisterPeers(l, []Peer{{MAC: macA}, {MAC: macB}, {MAC: macC}}, slog.New(h))

	if len(got) != 2 || got[0] != macA || got[1] != macC {
		t.Fatalf("registered = %v, want [A C]", got)
	}
	recs := h.recordsFor("failed to add peer")
	if len(recs) != 1 {
		t.Fatalf("failed logs = %d, want 1", len(recs))
	}
	if recs[0]["peer"].Any().(MAC) != macB {
		t.Errorf("peer attr = %v", recs[0]["peer"])
	}
}

func TestValidateChannel(t *testing.T) {
	for _, ch := range []uint8{1, 6, 14} {
		if err := ValidateChannel(ch); err != nil {
			t.Errorf("ValidateChannel(%d): %v", ch, err)
		}
	}
	for _, ch := range []uint8{0, 15, 255} {
		if err := ValidateChannel(ch); err == nil {
			t.Errorf("ValidateChannel(%d): expected error", ch)
		}
	}
}

func TestStatusLog_notifyNeverBlocks(t *testing.T) {
	s := NewStatusLog(2, slog.New(&captureHandler{}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Notify(Status{Peer: macA})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked with nobody draining")
	}

	if _, _, dropped := s.Counts(); dropped != 8 {
		t.Errorf("dropped = %d, want 8", dropped)
	}
}

func TestStatusLog_runLogsOutcomes(t *testing.T) {
	h := &captureHandler{}
	s := NewStatusLog(0, slog.New(h))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Notify(Status{Peer: macA})
	s.Notify(Status{Peer: macB, Err: errors.New("no ack")})
	s.Notify(Status{Peer: macC})

	deadline := time.Now().Add(2 * time.Second)
	for {
		ok, failed, _ := s.Counts()
		if ok == 2 && failed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("counts ok=%d failed=%d", ok, failed)
		}
		time.Sleep(5 * time.Millisecond)
	}

	var fails int
	for _, r := range h.recordsFor("send status") {
		if r["status"].String() == "FAIL" {
			fails++
		}
	}
	if fails != 1 {
		t.Errorf("FAIL logs = %d, want 1", fails)
	}
}
