// Package ota receives firmware images over HTTP. Network work happens on the
// server goroutines; everything the control loop cares about is queued and
// only surfaces when the loop calls Handle.
package ota

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloudpico-node/internal/utils"
)

const (
	ImageName     = "firmware.bin"
	maxImageBytes = 64 << 20
	eventQueueLen = 64
)

var (
	ErrBusy         = errors.New("ota: update already in progress")
	ErrUnauthorized = errors.New("ota: unauthorized")
	ErrChecksum     = errors.New("ota: image checksum mismatch")
)

type EventKind int

const (
	EventStart EventKind = iota
	EventProgress
	EventEnd
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventProgress:
		return "progress"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is one step of an update as seen by the control loop.
type Event struct {
	Kind     EventKind
	Received int64
	Total    int64 // -1 when the client did not announce a length
	Err      error
}

// Service is the firmware-update listener.
type Service struct {
	addr   string
	dir    string
	logger *slog.Logger

	hostname   string
	authDigest []byte

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener

	events    chan Event
	dropped   atomic.Uint64
	receiving atomic.Bool
	ready     atomic.Bool
}

func New(addr, dir string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		addr:   addr,
		dir:    dir,
		logger: logger.With("component", "ota"),
		events: make(chan Event, eventQueueLen),
	}
}

// Begin starts listening for updates. An empty password disables authentication.
func (s *Service) Begin(hostname, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("ota: already started")
	}

	s.hostname = hostname
	if password != "" {
		d := sha256.Sum256([]byte(password))
		s.authDigest = d[:]
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("ota dir %s: %w", s.dir, err)
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("ota listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.push(Event{Kind: EventError, Err: fmt.Errorf("serve: %w", err)})
		}
	}()

	s.logger.Info("ota ready (waiting for updates)", "hostname", hostname, "addr", ln.Addr().String(), "auth", password != "")
	return nil
}

// Addr is the listening address once Begin succeeded.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Handler serves POST /update and GET /status.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /update", s.handleUpdate)
	mux.HandleFunc("GET /status", s.handleStatus)
	return mux
}

// Handle drains queued update events and logs them. It never blocks.
func (s *Service) Handle() {
	for {
		select {
		case ev := <-s.events:
			s.logEvent(ev)
		default:
			return
		}
	}
}

// UpdateReady reports that a complete image is staged in the OTA directory.
func (s *Service) UpdateReady() bool { return s.ready.Load() }

// ImagePath is where a received image is staged.
func (s *Service) ImagePath() string { return filepath.Join(s.dir, ImageName) }

func (s *Service) Close() error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state := "idle"
	switch {
	case s.receiving.Load():
		state = "receiving"
	case s.ready.Load():
		state = "ready"
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"hostname": s.hostname, "state": state})
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.push(Event{Kind: EventError, Err: ErrUnauthorized})
		utils.WriteError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
		return
	}
	if !s.receiving.CompareAndSwap(false, true) {
		utils.WriteError(w, http.StatusConflict, ErrBusy.Error())
		return
	}
	defer s.receiving.Store(false)

	n, err := s.receive(r)
	if err != nil {
		s.push(Event{Kind: EventError, Received: n, Total: r.ContentLength, Err: err})
		status := http.StatusInternalServerError
		if errors.Is(err, ErrChecksum) {
			status = http.StatusBadRequest
		}
		utils.WriteError(w, status, err.Error())
		return
	}

	s.ready.Store(true)
	s.push(Event{Kind: EventEnd, Received: n, Total: r.ContentLength})
	utils.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "bytes": n})
}

// receive streams the body to a temp file and moves it into place once
// complete and verified.
func (s *Service) receive(r *http.Request) (int64, error) {
	total := r.ContentLength
	s.push(Event{Kind: EventStart, Total: total})

	tmp, err := os.CreateTemp(s.dir, ImageName+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	hash := sha256.New()
	pw := &progressWriter{total: total, emit: s.push}
	body := io.LimitReader(r.Body, maxImageBytes+1)
	n, err := io.Copy(io.MultiWriter(tmp, hash, pw), body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("receive image: %w", err)
	}
	if n > maxImageBytes {
		return n, fmt.Errorf("image larger than %d bytes", maxImageBytes)
	}
	if total >= 0 && n != total {
		return n, fmt.Errorf("short image: %d of %d bytes", n, total)
	}
	if want := strings.TrimSpace(r.Header.Get("X-OTA-SHA256")); want != "" {
		if got := hex.EncodeToString(hash.Sum(nil)); !strings.EqualFold(got, want) {
			return n, ErrChecksum
		}
	}

	if err := os.Rename(tmp.Name(), s.ImagePath()); err != nil {
		return n, fmt.Errorf("stage image: %w", err)
	}
	return n, nil
}

func (s *Service) authorized(r *http.Request) bool {
	if s.authDigest == nil {
		return true
	}
	_, password, ok := r.BasicAuth()
	if !ok {
		return false
	}
	d := sha256.Sum256([]byte(password))
	return subtle.ConstantTimeCompare(d[:], s.authDigest) == 1
}

func (s *Service) push(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *Service) logEvent(ev Event) {
	switch ev.Kind {
	case EventStart:
		s.logger.Info("ota update start", "total", ev.Total)
	case EventProgress:
		s.logger.Info("ota progress", "pct", percent(ev.Received, ev.Total), "received", ev.Received)
	case EventEnd:
		s.logger.Info("ota update end", "bytes", ev.Received, "image", s.ImagePath())
	case EventError:
		s.logger.Error("ota error", "error", ev.Err, "received", ev.Received)
	}
}

func percent(n, total int64) int64 {
	if total <= 0 {
		return -1
	}
	return n * 100 / total
}

// progressWriter emits a progress event every 10%, or every 64 KiB when the
// total is unknown.
type progressWriter struct {
	total    int64
	received int64
	lastStep int64
	emit     func(Event)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.received += int64(len(b))
	var step int64
	if p.total > 0 {
		step = p.received * 10 / p.total
	} else {
		step = p.received / (64 << 10)
	}
	if step != p.lastStep {
		p.lastStep = step
		p.emit(Event{Kind: EventProgress, Received: p.received, Total: p.total})
	}
	return len(b), nil
}
