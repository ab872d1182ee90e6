// Package store keeps received telemetry in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloudpico-node/internal/telemetry"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

var ErrNotFound = errors.New("store: not found")

// Reading is one stored record plus where and when it arrived.
type Reading struct {
	NodeID          uint8
	Counter         uint32
	ProtocolVersion uint8
	Temperature     float32
	Humidity        float32
	Source          string
	ReceivedAt      time.Time
}

// FromRecord builds a Reading for a decoded record.
func FromRecord(r telemetry.Record, source string, at time.Time) Reading {
	return Reading{
		NodeID:          r.NodeID,
		Counter:         r.Counter,
		ProtocolVersion: r.ProtocolVersion,
		Temperature:     r.Temperature,
		Humidity:        r.Humidity,
		Source:          source,
		ReceivedAt:      at,
	}
}

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies migrations.
// ":memory:" opens a private in-memory database. Statements are logged at
// debug level.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}
	connector, err := NewLoggingConnector(dsn, logger)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	// One writer; also keeps a :memory: database alive across calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func buildDSN(path string) (string, error) {
	if path == "" {
		return "", errors.New("store: empty database path")
	}
	if path == ":memory:" {
		return "file::memory:?_foreign_keys=on", nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	params := []string{
		"_foreign_keys=on",
		"_busy_timeout=5000",
		"_journal_mode=WAL",
	}
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert stores r. A row with the same node, counter and arrival time is ignored.
func (s *Store) Insert(ctx context.Context, r Reading) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO readings
			(node_id, counter, protocol_version, temperature_c, humidity_pct, source, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id, counter, received_at) DO NOTHING`,
		int64(r.NodeID), int64(r.Counter), int64(r.ProtocolVersion),
		float64(r.Temperature), float64(r.Humidity), r.Source,
		r.ReceivedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// Latest returns the most recently received reading of a node.
func (s *Store) Latest(ctx context.Context, nodeID uint8) (Reading, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_id, counter, protocol_version, temperature_c, humidity_pct, source, received_at
		FROM readings
		WHERE node_id = ?
		ORDER BY received_at DESC, counter DESC
		LIMIT 1`, int64(nodeID))

	var (
		node, counter, version int64
		temp, hum              float64
		r                      Reading
		at                     string
	)
	if err := row.Scan(&node, &counter, &version, &temp, &hum, &r.Source, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Reading{}, ErrNotFound
		}
		return Reading{}, fmt.Errorf("latest reading: %w", err)
	}
	ts, err := time.Parse(timeLayout, at)
	if err != nil {
		return Reading{}, fmt.Errorf("latest reading: received_at %q: %w", at, err)
	}
	r.NodeID = uint8(node)
	r.Counter = uint32(counter)
	r.ProtocolVersion = uint8(version)
	r.Temperature = float32(temp)
	r.Humidity = float32(hum)
	r.ReceivedAt = ts
	return r, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count readings: %w", err)
	}
	return n, nil
}

// Ping checks that the database still answers queries.
func (s *Store) Ping(ctx context.Context) error {
	var ok int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&ok); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
