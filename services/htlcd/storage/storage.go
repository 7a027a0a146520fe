package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"xswap/services/htlcd/reservation"
	"xswap/services/htlcd/swap"
)

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("htlcd storage path must be configured")

// SQLStore persists swaps and reservations in SQLite.
type SQLStore struct {
	db *sql.DB
}

var (
	_ swap.Repository   = (*SQLStore)(nil)
	_ reservation.Store = (*SQLStore)(nil)
)

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*SQLStore, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close releases database resources.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSwap upserts the full swap record.
func (s *SQLStore) SaveSwap(ctx context.Context, record swap.Swap) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("swap id required")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode swap: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO swaps(id, status, initiator, responder, timeout_at, data, updated_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            status = excluded.status,
            timeout_at = excluded.timeout_at,
            data = excluded.data,
            updated_at = excluded.updated_at
    `, record.ID, string(record.Status), record.Initiator, record.Responder, record.TimeoutAt.UTC().Unix(), string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert swap: %w", err)
	}
	return nil
}

// GetSwap loads a swap by id.
func (s *SQLStore) GetSwap(ctx context.Context, id string) (swap.Swap, error) {
	if s == nil {
		return swap.Swap{}, fmt.Errorf("storage not configured")
	}
	var payload string
	row := s.db.QueryRowContext(ctx, `SELECT data FROM swaps WHERE id = ?`, strings.TrimSpace(id))
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return swap.Swap{}, swap.ErrNotFound
		}
		return swap.Swap{}, fmt.Errorf("query swap: %w", err)
	}
	return decodeSwap(payload)
}

// ListSwaps returns swaps matching filter ordered by creation.
func (s *SQLStore) ListSwaps(ctx context.Context, filter swap.Filter) ([]swap.Swap, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	query := `SELECT data FROM swaps`
	var args []any
	if filter.NonTerminal {
		query += ` WHERE status NOT IN (?, ?)`
		args = append(args, string(swap.StatusCompleted), string(swap.StatusRolledBack))
	}
	query += ` ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list swaps: %w", err)
	}
	defer rows.Close()
	var out []swap.Swap
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan swap: %w", err)
		}
		record, err := decodeSwap(payload)
		if err != nil {
			return nil, err
		}
		if !filter.Match(record) {
			continue
		}
		out = append(out, record)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

// SaveReservation upserts a reservation.
func (s *SQLStore) SaveReservation(ctx context.Context, res reservation.Reservation) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode reservation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO reservations(id, balance_key, status, expires_at, data)
        VALUES(?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            status = excluded.status,
            expires_at = excluded.expires_at,
            data = excluded.data
    `, res.ID, res.Key(), string(res.Status), res.ExpiresAt.UTC().UnixNano(), string(payload))
	if err != nil {
		return fmt.Errorf("upsert reservation: %w", err)
	}
	return nil
}

// GetReservation loads a reservation by id.
func (s *SQLStore) GetReservation(ctx context.Context, id string) (reservation.Reservation, error) {
	if s == nil {
		return reservation.Reservation{}, fmt.Errorf("storage not configured")
	}
	var payload string
	row := s.db.QueryRowContext(ctx, `SELECT data FROM reservations WHERE id = ?`, strings.TrimSpace(id))
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return reservation.Reservation{}, reservation.ErrReservationNotFound
		}
		return reservation.Reservation{}, fmt.Errorf("query reservation: %w", err)
	}
	return decodeReservation(payload)
}

// ListReservationsByKey returns every reservation held against a balance key.
func (s *SQLStore) ListReservationsByKey(ctx context.Context, key string) ([]reservation.Reservation, error) {
	return s.listReservations(ctx, `SELECT data FROM reservations WHERE balance_key = ? ORDER BY seq ASC`, key)
}

// ListReservations returns every stored reservation.
func (s *SQLStore) ListReservations(ctx context.Context) ([]reservation.Reservation, error) {
	return s.listReservations(ctx, `SELECT data FROM reservations ORDER BY seq ASC`)
}

// DeleteReservation removes a reservation. Missing rows are ignored.
func (s *SQLStore) DeleteReservation(ctx context.Context, id string) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reservations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	return nil
}

func (s *SQLStore) listReservations(ctx context.Context, query string, args ...any) ([]reservation.Reservation, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()
	var out []reservation.Reservation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		res, err := decodeReservation(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func decodeSwap(payload string) (swap.Swap, error) {
	var record swap.Swap
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return swap.Swap{}, fmt.Errorf("decode swap: %w", err)
	}
	return record, nil
}

func decodeReservation(payload string) (reservation.Reservation, error) {
	var res reservation.Reservation
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return reservation.Reservation{}, fmt.Errorf("decode reservation: %w", err)
	}
	return res, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS swaps (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL,
    initiator TEXT NOT NULL,
    responder TEXT NOT NULL,
    timeout_at INTEGER NOT NULL,
    data TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_swaps_status ON swaps(status);

CREATE TABLE IF NOT EXISTS reservations (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    balance_key TEXT NOT NULL,
    status TEXT NOT NULL,
    expires_at INTEGER NOT NULL,
    data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_key ON reservations(balance_key);
`
