package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"xswap/services/htlcd/reservation"
	"xswap/services/htlcd/swap"
)

const (
	swapPrefix     = "swap/"
	resPrefix      = "res/"
	resIndexPrefix = "reskey/"
)

// LevelStore persists swaps and reservations in LevelDB. Reservations are
// indexed by balance key so availability checks avoid a full scan.
type LevelStore struct {
	db *leveldb.DB
}

var (
	_ swap.Repository   = (*LevelStore)(nil)
	_ reservation.Store = (*LevelStore)(nil)
)

// OpenLevel creates or opens a LevelDB database at path.
func OpenLevel(path string) (*LevelStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrPathRequired
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelStore{db: db}, nil
}

// NewMemoryLevel opens a LevelDB instance backed by memory.
func NewMemoryLevel() (*LevelStore, error) {
	db, err := leveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelStore{db: db}, nil
}

// Close closes the database.
func (s *LevelStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSwap stores the swap record.
func (s *LevelStore) SaveSwap(_ context.Context, record swap.Swap) error {
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("swap id required")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode swap: %w", err)
	}
	return s.db.Put([]byte(swapPrefix+record.ID), payload, nil)
}

// GetSwap loads a swap by id.
func (s *LevelStore) GetSwap(_ context.Context, id string) (swap.Swap, error) {
	payload, err := s.db.Get([]byte(swapPrefix+strings.TrimSpace(id)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return swap.Swap{}, swap.ErrNotFound
	}
	if err != nil {
		return swap.Swap{}, fmt.Errorf("get swap: %w", err)
	}
	return decodeSwap(string(payload))
}

// ListSwaps returns swaps matching filter ordered by creation time.
func (s *LevelStore) ListSwaps(_ context.Context, filter swap.Filter) ([]swap.Swap, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(swapPrefix)), nil)
	defer iter.Release()
	var out []swap.Swap
	for iter.Next() {
		record, err := decodeSwap(string(iter.Value()))
		if err != nil {
			return nil, err
		}
		if filter.Match(record) {
			out = append(out, record)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate swaps: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SaveReservation stores a reservation and its balance key index entry.
func (s *LevelStore) SaveReservation(_ context.Context, res reservation.Reservation) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode reservation: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(resPrefix+res.ID), payload)
	batch.Put(indexKey(res.Key(), res.ID), nil)
	return s.db.Write(batch, nil)
}

// GetReservation loads a reservation by id.
func (s *LevelStore) GetReservation(_ context.Context, id string) (reservation.Reservation, error) {
	payload, err := s.db.Get([]byte(resPrefix+strings.TrimSpace(id)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return reservation.Reservation{}, reservation.ErrReservationNotFound
	}
	if err != nil {
		return reservation.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return decodeReservation(string(payload))
}

// ListReservationsByKey returns reservations held against a balance key.
func (s *LevelStore) ListReservationsByKey(ctx context.Context, key string) ([]reservation.Reservation, error) {
	prefix := []byte(resIndexPrefix + key + "/")
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var out []reservation.Reservation
	for iter.Next() {
		id := strings.TrimPrefix(string(iter.Key()), string(prefix))
		res, err := s.GetReservation(ctx, id)
		if errors.Is(err, reservation.ErrReservationNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	sortReservations(out)
	return out, nil
}

// ListReservations returns every stored reservation.
func (s *LevelStore) ListReservations(_ context.Context) ([]reservation.Reservation, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(resPrefix)), nil)
	defer iter.Release()
	var out []reservation.Reservation
	for iter.Next() {
		res, err := decodeReservation(string(iter.Value()))
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	sortReservations(out)
	return out, nil
}

// DeleteReservation removes a reservation and its index entry.
func (s *LevelStore) DeleteReservation(ctx context.Context, id string) error {
	res, err := s.GetReservation(ctx, id)
	if errors.Is(err, reservation.ErrReservationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte(resPrefix + res.ID))
	batch.Delete(indexKey(res.Key(), res.ID))
	return s.db.Write(batch, nil)
}

func indexKey(balanceKey, id string) []byte {
	return []byte(resIndexPrefix + balanceKey + "/" + id)
}

func sortReservations(out []reservation.Reservation) {
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
}
