package confirmations

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"
)

// Status is the outcome recorded for a swap leg.
type Status string

const (
	// StatusConfirmed records a leg that settled to its counterparty.
	StatusConfirmed Status = "confirmed"
	// StatusFailed records a leg that was refunded or never locked.
	StatusFailed Status = "failed"
)

var (
	// ErrImmutable is returned by the persistence hooks when a record would be modified.
	ErrImmutable = errors.New("confirmations: records are immutable")
	// ErrInvalidEntry is returned for incomplete entries.
	ErrInvalidEntry = errors.New("confirmations: invalid entry")
	// ErrChainBroken is returned by Verify when a digest does not match its contents.
	ErrChainBroken = errors.New("confirmations: digest chain broken")
	// ErrRecordNotFound is returned when a correction references an unknown record.
	ErrRecordNotFound = errors.New("confirmations: record not found")
)

// Record is a single immutable outcome row. Digest chains every record of a
// swap to its predecessor so tampering with history is detectable.
type Record struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	SwapID     string    `gorm:"index:idx_confirmation_swap_seq,unique;size:64;not null" json:"swapId"`
	Seq        int       `gorm:"index:idx_confirmation_swap_seq,unique;not null" json:"seq"`
	Leg        int       `gorm:"not null" json:"leg"`
	Chain      string    `gorm:"size:64;not null" json:"chain"`
	Status     Status    `gorm:"size:16;not null" json:"status"`
	TxHash     string    `gorm:"size:130" json:"txHash,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CorrectsID string    `gorm:"size:36" json:"correctsId,omitempty"`
	RecordedAt time.Time `gorm:"index;not null" json:"recordedAt"`
	PrevDigest string    `gorm:"size:64" json:"prevDigest,omitempty"`
	Digest     string    `gorm:"size:64;not null" json:"digest"`
}

// TableName pins the table name regardless of naming strategy.
func (Record) TableName() string { return "swap_confirmations" }

// BeforeUpdate rejects any attempt to modify a stored record.
func (Record) BeforeUpdate(*gorm.DB) error { return ErrImmutable }

// BeforeDelete rejects any attempt to remove a stored record.
func (Record) BeforeDelete(*gorm.DB) error { return ErrImmutable }

// Entry is the caller supplied content of a new record.
type Entry struct {
	SwapID string
	Leg    int
	Chain  string
	Status Status
	TxHash string
	Reason string
}

// Recorder is the append-only confirmation log.
type Recorder struct {
	db    *gorm.DB
	clock func() time.Time
	// appends are serialised so sequence numbers and digests never race.
	mu sync.Mutex
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(r *Recorder) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// Open connects to the audit database using driver "sqlite" or "postgres".
func Open(driver, dsn string, opts ...Option) (*Recorder, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("confirmations: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("confirmations: open database: %w", err)
	}
	return New(db, opts...)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB, opts ...Option) (*Recorder, error) {
	if db == nil {
		return nil, errors.New("confirmations: database required")
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("confirmations: migrate: %w", err)
	}
	r := &Recorder{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close releases the underlying connection pool.
func (r *Recorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append writes an immutable record for a leg outcome.
func (r *Recorder) Append(ctx context.Context, entry Entry) (Record, error) {
	return r.append(ctx, entry, "")
}

// AppendCorrection writes a compensating record referencing an earlier one.
// The original record is left untouched.
func (r *Recorder) AppendCorrection(ctx context.Context, correctsID string, entry Entry) (Record, error) {
	correctsID = strings.TrimSpace(correctsID)
	var original Record
	err := r.db.WithContext(ctx).Where("id = ?", correctsID).Take(&original).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("confirmations: load corrected record: %w", err)
	}
	if original.SwapID != entry.SwapID {
		return Record{}, fmt.Errorf("%w: correction must reference a record of the same swap", ErrInvalidEntry)
	}
	return r.append(ctx, entry, correctsID)
}

func (r *Recorder) append(ctx context.Context, entry Entry, correctsID string) (Record, error) {
	if err := validate(entry); err != nil {
		return Record{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var rec Record
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last Record
		prevDigest := ""
		seq := 1
		err := tx.Where("swap_id = ?", entry.SwapID).Order("seq DESC").Take(&last).Error
		switch {
		case err == nil:
			prevDigest = last.Digest
			seq = last.Seq + 1
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}
		rec = Record{
			ID:         uuid.NewString(),
			SwapID:     entry.SwapID,
			Seq:        seq,
			Leg:        entry.Leg,
			Chain:      entry.Chain,
			Status:     entry.Status,
			TxHash:     entry.TxHash,
			Reason:     entry.Reason,
			CorrectsID: correctsID,
			RecordedAt: r.clock().UTC().Truncate(time.Microsecond),
			PrevDigest: prevDigest,
		}
		rec.Digest = digest(rec)
		return tx.Create(&rec).Error
	})
	if err != nil {
		return Record{}, fmt.Errorf("confirmations: append: %w", err)
	}
	return rec, nil
}

// Get returns the ordered history for a swap.
func (r *Recorder) Get(ctx context.Context, swapID string) ([]Record, error) {
	var records []Record
	if err := r.db.WithContext(ctx).Where("swap_id = ?", swapID).Order("seq ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("confirmations: query: %w", err)
	}
	return records, nil
}

// Between returns every record written in [from, to), ordered by time.
func (r *Recorder) Between(ctx context.Context, from, to time.Time) ([]Record, error) {
	query := r.db.WithContext(ctx).Order("recorded_at ASC, swap_id ASC, seq ASC")
	if !from.IsZero() {
		query = query.Where("recorded_at >= ?", from.UTC())
	}
	if !to.IsZero() {
		query = query.Where("recorded_at < ?", to.UTC())
	}
	var records []Record
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("confirmations: query range: %w", err)
	}
	return records, nil
}

// SwapIDs lists every swap with at least one record.
func (r *Recorder) SwapIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&Record{}).Distinct("swap_id").Order("swap_id").Pluck("swap_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("confirmations: list swaps: %w", err)
	}
	return ids, nil
}

// Verify recomputes the digest chain of a swap's history.
func (r *Recorder) Verify(ctx context.Context, swapID string) error {
	records, err := r.Get(ctx, swapID)
	if err != nil {
		return err
	}
	return VerifyChain(records)
}

// VerifyChain checks sequence continuity and digests of an ordered history.
func VerifyChain(records []Record) error {
	prev := ""
	for i, rec := range records {
		if rec.Seq != i+1 {
			return fmt.Errorf("%w: %s expected seq %d, found %d", ErrChainBroken, rec.SwapID, i+1, rec.Seq)
		}
		if rec.PrevDigest != prev {
			return fmt.Errorf("%w: %s seq %d does not link to its predecessor", ErrChainBroken, rec.SwapID, rec.Seq)
		}
		if digest(rec) != rec.Digest {
			return fmt.Errorf("%w: %s seq %d digest mismatch", ErrChainBroken, rec.SwapID, rec.Seq)
		}
		prev = rec.Digest
	}
	return nil
}

func validate(entry Entry) error {
	if strings.TrimSpace(entry.SwapID) == "" {
		return fmt.Errorf("%w: swap id required", ErrInvalidEntry)
	}
	if entry.Leg < 0 || entry.Leg > 1 {
		return fmt.Errorf("%w: leg must be 0 or 1", ErrInvalidEntry)
	}
	switch entry.Status {
	case StatusConfirmed:
		if strings.TrimSpace(entry.TxHash) == "" {
			return fmt.Errorf("%w: confirmed records require a transaction hash", ErrInvalidEntry)
		}
	case StatusFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEntry, entry.Status)
	}
	return nil
}

func digest(rec Record) string {
	h := blake3.New(32, nil)
	writeField := func(value string) {
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], uint64(len(value)))
		_, _ = h.Write(size[:])
		_, _ = h.Write([]byte(value))
	}
	writeField(rec.PrevDigest)
	writeField(rec.ID)
	writeField(rec.SwapID)
	writeField(fmt.Sprintf("%d", rec.Seq))
	writeField(fmt.Sprintf("%d", rec.Leg))
	writeField(rec.Chain)
	writeField(string(rec.Status))
	writeField(rec.TxHash)
	writeField(rec.Reason)
	writeField(rec.CorrectsID)
	writeField(rec.RecordedAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}
