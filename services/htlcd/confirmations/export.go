package confirmations

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	ID         string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	SwapID     string `parquet:"name=swap_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Seq        int32  `parquet:"name=seq, type=INT32"`
	Leg        int32  `parquet:"name=leg, type=INT32"`
	Chain      string `parquet:"name=chain, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status     string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash     string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason     string `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	CorrectsID string `parquet:"name=corrects_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecordedAt string `parquet:"name=recorded_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrevDigest string `parquet:"name=prev_digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	Digest     string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes every record in [from, to) to path and returns the row count.
func (r *Recorder) ExportParquet(ctx context.Context, path string, from, to time.Time) (int, error) {
	records, err := r.Between(ctx, from, to)
	if err != nil {
		return 0, err
	}
	if err := writeParquet(path, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

func writeParquet(path string, records []Record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("confirmations: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("confirmations: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		row := &parquetRow{
			ID:         rec.ID,
			SwapID:     rec.SwapID,
			Seq:        int32(rec.Seq),
			Leg:        int32(rec.Leg),
			Chain:      rec.Chain,
			Status:     string(rec.Status),
			TxHash:     rec.TxHash,
			Reason:     rec.Reason,
			CorrectsID: rec.CorrectsID,
			RecordedAt: rec.RecordedAt.UTC().Format(time.RFC3339Nano),
			PrevDigest: rec.PrevDigest,
			Digest:     rec.Digest,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("confirmations: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("confirmations: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("confirmations: close parquet file: %w", err)
	}
	return nil
}
