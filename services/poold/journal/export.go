package journal

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
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	ID         string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Actor      string `parquet:"name=actor, type=BYTE_ARRAY, convertedtype=UTF8"`
	LoanID     int64  `parquet:"name=loan_id, type=INT64"`
	EventTime  int64  `parquet:"name=event_time, type=INT64"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrevHash   string `parquet:"name=prev_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Hash       string `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt  string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes the entries matching filter to path and returns how
// many rows were written.
func (j *Journal) ExportParquet(ctx context.Context, path string, filter Filter) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("journal: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	const page = 1000
	written := 0
	limit := filter.Limit
	for {
		batch := filter
		batch.Limit = page
		if limit > 0 && limit-written < page {
			batch.Limit = limit - written
		}
		entries, err := j.List(ctx, batch)
		if err != nil {
			pw.WriteStop()
			file.Close()
			return written, err
		}
		for _, entry := range entries {
			row := &parquetRow{
				Sequence:   int64(entry.Sequence),
				ID:         entry.ID,
				Type:       entry.Type,
				Actor:      entry.Actor,
				LoanID:     int64(entry.LoanID),
				EventTime:  int64(entry.EventTime),
				Attributes: entry.Attributes,
				PrevHash:   entry.PrevHash,
				Hash:       entry.Hash,
				CreatedAt:  entry.CreatedAt.UTC().Format(time.RFC3339),
			}
			if err := pw.Write(row); err != nil {
				pw.WriteStop()
				file.Close()
				return written, fmt.Errorf("journal: write parquet row: %w", err)
			}
			written++
			filter.After = entry.Sequence
		}
		if len(entries) < batch.Limit || (limit > 0 && written >= limit) {
			break
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return written, fmt.Errorf("journal: finalize parquet: %w", err)
	}
	if err := file.Close(); err != nil {
		return written, fmt.Errorf("journal: close parquet: %w", err)
	}
	return written, nil
}
