package journal

import (
	"fmt"
	"io"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	ID        string `parquet:"name=id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Op        string `parquet:"name=op, type=UTF8, encoding=PLAIN_DICTIONARY"`
	QueryID   int64  `parquet:"name=query_id, type=INT64"`
	Code      int32  `parquet:"name=code, type=INT32"`
	Error     string `parquet:"name=error, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Sender    string `parquet:"name=sender, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Value     string `parquet:"name=value, type=UTF8, encoding=PLAIN_DICTIONARY"`
	DealID    int64  `parquet:"name=deal_id, type=INT64"`
	UfKey     int64  `parquet:"name=uf_key, type=INT64"`
	Ops       int32  `parquet:"name=ops, type=INT32"`
	Transfers string `parquet:"name=transfers, type=UTF8, encoding=PLAIN_DICTIONARY"`
	CreatedAt string `parquet:"name=created_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

func optionalIndex(v *uint32) int64 {
	if v == nil {
		return -1
	}
	return int64(*v)
}

// ExportParquet writes entries as a snappy-compressed parquet file. Missing
// deal ids and keys are written as -1.
func ExportParquet(w io.Writer, entries []Entry) error {
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(w), new(parquetRow), 1)
	if err != nil {
		return fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, e := range entries {
		row := &parquetRow{
			ID:        e.ID,
			Op:        e.Op,
			QueryID:   int64(e.QueryID),
			Code:      int32(e.Code),
			Error:     e.Error,
			Sender:    e.Sender,
			Value:     e.Value,
			DealID:    optionalIndex(e.DealID),
			UfKey:     optionalIndex(e.UfKey),
			Ops:       int32(e.Ops),
			Transfers: string(e.Transfers),
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("journal: parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("journal: parquet flush: %w", err)
	}
	return nil
}
