package ledger

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// ExportFiles references the artefacts produced for one project export.
type ExportFiles struct {
	ChainProjectID uint64
	CSVPath        string
	ParquetPath    string
	Count          int
}

// Export materialises a project's full event history as CSV and parquet
// files for off-platform audit. History is immutable, so exports are
// reproducible for any point-in-time ledger copy.
func (l *Ledger) Export(ctx context.Context, chainProjectID uint64, outputDir string) (*ExportFiles, error) {
	records, err := l.ProjectHistory(ctx, chainProjectID)
	if err != nil {
		return nil, fmt.Errorf("ledger: load history: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: ensure output dir: %w", err)
	}
	base := fmt.Sprintf("project_%d_events", chainProjectID)
	csvPath := filepath.Join(outputDir, base+".csv")
	if err := writeCSV(csvPath, records); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(outputDir, base+".parquet")
	if err := writeParquet(parquetPath, records); err != nil {
		return nil, err
	}
	return &ExportFiles{
		ChainProjectID: chainProjectID,
		CSVPath:        csvPath,
		ParquetPath:    parquetPath,
		Count:          len(records),
	}, nil
}

func writeCSV(path string, records []Record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ledger: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"tx_hash", "log_index", "block_number", "tx_index", "event_name",
		"chain_project_id", "chain_milestone_id", "description", "amount",
		"attributes", "observed_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("ledger: write csv header: %w", err)
	}
	for _, rec := range records {
		milestone := ""
		if rec.ChainMilestoneID != nil {
			milestone = fmt.Sprintf("%d", *rec.ChainMilestoneID)
		}
		row := []string{
			rec.TxHash,
			fmt.Sprintf("%d", rec.LogIndex),
			fmt.Sprintf("%d", rec.BlockNumber),
			fmt.Sprintf("%d", rec.TxIndex),
			rec.EventName,
			fmt.Sprintf("%d", rec.ChainProjectID),
			milestone,
			rec.Description,
			rec.Amount,
			rec.Attributes,
			rec.ObservedAt.Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("ledger: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("ledger: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	TxHash           string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	LogIndex         int64  `parquet:"name=log_index, type=INT64"`
	BlockNumber      int64  `parquet:"name=block_number, type=INT64"`
	TxIndex          int64  `parquet:"name=tx_index, type=INT64"`
	EventName        string `parquet:"name=event_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	ChainProjectID   int64  `parquet:"name=chain_project_id, type=INT64"`
	ChainMilestoneID string `parquet:"name=chain_milestone_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Description      string `parquet:"name=description, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount           string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes       string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	ObservedAt       string `parquet:"name=observed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, records []Record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ledger: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("ledger: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		milestone := ""
		if rec.ChainMilestoneID != nil {
			milestone = fmt.Sprintf("%d", *rec.ChainMilestoneID)
		}
		row := &parquetRow{
			TxHash:           rec.TxHash,
			LogIndex:         int64(rec.LogIndex),
			BlockNumber:      int64(rec.BlockNumber),
			TxIndex:          int64(rec.TxIndex),
			EventName:        rec.EventName,
			ChainProjectID:   int64(rec.ChainProjectID),
			ChainMilestoneID: milestone,
			Description:      rec.Description,
			Amount:           rec.Amount,
			Attributes:       rec.Attributes,
			ObservedAt:       rec.ObservedAt.Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("ledger: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("ledger: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("ledger: close parquet file: %w", err)
	}
	return nil
}
