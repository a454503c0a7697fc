package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/maltedev/metro-scraper/internal/models"
)

// JSONSink writes the batch as a JSON array, replacing the file atomically.
type JSONSink struct {
	Dir  string
	Path string
}

func (s *JSONSink) Write(ctx context.Context, batch Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	records := batch.Records
	if records == nil {
		records = []models.ProductRecord{}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}

	path := filePath(s.Dir, s.Path, batch.ParseBrand, "json")
	if err := ensureDir(path); err != nil {
		return err
	}

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write json file: %w", err)
	}

	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to replace json file: %w", err)
	}

	return nil
}
