package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/maltedev/metro-scraper/internal/models"
)

var csvHeader = []string{"id", "name", "link", "regular_price", "promo_price", "city"}

// CSVSink writes one CSV file per batch. Absent values are empty cells.
// The brand column exists only when the batch was brand-enriched.
type CSVSink struct {
	Dir  string
	Path string
}

func (s *CSVSink) Write(ctx context.Context, batch Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := filePath(s.Dir, s.Path, batch.ParseBrand, "csv")
	if err := ensureDir(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create csv file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header(batch.ParseBrand)); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, r := range batch.Records {
		if err := w.Write(row(r, batch.ParseBrand)); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}

	return f.Close()
}

func header(parseBrand bool) []string {
	h := append([]string(nil), csvHeader...)
	if parseBrand {
		h = append(h, "brand")
	}
	return h
}

func row(r models.ProductRecord, parseBrand bool) []string {
	out := []string{
		models.Deref(r.ID),
		r.Name,
		r.Link,
		models.Deref(r.RegularPrice),
		models.Deref(r.PromoPrice),
		r.City,
	}
	if parseBrand {
		out = append(out, models.Deref(r.Brand))
	}
	return out
}
