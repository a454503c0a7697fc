package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/maltedev/metro-scraper/internal/models"
)

// Batch is the output of one run.
type Batch struct {
	RunID      string
	ParseBrand bool
	Records    []models.ProductRecord
}

type Sink interface {
	Write(ctx context.Context, batch Batch) error
}

// Multi writes every batch to each sink in order. All sinks are attempted;
// failures are joined.
type Multi struct {
	sinks  []namedSink
	logger *slog.Logger
}

type namedSink struct {
	name string
	sink Sink
}

func NewMulti(logger *slog.Logger) *Multi {
	return &Multi{logger: logger.With("component", "storage")}
}

func (m *Multi) Add(name string, s Sink) *Multi {
	m.sinks = append(m.sinks, namedSink{name: name, sink: s})
	return m
}

func (m *Multi) Len() int {
	return len(m.sinks)
}

func (m *Multi) Write(ctx context.Context, batch Batch) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.sink.Write(ctx, batch); err != nil {
			m.logger.Error("sink write failed", "sink", s.name, "run_id", batch.RunID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		m.logger.Info("sink written", "sink", s.name, "run_id", batch.RunID, "records", len(batch.Records))
	}
	return errors.Join(errs...)
}

// DefaultFileName is products_with_brand.<ext> or products_without_brand.<ext>.
func DefaultFileName(parseBrand bool, format string) string {
	if parseBrand {
		return "products_with_brand." + format
	}
	return "products_without_brand." + format
}

// NewFileSink returns the file sink for format writing under dir.
func NewFileSink(format, dir string) (Sink, error) {
	switch format {
	case "csv":
		return &CSVSink{Dir: dir}, nil
	case "json":
		return &JSONSink{Dir: dir}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}

func filePath(dir, explicit string, parseBrand bool, format string) string {
	if explicit != "" {
		return explicit
	}
	return filepath.Join(dir, DefaultFileName(parseBrand, format))
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}
