package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maltedev/metro-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func sampleRecords() []models.ProductRecord {
	return []models.ProductRecord{
		{
			ID:           models.StringPtr("1001"),
			Name:         "Кофе в зернах Lavazza, 1кг",
			Link:         "https://online.metro-cc.ru/products/lavazza",
			RegularPrice: models.StringPtr("1 899"),
			PromoPrice:   models.StringPtr("1 499"),
			City:         "Москва",
			Brand:        models.StringPtr("Lavazza"),
			Category:     "chaj-kofe-kakao/kofe",
		},
		{
			Name:         "Кофе, \"Арабика\"",
			Link:         "https://online.metro-cc.ru/products/arabica",
			RegularPrice: models.StringPtr("999"),
			City:         "Москва",
		},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func readJSON(t *testing.T, path string) []models.ProductRecord {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var records []models.ProductRecord
	require.NoError(t, json.Unmarshal(data, &records))
	return records
}

type sinkFunc func(ctx context.Context, batch Batch) error

func (f sinkFunc) Write(ctx context.Context, batch Batch) error {
	return f(ctx, batch)
}

func TestDefaultFileName(t *testing.T) {
	assert.Equal(t, "products_with_brand.csv", DefaultFileName(true, "csv"))
	assert.Equal(t, "products_without_brand.csv", DefaultFileName(false, "csv"))
	assert.Equal(t, "products_without_brand.json", DefaultFileName(false, "json"))
}

func TestCSVSink(t *testing.T) {
	t.Run("Without brand", func(t *testing.T) {
		dir := t.TempDir()
		s := &CSVSink{Dir: dir}

		require.NoError(t, s.Write(context.Background(), Batch{Records: sampleRecords()}))

		rows := readCSV(t, filepath.Join(dir, "products_without_brand.csv"))
		require.Len(t, rows, 3)
		assert.Equal(t, []string{"id", "name", "link", "regular_price", "promo_price", "city"}, rows[0])
		assert.Equal(t, []string{"1001", "Кофе в зернах Lavazza, 1кг", "https://online.metro-cc.ru/products/lavazza", "1 899", "1 499", "Москва"}, rows[1])
		assert.Equal(t, []string{"", "Кофе, \"Арабика\"", "https://online.metro-cc.ru/products/arabica", "999", "", "Москва"}, rows[2])
	})

	t.Run("With brand", func(t *testing.T) {
		dir := t.TempDir()
		s := &CSVSink{Dir: dir}

		require.NoError(t, s.Write(context.Background(), Batch{ParseBrand: true, Records: sampleRecords()}))

		rows := readCSV(t, filepath.Join(dir, "products_with_brand.csv"))
		require.Len(t, rows, 3)
		assert.Equal(t, "brand", rows[0][6])
		assert.Equal(t, "Lavazza", rows[1][6])
		assert.Equal(t, "", rows[2][6])
	})

	t.Run("Empty batch still writes header", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.csv")
		s := &CSVSink{Path: path}

		require.NoError(t, s.Write(context.Background(), Batch{}))
		assert.Len(t, readCSV(t, path), 1)
	})

	t.Run("Creates missing output directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "out", "moscow")
		s := &CSVSink{Dir: dir}

		require.NoError(t, s.Write(context.Background(), Batch{Records: sampleRecords()}))
		assert.Len(t, readCSV(t, filepath.Join(dir, "products_without_brand.csv")), 3)
	})

	t.Run("Output directory is a file", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "blocker")
		require.NoError(t, os.WriteFile(blocker, nil, 0o644))

		s := &CSVSink{Dir: filepath.Join(blocker, "out")}
		err := s.Write(context.Background(), Batch{})
		assert.ErrorContains(t, err, "failed to create output directory")
	})
}

func TestJSONSink(t *testing.T) {
	dir := t.TempDir()
	s := &JSONSink{Dir: dir}

	require.NoError(t, s.Write(context.Background(), Batch{ParseBrand: true, Records: sampleRecords()}))

	path := filepath.Join(dir, "products_with_brand.json")
	records := readJSON(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, "Lavazza", models.Deref(records[0].Brand))
	assert.Nil(t, records[1].PromoPrice)
	assert.NoFileExists(t, path+".tmp")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"promo_price": null`)

	t.Run("Empty batch is an empty array", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.json")
		require.NoError(t, (&JSONSink{Path: path}).Write(context.Background(), Batch{}))

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "[]", string(raw))
	})

	t.Run("Creates missing output directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "dir", "products.json")
		require.NoError(t, (&JSONSink{Path: path}).Write(context.Background(), Batch{Records: sampleRecords()}))
		assert.Len(t, readJSON(t, path), 2)
	})
}

func TestNewFileSink(t *testing.T) {
	s, err := NewFileSink("csv", ".")
	require.NoError(t, err)
	assert.IsType(t, &CSVSink{}, s)

	s, err = NewFileSink("json", ".")
	require.NoError(t, err)
	assert.IsType(t, &JSONSink{}, s)

	_, err = NewFileSink("xml", ".")
	assert.Error(t, err)
}

func TestMulti(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var calls []string
	ok := sinkFunc(func(ctx context.Context, b Batch) error {
		calls = append(calls, "ok")
		return nil
	})
	failing := sinkFunc(func(ctx context.Context, b Batch) error {
		calls = append(calls, "failing")
		return errors.New("disk full")
	})

	m := NewMulti(logger).Add("first", ok).Add("broken", failing).Add("last", ok)
	assert.Equal(t, 3, m.Len())

	err := m.Write(context.Background(), Batch{RunID: "run-1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: disk full")
	assert.Equal(t, []string{"ok", "failing", "ok"}, calls, "a failing sink does not stop the others")
	assert.Contains(t, buf.String(), "sink write failed")
}

func TestBuildUpserts(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	t.Run("Enriched batch sets brand", func(t *testing.T) {
		writes := buildUpserts(Batch{RunID: "run-1", ParseBrand: true, Records: sampleRecords()}, now)
		require.Len(t, writes, 2)

		first, ok := writes[0].(*mongo.UpdateOneModel)
		require.True(t, ok)
		require.NotNil(t, first.Upsert)
		assert.True(t, *first.Upsert)
		assert.Equal(t, bson.M{"city": "Москва", "link": "https://online.metro-cc.ru/products/lavazza"}, first.Filter)

		update := first.Update.(bson.M)
		set := update["$set"].(bson.M)
		assert.Equal(t, "Lavazza", set["brand"])
		assert.Equal(t, "1001", set["sku"])
		assert.Equal(t, "1 499", set["promo_price"])
		assert.Equal(t, "run-1", set["last_run_id"])
		assert.Equal(t, bson.M{"first_seen_at": now}, update["$setOnInsert"])

		second := writes[1].(*mongo.UpdateOneModel).Update.(bson.M)["$set"].(bson.M)
		assert.Nil(t, second["promo_price"])
		assert.Nil(t, second["brand"])
		assert.Contains(t, second, "brand")
	})

	t.Run("Unenriched batch leaves brand alone", func(t *testing.T) {
		writes := buildUpserts(Batch{Records: sampleRecords()}, now)
		set := writes[0].(*mongo.UpdateOneModel).Update.(bson.M)["$set"].(bson.M)
		assert.NotContains(t, set, "brand")
	})

	t.Run("Empty batch", func(t *testing.T) {
		assert.Empty(t, buildUpserts(Batch{}, now))
	})
}
