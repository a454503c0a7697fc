package database

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/metro-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductUpsertPriceChanged(t *testing.T) {
	r := &models.ProductRecord{RegularPrice: models.StringPtr("199"), PromoPrice: models.StringPtr("149")}

	assert.False(t, ProductUpsert{Inserted: true}.PriceChanged(r))
	assert.False(t, ProductUpsert{PrevRegular: models.StringPtr("199"), PrevPromo: models.StringPtr("149")}.PriceChanged(r))
	assert.True(t, ProductUpsert{PrevRegular: models.StringPtr("199")}.PriceChanged(r))
	assert.True(t, ProductUpsert{PrevRegular: models.StringPtr("249"), PrevPromo: models.StringPtr("149")}.PriceChanged(r))
}

func TestParseRunID(t *testing.T) {
	id := uuid.New()
	got, err := parseRunID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = parseRunID("not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidRunID)
}

func TestNewOutboxEvent(t *testing.T) {
	event, err := NewOutboxEvent("product", "1001", "PRODUCT_SCRAPED", map[string]string{"city": "Москва"})
	require.NoError(t, err)
	assert.Equal(t, "product", event.AggregateType)
	assert.JSONEq(t, `{"city":"Москва"}`, string(event.Payload))

	_, err = NewOutboxEvent("product", "1001", "PRODUCT_SCRAPED", make(chan int))
	assert.Error(t, err)
}

func TestRunRepository(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRunRepository(db)

	run := &models.Run{
		Targets:    []models.Target{{City: "Москва", Category: "chaj-kofe-kakao/kofe"}},
		ParseBrand: true,
	}
	require.NoError(t, repo.Create(ctx, run))
	require.NotEmpty(t, run.ID)

	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, got.Status)
	assert.Equal(t, run.Targets, got.Targets)
	assert.True(t, got.ParseBrand)

	pending, err := repo.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, repo.MarkRunning(ctx, run.ID))
	require.NoError(t, repo.Complete(ctx, run.ID, 12, json.RawMessage(`[{"cards":12}]`)))

	got, err = repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, got.Status)
	assert.Equal(t, 12, got.Records)
	assert.JSONEq(t, `[{"cards":12}]`, string(got.Summaries))
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.RunCompleted])

	_, err = repo.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrRunNotFound)

	assert.ErrorIs(t, repo.Fail(ctx, uuid.NewString(), errors.New("boom")), ErrRunNotFound)
}

func TestUpsertProduct(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	runs := NewRunRepository(db)
	first := &models.Run{Targets: []models.Target{{City: "Москва", Category: "kofe"}}}
	second := &models.Run{Targets: first.Targets}
	require.NoError(t, runs.Create(ctx, first))
	require.NoError(t, runs.Create(ctx, second))

	record := models.ProductRecord{
		ID:           models.StringPtr("1001"),
		Name:         "Кофе A",
		Link:         "https://online.metro-cc.ru/products/a",
		RegularPrice: models.StringPtr("199"),
		City:         "Москва",
		Brand:        models.StringPtr("Lavazza"),
		Category:     "kofe",
	}

	var u *ProductUpsert
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		u, err = UpsertProductTx(ctx, tx, first.ID, &record, true)
		return err
	})
	require.NoError(t, err)
	assert.True(t, u.Inserted)

	record.PromoPrice = models.StringPtr("149")
	record.Brand = nil
	err = db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		u, err = UpsertProductTx(ctx, tx, second.ID, &record, false)
		return err
	})
	require.NoError(t, err)
	assert.False(t, u.Inserted)
	assert.True(t, u.PriceChanged(&record))

	products, err := db.ListProductsByRun(ctx, second.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "149", models.Deref(products[0].PromoPrice))
	assert.Equal(t, "Lavazza", models.Deref(products[0].Brand), "unenriched run keeps the brand")

	counts, err := db.CountProductsByCity(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["Москва"])
}
