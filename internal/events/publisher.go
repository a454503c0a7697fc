package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/metro-scraper/internal/database"
	"github.com/maltedev/metro-scraper/internal/models"
	"github.com/maltedev/metro-scraper/internal/storage"
)

const (
	AggregateProduct = "product"
	AggregateRun     = "run"

	EventProductScraped = "PRODUCT_SCRAPED"
	EventRunCompleted   = "RUN_COMPLETED"
)

type ProductScraped struct {
	RunID        string    `json:"run_id"`
	ProductID    int64     `json:"product_id"`
	SKU          *string   `json:"sku"`
	Name         string    `json:"name"`
	Link         string    `json:"link"`
	City         string    `json:"city"`
	Category     string    `json:"category"`
	RegularPrice *string   `json:"regular_price"`
	PromoPrice   *string   `json:"promo_price"`
	Brand        *string   `json:"brand,omitempty"`
	IsNew        bool      `json:"is_new"`
	PriceChanged bool      `json:"price_changed"`
	ScrapedAt    time.Time `json:"scraped_at"`
}

type RunCompleted struct {
	RunID        string    `json:"run_id"`
	Records      int       `json:"records"`
	NewProducts  int       `json:"new_products"`
	PriceChanges int       `json:"price_changes"`
	ParseBrand   bool      `json:"parse_brand"`
	CompletedAt  time.Time `json:"completed_at"`
}

// TxRunner is satisfied by *database.DB.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(pgx.Tx) error) error
}

type OutboxWriter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

type upsertFunc func(ctx context.Context, tx pgx.Tx, runID string, r *models.ProductRecord, parseBrand bool) (*database.ProductUpsert, error)

// Publisher stores a run's products and queues their events in the same
// transaction, so the relay never announces a product that was rolled back.
type Publisher struct {
	db     TxRunner
	outbox OutboxWriter
	upsert upsertFunc
	now    func() time.Time
	logger *slog.Logger
}

func NewPublisher(db TxRunner, outbox OutboxWriter, logger *slog.Logger) *Publisher {
	return &Publisher{
		db:     db,
		outbox: outbox,
		upsert: database.UpsertProductTx,
		now:    time.Now,
		logger: logger.With("component", "publisher"),
	}
}

func (p *Publisher) Write(ctx context.Context, batch storage.Batch) error {
	if batch.RunID == "" {
		return fmt.Errorf("batch has no run id")
	}

	var done RunCompleted
	err := p.db.WithTx(ctx, func(tx pgx.Tx) error {
		done = RunCompleted{RunID: batch.RunID, ParseBrand: batch.ParseBrand}

		for i := range batch.Records {
			r := &batch.Records[i]

			u, err := p.upsert(ctx, tx, batch.RunID, r, batch.ParseBrand)
			if err != nil {
				return fmt.Errorf("product %q: %w", r.Link, err)
			}

			payload := productScraped(batch, r, u)
			if payload.IsNew {
				done.NewProducts++
			}
			if payload.PriceChanged {
				done.PriceChanges++
			}

			event, err := database.NewOutboxEvent(AggregateProduct, strconv.FormatInt(u.ID, 10), EventProductScraped, payload)
			if err != nil {
				return err
			}
			if err := p.outbox.InsertWithTx(ctx, tx, event); err != nil {
				return err
			}
			done.Records++
		}

		done.CompletedAt = p.now()
		event, err := database.NewOutboxEvent(AggregateRun, batch.RunID, EventRunCompleted, done)
		if err != nil {
			return err
		}
		return p.outbox.InsertWithTx(ctx, tx, event)
	})
	if err != nil {
		return fmt.Errorf("failed to publish run %s: %w", batch.RunID, err)
	}

	p.logger.Info("run published",
		"run_id", batch.RunID,
		"records", done.Records,
		"new_products", done.NewProducts,
		"price_changes", done.PriceChanges)

	return nil
}

func productScraped(batch storage.Batch, r *models.ProductRecord, u *database.ProductUpsert) ProductScraped {
	payload := ProductScraped{
		RunID:        batch.RunID,
		ProductID:    u.ID,
		SKU:          r.ID,
		Name:         r.Name,
		Link:         r.Link,
		City:         r.City,
		Category:     r.Category,
		RegularPrice: r.RegularPrice,
		PromoPrice:   r.PromoPrice,
		IsNew:        u.Inserted,
		PriceChanged: u.PriceChanged(r),
		ScrapedAt:    r.ScrapedAt,
	}
	if batch.ParseBrand {
		payload.Brand = r.Brand
	}
	return payload
}
