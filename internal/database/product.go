package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/metro-scraper/internal/models"
)

// ProductUpsert is the outcome of storing one record.
type ProductUpsert struct {
	ID       int64
	Inserted bool
	// Previous prices, nil for a new product.
	PrevRegular *string
	PrevPromo   *string
}

// PriceChanged reports whether the stored prices differ from r's.
func (u ProductUpsert) PriceChanged(r *models.ProductRecord) bool {
	if u.Inserted {
		return false
	}
	return models.Deref(u.PrevRegular) != models.Deref(r.RegularPrice) ||
		models.Deref(u.PrevPromo) != models.Deref(r.PromoPrice)
}

// UpsertProductTx stores r keyed by (city, link). Brand is only written when
// the run enriched brands, so an unenriched run keeps a brand found earlier.
func UpsertProductTx(ctx context.Context, tx pgx.Tx, runID string, r *models.ProductRecord, parseBrand bool) (*ProductUpsert, error) {
	query := `
		WITH prev AS (
			SELECT regular_price, promo_price FROM products WHERE city = $6 AND link = $3
		)
		INSERT INTO products (sku, name, link, regular_price, promo_price, city, brand, category, last_run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (city, link) DO UPDATE SET
			sku = EXCLUDED.sku,
			name = EXCLUDED.name,
			regular_price = EXCLUDED.regular_price,
			promo_price = EXCLUDED.promo_price,
			brand = CASE WHEN $10 THEN EXCLUDED.brand ELSE products.brand END,
			category = EXCLUDED.category,
			last_run_id = EXCLUDED.last_run_id,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id, (xmax = 0), (SELECT regular_price FROM prev), (SELECT promo_price FROM prev)`

	id, err := parseRunID(runID)
	if err != nil {
		return nil, err
	}

	u := &ProductUpsert{}
	err = tx.QueryRow(ctx, query,
		r.ID, r.Name, r.Link, r.RegularPrice, r.PromoPrice, r.City, r.Brand, r.Category, id, parseBrand,
	).Scan(&u.ID, &u.Inserted, &u.PrevRegular, &u.PrevPromo)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert product: %w", err)
	}

	return u, nil
}

// ListProductsByRun returns the products last seen by runID.
func (db *DB) ListProductsByRun(ctx context.Context, runID string, limit, offset int) ([]models.ProductRecord, error) {
	query := `
		SELECT sku, name, link, regular_price, promo_price, city, brand, category, updated_at
		FROM products
		WHERE last_run_id = $1
		ORDER BY id ASC
		LIMIT $2 OFFSET $3`

	id, err := parseRunID(runID)
	if err != nil {
		return nil, err
	}

	rows, err := db.pool.Query(ctx, query, id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	products := []models.ProductRecord{}
	for rows.Next() {
		var p models.ProductRecord
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Link, &p.RegularPrice, &p.PromoPrice,
			&p.City, &p.Brand, &p.Category, &p.ScrapedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return products, nil
}

// CountProductsByCity returns product counts keyed by city.
func (db *DB) CountProductsByCity(ctx context.Context) (map[string]int64, error) {
	query := `
		SELECT city, COUNT(*) as count
		FROM products
		GROUP BY city`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count products: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var city string
		var count int64
		if err := rows.Scan(&city, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[city] = count
	}

	return counts, rows.Err()
}
