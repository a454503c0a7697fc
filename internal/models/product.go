package models

import (
	"strings"
	"time"
)

// ProductRecord is one product card scraped from a category page.
// Nullable fields are pointers so that "absent" survives into CSV and JSON.
type ProductRecord struct {
	ID           *string   `json:"id"`
	Name         string    `json:"name"`
	Link         string    `json:"link"`
	RegularPrice *string   `json:"regular_price"`
	PromoPrice   *string   `json:"promo_price"`
	City         string    `json:"city"`
	Brand        *string   `json:"brand,omitempty"`
	Category     string    `json:"category,omitempty"`
	ScrapedAt    time.Time `json:"scraped_at"`
}

// Target is one (city, category) pair to scrape.
type Target struct {
	City     string `json:"city" yaml:"city"`
	Category string `json:"category" yaml:"category"`
}

func (t Target) Validate() []string {
	var errors []string

	if strings.TrimSpace(t.City) == "" {
		errors = append(errors, "city is required")
	}

	if strings.TrimSpace(t.Category) == "" {
		errors = append(errors, "category is required")
	}

	return errors
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// HasPrice reports whether any price was shown on the card.
func (p *ProductRecord) HasPrice() bool {
	return p.RegularPrice != nil
}

// IsPromo reports whether the card showed a discounted price.
func (p *ProductRecord) IsPromo() bool {
	return p.RegularPrice != nil && p.PromoPrice != nil
}
