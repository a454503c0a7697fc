package parser

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/metro-scraper/internal/models"
)

const (
	CardSelector        = ".product-card"
	NameSelector        = ".product-card-name__text"
	LinkSelector        = "a[href]"
	OldPriceSelector    = ".product-unit-prices__old-wrapper .product-price__sum .product-price__sum-rubles"
	ActualPriceSelector = ".product-unit-prices__actual-wrapper .product-price__sum .product-price__sum-rubles"
	SKUAttribute        = "data-sku"
)

var (
	ErrMissingName = errors.New("product name not found")
	ErrMissingLink = errors.New("product link not found")
)

// CardError describes one product card that could not be extracted.
// Index is 1-based, matching the order cards appear on the page.
type CardError struct {
	Index int
	Err   error
}

func (e CardError) Error() string {
	return fmt.Sprintf("card %d: %v", e.Index, e.Err)
}

func (e CardError) Unwrap() error {
	return e.Err
}

// Listing is the result of parsing one category page.
type Listing struct {
	Cards    int
	Records  []models.ProductRecord
	Failures []CardError
}

type MetroParser struct {
	base *url.URL
	now  func() time.Time
}

func NewMetroParser(baseURL string) (*MetroParser, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	return &MetroParser{
		base: base,
		now:  time.Now,
	}, nil
}

func (p *MetroParser) ParseListing(html string, city string) (*Listing, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	listing := &Listing{}
	scrapedAt := p.now()

	doc.Find(CardSelector).Each(func(i int, card *goquery.Selection) {
		listing.Cards++

		record, err := p.parseCard(card, city)
		if err != nil {
			listing.Failures = append(listing.Failures, CardError{Index: i + 1, Err: err})
			return
		}

		record.ScrapedAt = scrapedAt
		listing.Records = append(listing.Records, record)
	})

	return listing, nil
}

func (p *MetroParser) parseCard(card *goquery.Selection, city string) (models.ProductRecord, error) {
	name := cleanText(card.Find(NameSelector).First().Text())
	if name == "" {
		return models.ProductRecord{}, ErrMissingName
	}

	href, ok := card.Find(LinkSelector).First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return models.ProductRecord{}, ErrMissingLink
	}

	link, err := p.resolve(href)
	if err != nil {
		return models.ProductRecord{}, err
	}

	var old, actual string
	if sel := card.Find(OldPriceSelector); sel.Length() > 0 {
		old = cleanText(sel.First().Text())
	}
	if sel := card.Find(ActualPriceSelector); sel.Length() > 0 {
		actual = cleanText(sel.First().Text())
	}

	regular, promo := SplitPrices(old, actual)

	sku, _ := card.Attr(SKUAttribute)

	return models.ProductRecord{
		ID:           models.StringPtr(strings.TrimSpace(sku)),
		Name:         name,
		Link:         link,
		RegularPrice: regular,
		PromoPrice:   promo,
		City:         city,
	}, nil
}

// SplitPrices maps the two price slots of a card onto regular/promo.
// A struck-through old price makes the displayed one a promo price.
func SplitPrices(old, actual string) (regular, promo *string) {
	if old != "" {
		return models.StringPtr(old), models.StringPtr(actual)
	}
	return models.StringPtr(actual), nil
}

func (p *MetroParser) resolve(href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("invalid product link %q: %w", href, err)
	}
	return p.base.ResolveReference(ref).String(), nil
}

// cleanText trims and collapses whitespace, including the non-breaking
// spaces the site uses as thousands separators.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
