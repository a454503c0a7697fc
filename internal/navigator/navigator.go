package navigator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maltedev/metro-scraper/internal/models"
	"github.com/maltedev/metro-scraper/internal/parser"
)

const DefaultBaseURL = "https://online.metro-cc.ru"

type Options struct {
	BaseURL string

	// ActionTimeout bounds every wait in the region flow and the age gate.
	ActionTimeout   time.Duration
	LoadMoreTimeout time.Duration
	BrandTimeout    time.Duration

	PageSettle   time.Duration
	StepSettle   time.Duration
	RegionSettle time.Duration
	ExpandSettle time.Duration

	// MaxExpansions caps the load-more loop; 0 means until exhausted.
	MaxExpansions int

	CityLookups []CityLookup
}

func DefaultOptions() *Options {
	return &Options{
		BaseURL:         DefaultBaseURL,
		ActionTimeout:   10 * time.Second,
		LoadMoreTimeout: 5 * time.Second,
		BrandTimeout:    10 * time.Second,
		PageSettle:      2 * time.Second,
		StepSettle:      2 * time.Second,
		RegionSettle:    5 * time.Second,
		ExpandSettle:    3 * time.Second,
		CityLookups:     DefaultCityLookups(),
	}
}

// Limiter paces detail-page visits.
type Limiter interface {
	Wait(ctx context.Context) error
}

// feedback is implemented by adaptive limiters.
type feedback interface {
	RecordSuccess()
	RecordError()
}

// pacer reports a limiter's current delay bounds.
type pacer interface {
	Delays() (time.Duration, time.Duration)
}

// Navigator drives one browser session through the category flow.
// It is not safe for concurrent use.
type Navigator struct {
	driver  Driver
	parser  parser.Parser
	opts    *Options
	limiter Limiter
	logger  *slog.Logger
}

func New(d Driver, p parser.Parser, opts *Options, logger *slog.Logger) *Navigator {
	if opts == nil {
		opts = DefaultOptions()
	}
	if len(opts.CityLookups) == 0 {
		opts.CityLookups = DefaultCityLookups()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Navigator{
		driver: d,
		parser: p,
		opts:   opts,
		logger: logger.With("component", "navigator"),
	}
}

func (n *Navigator) SetLimiter(l Limiter) {
	n.limiter = l
}

// CategoryURL builds the page URL for a category path such as
// "chaj-kofe-kakao/kofe/kofe-v-zernakh?in_stock=1".
func (n *Navigator) CategoryURL(category string) string {
	return strings.TrimRight(n.opts.BaseURL, "/") + "/category/" + strings.TrimLeft(category, "/")
}

// ConfirmAge clicks through the age gate if one is shown.
func (n *Navigator) ConfirmAge(ctx context.Context) Outcome {
	err := n.driver.Click(ctx, AgeGateButton, n.opts.ActionTimeout)
	outcome := Classify(err)
	if outcome != Success {
		n.logger.Warn("age confirmation form not found", "outcome", outcome, "error", err)
		return outcome
	}

	n.logger.Info("age confirmed")
	return Success
}

// ExpandAll clicks "load more" until it stops appearing and returns the
// number of clicks.
func (n *Navigator) ExpandAll(ctx context.Context) int {
	n.logger.Info("expanding category")

	count := 0
	for {
		if ctx.Err() != nil {
			n.logger.Warn("expansion cancelled", "expansions", count, "error", ctx.Err())
			break
		}
		if n.opts.MaxExpansions > 0 && count >= n.opts.MaxExpansions {
			n.logger.Warn("expansion cap reached", "expansions", count)
			break
		}

		if err := n.driver.Click(ctx, LoadMoreButton, n.opts.LoadMoreTimeout); err != nil {
			n.logger.Debug("load more control gone", "outcome", Classify(err))
			break
		}
		count++

		n.settle(ctx, n.opts.ExpandSettle)
	}

	n.logger.Info("expansion finished", "expansions", count)
	return count
}

// ExtractListing parses every product card on the current page.
// Card failures are logged and skipped.
func (n *Navigator) ExtractListing(ctx context.Context, city string) *parser.Listing {
	html, err := n.driver.Content(ctx)
	if err != nil {
		n.logger.Warn("failed to read page content", "city", city, "error", err)
		return &parser.Listing{}
	}

	listing, err := n.parser.ParseListing(html, city)
	if err != nil {
		n.logger.Warn("failed to parse listing", "city", city, "error", err)
		return &parser.Listing{}
	}

	for _, failure := range listing.Failures {
		n.logger.Warn("failed to extract product card",
			"city", city,
			"index", failure.Index,
			"error", failure.Err)
	}

	promo, unpriced := 0, 0
	for i := range listing.Records {
		if listing.Records[i].IsPromo() {
			promo++
		}
		if !listing.Records[i].HasPrice() {
			unpriced++
		}
	}

	n.logger.Info("extracted listing",
		"city", city,
		"cards", listing.Cards,
		"records", len(listing.Records),
		"failures", len(listing.Failures),
		"promo", promo,
		"unpriced", unpriced)

	return listing
}

// BrandStats counts enrichment results.
type BrandStats struct {
	Resolved int `json:"resolved"`
	Timeouts int `json:"timeouts"`
	Errors   int `json:"errors"`
}

// EnrichBrands visits each record's detail page and fills in Brand.
// A failure for one record never affects the others.
func (n *Navigator) EnrichBrands(ctx context.Context, records []models.ProductRecord) BrandStats {
	var stats BrandStats

	n.logger.Info("collecting brands", "count", len(records))

	for i := range records {
		if ctx.Err() != nil {
			n.logger.Warn("brand collection cancelled", "done", i, "error", ctx.Err())
			break
		}

		if n.limiter != nil {
			if err := n.limiter.Wait(ctx); err != nil {
				n.logger.Warn("brand collection cancelled", "done", i, "error", err)
				break
			}
		}

		brand, err := n.brand(ctx, records[i].Link)
		switch Classify(err) {
		case Success:
			records[i].Brand = models.StringPtr(brand)
			stats.Resolved++
			n.recordFeedback(true)
			n.logger.Info("brand updated", "index", i+1, "name", records[i].Name, "brand", brand)
		case Timeout:
			records[i].Brand = nil
			stats.Timeouts++
			n.recordFeedback(false)
			n.logger.Warn("brand element not found on product page", "index", i+1, "name", records[i].Name)
		default:
			stats.Errors++
			n.recordFeedback(false)
			n.logger.Warn("failed to collect brand", "index", i+1, "name", records[i].Name, "link", records[i].Link, "error", err)
		}
	}

	attrs := []any{"resolved", stats.Resolved, "timeouts", stats.Timeouts, "errors", stats.Errors}
	if p, ok := n.limiter.(pacer); ok {
		minDelay, maxDelay := p.Delays()
		attrs = append(attrs, "delay_min", minDelay, "delay_max", maxDelay)
	}
	n.logger.Info("brands collected", attrs...)

	return stats
}

func (n *Navigator) brand(ctx context.Context, link string) (string, error) {
	if err := n.driver.Navigate(ctx, link); err != nil {
		return "", fmt.Errorf("failed to open product page: %w", err)
	}

	text, err := n.driver.Text(ctx, BrandLink, n.opts.BrandTimeout)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(text), nil
}

func (n *Navigator) recordFeedback(ok bool) {
	fb, isAdaptive := n.limiter.(feedback)
	if !isAdaptive {
		return
	}
	if ok {
		fb.RecordSuccess()
	} else {
		fb.RecordError()
	}
}

func (n *Navigator) settle(ctx context.Context, max time.Duration) {
	if max <= 0 {
		return
	}
	if err := n.driver.Settle(ctx, max); err != nil {
		n.logger.Debug("settle interrupted", "error", err)
	}
}
