package navigator

import (
	"context"
	"time"

	"github.com/maltedev/metro-scraper/internal/models"
)

// State is a stage of the per-category flow.
type State string

const (
	StateStart     State = "start"
	StateAgeGate   State = "age_gate"
	StateRegionSet State = "region_set"
	StateExpanding State = "expanding"
	StateExtracted State = "extracted"
	StateEnriching State = "enriching"
	StateDone      State = "done"
)

// Summary describes one (city, category) run.
type Summary struct {
	Target       models.Target `json:"target"`
	URL          string        `json:"url"`
	States       []State       `json:"states"`
	Navigation   Outcome       `json:"navigation"`
	AgeGate      Outcome       `json:"age_gate"`
	Region       RegionResult  `json:"region"`
	Expansions   int           `json:"expansions"`
	Cards        int           `json:"cards"`
	Records      int           `json:"records"`
	CardFailures int           `json:"card_failures"`
	Brands       *BrandStats   `json:"brands,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Degraded reports whether the page was missed or the listing may show
// another city's prices.
func (s *Summary) Degraded() bool {
	return s.Navigation.Degraded() || s.Region.Outcome.Degraded()
}

func (s *Summary) enter(state State) {
	s.States = append(s.States, state)
}

// ScrapeCategory runs the full flow for one target. Every step degrades
// instead of failing; only an unreachable category page ends it early.
func (n *Navigator) ScrapeCategory(ctx context.Context, target models.Target, parseBrand bool) ([]models.ProductRecord, *Summary) {
	started := time.Now()
	summary := &Summary{
		Target: target,
		URL:    n.CategoryURL(target.Category),
	}
	defer func() { summary.Duration = time.Since(started) }()

	logger := n.logger.With("city", target.City, "category", target.Category)
	logger.Info("scraping category", "url", summary.URL)

	summary.enter(StateStart)
	if err := n.driver.Navigate(ctx, summary.URL); err != nil {
		summary.Navigation = Classify(err)
		logger.Error("failed to open category page", "outcome", summary.Navigation, "error", err)
		summary.enter(StateDone)
		return nil, summary
	}
	n.settle(ctx, n.opts.PageSettle)

	summary.enter(StateAgeGate)
	summary.AgeGate = n.ConfirmAge(ctx)

	summary.enter(StateRegionSet)
	summary.Region = n.SetRegion(ctx, target.City)
	n.settle(ctx, n.opts.RegionSettle)

	summary.enter(StateExpanding)
	summary.Expansions = n.ExpandAll(ctx)

	summary.enter(StateExtracted)
	listing := n.ExtractListing(ctx, target.City)
	summary.Cards = listing.Cards
	summary.CardFailures = len(listing.Failures)

	records := listing.Records
	for i := range records {
		records[i].Category = target.Category
	}
	summary.Records = len(records)

	if parseBrand && len(records) > 0 {
		summary.enter(StateEnriching)
		stats := n.EnrichBrands(ctx, records)
		summary.Brands = &stats
	}

	summary.enter(StateDone)
	logger.Info("category finished",
		"records", summary.Records,
		"card_failures", summary.CardFailures,
		"expansions", summary.Expansions,
		"degraded", summary.Degraded())

	return records, summary
}
