package navigator

import (
	"context"
	"errors"
	"testing"

	"github.com/maltedev/metro-scraper/internal/models"
	"github.com/maltedev/metro-scraper/internal/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const coffeeCategory = "chaj-kofe-kakao/kofe/kofe-v-zernakh?in_stock=1"

func TestScrapeCategoryEndToEnd(t *testing.T) {
	d := newFakeDriver()
	d.clickable[AgeGateButton] = 1
	d.allowRegionFlow()
	d.clickable[lookupSelector(t, "city-item", "Москва")] = 1
	d.clickable[LoadMoreButton] = 2
	d.html = categoryPage(
		productCard("1001", "Kофе A", "/products/kofe-a", "199", "149"),
		productCard("1002", "Kофе B", "/products/kofe-b", "", "99"),
		productCard("1003", "", "/products/kofe-c", "", "59"),
	)
	nav, logs := newTestNavigator(t, d)

	records, summary := nav.ScrapeCategory(context.Background(), models.Target{City: "Москва", Category: coffeeCategory}, false)

	require.Len(t, records, 2)

	a, b := records[0], records[1]
	assert.Equal(t, "Kофе A", a.Name)
	assert.Equal(t, "199", models.Deref(a.RegularPrice))
	assert.Equal(t, "149", models.Deref(a.PromoPrice))
	assert.Equal(t, "Москва", a.City)
	assert.Equal(t, coffeeCategory, a.Category)

	assert.Equal(t, "Kофе B", b.Name)
	assert.Equal(t, "99", models.Deref(b.RegularPrice))
	assert.Nil(t, b.PromoPrice)

	assert.Contains(t, logs.String(), "failed to extract product card")

	assert.Equal(t, "https://online.metro-cc.ru/category/"+coffeeCategory, d.visited[0])
	assert.Equal(t, Success, summary.AgeGate)
	assert.Equal(t, Success, summary.Region.Outcome)
	assert.Equal(t, 2, summary.Expansions)
	assert.Equal(t, 3, summary.Cards)
	assert.Equal(t, 2, summary.Records)
	assert.Equal(t, 1, summary.CardFailures)
	assert.Nil(t, summary.Brands)
	assert.Equal(t, []State{StateStart, StateAgeGate, StateRegionSet, StateExpanding, StateExtracted, StateDone}, summary.States)
	assert.False(t, summary.Degraded())
	assert.Contains(t, logs.String(), "degraded=false")
}

func TestScrapeCategoryDegradesInsteadOfFailing(t *testing.T) {
	// No age gate, no region controls, no load-more: all steps miss.
	d := newFakeDriver()
	d.html = categoryPage(productCard("1", "Kофе A", "/products/a", "", "100"))
	nav, logs := newTestNavigator(t, d)

	records, summary := nav.ScrapeCategory(context.Background(), models.Target{City: "Москва", Category: coffeeCategory}, false)

	require.Len(t, records, 1)
	assert.True(t, summary.Degraded())
	assert.Contains(t, logs.String(), "degraded=true")
	assert.Equal(t, Timeout, summary.AgeGate)
	assert.Equal(t, Timeout, summary.Region.Outcome)
	assert.Equal(t, "open_address", summary.Region.Step)
	assert.Equal(t, 0, summary.Expansions)
	assert.Equal(t, StateDone, summary.States[len(summary.States)-1])
}

func TestScrapeCategoryWithBrands(t *testing.T) {
	d := newFakeDriver()
	d.html = categoryPage(
		productCard("1", "Kофе A", "/products/a", "", "100"),
		productCard("2", "Kофе B", "/products/b", "", "200"),
	)
	d.brands["https://online.metro-cc.ru/products/a"] = textResult{text: "Lavazza"}
	nav, _ := newTestNavigator(t, d)

	records, summary := nav.ScrapeCategory(context.Background(), models.Target{City: "Москва", Category: coffeeCategory}, true)

	require.Len(t, records, 2)
	assert.Equal(t, "Lavazza", models.Deref(records[0].Brand))
	assert.Nil(t, records[1].Brand)
	require.NotNil(t, summary.Brands)
	assert.Equal(t, 1, summary.Brands.Resolved)
	assert.Equal(t, 1, summary.Brands.Timeouts)
	assert.Contains(t, summary.States, StateEnriching)
}

func TestScrapeCategoryNavigationFailure(t *testing.T) {
	d := newFakeDriver()
	d.navErrs["https://online.metro-cc.ru/category/"+coffeeCategory] = errors.New("net::ERR_NAME_NOT_RESOLVED")
	nav, _ := newTestNavigator(t, d)

	records, summary := nav.ScrapeCategory(context.Background(), models.Target{City: "Москва", Category: coffeeCategory}, true)

	assert.Empty(t, records)
	assert.Equal(t, UnexpectedLayout, summary.Navigation)
	assert.True(t, summary.Degraded())
	assert.Equal(t, []State{StateStart, StateDone}, summary.States)
	assert.Empty(t, d.clicks)
}

func TestRunner(t *testing.T) {
	p, err := parser.NewMetroParser(DefaultBaseURL)
	require.NoError(t, err)

	targets := []models.Target{
		{City: "Санкт-Петербург", Category: coffeeCategory},
		{City: "Москва", Category: coffeeCategory},
	}

	t.Run("Scrapes targets in order and closes the session", func(t *testing.T) {
		d := newFakeDriver()
		d.html = categoryPage(productCard("1", "Kофе A", "/products/a", "", "100"))
		logger, _ := newTestLogger()

		r := NewRunner(func(ctx context.Context) (Session, error) { return d, nil }, p, testOptions(), logger)
		limiter := &countingLimiter{}
		r.SetLimiterFactory(func() Limiter { return limiter })

		result, err := r.Run(context.Background(), targets, false)
		require.NoError(t, err)

		require.Len(t, result.Records, 2)
		assert.Equal(t, "Санкт-Петербург", result.Records[0].City)
		assert.Equal(t, "Москва", result.Records[1].City)
		assert.Len(t, result.Summaries, 2)
		assert.True(t, d.closed)
		assert.Equal(t, 0, limiter.waits)
	})

	t.Run("Session init failure is fatal", func(t *testing.T) {
		logger, _ := newTestLogger()
		r := NewRunner(func(ctx context.Context) (Session, error) {
			return nil, errors.New("chromium not installed")
		}, p, testOptions(), logger)

		result, err := r.Run(context.Background(), targets, false)

		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrSessionInit)
		assert.Contains(t, err.Error(), "chromium not installed")
	})

	t.Run("Cancelled run still closes the session", func(t *testing.T) {
		d := newFakeDriver()
		d.closeErr = errors.New("already closed")
		logger, logs := newTestLogger()
		r := NewRunner(func(ctx context.Context) (Session, error) { return d, nil }, p, testOptions(), logger)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result, err := r.Run(ctx, targets, false)
		require.NoError(t, err)
		assert.Empty(t, result.Records)
		assert.True(t, d.closed)
		assert.Contains(t, logs.String(), "failed to close browser session")
	})
}
