// Package scraper assembles a navigator.Runner from configuration.
package scraper

import (
	"fmt"
	"log/slog"

	"github.com/maltedev/metro-scraper/internal/browser"
	"github.com/maltedev/metro-scraper/internal/config"
	"github.com/maltedev/metro-scraper/internal/navigator"
	"github.com/maltedev/metro-scraper/internal/parser"
	"github.com/maltedev/metro-scraper/internal/ratelimit"
)

// New builds a Runner for the configured browser backend. No browser is
// started until the Runner runs.
func New(cfg *config.Config, logger *slog.Logger) (*navigator.Runner, error) {
	open, err := browser.Open(cfg.Browser.Backend, BrowserOptions(cfg.Browser))
	if err != nil {
		return nil, err
	}

	p, err := parser.NewMetroParser(cfg.Navigator.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create parser: %w", err)
	}

	runner := navigator.NewRunner(open, p, NavigatorOptions(cfg.Navigator), logger)
	if factory := LimiterFactory(cfg.Scraper); factory != nil {
		runner.SetLimiterFactory(factory)
	}

	return runner, nil
}

func BrowserOptions(c config.BrowserConfig) *browser.Options {
	opts := browser.DefaultOptions()
	opts.Headless = c.Headless
	opts.AcceptLanguage = c.AcceptLanguage
	opts.TimezoneID = c.TimezoneID
	opts.Locale = c.Locale
	opts.ProxyServer = c.ProxyServer

	if c.Timeout > 0 {
		opts.Timeout = c.Timeout
	}
	if c.ViewportWidth > 0 && c.ViewportHeight > 0 {
		opts.ViewportWidth = c.ViewportWidth
		opts.ViewportHeight = c.ViewportHeight
	}
	if c.UserAgent != "" {
		opts.UserAgent = c.UserAgent
	}
	if c.NavigationRetries > 0 {
		opts.NavigationRetries = c.NavigationRetries
	}

	return opts
}

func NavigatorOptions(c config.NavigatorConfig) *navigator.Options {
	opts := navigator.DefaultOptions()
	opts.BaseURL = c.BaseURL
	opts.ActionTimeout = c.ActionTimeout
	opts.LoadMoreTimeout = c.LoadMoreTimeout
	opts.PageSettle = c.PageSettle
	opts.RegionSettle = c.RegionSettle
	opts.ExpandSettle = c.ExpandSettle
	opts.MaxExpansions = c.MaxExpansions
	return opts
}

// LimiterFactory paces brand lookups when a delay is configured. The
// limiter is adaptive, so repeated lookup failures slow the run down.
func LimiterFactory(c config.ScraperConfig) func() navigator.Limiter {
	if c.BrandDelayMax <= 0 {
		return nil
	}
	return func() navigator.Limiter {
		return ratelimit.NewAdaptiveRateLimiter(c.BrandDelayMin, c.BrandDelayMax)
	}
}
