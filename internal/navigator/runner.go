package navigator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maltedev/metro-scraper/internal/models"
	"github.com/maltedev/metro-scraper/internal/parser"
)

// Result is everything a run produced, in target order.
type Result struct {
	Records   []models.ProductRecord `json:"records"`
	Summaries []*Summary             `json:"summaries"`
}

// Runner owns one browser session per Run and scrapes targets through it.
type Runner struct {
	open       Opener
	parser     parser.Parser
	opts       *Options
	newLimiter func() Limiter
	base       *slog.Logger
	logger     *slog.Logger
}

func NewRunner(open Opener, p parser.Parser, opts *Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		open:   open,
		parser: p,
		opts:   opts,
		base:   logger,
		logger: logger.With("component", "runner"),
	}
}

// SetLimiterFactory installs a limiter for brand enrichment; a fresh one
// is created per run.
func (r *Runner) SetLimiterFactory(fn func() Limiter) {
	r.newLimiter = fn
}

// Run scrapes every target sequentially. The only error it returns is a
// failure to start the browser session; the session is always closed.
func (r *Runner) Run(ctx context.Context, targets []models.Target, parseBrand bool) (*Result, error) {
	session, err := r.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			r.logger.Error("failed to close browser session", "error", err)
		}
	}()

	r.logger.Info("browser session started", "targets", len(targets), "parse_brand", parseBrand)

	nav := New(session, r.parser, r.opts, r.base)
	if r.newLimiter != nil {
		nav.SetLimiter(r.newLimiter())
	}

	result := &Result{}
	for _, target := range targets {
		if ctx.Err() != nil {
			r.logger.Warn("run cancelled", "error", ctx.Err())
			break
		}

		r.logger.Info("parsing category", "category", target.Category, "city", target.City)
		records, summary := nav.ScrapeCategory(ctx, target, parseBrand)

		result.Records = append(result.Records, records...)
		result.Summaries = append(result.Summaries, summary)
	}

	r.logger.Info("run finished", "records", len(result.Records))
	return result, nil
}
