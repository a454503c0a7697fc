package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/maltedev/metro-scraper/internal/navigator"
)

// ChromedpDriver speaks CDP to a local Chrome without the playwright node
// runtime.
type ChromedpDriver struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	opts        *Options
	logger      *slog.Logger
}

func allocatorOptions(opts *Options) []chromedp.ExecAllocatorOption {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", opts.Locale),
		chromedp.UserAgent(opts.UserAgent),
		chromedp.WindowSize(opts.ViewportWidth, opts.ViewportHeight),
	)
	if opts.ProxyServer != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyServer))
	}
	return allocOpts
}

func NewChromedp(opts *Options) (*ChromedpDriver, error) {
	opts = opts.withDefaults()

	// The browser outlives any single caller context; Close tears it down.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts)...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}

	return &ChromedpDriver{
		ctx:         ctx,
		cancel:      cancel,
		allocCancel: allocCancel,
		opts:        opts,
		logger:      slog.Default().With("component", "browser", "backend", "chromedp"),
	}, nil
}

// OpenChromedp returns an Opener backed by chromedp.
func OpenChromedp(opts *Options) navigator.Opener {
	return func(ctx context.Context) (navigator.Session, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return NewChromedp(opts)
	}
}

// run executes actions on the browser tab, bounded by timeout (when > 0)
// and by the caller's ctx.
func (d *ChromedpDriver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(d.ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(d.ctx)
	}
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", navigator.ErrTimeout, err)
	}
	return classifyChromedpErr(err)
}

// classifyChromedpErr wraps chromedp's query errors in the navigator
// sentinels. Transport and protocol errors pass through unchanged.
func classifyChromedpErr(err error) error {
	switch {
	case errors.Is(err, chromedp.ErrNoResults), errors.Is(err, chromedp.ErrJSNull):
		return fmt.Errorf("%w: %v", navigator.ErrNotFound, err)
	case errors.Is(err, chromedp.ErrNotVisible),
		errors.Is(err, chromedp.ErrDisabled),
		errors.Is(err, chromedp.ErrInvalidBoxModel),
		errors.Is(err, chromedp.ErrInvalidDimensions):
		return fmt.Errorf("%w: %v", navigator.ErrUnexpectedLayout, err)
	default:
		return err
	}
}

// query maps a navigator selector to chromedp's query form.
func query(sel navigator.Selector) (string, chromedp.QueryOption) {
	engine, expr := sel.Split()
	if engine == "xpath" {
		return expr, chromedp.BySearch
	}
	return expr, chromedp.ByQuery
}

func (d *ChromedpDriver) Navigate(ctx context.Context, url string) error {
	var lastErr error

	for i := 0; i < d.opts.NavigationRetries; i++ {
		if i > 0 {
			d.logger.Info("retrying navigation", "attempt", i+1, "url", url)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * time.Second):
			}
		}

		err := d.run(ctx, d.opts.Timeout, chromedp.Navigate(url))
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		lastErr = err
		d.logger.Error("navigation failed", "error", err, "attempt", i+1)
	}

	return fmt.Errorf("failed after %d retries: %w", d.opts.NavigationRetries, lastErr)
}

func (d *ChromedpDriver) Click(ctx context.Context, sel navigator.Selector, timeout time.Duration) error {
	q, by := query(sel)
	if err := d.run(ctx, timeout, chromedp.Click(q, by, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("%s: %w", sel, err)
	}
	return nil
}

func (d *ChromedpDriver) WaitFor(ctx context.Context, sel navigator.Selector, timeout time.Duration) error {
	q, by := query(sel)
	if err := d.run(ctx, timeout, chromedp.WaitReady(q, by)); err != nil {
		return fmt.Errorf("%s: %w", sel, err)
	}
	return nil
}

func (d *ChromedpDriver) Text(ctx context.Context, sel navigator.Selector, timeout time.Duration) (string, error) {
	q, by := query(sel)
	var text string
	if err := d.run(ctx, timeout, chromedp.Text(q, &text, by)); err != nil {
		return "", fmt.Errorf("%s: %w", sel, err)
	}
	return text, nil
}

func (d *ChromedpDriver) Content(ctx context.Context) (string, error) {
	var html string
	if err := d.run(ctx, d.opts.Timeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to get page content: %w", err)
	}
	return html, nil
}

// Settle sleeps for max. CDP exposes no network-idle signal without
// tracking requests ourselves.
func (d *ChromedpDriver) Settle(ctx context.Context, max time.Duration) error {
	t := time.NewTimer(max)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *ChromedpDriver) Close() error {
	err := chromedp.Cancel(d.ctx)
	d.cancel()
	d.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close chrome: %w", err)
	}
	return nil
}
