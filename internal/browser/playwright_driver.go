package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maltedev/metro-scraper/internal/navigator"
	"github.com/playwright-community/playwright-go"
)

// PlaywrightDriver drives a single page of a Browser.
type PlaywrightDriver struct {
	browser *Browser
	page    playwright.Page
}

// OpenPlaywright returns an Opener that launches Chromium through playwright.
func OpenPlaywright(opts *Options) navigator.Opener {
	return func(ctx context.Context) (navigator.Session, error) {
		b, err := New(opts)
		if err != nil {
			return nil, err
		}

		page, err := b.NewPage()
		if err != nil {
			b.Close()
			return nil, err
		}

		return &PlaywrightDriver{browser: b, page: page}, nil
	}
}

func (d *PlaywrightDriver) Navigate(ctx context.Context, url string) error {
	return d.browser.NavigateWithRetry(ctx, d.page, url, d.browser.opts.NavigationRetries)
}

func (d *PlaywrightDriver) Click(ctx context.Context, sel navigator.Selector, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	loc := d.page.Locator(string(sel)).First()
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: millis(timeout),
	}); err != nil {
		return wrapPlaywrightErr(sel, err)
	}

	// Click performs playwright's actionability checks (visible, enabled, stable).
	if err := loc.Click(playwright.LocatorClickOptions{Timeout: millis(timeout)}); err != nil {
		return wrapPlaywrightErr(sel, err)
	}

	return nil
}

func (d *PlaywrightDriver) WaitFor(ctx context.Context, sel navigator.Selector, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := d.page.Locator(string(sel)).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: millis(timeout),
	})
	return wrapPlaywrightErr(sel, err)
}

func (d *PlaywrightDriver) Text(ctx context.Context, sel navigator.Selector, timeout time.Duration) (string, error) {
	if err := d.WaitFor(ctx, sel, timeout); err != nil {
		return "", err
	}

	text, err := d.page.Locator(string(sel)).First().InnerText(playwright.LocatorInnerTextOptions{
		Timeout: millis(timeout),
	})
	if err != nil {
		return "", wrapPlaywrightErr(sel, err)
	}

	return text, nil
}

func (d *PlaywrightDriver) Content(ctx context.Context) (string, error) {
	html, err := d.page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to get page content: %w", err)
	}
	return html, nil
}

// Settle waits for network idle. Hitting max is not an error: the page
// simply kept polling.
func (d *PlaywrightDriver) Settle(ctx context.Context, max time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := d.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: millis(max),
	})
	if err != nil && !errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("failed to wait for network idle: %w", err)
	}
	return nil
}

func (d *PlaywrightDriver) Close() error {
	var errs []error
	if d.page != nil {
		if err := d.page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close page: %w", err))
		}
	}
	if err := d.browser.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func millis(d time.Duration) *float64 {
	return playwright.Float(float64(d.Milliseconds()))
}

func wrapPlaywrightErr(sel navigator.Selector, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %s: %v", navigator.ErrTimeout, sel, err)
	}
	if errors.Is(err, playwright.ErrTargetClosed) {
		return fmt.Errorf("%s: %w", sel, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not attached"), strings.Contains(msg, "detached"):
		return fmt.Errorf("%w: %s: %v", navigator.ErrNotFound, sel, err)
	case strings.Contains(msg, "strict mode violation"),
		strings.Contains(msg, "not visible"),
		strings.Contains(msg, "not enabled"),
		strings.Contains(msg, "intercepts pointer events"):
		return fmt.Errorf("%w: %s: %v", navigator.ErrUnexpectedLayout, sel, err)
	}
	return fmt.Errorf("%s: %w", sel, err)
}
