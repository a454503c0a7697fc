package navigator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/maltedev/metro-scraper/internal/parser"
	"github.com/stretchr/testify/require"
)

type textResult struct {
	text string
	err  error
}

// fakeDriver is a scripted Driver. Clickable selectors succeed the given
// number of times (-1 means always); anything else times out.
type fakeDriver struct {
	clickable map[Selector]int
	present   map[Selector]bool
	brands    map[string]textResult
	navErrs   map[string]error
	html      string

	url      string
	visited  []string
	clicks   []Selector
	settles  []time.Duration
	closed   bool
	closeErr error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		clickable: make(map[Selector]int),
		present:   make(map[Selector]bool),
		brands:    make(map[string]textResult),
		navErrs:   make(map[string]error),
	}
}

func (d *fakeDriver) Navigate(ctx context.Context, url string) error {
	if err := d.navErrs[url]; err != nil {
		return err
	}
	d.url = url
	d.visited = append(d.visited, url)
	return nil
}

func (d *fakeDriver) Click(ctx context.Context, sel Selector, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remaining, ok := d.clickable[sel]
	if !ok || remaining == 0 {
		return fmt.Errorf("%w: %s", ErrTimeout, sel)
	}
	if remaining > 0 {
		d.clickable[sel] = remaining - 1
	}
	d.clicks = append(d.clicks, sel)
	return nil
}

func (d *fakeDriver) WaitFor(ctx context.Context, sel Selector, timeout time.Duration) error {
	if d.present[sel] {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrTimeout, sel)
}

func (d *fakeDriver) Text(ctx context.Context, sel Selector, timeout time.Duration) (string, error) {
	if sel != BrandLink {
		return "", fmt.Errorf("%w: %s", ErrNotFound, sel)
	}
	res, ok := d.brands[d.url]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTimeout, sel)
	}
	return res.text, res.err
}

func (d *fakeDriver) Content(ctx context.Context) (string, error) {
	return d.html, nil
}

func (d *fakeDriver) Settle(ctx context.Context, max time.Duration) error {
	d.settles = append(d.settles, max)
	return nil
}

func (d *fakeDriver) Close() error {
	d.closed = true
	return d.closeErr
}

func (d *fakeDriver) clickCount(sel Selector) int {
	n := 0
	for _, c := range d.clicks {
		if c == sel {
			n++
		}
	}
	return n
}

// allowRegionFlow makes every region step succeed except city lookups.
func (d *fakeDriver) allowRegionFlow() {
	d.clickable[AddressButton] = -1
	d.clickable[PickupOption] = -1
	d.clickable[ChangeRegionButton] = -1
	d.clickable[ApplyRegionButton] = -1
	d.present[RegionModal] = true
}

func testOptions() *Options {
	opts := DefaultOptions()
	opts.BaseURL = "https://online.metro-cc.ru"
	return opts
}

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func newTestNavigator(t *testing.T, d Driver) (*Navigator, *bytes.Buffer) {
	t.Helper()
	p, err := parser.NewMetroParser("https://online.metro-cc.ru")
	require.NoError(t, err)
	logger, buf := newTestLogger()
	return New(d, p, testOptions(), logger), buf
}

func productCard(sku, name, href, old, actual string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<div class="product-card" data-sku="%s"><a href="%s"></a>`, sku, href)
	if name != "" {
		fmt.Fprintf(&b, `<span class="product-card-name__text">%s</span>`, name)
	}
	if old != "" {
		fmt.Fprintf(&b, `<div class="product-unit-prices__old-wrapper"><span class="product-price__sum"><span class="product-price__sum-rubles">%s</span></span></div>`, old)
	}
	if actual != "" {
		fmt.Fprintf(&b, `<div class="product-unit-prices__actual-wrapper"><span class="product-price__sum"><span class="product-price__sum-rubles">%s</span></span></div>`, actual)
	}
	b.WriteString(`</div>`)
	return b.String()
}

func categoryPage(cards ...string) string {
	return "<html><body>" + strings.Join(cards, "") + "</body></html>"
}
