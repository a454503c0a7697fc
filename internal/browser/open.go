package browser

import (
	"context"
	"fmt"

	"github.com/maltedev/metro-scraper/internal/navigator"
)

const (
	BackendPlaywright = "playwright"
	BackendChromedp   = "chromedp"
)

// Open returns the Opener for the named backend.
func Open(backend string, opts *Options) (navigator.Opener, error) {
	switch backend {
	case "", BackendPlaywright:
		return OpenPlaywright(opts), nil
	case BackendChromedp:
		return OpenChromedp(opts), nil
	default:
		return nil, fmt.Errorf("unknown browser backend %q", backend)
	}
}

var (
	_ navigator.Session = (*PlaywrightDriver)(nil)
	_ navigator.Session = (*ChromedpDriver)(nil)
)

// Probe opens and immediately closes a session, reporting whether the
// backend can start at all.
func Probe(ctx context.Context, open navigator.Opener) error {
	s, err := open(ctx)
	if err != nil {
		return err
	}
	return s.Close()
}
