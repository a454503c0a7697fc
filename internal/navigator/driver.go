package navigator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrTimeout          = errors.New("timed out waiting for element")
	ErrNotFound         = errors.New("element not found")
	ErrUnexpectedLayout = errors.New("unexpected page layout")
	ErrSessionInit      = errors.New("browser session could not be started")
)

// Selector addresses an element in the page. The "css=" and "xpath="
// prefixes are understood by every Driver implementation.
type Selector string

func CSS(s string) Selector   { return Selector("css=" + s) }
func XPath(s string) Selector { return Selector("xpath=" + s) }

// Split returns the selector engine ("css" or "xpath") and the expression.
// An unprefixed selector is treated as CSS.
func (s Selector) Split() (engine, expr string) {
	str := string(s)
	if rest, ok := strings.CutPrefix(str, "xpath="); ok {
		return "xpath", rest
	}
	if rest, ok := strings.CutPrefix(str, "css="); ok {
		return "css", rest
	}
	return "css", str
}

// Driver is the browser control surface the navigator depends on.
// Implementations wrap missed waits in ErrTimeout, vanished nodes in
// ErrNotFound and unusable nodes in ErrUnexpectedLayout so callers can
// Classify them.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	// Click waits until the element is actionable, then clicks it.
	Click(ctx context.Context, sel Selector, timeout time.Duration) error
	// WaitFor waits until the element is present in the DOM.
	WaitFor(ctx context.Context, sel Selector, timeout time.Duration) error
	Text(ctx context.Context, sel Selector, timeout time.Duration) (string, error)
	Content(ctx context.Context) (string, error)
	// Settle blocks until the page has finished re-rendering, bounded by max.
	Settle(ctx context.Context, max time.Duration) error
}

// Session is a Driver that owns a browser and must be closed.
type Session interface {
	Driver
	Close() error
}

// Opener starts a new browser session.
type Opener func(ctx context.Context) (Session, error)

// Outcome is the typed result of one navigation step.
type Outcome int

const (
	Success Outcome = iota
	NotFound
	Timeout
	UnexpectedLayout
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case NotFound:
		return "not_found"
	case Timeout:
		return "timeout"
	case UnexpectedLayout:
		return "unexpected_layout"
	default:
		return "unknown"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText lets stored run summaries be decoded again.
func (o *Outcome) UnmarshalText(text []byte) error {
	for _, candidate := range []Outcome{Success, NotFound, Timeout, UnexpectedLayout} {
		if candidate.String() == string(text) {
			*o = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", text)
}

// Degraded reports whether the step was skipped; no Outcome is fatal.
func (o Outcome) Degraded() bool {
	return o != Success
}

// Classify maps a driver error onto an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, ErrNotFound):
		return NotFound
	default:
		return UnexpectedLayout
	}
}
