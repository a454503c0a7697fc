package navigator

import (
	"context"
	"errors"
)

// RegionResult records how a region switch went.
type RegionResult struct {
	Outcome Outcome `json:"outcome"`
	// Step is the step that failed, empty on success.
	Step string `json:"step,omitempty"`
	// Lookup is the CityLookup that found the city entry.
	Lookup string `json:"lookup,omitempty"`
}

type regionStep struct {
	name string
	run  func(ctx context.Context) error
}

// SetRegion switches the pickup region to city. It never returns an
// error: a failed step is logged and the page keeps its current region.
func (n *Navigator) SetRegion(ctx context.Context, city string) RegionResult {
	logger := n.logger.With("city", city)
	result := RegionResult{}

	steps := []regionStep{
		{"open_address", func(ctx context.Context) error {
			return n.driver.Click(ctx, AddressButton, n.opts.ActionTimeout)
		}},
		{"select_pickup", func(ctx context.Context) error {
			return n.driver.Click(ctx, PickupOption, n.opts.ActionTimeout)
		}},
		{"change_region", func(ctx context.Context) error {
			return n.driver.Click(ctx, ChangeRegionButton, n.opts.ActionTimeout)
		}},
		{"await_modal", func(ctx context.Context) error {
			if err := n.driver.WaitFor(ctx, RegionModal, n.opts.ActionTimeout); err != nil {
				return err
			}
			n.settle(ctx, n.opts.StepSettle)
			return nil
		}},
		{"pick_city", func(ctx context.Context) error {
			lookup, err := n.pickCity(ctx, city)
			if err != nil {
				logger.Warn("city entry not found by any lookup", "error", err)
			}
			result.Lookup = lookup
			n.settle(ctx, n.opts.StepSettle)
			return nil
		}},
		{"apply", func(ctx context.Context) error {
			return n.driver.Click(ctx, ApplyRegionButton, n.opts.ActionTimeout)
		}},
	}

	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			result.Outcome = Classify(err)
			result.Step = step.name
			logger.Warn("failed to change city", "step", step.name, "outcome", result.Outcome, "error", err)
			return result
		}
	}

	if result.Lookup == "" {
		// Applied, but whatever region was pre-selected is still active.
		result.Outcome = NotFound
		result.Step = "pick_city"
		return result
	}

	logger.Info("city selected", "lookup", result.Lookup)
	result.Outcome = Success
	return result
}

// pickCity tries each CityLookup in order and clicks the first entry that
// becomes actionable. When several entries partially match the city name,
// the first one in document order wins.
func (n *Navigator) pickCity(ctx context.Context, city string) (string, error) {
	var errs []error

	for _, lookup := range n.opts.CityLookups {
		err := n.driver.Click(ctx, lookup.Selector(city), n.opts.ActionTimeout)
		if err == nil {
			return lookup.Name, nil
		}

		n.logger.Warn("city lookup failed", "city", city, "lookup", lookup.Name, "outcome", Classify(err))
		errs = append(errs, err)

		if ctx.Err() != nil {
			break
		}
	}

	return "", errors.Join(errs...)
}
