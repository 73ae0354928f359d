// Package ensemble runs multiple heterogeneous drift detectors over
// shared or per-detector column subsets and combines their verdicts
// through a voting rule.
package ensemble

import (
	"fmt"
	"sort"

	"github.com/driftlab/driftwatch/internal/api"
	"github.com/driftlab/driftwatch/internal/detector"
)

// Selector maps the full feature table to the subset of columns one
// member consumes. The default is identity.
type Selector func(*api.Dataset) (*api.Dataset, error)

// Columns returns a selector restricting the table to the named columns.
func Columns(names ...string) Selector {
	return func(d *api.Dataset) (*api.Dataset, error) {
		return d.Select(names)
	}
}

// Ensemble delegates SetReference/Update to its members in a fixed
// iteration order (sorted by name, for reproducibility), collects each
// member's drift state, and applies the election. It implements
// detector.Member itself, so ensembles nest.
type Ensemble struct {
	members   map[string]detector.Member
	selectors map[string]Selector
	election  Election

	state    api.DriftState
	verdicts map[string]api.DriftState
}

// Option configures an Ensemble.
type Option func(*config)

type config struct {
	selectors map[string]Selector
	supplies  detector.Requirements
}

// WithSelectors sets per-member column selectors. Members without an
// entry receive the full table.
func WithSelectors(selectors map[string]Selector) Option {
	return func(c *config) { c.selectors = selectors }
}

// WithLabelInputs declares which supervised inputs the caller will pass
// to Update. Members requiring inputs that are not declared here are
// rejected at construction time.
func WithLabelInputs(supplies detector.Requirements) Option {
	return func(c *config) { c.supplies = supplies }
}

// New creates an ensemble over the named members. Label requirements are
// validated once here, not on every update.
func New(members map[string]detector.Member, election Election, opts ...Option) (*Ensemble, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: ensemble requires at least one member", api.ErrConfiguration)
	}
	if election == nil {
		return nil, fmt.Errorf("%w: ensemble requires an election", api.ErrConfiguration)
	}

	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	for name, m := range members {
		needs := m.Needs()
		if needs.NeedsTrue && !cfg.supplies.NeedsTrue {
			return nil, fmt.Errorf("%w: member %q requires y_true which this ensemble does not supply", api.ErrConfiguration, name)
		}
		if needs.NeedsPred && !cfg.supplies.NeedsPred {
			return nil, fmt.Errorf("%w: member %q requires y_pred which this ensemble does not supply", api.ErrConfiguration, name)
		}
	}
	for name := range cfg.selectors {
		if _, ok := members[name]; !ok {
			return nil, fmt.Errorf("%w: selector for unknown member %q", api.ErrConfiguration, name)
		}
	}

	e := &Ensemble{
		members:   make(map[string]detector.Member, len(members)),
		selectors: make(map[string]Selector, len(cfg.selectors)),
		election:  election,
		state:     api.StateNone,
		verdicts:  make(map[string]api.DriftState, len(members)),
	}
	for name, m := range members {
		e.members[name] = m
	}
	for name, sel := range cfg.selectors {
		e.selectors[name] = sel
	}
	return e, nil
}

// memberNames returns the fixed iteration order.
func (e *Ensemble) memberNames() []string {
	names := make([]string, 0, len(e.members))
	for name := range e.members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// selectFor applies the member's column selector, defaulting to the full
// table.
func (e *Ensemble) selectFor(name string, X *api.Dataset) (*api.Dataset, error) {
	sel, ok := e.selectors[name]
	if !ok || X == nil {
		return X, nil
	}
	out, err := sel(X)
	if err != nil {
		return nil, fmt.Errorf("selector for member %q: %w", name, err)
	}
	return out, nil
}

// SetReference delegates to every member with its selected columns.
func (e *Ensemble) SetReference(X *api.Dataset, y *api.Labels) error {
	for _, name := range e.memberNames() {
		sel, err := e.selectFor(name, X)
		if err != nil {
			return err
		}
		if err := e.members[name].SetReference(sel, y); err != nil {
			return fmt.Errorf("member %q: %w", name, err)
		}
	}
	e.state = api.StateNone
	e.verdicts = make(map[string]api.DriftState, len(e.members))
	return nil
}

// Update delegates to every member, collects the verdicts, and applies
// the election.
func (e *Ensemble) Update(X *api.Dataset, y *api.Labels) error {
	verdicts := make(map[string]api.DriftState, len(e.members))
	for _, name := range e.memberNames() {
		sel, err := e.selectFor(name, X)
		if err != nil {
			return err
		}
		if err := e.members[name].Update(sel, y); err != nil {
			return fmt.Errorf("member %q: %w", name, err)
		}
		verdicts[name] = e.members[name].State()
	}
	e.verdicts = verdicts
	e.state = e.election.Decide(verdicts)
	return nil
}

// State returns the election's output after the most recent update.
func (e *Ensemble) State() api.DriftState { return e.state }

// Verdicts returns a copy of the per-member states from the most recent
// update.
func (e *Ensemble) Verdicts() map[string]api.DriftState {
	out := make(map[string]api.DriftState, len(e.verdicts))
	for name, state := range e.verdicts {
		out[name] = state
	}
	return out
}

// Needs returns the union of the members' requirements, so nested
// ensembles propagate their inputs upward.
func (e *Ensemble) Needs() detector.Requirements {
	var needs detector.Requirements
	for _, m := range e.members {
		needs = needs.Union(m.Needs())
	}
	return needs
}

// Reset delegates to every member and clears the ensemble verdict.
func (e *Ensemble) Reset() {
	for _, name := range e.memberNames() {
		e.members[name].Reset()
	}
	e.state = api.StateNone
	e.verdicts = make(map[string]api.DriftState, len(e.members))
}
