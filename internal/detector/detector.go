package detector

import (
	"github.com/driftlab/driftwatch/internal/api"
)

// Requirements declares which optional supervised inputs a detector
// consumes. Ensembles validate these once at configuration time instead
// of on every call.
type Requirements struct {
	NeedsTrue bool
	NeedsPred bool
}

// Union merges two requirement sets.
func (r Requirements) Union(other Requirements) Requirements {
	return Requirements{
		NeedsTrue: r.NeedsTrue || other.NeedsTrue,
		NeedsPred: r.NeedsPred || other.NeedsPred,
	}
}

// Member is the uniform capability set every detector exposes. Data-drift
// detectors consume only X and ignore y; concept-drift detectors may
// ignore X and read y. Ensembles implement Member themselves, so they
// nest.
type Member interface {
	// SetReference (re)establishes the detector's baseline and resets all
	// running statistics.
	SetReference(X *api.Dataset, y *api.Labels) error

	// Update advances the detector with a batch or a chunk of a stream.
	// A failed update leaves all durable state unchanged.
	Update(X *api.Dataset, y *api.Labels) error

	// State returns the verdict after the most recent update.
	State() api.DriftState

	// Reset clears the drift verdict and running statistics.
	Reset()

	// Needs declares the optional inputs Update requires.
	Needs() Requirements
}
