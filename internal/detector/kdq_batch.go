package detector

import (
	"fmt"
	"math/rand"

	"github.com/driftlab/driftwatch/internal/api"
	"github.com/driftlab/driftwatch/internal/kdqtree"
)

// Label names for the two builds a kdq-tree detector compares.
const (
	referenceLabel = "reference"
	testLabel      = "test"
)

// KdqTreeBatch detects distribution drift between a reference dataset
// and whole batches (epochs) of new data. SetReference builds the
// partition and bootstraps the critical threshold once; each Update
// fills the frozen partition under a fresh test label and compares the
// leaf-count distributions.
type KdqTreeBatch struct {
	params api.KdqTreeParams
	rng    *rand.Rand

	part       *kdqtree.Partitioner
	columns    []string
	refCounts  []int
	threshold  float64
	divergence float64
	state      api.DriftState
	hasRef     bool
}

// NewKdqTreeBatch creates a batch kdq-tree detector. Zero-valued params
// fields fall back to defaults.
func NewKdqTreeBatch(params api.KdqTreeParams) *KdqTreeBatch {
	defaults := api.DefaultKdqTreeParams()
	if params.Alpha <= 0 || params.Alpha >= 1 {
		params.Alpha = defaults.Alpha
	}
	if params.BootstrapSamples <= 0 {
		params.BootstrapSamples = defaults.BootstrapSamples
	}
	if params.CountUBound <= 0 {
		params.CountUBound = defaults.CountUBound
	}
	if params.Seed == 0 {
		params.Seed = defaults.Seed
	}
	return &KdqTreeBatch{
		params: params,
		rng:    rand.New(rand.NewSource(params.Seed)),
		state:  api.StateNone,
	}
}

// SetReference builds the partitioner on data under the "reference"
// label, bootstraps the threshold, and resets all running statistics.
func (d *KdqTreeBatch) SetReference(X *api.Dataset, _ *api.Labels) error {
	if err := X.Validate(); err != nil {
		return err
	}

	part := kdqtree.New(
		kdqtree.WithCountUBound(d.params.CountUBound),
		kdqtree.WithMaxDepth(d.params.MaxDepth),
	)
	if _, err := part.Build(X.Rows, referenceLabel); err != nil {
		return err
	}

	leafIdx := part.LeafIndex()
	assignments := make([]int, len(X.Rows))
	for i, row := range X.Rows {
		leaf, err := part.Route(row)
		if err != nil {
			return err
		}
		assignments[i] = leafIdx[leaf]
	}

	d.part = part
	d.columns = append([]string(nil), X.Columns...)
	d.refCounts = part.LeafCounts(referenceLabel)
	d.threshold = bootstrapThreshold(assignments, len(d.refCounts),
		d.params.BootstrapSamples, d.params.Alpha, d.rng)
	d.divergence = 0
	d.state = api.StateNone
	d.hasRef = true
	return nil
}

// Update treats X as one full epoch: it refills the partition under the
// "test" label, computes the divergence statistic against the reference
// leaf counts, and compares it to the bootstrapped threshold.
func (d *KdqTreeBatch) Update(X *api.Dataset, _ *api.Labels) error {
	if !d.hasRef {
		return fmt.Errorf("%w: update requires a prior SetReference", api.ErrState)
	}
	if err := X.Validate(); err != nil {
		return err
	}
	if !X.SameColumns(d.columns) {
		return fmt.Errorf("%w: columns %v do not match reference columns %v",
			api.ErrShape, X.Columns, d.columns)
	}

	d.part.Clear(testLabel)
	if err := d.part.Fill(X.Rows, testLabel); err != nil {
		return err
	}

	d.divergence = chiSquaredDivergence(d.refCounts, d.part.LeafCounts(testLabel))
	if d.divergence > d.threshold {
		d.state = api.StateDrift
	} else {
		d.state = api.StateNone
	}
	return nil
}

// State returns the verdict after the most recent update.
func (d *KdqTreeBatch) State() api.DriftState { return d.state }

// Divergence returns the statistic from the most recent update.
func (d *KdqTreeBatch) Divergence() float64 { return d.divergence }

// Threshold returns the bootstrapped critical value. Fixed for the life
// of the reference.
func (d *KdqTreeBatch) Threshold() float64 { return d.threshold }

// Needs reports that this detector consumes feature data only.
func (d *KdqTreeBatch) Needs() Requirements { return Requirements{} }

// Reset clears the drift verdict and test counts. The reference build
// and its threshold are kept; call SetReference to rebuild.
func (d *KdqTreeBatch) Reset() {
	d.state = api.StateNone
	d.divergence = 0
	if d.part != nil {
		d.part.Clear(testLabel)
	}
}

// Export returns the flattened partition with reference/test counts and
// per-cell Kulldorff statistics for external visualization.
func (d *KdqTreeBatch) Export(maxDepth int) ([]kdqtree.ExportRow, error) {
	if !d.hasRef {
		return nil, fmt.Errorf("%w: export requires a prior SetReference", api.ErrState)
	}
	if d.part.Total(testLabel) == 0 {
		return d.part.Export(referenceLabel, "", maxDepth)
	}
	return d.part.Export(referenceLabel, testLabel, maxDepth)
}
