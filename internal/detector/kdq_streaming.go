package detector

import (
	"fmt"
	"math/rand"

	"github.com/driftlab/driftwatch/internal/api"
	"github.com/driftlab/driftwatch/internal/kdqtree"
)

// KdqTreeStreaming detects distribution drift point by point. The first
// windowSize observations become the reference build (and seed the
// bootstrap threshold); afterwards a sliding window of the most recent
// windowSize observations is compared, leaf-count-wise, against the
// frozen reference partition. Window counts are maintained
// incrementally: each step routes one arriving and one evicted point
// instead of refilling the tree.
type KdqTreeStreaming struct {
	params api.KdqTreeParams
	rng    *rand.Rand

	part    *kdqtree.Partitioner
	columns []string
	leafIdx map[int]int

	window     [][]float64
	refCounts  []int
	testCounts []int
	threshold  float64
	divergence float64
	state      api.DriftState
	built      bool
}

// NewKdqTreeStreaming creates a streaming kdq-tree detector. Zero-valued
// params fields fall back to defaults; WindowSize must be positive.
func NewKdqTreeStreaming(params api.KdqTreeParams) (*KdqTreeStreaming, error) {
	defaults := api.DefaultKdqTreeParams()
	if params.WindowSize <= 0 {
		return nil, fmt.Errorf("%w: window size must be positive", api.ErrConfiguration)
	}
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
	return &KdqTreeStreaming{
		params: params,
		rng:    rand.New(rand.NewSource(params.Seed)),
		state:  api.StateNone,
	}, nil
}

// SetReference resets the detector and feeds every row of X through the
// stream, so a dataset of at least WindowSize rows establishes the
// reference immediately.
func (d *KdqTreeStreaming) SetReference(X *api.Dataset, _ *api.Labels) error {
	if err := X.Validate(); err != nil {
		return err
	}
	d.reset()
	d.columns = append([]string(nil), X.Columns...)
	for _, row := range X.Rows {
		if err := d.step(row); err != nil {
			return err
		}
	}
	return nil
}

// Update advances the stream with each row of X (typically a single
// sample).
func (d *KdqTreeStreaming) Update(X *api.Dataset, _ *api.Labels) error {
	if err := X.Validate(); err != nil {
		return err
	}
	if d.columns == nil {
		d.columns = append([]string(nil), X.Columns...)
	} else if !X.SameColumns(d.columns) {
		return fmt.Errorf("%w: columns %v do not match reference columns %v",
			api.ErrShape, X.Columns, d.columns)
	}
	for _, row := range X.Rows {
		if err := d.step(row); err != nil {
			return err
		}
	}
	return nil
}

// step consumes one observation.
func (d *KdqTreeStreaming) step(row []float64) error {
	point := append([]float64(nil), row...)

	if !d.built {
		d.window = append(d.window, point)
		if len(d.window) < d.params.WindowSize {
			return nil
		}
		return d.buildReference()
	}

	// Slide: evict the oldest point, admit the newest, adjusting the
	// rolling count vector by one leaf on each side.
	oldest := d.window[0]
	d.window = d.window[1:]
	leaf, err := d.part.Remove(oldest, testLabel)
	if err != nil {
		return err
	}
	d.testCounts[d.leafIdx[leaf]]--

	d.window = append(d.window, point)
	leaf, err = d.part.Add(point, testLabel)
	if err != nil {
		return err
	}
	d.testCounts[d.leafIdx[leaf]]++

	d.divergence = chiSquaredDivergence(d.refCounts, d.testCounts)
	if d.divergence > d.threshold {
		d.state = api.StateDrift
	} else {
		d.state = api.StateNone
	}
	return nil
}

// buildReference turns the first full window into the reference build,
// bootstraps the threshold, and initializes the sliding test counts with
// the same window.
func (d *KdqTreeStreaming) buildReference() error {
	part := kdqtree.New(
		kdqtree.WithCountUBound(d.params.CountUBound),
		kdqtree.WithMaxDepth(d.params.MaxDepth),
	)
	if _, err := part.Build(d.window, referenceLabel); err != nil {
		return err
	}

	leafIdx := part.LeafIndex()
	refCounts := part.LeafCounts(referenceLabel)
	testCounts := make([]int, len(refCounts))

	assignments := make([]int, len(d.window))
	for i, row := range d.window {
		leaf, err := part.Route(row)
		if err != nil {
			return err
		}
		pos := leafIdx[leaf]
		assignments[i] = pos
		testCounts[pos]++
	}
	if err := part.Fill(d.window, testLabel); err != nil {
		return err
	}

	d.part = part
	d.leafIdx = leafIdx
	d.refCounts = refCounts
	d.testCounts = testCounts
	d.threshold = bootstrapThreshold(assignments, len(refCounts),
		d.params.BootstrapSamples, d.params.Alpha, d.rng)
	d.divergence = 0
	d.state = api.StateNone
	d.built = true
	return nil
}

// State returns the verdict after the most recent observation.
func (d *KdqTreeStreaming) State() api.DriftState { return d.state }

// Divergence returns the statistic from the most recent observation.
func (d *KdqTreeStreaming) Divergence() float64 { return d.divergence }

// Threshold returns the bootstrapped critical value, available once the
// first window has filled.
func (d *KdqTreeStreaming) Threshold() float64 { return d.threshold }

// WindowLen returns the current buffer length. After WindowSize
// observations it is always exactly WindowSize.
func (d *KdqTreeStreaming) WindowLen() int { return len(d.window) }

// Needs reports that this detector consumes feature data only.
func (d *KdqTreeStreaming) Needs() Requirements { return Requirements{} }

// Reset discards the reference, the window and all running statistics.
func (d *KdqTreeStreaming) Reset() {
	d.reset()
	d.columns = nil
}

func (d *KdqTreeStreaming) reset() {
	d.part = nil
	d.leafIdx = nil
	d.window = nil
	d.refCounts = nil
	d.testCounts = nil
	d.threshold = 0
	d.divergence = 0
	d.state = api.StateNone
	d.built = false
}

// Export returns the flattened partition with reference and sliding
// window counts for external visualization.
func (d *KdqTreeStreaming) Export(maxDepth int) ([]kdqtree.ExportRow, error) {
	if !d.built {
		return nil, fmt.Errorf("%w: export requires a full reference window", api.ErrState)
	}
	return d.part.Export(referenceLabel, testLabel, maxDepth)
}
