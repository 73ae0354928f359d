package detector

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/driftlab/driftwatch/internal/api"
)

// Divergence metrics for PCA-CD.
const (
	DivergenceKL           = "kl"
	DivergenceIntersection = "intersection"
)

// Density estimators for PCA-CD.
const (
	DensityKDE       = "kde"
	DensityHistogram = "histogram"
)

// PCACDConfig holds the tunables for PCA-CD. Zero values fall back to
// defaults; WindowSize must be positive.
type PCACDConfig struct {
	WindowSize int
	// EVThreshold is the fraction of explained variance retained when
	// choosing the number of principal components. Default 0.99.
	EVThreshold float64
	// Delta is the Page-Hinkley minimum change amplitude. Default 0.1.
	Delta float64
	// Divergence selects the window comparison metric. Default "kl".
	Divergence string
	// Density selects the density estimator. Default "kde".
	Density string
	// SamplePeriod controls how often drift is checked: every
	// min(100, SamplePeriod*WindowSize) samples. Default 0.05.
	SamplePeriod float64
}

// PCACD (Principal Component Analysis Change Detection) is a streaming
// data-drift detector. Principal components are fit on a reference
// window; both the reference window and a sliding test window are
// projected onto them, per-component densities are estimated, and the
// divergence between the two density tracks is fed to an internal
// Page-Hinkley monitor. When Page-Hinkley alarms, drift is declared and
// the test window becomes the new reference.
//
// Ref. Qahtan & Wang, "A PCA-Based Change Detection Framework for
// Multidimensional Data Streams", KDD '15.
type PCACD struct {
	cfg  PCACDConfig
	step int
	ph   *PageHinkley

	collecting bool
	refWindow  [][]float64
	testWindow [][]float64

	columns    []string
	means      []float64
	components *mat.Dense
	numPCs     int

	refProj    [][]float64
	testProj   [][]float64
	refDensity [][]float64
	histEdges  []float64
	bins       int

	totalSamples int
	changeScore  float64
	state        api.DriftState
}

// NewPCACD creates a PCA-CD detector.
func NewPCACD(cfg PCACDConfig) (*PCACD, error) {
	if cfg.WindowSize <= 1 {
		return nil, fmt.Errorf("%w: window size must be greater than 1", api.ErrConfiguration)
	}
	if cfg.EVThreshold <= 0 || cfg.EVThreshold > 1 {
		cfg.EVThreshold = 0.99
	}
	if cfg.Delta <= 0 {
		cfg.Delta = 0.1
	}
	if cfg.Divergence == "" {
		cfg.Divergence = DivergenceKL
	}
	if cfg.Divergence != DivergenceKL && cfg.Divergence != DivergenceIntersection {
		return nil, fmt.Errorf("%w: unknown divergence metric %q", api.ErrConfiguration, cfg.Divergence)
	}
	if cfg.Density == "" {
		cfg.Density = DensityKDE
	}
	if cfg.Density != DensityKDE && cfg.Density != DensityHistogram {
		return nil, fmt.Errorf("%w: unknown density estimator %q", api.ErrConfiguration, cfg.Density)
	}
	if cfg.SamplePeriod <= 0 {
		cfg.SamplePeriod = 0.05
	}

	step := int(math.Round(cfg.SamplePeriod * float64(cfg.WindowSize)))
	if step > 100 {
		step = 100
	}
	if step < 1 {
		step = 1
	}
	phThreshold := math.Round(0.01 * float64(cfg.WindowSize))
	if phThreshold < 1 {
		phThreshold = 1
	}

	d := &PCACD{
		cfg:        cfg,
		step:       step,
		ph:         NewPageHinkley(cfg.Delta, phThreshold, 0),
		collecting: true,
		bins:       int(math.Floor(math.Sqrt(float64(cfg.WindowSize)))),
		state:      api.StateNone,
	}
	return d, nil
}

// SetReference resets the detector and feeds every row of X through the
// stream; 2*WindowSize rows fill both windows and fit the components.
func (d *PCACD) SetReference(X *api.Dataset, _ *api.Labels) error {
	if err := X.Validate(); err != nil {
		return err
	}
	d.Reset()
	d.columns = append([]string(nil), X.Columns...)
	for _, row := range X.Rows {
		d.observe(row)
	}
	return nil
}

// Update advances the stream with each row of X.
func (d *PCACD) Update(X *api.Dataset, _ *api.Labels) error {
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
		d.observe(row)
	}
	return nil
}

// observe consumes one observation.
func (d *PCACD) observe(row []float64) {
	point := append([]float64(nil), row...)
	d.totalSamples++

	if d.collecting {
		if d.state == api.StateDrift {
			// The drifted test window becomes the new reference.
			d.refWindow = d.testWindow
			d.testWindow = nil
			d.ph.Reset()
			d.state = api.StateNone
		}

		if len(d.refWindow) < d.cfg.WindowSize {
			d.refWindow = append(d.refWindow, point)
		} else {
			d.testWindow = append(d.testWindow, point)
		}

		if len(d.testWindow) == d.cfg.WindowSize {
			d.fitReference()
			d.collecting = false
		}
		return
	}

	// Slide the test window and its projection in lockstep.
	d.testWindow = append(d.testWindow[1:], point)
	d.testProj = append(d.testProj[1:], d.project(point))

	if d.totalSamples%d.step != 0 {
		return
	}

	score := 0.0
	for pc := 0; pc < d.numPCs; pc++ {
		testDensity := d.density(column(d.testProj, pc))
		div := divergence(d.cfg.Divergence, d.refDensity[pc], testDensity)
		if div > score {
			score = div
		}
	}
	d.changeScore = score

	if d.ph.Update(score) {
		d.state = api.StateDrift
		d.collecting = true
	}
}

// fitReference fits principal components on the reference window,
// projects both windows, and freezes the reference density track.
func (d *PCACD) fitReference() {
	n := len(d.refWindow)
	dims := len(d.refWindow[0])

	d.means = make([]float64, dims)
	for _, row := range d.refWindow {
		for j, v := range row {
			d.means[j] += v
		}
	}
	for j := range d.means {
		d.means[j] /= float64(n)
	}

	centered := mat.NewDense(n, dims, nil)
	for i, row := range d.refWindow {
		for j, v := range row {
			centered.Set(i, j, v-d.means[j])
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(centered, mat.SVDThin); !ok {
		// Degenerate window; fall back to the identity projection.
		d.numPCs = dims
		d.components = identity(dims)
	} else {
		var v mat.Dense
		svd.VTo(&v)
		values := svd.Values(nil)

		totalVar := 0.0
		for _, s := range values {
			totalVar += s * s
		}
		d.numPCs = len(values)
		if totalVar > 0 {
			cum := 0.0
			for i, s := range values {
				cum += s * s
				if cum/totalVar >= d.cfg.EVThreshold {
					d.numPCs = i + 1
					break
				}
			}
		}
		d.components = mat.DenseCopyOf(v.Slice(0, dims, 0, d.numPCs))
	}

	d.refProj = make([][]float64, len(d.refWindow))
	for i, row := range d.refWindow {
		d.refProj[i] = d.project(row)
	}
	d.testProj = make([][]float64, len(d.testWindow))
	for i, row := range d.testWindow {
		d.testProj[i] = d.project(row)
	}

	if d.cfg.Density == DensityHistogram {
		d.fitHistogramEdges()
	}
	d.refDensity = make([][]float64, d.numPCs)
	for pc := 0; pc < d.numPCs; pc++ {
		d.refDensity[pc] = d.density(column(d.refProj, pc))
	}
}

// project maps one observation onto the retained components.
func (d *PCACD) project(row []float64) []float64 {
	out := make([]float64, d.numPCs)
	for j := 0; j < d.numPCs; j++ {
		sum := 0.0
		for i, v := range row {
			sum += (v - d.means[i]) * d.components.At(i, j)
		}
		out[j] = sum
	}
	return out
}

// fitHistogramEdges fixes the bin range from the reference projection so
// reference and test histograms stay comparable.
func (d *PCACD) fitHistogramEdges() {
	lo, hi := math.Inf(1), math.Inf(-1)
	for pc := 0; pc < d.numPCs; pc++ {
		for _, v := range column(d.refProj, pc) {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	if hi <= lo {
		hi = lo + 1
	}
	// Widen slightly so drifting mass still lands in the edge bins.
	span := hi - lo
	d.histEdges = []float64{lo - 0.5*span, hi + 0.5*span}
}

// density estimates the density track of one projected window.
func (d *PCACD) density(values []float64) []float64 {
	if d.cfg.Density == DensityHistogram {
		return histogramDensity(values, d.bins, d.histEdges[0], d.histEdges[1])
	}
	return kdeTrack(values)
}

// kdeTrack evaluates an Epanechnikov kernel density estimate at the
// window's own sample points, Silverman's rule for bandwidth.
func kdeTrack(values []float64) []float64 {
	n := len(values)
	bandwidth := 1.06 * stat.StdDev(values, nil) * math.Pow(float64(n), -1.0/5.0)
	if bandwidth <= 0 {
		bandwidth = 1e-6
	}

	density := make([]float64, n)
	norm := 1.0 / (float64(n) * bandwidth)
	for i, x := range values {
		sum := 0.0
		for _, xj := range values {
			sum += epanechnikov((x - xj) / bandwidth)
		}
		density[i] = norm * sum
	}
	return density
}

// epanechnikov is the parabolic kernel 0.75*(1-u^2) on [-1, 1].
func epanechnikov(u float64) float64 {
	if u < -1 || u > 1 {
		return 0
	}
	return 0.75 * (1 - u*u)
}

// histogramDensity bins values over a fixed [lo, hi) range; out-of-range
// values clamp to the edge bins.
func histogramDensity(values []float64, bins int, lo, hi float64) []float64 {
	density := make([]float64, bins)
	width := (hi - lo) / float64(bins)
	for _, v := range values {
		b := int((v - lo) / width)
		if b < 0 {
			b = 0
		}
		if b >= bins {
			b = bins - 1
		}
		density[b]++
	}
	norm := 1.0 / (float64(len(values)) * width)
	for i := range density {
		density[i] *= norm
	}
	return density
}

// divergence compares two density tracks after normalizing each to a
// discrete distribution.
func divergence(metric string, p, q []float64) float64 {
	pn := normalize(p)
	qn := normalize(q)
	if metric == DivergenceIntersection {
		sum := 0.0
		for i := range pn {
			sum += math.Abs(pn[i] - qn[i])
		}
		return 0.5 * sum
	}
	// Symmetric Kullback-Leibler: the larger of the two directions.
	return math.Max(klDivergence(pn, qn), klDivergence(qn, pn))
}

func normalize(values []float64) []float64 {
	const eps = 1e-12
	total := 0.0
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v + eps
		total += out[i]
	}
	for i := range out {
		out[i] /= total
	}
	return out
}

func klDivergence(p, q []float64) float64 {
	sum := 0.0
	for i := range p {
		sum += p[i] * math.Log(p[i]/q[i])
	}
	return sum
}

func column(rows [][]float64, j int) []float64 {
	out := make([]float64, len(rows))
	for i, row := range rows {
		out[i] = row[j]
	}
	return out
}

func identity(dims int) *mat.Dense {
	m := mat.NewDense(dims, dims, nil)
	for i := 0; i < dims; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// State returns the verdict after the most recent observation.
func (d *PCACD) State() api.DriftState { return d.state }

// ChangeScore returns the most recent window divergence score.
func (d *PCACD) ChangeScore() float64 { return d.changeScore }

// NumPCs returns the number of retained principal components, available
// once both windows have filled.
func (d *PCACD) NumPCs() int { return d.numPCs }

// Needs reports that PCA-CD consumes feature data only.
func (d *PCACD) Needs() Requirements { return Requirements{} }

// Reset discards both windows, the fitted components and all running
// statistics.
func (d *PCACD) Reset() {
	d.collecting = true
	d.refWindow = nil
	d.testWindow = nil
	d.columns = nil
	d.means = nil
	d.components = nil
	d.numPCs = 0
	d.refProj = nil
	d.testProj = nil
	d.refDensity = nil
	d.histEdges = nil
	d.totalSamples = 0
	d.changeScore = 0
	d.state = api.StateNone
	d.ph.Reset()
}
