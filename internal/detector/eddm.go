package detector

import (
	"fmt"
	"math"

	"github.com/driftlab/driftwatch/internal/api"
)

// EDDM (Early Drift Detection Method) is a concept-drift detector for
// binary classifiers that monitors the distance between consecutive
// classification errors. The running mean and standard deviation of that
// distance are tracked; when (mean + 2*std) shrinks relative to its
// historical maximum, errors are clustering and the error distribution
// is no longer stationary.
//
// The detector enters "warning" when the ratio drops below warningThresh
// and "drift" below driftThresh. After a drift the statistics reset on
// the next update.
//
// Ref. Baena-Garcia et al., "Early drift detection method", 2006.
type EDDM struct {
	nThreshold    int
	warningThresh float64
	driftThresh   float64

	totalSamples      int
	samplesSinceReset int
	nErrors           int
	indexErrorCurr    int
	indexErrorLast    int
	distMean          float64
	distVarSum        float64
	maxNumerator      float64
	testStatistic     float64
	state             api.DriftState

	// retrainStart/retrainEnd bracket the samples a caller should retrain
	// on: usually [first warning index, drift index].
	retrainStart int
	retrainEnd   int
}

// NewEDDM creates an EDDM detector. Zero-valued arguments fall back to
// the published defaults (30 errors minimum, 0.95 warning, 0.90 drift).
func NewEDDM(nThreshold int, warningThresh, driftThresh float64) *EDDM {
	if nThreshold <= 0 {
		nThreshold = 30
	}
	if warningThresh <= 0 {
		warningThresh = 0.95
	}
	if driftThresh <= 0 {
		driftThresh = 0.90
	}
	d := &EDDM{
		nThreshold:    nThreshold,
		warningThresh: warningThresh,
		driftThresh:   driftThresh,
	}
	d.reset()
	return d
}

// SetReference resets the detector. EDDM has no reference build; its
// baseline is the running maximum it accumulates from the stream.
func (d *EDDM) SetReference(_ *api.Dataset, _ *api.Labels) error {
	d.reset()
	return nil
}

// Update consumes (y_pred, y_true) pairs from y. X is ignored.
func (d *EDDM) Update(_ *api.Dataset, y *api.Labels) error {
	if y == nil || len(y.True) == 0 {
		return fmt.Errorf("%w: EDDM requires y_true and y_pred", api.ErrConfiguration)
	}
	if len(y.True) != len(y.Pred) {
		return fmt.Errorf("%w: y_true has %d values, y_pred has %d", api.ErrShape, len(y.True), len(y.Pred))
	}
	for i := range y.True {
		d.step(y.Pred[i] == y.True[i])
	}
	return nil
}

// step consumes one classification outcome.
func (d *EDDM) step(correct bool) {
	if d.state == api.StateDrift {
		d.reset()
	}

	d.totalSamples++
	d.samplesSinceReset++

	if correct {
		return
	}

	d.nErrors++
	d.indexErrorLast = d.indexErrorCurr
	d.indexErrorCurr = d.samplesSinceReset - 1
	dist := float64(d.indexErrorCurr - d.indexErrorLast)

	// Welford update of the running mean/variance of the error distance.
	prevMean := d.distMean
	d.distMean += (dist - d.distMean) / float64(d.nErrors)
	d.distVarSum += (dist - d.distMean) * (dist - prevMean)
	distStd := math.Sqrt(d.distVarSum / float64(d.nErrors))

	// Burn-in: the maxima are unreliable until enough errors accrue.
	if d.nErrors < d.nThreshold {
		return
	}

	numerator := d.distMean + 2*distStd
	if numerator > d.maxNumerator {
		d.maxNumerator = numerator
	}
	d.testStatistic = numerator / d.maxNumerator

	switch {
	case d.testStatistic <= d.driftThresh:
		d.state = api.StateDrift
	case d.testStatistic <= d.warningThresh:
		d.state = api.StateWarning
	default:
		d.state = api.StateNone
	}

	d.recordRetrainWindow()
}

// recordRetrainWindow tracks [first warning index, drift index] for the
// current episode. An abrupt drift with no preceding warning collapses
// the window to a single index.
func (d *EDDM) recordRetrainWindow() {
	switch d.state {
	case api.StateWarning:
		if d.retrainStart < 0 {
			d.retrainStart = d.totalSamples - 1
		}
	case api.StateDrift:
		d.retrainEnd = d.totalSamples - 1
		if d.retrainStart < 0 {
			d.retrainStart = d.totalSamples - 1
		}
	default:
		d.retrainStart = -1
		d.retrainEnd = -1
	}
}

// State returns the verdict after the most recent sample.
func (d *EDDM) State() api.DriftState { return d.state }

// TestStatistic returns the current (mean+2s)/(max mean+2s max) ratio.
func (d *EDDM) TestStatistic() float64 { return d.testStatistic }

// RetrainWindow returns the recommended retraining sample range as
// absolute stream indices, or (-1, -1) when no episode is active.
func (d *EDDM) RetrainWindow() (start, end int) { return d.retrainStart, d.retrainEnd }

// Needs reports that EDDM consumes labels, not feature data.
func (d *EDDM) Needs() Requirements { return Requirements{NeedsTrue: true, NeedsPred: true} }

// Reset clears all running statistics. The lifetime sample counter is
// kept so retraining indices stay absolute.
func (d *EDDM) Reset() { d.reset() }

func (d *EDDM) reset() {
	d.samplesSinceReset = 0
	d.nErrors = 0
	d.indexErrorCurr = 0
	d.indexErrorLast = 0
	d.distMean = 0
	d.distVarSum = 0
	d.maxNumerator = 0
	d.testStatistic = 0
	d.state = api.StateNone
	d.retrainStart = -1
	d.retrainEnd = -1
}
