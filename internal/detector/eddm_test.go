package detector

import (
	"errors"
	"testing"

	"github.com/driftlab/driftwatch/internal/api"
)

// feedOutcome pushes one classification outcome through the detector.
func feedOutcome(t *testing.T, d *EDDM, correct bool) {
	t.Helper()
	pred := 0.0
	if correct {
		pred = 1.0
	}
	y := &api.Labels{True: []float64{1}, Pred: []float64{pred}}
	if err := d.Update(nil, y); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
}

func TestEDDMRequiresLabels(t *testing.T) {
	d := NewEDDM(0, 0, 0)

	if err := d.Update(nil, nil); !errors.Is(err, api.ErrConfiguration) {
		t.Errorf("Update(nil labels) error = %v, want ErrConfiguration", err)
	}

	y := &api.Labels{True: []float64{1, 0}, Pred: []float64{1}}
	if err := d.Update(nil, y); !errors.Is(err, api.ErrShape) {
		t.Errorf("Update(mismatched labels) error = %v, want ErrShape", err)
	}

	if needs := d.Needs(); !needs.NeedsTrue || !needs.NeedsPred {
		t.Errorf("Needs() = %+v, want y_true and y_pred", needs)
	}
}

func TestEDDMStationaryStreamStaysNone(t *testing.T) {
	d := NewEDDM(0, 0, 0)

	// One error every 40 samples: the distance distribution is constant,
	// so the ratio to its own maximum stays at 1.
	for i := 0; i < 2000; i++ {
		feedOutcome(t, d, i%40 != 39)
	}
	if d.State() != api.StateNone {
		t.Errorf("State() = %s on a stationary error stream, want none (stat %f)",
			d.State(), d.TestStatistic())
	}
	if start, end := d.RetrainWindow(); start != -1 || end != -1 {
		t.Errorf("RetrainWindow() = (%d, %d) with no episode, want (-1, -1)", start, end)
	}
}

func TestEDDMWarningThenDrift(t *testing.T) {
	d := NewEDDM(0, 0, 0)

	// Burn in with widely spaced errors, then cluster them. The error
	// distance mean collapses, the statistic decays through the warning
	// band into drift.
	for i := 0; i < 1600; i++ {
		feedOutcome(t, d, i%40 != 39)
	}

	sawWarning := false
	sawDrift := false
	for i := 0; i < 2000 && !sawDrift; i++ {
		feedOutcome(t, d, i%2 != 0)
		switch d.State() {
		case api.StateWarning:
			sawWarning = true
		case api.StateDrift:
			sawDrift = true
		}
	}

	if !sawDrift {
		t.Fatalf("no drift after clustering errors (stat %f)", d.TestStatistic())
	}
	if !sawWarning {
		t.Error("drift was not preceded by a warning")
	}

	start, end := d.RetrainWindow()
	if start < 0 || end < start {
		t.Errorf("RetrainWindow() = (%d, %d) at drift, want 0 <= start <= end", start, end)
	}

	// The next sample after a drift restarts the statistics.
	feedOutcome(t, d, true)
	if d.State() != api.StateNone {
		t.Errorf("State() = %s on the sample after drift, want none", d.State())
	}
	if d.TestStatistic() != 0 {
		t.Errorf("TestStatistic() = %f after reset, want 0", d.TestStatistic())
	}
}

func TestEDDMBurnIn(t *testing.T) {
	d := NewEDDM(30, 0.95, 0.90)

	// 29 errors in a tight cluster: still below the error burn-in, so no
	// verdict may fire regardless of how alarming the distances look.
	for i := 0; i < 29; i++ {
		feedOutcome(t, d, false)
	}
	if d.State() != api.StateNone {
		t.Errorf("State() = %s during burn-in, want none", d.State())
	}
}

func TestEDDMResetClearsEpisode(t *testing.T) {
	d := NewEDDM(0, 0, 0)
	for i := 0; i < 800; i++ {
		feedOutcome(t, d, i%10 != 0)
	}
	d.Reset()

	if d.State() != api.StateNone {
		t.Errorf("State() = %s after Reset, want none", d.State())
	}
	if d.TestStatistic() != 0 {
		t.Errorf("TestStatistic() = %f after Reset, want 0", d.TestStatistic())
	}
	if start, end := d.RetrainWindow(); start != -1 || end != -1 {
		t.Errorf("RetrainWindow() = (%d, %d) after Reset, want (-1, -1)", start, end)
	}
}
