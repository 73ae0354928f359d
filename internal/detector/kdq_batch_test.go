package detector

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/driftlab/driftwatch/internal/api"
)

func uniformDataset(n int, lo, hi float64, seed int64) *api.Dataset {
	rng := rand.New(rand.NewSource(seed))
	d := &api.Dataset{Columns: []string{"x0", "x1"}}
	for i := 0; i < n; i++ {
		d.Rows = append(d.Rows, []float64{
			lo + (hi-lo)*rng.Float64(),
			lo + (hi-lo)*rng.Float64(),
		})
	}
	return d
}

func batchParams() api.KdqTreeParams {
	p := api.DefaultKdqTreeParams()
	p.CountUBound = 50
	p.Seed = 1
	return p
}

func TestBatchRequiresReference(t *testing.T) {
	d := NewKdqTreeBatch(batchParams())
	err := d.Update(uniformDataset(100, 0, 1, 1), nil)
	if !errors.Is(err, api.ErrState) {
		t.Errorf("Update before SetReference error = %v, want ErrState", err)
	}
	if _, err := d.Export(0); !errors.Is(err, api.ErrState) {
		t.Errorf("Export before SetReference error = %v, want ErrState", err)
	}
}

func TestBatchColumnMismatch(t *testing.T) {
	d := NewKdqTreeBatch(batchParams())
	if err := d.SetReference(uniformDataset(200, 0, 1, 1), nil); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}

	bad := uniformDataset(100, 0, 1, 2)
	bad.Columns = []string{"a", "b"}
	if err := d.Update(bad, nil); !errors.Is(err, api.ErrShape) {
		t.Errorf("Update with renamed columns error = %v, want ErrShape", err)
	}
}

func TestBatchInvalidDataset(t *testing.T) {
	d := NewKdqTreeBatch(batchParams())
	if err := d.SetReference(&api.Dataset{}, nil); !errors.Is(err, api.ErrConfiguration) {
		t.Errorf("SetReference with empty dataset error = %v, want ErrConfiguration", err)
	}
}

func TestBatchDeterministicThreshold(t *testing.T) {
	ref := uniformDataset(500, 0, 1, 42)

	a := NewKdqTreeBatch(batchParams())
	b := NewKdqTreeBatch(batchParams())
	if err := a.SetReference(ref, nil); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}
	if err := b.SetReference(ref, nil); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}

	if a.Threshold() != b.Threshold() {
		t.Errorf("same seed produced thresholds %f and %f", a.Threshold(), b.Threshold())
	}
	if a.Threshold() <= 0 {
		t.Errorf("threshold = %f, want > 0", a.Threshold())
	}
}

func TestBatchNoDriftOnSameDistribution(t *testing.T) {
	d := NewKdqTreeBatch(batchParams())
	if err := d.SetReference(uniformDataset(500, 0, 1, 1), nil); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}
	if err := d.Update(uniformDataset(500, 0, 1, 2), nil); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if d.State() != api.StateNone {
		t.Errorf("State() = %s on same-distribution batch, want none (divergence %f, threshold %f)",
			d.State(), d.Divergence(), d.Threshold())
	}
}

func TestBatchDetectsShift(t *testing.T) {
	d := NewKdqTreeBatch(batchParams())
	if err := d.SetReference(uniformDataset(500, 0, 1, 1), nil); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}

	// Shifted by half the support: most mass lands outside the reference
	// bulk, so the statistic must clear the threshold decisively.
	if err := d.Update(uniformDataset(500, 0.5, 1.5, 3), nil); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if d.State() != api.StateDrift {
		t.Errorf("State() = %s on shifted batch, want drift (divergence %f, threshold %f)",
			d.State(), d.Divergence(), d.Threshold())
	}
	if d.Divergence() <= d.Threshold() {
		t.Errorf("divergence %f not above threshold %f", d.Divergence(), d.Threshold())
	}

	// Each epoch stands alone: a clean batch after a drifted one goes
	// back to none.
	if err := d.Update(uniformDataset(500, 0, 1, 4), nil); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if d.State() != api.StateNone {
		t.Errorf("State() = %s after clean batch, want none", d.State())
	}
}

func TestBatchResetKeepsReference(t *testing.T) {
	d := NewKdqTreeBatch(batchParams())
	if err := d.SetReference(uniformDataset(400, 0, 1, 1), nil); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}
	threshold := d.Threshold()

	if err := d.Update(uniformDataset(400, 0.5, 1.5, 2), nil); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	d.Reset()

	if d.State() != api.StateNone {
		t.Errorf("State() = %s after Reset, want none", d.State())
	}
	if d.Divergence() != 0 {
		t.Errorf("Divergence() = %f after Reset, want 0", d.Divergence())
	}
	if d.Threshold() != threshold {
		t.Errorf("Threshold() changed across Reset: %f -> %f", threshold, d.Threshold())
	}

	// The detector is still usable against the same reference.
	if err := d.Update(uniformDataset(400, 0, 1, 5), nil); err != nil {
		t.Fatalf("Update after Reset failed: %v", err)
	}
}

func TestBatchExport(t *testing.T) {
	d := NewKdqTreeBatch(batchParams())
	if err := d.SetReference(uniformDataset(300, 0, 1, 1), nil); err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}

	// Before any update the export carries reference counts only.
	rows, err := d.Export(0)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if len(rows) == 0 {
		t.Fatal("Export returned no rows")
	}
	if rows[0].CountDiff != nil {
		t.Error("export before update should not carry count_diff")
	}

	if err := d.Update(uniformDataset(300, 0.5, 1.5, 2), nil); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	rows, err = d.Export(0)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if rows[0].CountDiff == nil || rows[0].KSS == nil {
		t.Error("export after update should carry count_diff and kss")
	}
}

func TestBatchNeedsNoLabels(t *testing.T) {
	d := NewKdqTreeBatch(batchParams())
	if needs := d.Needs(); needs.NeedsTrue || needs.NeedsPred {
		t.Errorf("Needs() = %+v, want no label requirements", needs)
	}
}
