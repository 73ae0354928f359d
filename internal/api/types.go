package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DriftState is the categorical verdict a detector emits after each update.
type DriftState string

const (
	// StateNone means no evidence of distributional change.
	StateNone DriftState = "none"
	// StateWarning is the intermediate tier used by detectors that have one
	// (EDDM does, the kdq-tree family does not).
	StateWarning DriftState = "warning"
	// StateDrift means the detector's statistic crossed its threshold.
	StateDrift DriftState = "drift"
)

// Dataset is a 2-D numeric table with named columns. Rows are samples,
// all of the same width as Columns.
type Dataset struct {
	Columns []string    `json:"columns"`
	Rows    [][]float64 `json:"rows"`
}

// NumRows returns the number of samples.
func (d *Dataset) NumRows() int { return len(d.Rows) }

// NumCols returns the dimensionality.
func (d *Dataset) NumCols() int { return len(d.Columns) }

// Validate performs basic structural validation.
func (d *Dataset) Validate() error {
	if d == nil || len(d.Rows) < 1 {
		return fmt.Errorf("%w: dataset must have at least one row", ErrConfiguration)
	}
	if len(d.Columns) == 0 {
		return fmt.Errorf("%w: dataset must have at least one column", ErrConfiguration)
	}
	for i, row := range d.Rows {
		if len(row) != len(d.Columns) {
			return fmt.Errorf("%w: row %d has %d values, expected %d", ErrShape, i, len(row), len(d.Columns))
		}
	}
	return nil
}

// SameColumns reports whether the column names and their order match.
// Detectors bind their column schema at reference time and reject
// mismatched updates.
func (d *Dataset) SameColumns(columns []string) bool {
	if len(d.Columns) != len(columns) {
		return false
	}
	for i, c := range d.Columns {
		if c != columns[i] {
			return false
		}
	}
	return true
}

// Select returns a new dataset restricted to the named columns, in the
// given order. Unknown column names are a configuration error.
func (d *Dataset) Select(columns []string) (*Dataset, error) {
	idx := make([]int, 0, len(columns))
	for _, name := range columns {
		found := -1
		for j, c := range d.Columns {
			if c == name {
				found = j
				break
			}
		}
		if found < 0 {
			return nil, fmt.Errorf("%w: unknown column %q", ErrConfiguration, name)
		}
		idx = append(idx, found)
	}

	out := &Dataset{
		Columns: append([]string(nil), columns...),
		Rows:    make([][]float64, len(d.Rows)),
	}
	for i, row := range d.Rows {
		sel := make([]float64, len(idx))
		for k, j := range idx {
			sel[k] = row[j]
		}
		out.Rows[i] = sel
	}
	return out, nil
}

// Labels carries the optional supervised inputs consumed by concept-drift
// detectors. Data-drift detectors ignore it.
type Labels struct {
	True []float64 `json:"y_true,omitempty"`
	Pred []float64 `json:"y_pred,omitempty"`
}

// DriftReport is the durable record of one detector update.
type DriftReport struct {
	ReportID   string     `json:"report_id"`
	Detector   string     `json:"detector"`
	Seq        int64      `json:"seq"`
	State      DriftState `json:"state"`
	Divergence float64    `json:"divergence"`
	Threshold  float64    `json:"threshold"`
	NumRows    int        `json:"num_rows"`
	ComputedAt time.Time  `json:"computed_at"`
}

// KdqTreeParams contains the tunables shared by the kdq-tree detector
// family.
type KdqTreeParams struct {
	// Alpha is the significance level for the bootstrapped threshold.
	Alpha float64 `json:"alpha"`
	// BootstrapSamples is the number of synthetic reference splits drawn
	// when estimating the critical threshold.
	BootstrapSamples int `json:"bootstrap_samples"`
	// CountUBound caps the number of points per leaf at build time.
	CountUBound int `json:"count_ubound"`
	// MaxDepth bounds the tree depth at build time. Zero disables the bound.
	MaxDepth int `json:"max_depth"`
	// WindowSize is the sliding window width for the streaming variant.
	WindowSize int `json:"window_size"`
	// Seed drives the bootstrap's random source, for reproducibility.
	Seed int64 `json:"seed"`
	// ReportTTL is how long drift reports are retained in the result store.
	ReportTTL time.Duration `json:"report_ttl"`
}

// DefaultKdqTreeParams returns the standard parameters.
func DefaultKdqTreeParams() KdqTreeParams {
	return KdqTreeParams{
		Alpha:            0.01,
		BootstrapSamples: 500,
		CountUBound:      100,
		MaxDepth:         0,
		WindowSize:       500,
		Seed:             1,
		ReportTTL:        14 * 24 * time.Hour,
	}
}

// ComputeReportID computes the canonical report_id = sha256(detector|seq).
func ComputeReportID(detector string, seq int64) string {
	data := fmt.Sprintf("%s|%d", detector, seq)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
